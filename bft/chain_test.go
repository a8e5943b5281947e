package bft

import (
	"testing"

	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
	"github.com/stretchr/testify/require"
)

// newTestLeaf() builds a child of parent at view
func newTestLeaf(parent *lib.Leaf, view uint64) *lib.Leaf {
	return &lib.Leaf{
		View:          view,
		Height:        parent.Height + 1,
		ParentHash:    parent.Hash(),
		PayloadHash:   crypto.Hash([]byte{byte(view)}),
		VidCommitment: crypto.Hash(nil),
		Justify:       &lib.QuorumCertificate{View: parent.View, Phase: lib.PhasePrepare, LeafHash: parent.Hash()},
	}
}

func TestChainCommit(t *testing.T) {
	committer := &testCommitter{}
	chain, err := NewChain(0, committer, lib.NewNullLogger())
	require.NoError(t, err)
	genesis := chain.Committed()
	require.True(t, genesis.IsGenesis())
	a := newTestLeaf(genesis, 1)
	b := newTestLeaf(a, 3)
	c := newTestLeaf(b, 4)
	for _, l := range []*lib.Leaf{a, b, c} {
		chain.Add(l)
	}
	// deciding c commits a and b first
	qc := &lib.QuorumCertificate{View: 4, Phase: lib.PhaseCommit, LeafHash: c.Hash()}
	committed, err := chain.Commit(c, qc)
	require.NoError(t, err)
	require.Equal(t, []*lib.Leaf{a, b, c}, committed)
	require.Equal(t, []*lib.Leaf{a, b, c}, committer.Committed())
	require.Equal(t, b.Justify, committer.qcs[0])
	require.Equal(t, c.Justify, committer.qcs[1])
	require.Equal(t, qc, committer.qcs[2])
	require.Equal(t, c, chain.Committed())
	// committing the tip again is a no-op
	committed, err = chain.Commit(c, qc)
	require.NoError(t, err)
	require.Empty(t, committed)
	// a fork below the tip conflicts with what's committed
	fork := newTestLeaf(a, 5)
	chain.Add(fork)
	_, err = chain.Commit(fork, qc)
	require.Error(t, err)
	require.Equal(t, lib.KindInvariantViolation, err.Kind())
}

func TestChainCommitMissingParent(t *testing.T) {
	chain, err := NewChain(0, nil, lib.NewNullLogger())
	require.NoError(t, err)
	a := newTestLeaf(chain.Committed(), 1)
	b := newTestLeaf(a, 2)
	// a was never added
	_, err = chain.Commit(b, &lib.QuorumCertificate{View: 2, Phase: lib.PhaseCommit, LeafHash: b.Hash()})
	require.Error(t, err)
	require.Equal(t, lib.KindLeafNotFound, err.Kind())
}

func TestChainLock(t *testing.T) {
	chain, err := NewChain(0, nil, lib.NewNullLogger())
	require.NoError(t, err)
	require.EqualValues(t, 0, chain.Locked().View)
	chain.Lock(&lib.QuorumCertificate{View: 5, Phase: lib.PhasePreCommit})
	chain.Lock(&lib.QuorumCertificate{View: 3, Phase: lib.PhasePreCommit})
	require.EqualValues(t, 5, chain.Locked().View, "the lock never moves back")
	tests := []struct {
		name        string
		justifyView uint64
		error       bool
	}{
		{name: "below lock", justifyView: 3, error: true},
		{name: "at lock", justifyView: 5},
		{name: "above lock", justifyView: 7},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := chain.SafeNode(&lib.QuorumCertificate{View: test.justifyView, Phase: lib.PhasePrepare})
			if test.error {
				require.Error(t, err)
				require.Equal(t, lib.KindInvalidState, err.Kind())
				return
			}
			require.NoError(t, err)
		})
	}
}
