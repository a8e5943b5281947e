package bft

import (
	"bytes"
	"testing"
	"time"

	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
	"github.com/stretchr/testify/require"
)

// newTestProposal() builds a proposal for view extending genesis, applies modify and signs it with signer
func newTestProposal(t *testing.T, table *lib.StakeTable, signer crypto.PrivateKeyI, view uint64, payload []byte, modify func(p *lib.Proposal)) *lib.Proposal {
	genesis := lib.GenesisLeaf()
	vid, err := VidDisperse(view, payload, table)
	require.NoError(t, err)
	p := &lib.Proposal{
		Leaf: &lib.Leaf{
			View:          view,
			Height:        1,
			ParentHash:    genesis.Hash(),
			PayloadHash:   crypto.Hash(payload),
			VidCommitment: VidCommitment(vid.ShareHashes),
			Justify:       lib.GenesisQC(),
		},
		DAProposal:  &lib.DAProposal{View: view, Payload: payload},
		VidDisperse: vid,
	}
	if modify != nil {
		modify(p)
	}
	p.Signature = signer.Sign(p.SignBytes())
	return p
}

// replicaOf() returns the index of some participant that isn't the leader
func replicaOf(tr *testRounds) int { return (tr.leader() + 1) % len(tr.keys) }

func TestRoundHappyPath(t *testing.T) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	tr := newTestRounds(t, keys, table, 1, 0)
	leader := tr.leader()
	require.True(t, tr.rounds[leader].IsLeader())
	for i := range keys {
		if i != leader {
			require.False(t, tr.rounds[i].IsLeader())
			require.Equal(t, lib.ReplicaWaitingForPrepare, tr.rounds[i].State())
		}
	}
	require.Equal(t, lib.LeaderWaitingForHighQC, tr.rounds[leader].State())
	// the leader receives its high qc and proposes
	out := tr.drive(leader, QCInput{QC: lib.GenesisQC()})
	require.Equal(t, OutcomePending, out.Kind)
	require.Equal(t, lib.LeaderWaitingForPrepareVotes, out.State)
	tr.pump()
	// every participant decides the same leaf exactly once
	var decided *lib.Leaf
	for i := range keys {
		var count int
		for _, o := range tr.outcomes[i] {
			if o.Kind != OutcomeDecided {
				continue
			}
			count++
			require.NoError(t, o.Err)
			require.Equal(t, lib.PhaseCommit, o.QC.Phase)
			require.NoError(t, table.VerifyQC(o.QC))
			if decided == nil {
				decided = o.Leaf
			}
			require.Equal(t, decided.Hash(), o.Leaf.Hash())
		}
		require.Equal(t, 1, count, "participant %d", i)
		require.True(t, tr.rounds[i].Done())
		require.EqualValues(t, 1, tr.chains[i].Locked().View)
		// data and share were persisted before voting
		da, err := tr.storages[i].Retrieve(lib.ProposalKindDA, 1, keys[leader].PublicKey().Bytes())
		require.NoError(t, err)
		require.Equal(t, decided.PayloadHash, lib.HexBytes(crypto.Hash(da.DAProposal.Payload)))
		share, err := tr.storages[i].Retrieve(lib.ProposalKindVidShare, 1, keys[i].PublicKey().Bytes())
		require.NoError(t, err)
		require.Equal(t, i, share.VidShare.Index)
	}
	require.EqualValues(t, 1, decided.Height)
	require.Equal(t, lib.GenesisLeaf().Hash(), []byte(decided.ParentHash))
	// late votes were counted without forming a second certificate
	for _, phase := range []lib.Phase{lib.PhasePrepare, lib.PhasePreCommit} {
		require.EqualValues(t, 4, tr.rounds[leader].Aggregator().Tally(phase).Weight, phase.String())
	}
}

func TestRoundSingleParticipant(t *testing.T) {
	keys := newTestKeys(t, 1)
	table := newTestStakeTable(t, keys)
	tr := newTestRounds(t, keys, table, 1, 0)
	out := tr.drive(0, QCInput{QC: lib.GenesisQC()})
	require.Equal(t, OutcomeDecided, out.Kind)
	require.NoError(t, out.Err)
	require.EqualValues(t, 1, out.Leaf.View)
	// the proposal and the three certificates were broadcast
	require.Len(t, tr.queue, 4)
	require.Equal(t, lib.MessageProposal, tr.queue[0].msg.Type)
	for i, phase := range []lib.Phase{lib.PhasePrepare, lib.PhasePreCommit, lib.PhaseCommit} {
		require.Equal(t, phase, tr.queue[i+1].msg.QC.Phase)
	}
}

func TestRoundMinRoundTime(t *testing.T) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	tr := newTestRounds(t, keys, table, 1, 100*time.Millisecond)
	leader := tr.leader()
	out := tr.drive(leader, QCInput{QC: lib.GenesisQC()})
	require.Equal(t, OutcomePending, out.Kind)
	require.Equal(t, lib.LeaderMinRoundTimeNotReached, out.State)
	require.Empty(t, tr.queue)
	require.Greater(t, tr.rounds[leader].MinRoundTimeRemaining(), time.Duration(0))
	time.Sleep(tr.rounds[leader].MinRoundTimeRemaining() + 10*time.Millisecond)
	out = tr.drive(leader, TimerInput{Kind: TimerMinRoundTime})
	require.Equal(t, OutcomePending, out.Kind)
	require.Equal(t, lib.LeaderWaitingForPrepareVotes, out.State)
	require.Len(t, tr.queue, 1)
	// a second min round timer is harmless
	out = tr.drive(leader, TimerInput{Kind: TimerMinRoundTime})
	require.Equal(t, OutcomePending, out.Kind)
	require.Len(t, tr.queue, 1)
}

func TestRoundDeadline(t *testing.T) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	tr := newTestRounds(t, keys, table, 3, 0)
	leader, replica := tr.leader(), replicaOf(tr)
	tests := []struct {
		name  string
		index int
		state lib.RoundState
	}{
		{name: "leader", index: leader, state: lib.LeaderWaitingForHighQC},
		{name: "replica", index: replica, state: lib.ReplicaWaitingForPrepare},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out := tr.drive(test.index, TimerInput{Kind: TimerDeadline})
			require.Equal(t, OutcomeFaulted, out.Kind)
			require.Equal(t, lib.KindViewTimeoutError, out.Err.Kind())
			require.Equal(t, lib.HandlingRouteToSynchronizer, out.Err.Kind().Handling())
			e := lib.ToError(out.Err)
			require.EqualValues(t, 3, e.View)
			require.Equal(t, test.state, e.State)
			require.True(t, tr.rounds[test.index].Done())
			// the abandoned round rejects anything else
			out = tr.drive(test.index, QCInput{QC: lib.GenesisQC()})
			require.Equal(t, OutcomeFaulted, out.Kind)
			require.Equal(t, lib.KindInvalidState, out.Err.Kind())
		})
	}
}

func TestRoundEquivocation(t *testing.T) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	tr := newTestRounds(t, keys, table, 1, 0)
	leader, replica := tr.leader(), replicaOf(tr)
	first := newTestProposal(t, table, keys[leader], 1, []byte("first"), nil)
	second := newTestProposal(t, table, keys[leader], 1, []byte("second"), nil)
	forged := newTestProposal(t, table, keys[replica], 1, []byte("forged"), nil)
	// an invalid proposal doesn't claim the view
	out := tr.drive(replica, ProposalInput{Proposal: forged})
	require.Equal(t, OutcomeFaulted, out.Kind)
	require.Equal(t, lib.ReplicaWaitingForPrepare, out.State)
	// the first valid proposal gets a prepare vote
	out = tr.drive(replica, ProposalInput{Proposal: first})
	require.Equal(t, OutcomePending, out.Kind)
	require.Equal(t, lib.ReplicaWaitingForPreCommit, out.State)
	require.Len(t, tr.queue, 1)
	vote := tr.queue[0]
	require.Equal(t, lib.MessageVote, vote.msg.Type)
	require.Equal(t, lib.PhasePrepare, vote.msg.Vote.Phase)
	require.Equal(t, keys[leader].PublicKey().Bytes(), vote.to)
	require.Equal(t, first.Leaf.Hash(), []byte(vote.msg.Vote.LeafHash))
	// a replay is a no-op
	out = tr.drive(replica, ProposalInput{Proposal: first})
	require.Equal(t, OutcomePending, out.Kind)
	require.Len(t, tr.queue, 1)
	// a conflicting proposal signed by the same leader is equivocation
	out = tr.drive(replica, ProposalInput{Proposal: second})
	require.Equal(t, OutcomeFaulted, out.Kind)
	require.Equal(t, lib.CodeEquivocatingProposal, out.Err.Code())
	require.Equal(t, lib.KindInvalidState, out.Err.Kind())
	require.Equal(t, lib.ReplicaWaitingForPreCommit, out.State)
	require.Len(t, tr.queue, 1)
	// a conflicting proposal signed by anyone else is a forgery, not equivocation of the leader
	out = tr.drive(replica, ProposalInput{Proposal: forged})
	require.Equal(t, OutcomeFaulted, out.Kind)
	require.Equal(t, lib.CodeInvalidProposerPubKey, out.Err.Code())
	require.Equal(t, lib.ReplicaWaitingForPreCommit, out.State)
	// so is a conflicting proposal for another view
	other := newTestProposal(t, table, keys[leader], 2, []byte("other view"), nil)
	out = tr.drive(replica, ProposalInput{Proposal: other})
	require.Equal(t, OutcomeFaulted, out.Kind)
	require.Equal(t, lib.CodeWrongView, out.Err.Code())
	require.Len(t, tr.queue, 1)
}

func TestRoundProposalValidation(t *testing.T) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	const view = 2
	leader := LeaderIndexFor(view, table)
	replica := (leader + 1) % len(keys)
	unknown := crypto.Hash([]byte("unknown"))
	tests := []struct {
		name    string
		detail  string
		signer  int
		payload []byte
		modify  func(p *lib.Proposal)
		kind    lib.ErrorKind
		error   string
	}{
		{
			name:    "valid",
			detail:  "a proposal extending genesis is voted on",
			signer:  leader,
			payload: []byte("payload"),
		},
		{
			name:    "wrong view",
			detail:  "the leaf must be for the round's view",
			signer:  leader,
			payload: []byte("payload"),
			modify:  func(p *lib.Proposal) { p.Leaf.View = view + 1 },
			kind:    lib.KindInvalidState,
			error:   "wrong view",
		},
		{
			name:    "not the leader",
			detail:  "the proposal must be signed by the view's leader",
			signer:  replica,
			payload: []byte("payload"),
			kind:    lib.KindInvalidState,
			error:   "invalid proposer",
		},
		{
			name:    "missing justification",
			detail:  "every leaf is justified",
			signer:  leader,
			payload: []byte("payload"),
			modify:  func(p *lib.Proposal) { p.Leaf.Justify = nil },
			kind:    lib.KindInvalidState,
			error:   "quorum certificate is empty",
		},
		{
			name:    "justification not prepare",
			detail:  "a leaf is justified by a prepare certificate",
			signer:  leader,
			payload: []byte("payload"),
			modify:  func(p *lib.Proposal) { p.Leaf.Justify.Phase = lib.PhaseCommit },
			kind:    lib.KindInvalidState,
			error:   "wrong phase",
		},
		{
			name:    "justification not older",
			detail:  "a leaf is justified by a certificate of an earlier view",
			signer:  leader,
			payload: []byte("payload"),
			modify: func(p *lib.Proposal) {
				p.Leaf.Justify = newTestQC(t, table, keys, view, lib.PhasePrepare, lib.GenesisLeaf().Hash(), 0, 1, 2)
			},
			kind:  lib.KindInvalidState,
			error: "isn't older",
		},
		{
			name:    "justification below threshold",
			detail:  "the justification must carry a quorum",
			signer:  leader,
			payload: []byte("payload"),
			modify: func(p *lib.Proposal) {
				p.Leaf.Justify = newTestQC(t, table, keys, 1, lib.PhasePrepare, lib.GenesisLeaf().Hash(), 0, 1)
			},
			kind:  lib.KindInsufficientValidSignatures,
			error: "insufficient",
		},
		{
			name:    "unknown parent",
			detail:  "the justified leaf must be known",
			signer:  leader,
			payload: []byte("payload"),
			modify: func(p *lib.Proposal) {
				p.Leaf.Justify = newTestQC(t, table, keys, 1, lib.PhasePrepare, unknown, 0, 1, 2)
				p.Leaf.ParentHash = unknown
			},
			kind:  lib.KindLeafNotFound,
			error: "not found",
		},
		{
			name:    "wrong parent",
			detail:  "the parent must be the justified leaf",
			signer:  leader,
			payload: []byte("payload"),
			modify:  func(p *lib.Proposal) { p.Leaf.ParentHash = unknown },
			kind:    lib.KindInvalidState,
			error:   "parent",
		},
		{
			name:    "wrong height",
			detail:  "the height is the parent's plus one",
			signer:  leader,
			payload: []byte("payload"),
			modify:  func(p *lib.Proposal) { p.Leaf.Height = 5 },
			kind:    lib.KindInvalidState,
			error:   "wrong height",
		},
		{
			name:    "payload view",
			detail:  "the DA proposal must be for the leaf's view",
			signer:  leader,
			payload: []byte("payload"),
			modify:  func(p *lib.Proposal) { p.DAProposal.View = view + 1 },
			kind:    lib.KindBlockError,
			error:   "invalid payload",
		},
		{
			name:    "payload too large",
			detail:  "the payload must fit the max block size",
			signer:  leader,
			payload: bytes.Repeat([]byte{1}, 2000),
			kind:    lib.KindBlockError,
			error:   "max block size",
		},
		{
			name:    "payload hash",
			detail:  "the leaf must commit to the payload",
			signer:  leader,
			payload: []byte("payload"),
			modify:  func(p *lib.Proposal) { p.Leaf.PayloadHash = unknown },
			kind:    lib.KindInvalidState,
			error:   "payload hash",
		},
		{
			name:    "payload rejected",
			detail:  "the payload builder must accept the payload",
			signer:  leader,
			payload: []byte{},
			kind:    lib.KindBlockError,
			error:   "invalid payload",
		},
		{
			name:    "vid of another payload",
			detail:  "the dispersal must encode the proposed payload",
			signer:  leader,
			payload: []byte("the real payload"),
			modify: func(p *lib.Proposal) {
				vid, err := VidDisperse(view, []byte("GARBAGE GARBAGE!"), table)
				require.NoError(t, err)
				p.VidDisperse, p.Leaf.VidCommitment = vid, VidCommitment(vid.ShareHashes)
			},
			kind:  lib.KindBlockError,
			error: "don't encode the payload",
		},
		{
			name:    "vid commitment",
			detail:  "the leaf must commit to the dispersal",
			signer:  leader,
			payload: []byte("payload"),
			modify:  func(p *lib.Proposal) { p.Leaf.VidCommitment = unknown },
			kind:    lib.KindBlockError,
			error:   "commitment",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tr := newTestRounds(t, keys, table, view, 0)
			p := newTestProposal(t, table, keys[test.signer], view, test.payload, test.modify)
			out := tr.drive(replica, ProposalInput{Proposal: p})
			if test.error == "" {
				require.Equal(t, OutcomePending, out.Kind, test.detail)
				require.Equal(t, lib.ReplicaWaitingForPreCommit, out.State)
				return
			}
			require.Equal(t, OutcomeFaulted, out.Kind, test.detail)
			require.Equal(t, test.kind, out.Err.Kind(), test.detail)
			require.ErrorContains(t, out.Err, test.error, test.detail)
			require.Equal(t, lib.ReplicaWaitingForPrepare, out.State)
			require.Empty(t, tr.queue, "no vote is sent for an invalid proposal")
		})
	}
}

func TestRoundLockRule(t *testing.T) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	const view = 6
	leader := LeaderIndexFor(view, table)
	replica := (leader + 1) % len(keys)
	// the replica knows a leaf of view 5 and is locked on it
	locked := newTestLeaf(lib.GenesisLeaf(), 5)
	older := newTestLeaf(lib.GenesisLeaf(), 3)
	extend := func(parent *lib.Leaf, justifyView uint64) func(p *lib.Proposal) {
		return func(p *lib.Proposal) {
			p.Leaf.Justify = newTestQC(t, table, keys, justifyView, lib.PhasePrepare, parent.Hash(), 0, 1, 2)
			p.Leaf.ParentHash, p.Leaf.Height = parent.Hash(), parent.Height+1
		}
	}
	tests := []struct {
		name   string
		detail string
		parent *lib.Leaf
		error  bool
	}{
		{
			name:   "below lock",
			detail: "a leaf justified below the lock is refused",
			parent: older,
			error:  true,
		},
		{
			name:   "at lock",
			detail: "a leaf extending the locked leaf is accepted",
			parent: locked,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tr := newTestRounds(t, keys, table, view, 0)
			chain := tr.chains[replica]
			chain.Add(locked)
			chain.Add(older)
			chain.Lock(newTestQC(t, table, keys, 5, lib.PhasePreCommit, locked.Hash(), 0, 1, 2))
			p := newTestProposal(t, table, keys[leader], view, []byte("payload"), extend(test.parent, test.parent.View))
			out := tr.drive(replica, ProposalInput{Proposal: p})
			if test.error {
				require.Equal(t, OutcomeFaulted, out.Kind, test.detail)
				require.Equal(t, lib.CodeFailedSafeNode, out.Err.Code())
				require.Equal(t, lib.KindInvalidState, out.Err.Kind())
				return
			}
			require.Equal(t, OutcomePending, out.Kind, test.detail)
			require.EqualValues(t, 2, tr.rounds[replica].Leaf().Height)
		})
	}
}

func TestRoundReplicaCertificates(t *testing.T) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	tr := newTestRounds(t, keys, table, 1, 0)
	leader, replica := tr.leader(), replicaOf(tr)
	p := newTestProposal(t, table, keys[leader], 1, []byte("payload"), nil)
	hash := p.Leaf.Hash()
	// certificates and votes before the proposal are rejected
	out := tr.drive(replica, QCInput{QC: newTestQC(t, table, keys, 1, lib.PhasePrepare, hash, 0, 1, 2)})
	require.Equal(t, OutcomeFaulted, out.Kind)
	out = tr.drive(replica, VoteInput{Vote: lib.NewVote(1, lib.PhasePrepare, hash, keys[leader])})
	require.Equal(t, OutcomeFaulted, out.Kind)
	require.Equal(t, lib.CodeUnexpectedMessage, out.Err.Code())
	require.Equal(t, OutcomePending, tr.drive(replica, ProposalInput{Proposal: p}).Kind)
	// a certificate for another leaf is rejected
	out = tr.drive(replica, QCInput{QC: newTestQC(t, table, keys, 1, lib.PhasePrepare, crypto.Hash(nil), 0, 1, 2)})
	require.Equal(t, lib.CodeMismatchLeafHash, out.Err.Code())
	// a certificate without a quorum is rejected
	out = tr.drive(replica, QCInput{QC: newTestQC(t, table, keys, 1, lib.PhasePrepare, hash, 0, 1)})
	require.Equal(t, lib.KindInsufficientValidSignatures, out.Err.Kind())
	require.Equal(t, lib.ReplicaWaitingForPreCommit, out.State)
	// jumping straight to a precommit certificate locks and votes commit
	precommit := newTestQC(t, table, keys, 1, lib.PhasePreCommit, hash, 1, 2, 3)
	out = tr.drive(replica, QCInput{QC: precommit})
	require.Equal(t, OutcomePending, out.Kind)
	require.Equal(t, lib.ReplicaWaitingForDecide, out.State)
	require.True(t, precommit.Equals(tr.chains[replica].Locked()))
	last := tr.queue[len(tr.queue)-1]
	require.Equal(t, lib.PhaseCommit, last.msg.Vote.Phase)
	// a stale prepare certificate is ignored
	queued := len(tr.queue)
	out = tr.drive(replica, QCInput{QC: newTestQC(t, table, keys, 1, lib.PhasePrepare, hash, 0, 1, 2)})
	require.Equal(t, OutcomePending, out.Kind)
	require.Equal(t, lib.ReplicaWaitingForDecide, out.State)
	require.Len(t, tr.queue, queued)
	// the commit certificate decides
	commit := newTestQC(t, table, keys, 1, lib.PhaseCommit, hash, 0, 2, 3)
	out = tr.drive(replica, QCInput{QC: commit})
	require.Equal(t, OutcomeDecided, out.Kind)
	require.Equal(t, hash, out.Leaf.Hash())
	require.True(t, commit.Equals(out.QC))
}

func TestRoundLeaderFaults(t *testing.T) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	tr := newTestRounds(t, keys, table, 2, 0)
	leader := tr.leader()
	// a high qc that isn't older than the view is refused
	out := tr.drive(leader, QCInput{QC: newTestQC(t, table, keys, 2, lib.PhasePrepare, lib.GenesisLeaf().Hash(), 0, 1, 2)})
	require.Equal(t, OutcomeFaulted, out.Kind)
	require.Equal(t, lib.LeaderWaitingForHighQC, out.State)
	// a high qc of an unknown leaf leaves the leader unable to propose
	out = tr.drive(leader, QCInput{QC: newTestQC(t, table, keys, 1, lib.PhasePrepare, crypto.Hash([]byte("unknown")), 0, 1, 2)})
	require.Equal(t, OutcomeFaulted, out.Kind)
	require.Equal(t, lib.KindLeafNotFound, out.Err.Kind())
	// proposals and votes before proposing are unexpected
	out = tr.drive(leader, ProposalInput{Proposal: newTestProposal(t, table, keys[leader], 2, []byte("x"), nil)})
	require.Equal(t, lib.CodeUnexpectedMessage, out.Err.Code())
	tr2 := newTestRounds(t, keys, table, 2, 0)
	out = tr2.drive(leader, VoteInput{Vote: lib.NewVote(2, lib.PhasePrepare, crypto.Hash(nil), keys[0])})
	require.Equal(t, lib.CodeUnexpectedMessage, out.Err.Code())
}

func TestRoundBroadcastFailure(t *testing.T) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	tr := newTestRounds(t, keys, table, 1, 0)
	leader := tr.leader()
	tr.rounds[leader].Network.(*testNetwork).fail = true
	out := tr.drive(leader, QCInput{QC: lib.GenesisQC()})
	// the proposal stands, the failure is surfaced for retry handling
	require.Equal(t, OutcomeFaulted, out.Kind)
	require.Equal(t, lib.KindFailedToBroadcast, out.Err.Kind())
	require.Equal(t, lib.HandlingRetry, out.Err.Kind().Handling())
	require.Equal(t, lib.LeaderWaitingForPrepareVotes, out.State)
	require.NotNil(t, tr.rounds[leader].Leaf())
}
