package bft

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
	"github.com/stretchr/testify/require"
)

var (
	_ lib.Network        = &testNetwork{}
	_ lib.Network        = &testHubHandle{}
	_ lib.BlockStorage   = &testStorage{}
	_ lib.PayloadBuilder = &testPayloads{}
	_ lib.Committer      = &testCommitter{}
)

// newTestKeys() generates n fresh BLS keys
func newTestKeys(t *testing.T, n int) (keys []crypto.PrivateKeyI) {
	for i := 0; i < n; i++ {
		k, err := crypto.NewBLSPrivateKey()
		require.NoError(t, err)
		keys = append(keys, k)
	}
	return
}

// newTestStakeTable() builds a table over the keys with the given weights (1 each if none)
func newTestStakeTable(t *testing.T, keys []crypto.PrivateKeyI, weights ...uint64) *lib.StakeTable {
	var entries []*lib.StakeTableEntry
	for i, k := range keys {
		w := uint64(1)
		if weights != nil {
			w = weights[i]
		}
		entries = append(entries, &lib.StakeTableEntry{PublicKey: k.PublicKey().Bytes(), Weight: w})
	}
	st, err := lib.NewStakeTable(entries)
	require.NoError(t, err)
	return st
}

// newTestQC() aggregates the signatures of the signer indices over (view, phase, leafHash)
func newTestQC(t *testing.T, st *lib.StakeTable, keys []crypto.PrivateKeyI, view uint64, phase lib.Phase, leafHash []byte, signers ...int) *lib.QuorumCertificate {
	qc := &lib.QuorumCertificate{View: view, Phase: phase, LeafHash: leafHash}
	mk := st.MultiKey()
	for _, i := range signers {
		require.NoError(t, mk.AddSigner(keys[i].Sign(qc.SignBytes()), i))
	}
	sig, err := mk.AggregateSignatures()
	require.NoError(t, err)
	qc.Signature = &lib.AggregateSignature{Signature: sig, Bitmap: mk.Bitmap()}
	return qc
}

// testConfig() is a consensus config with short timings for tests
func testConfig() lib.ConsensusConfig {
	c := lib.DefaultConsensusConfig()
	c.MinRoundTimeMS = 0
	c.MinViewTimeoutMS = 300
	c.MaxViewTimeoutMS = 1200
	return c
}

// testPayloads builds 'payload-<view>' and rejects payloads when reject is set
type testPayloads struct {
	reject bool
}

func (p *testPayloads) BuildPayload(view uint64, _ *lib.Leaf) ([]byte, lib.ErrorI) {
	return []byte(fmt.Sprintf("payload-%d", view)), nil
}

func (p *testPayloads) ValidatePayload(_ *lib.Leaf, payload []byte) lib.ErrorI {
	if p.reject || len(payload) == 0 {
		return lib.ErrInvalidArgument()
	}
	return nil
}

// testStorage is an in-memory block storage
type testStorage struct {
	sync.Mutex
	records map[string]*lib.ProposalType
}

func newTestStorage() *testStorage { return &testStorage{records: make(map[string]*lib.ProposalType)} }

func (s *testStorage) Append(p *lib.ProposalType) lib.ErrorI {
	if err := p.Check(); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	key := string(p.Key())
	if existing, ok := s.records[key]; ok && !existing.Equals(p) {
		return lib.ErrStoreError(errors.New("conflicting record"))
	}
	s.records[key] = p
	return nil
}

func (s *testStorage) Retrieve(kind lib.ProposalKind, view uint64, participant []byte) (*lib.ProposalType, lib.ErrorI) {
	s.Lock()
	defer s.Unlock()
	p, ok := s.records[string(lib.ProposalKey(kind, view, participant))]
	if !ok {
		return nil, lib.ErrRetrieveError(errors.New("not found"))
	}
	return p, nil
}

func (s *testStorage) Empty() (lib.BlockStorage, lib.ErrorI) { return newTestStorage(), nil }

// testCommitter records every committed leaf
type testCommitter struct {
	sync.Mutex
	leaves []*lib.Leaf
	qcs    []*lib.QuorumCertificate
}

func (c *testCommitter) CommitLeaf(leaf *lib.Leaf, qc *lib.QuorumCertificate) lib.ErrorI {
	c.Lock()
	defer c.Unlock()
	c.leaves, c.qcs = append(c.leaves, leaf), append(c.qcs, qc)
	return nil
}

func (c *testCommitter) Committed() []*lib.Leaf {
	c.Lock()
	defer c.Unlock()
	return append([]*lib.Leaf(nil), c.leaves...)
}

// sent is a message captured by the test network
type sent struct {
	from, to []byte // to is nil for a broadcast
	msg      *lib.Message
}

// testNetwork queues outbound messages of every participant for manual delivery
type testNetwork struct {
	from  []byte
	queue *[]sent
	fail  bool
}

func (n *testNetwork) SendToLeader(leader []byte, msg *lib.Message) lib.ErrorI {
	if n.fail {
		return lib.ErrFailedToMessageLeader(errors.New("unreachable"))
	}
	*n.queue = append(*n.queue, sent{from: n.from, to: leader, msg: msg})
	return nil
}

func (n *testNetwork) Broadcast(msg *lib.Message) lib.ErrorI {
	if n.fail {
		return lib.ErrFailedToBroadcast(errors.New("unreachable"))
	}
	*n.queue = append(*n.queue, sent{from: n.from, msg: msg})
	return nil
}

// testRounds runs the rounds of a single view for every participant, routing messages synchronously
type testRounds struct {
	keys     []crypto.PrivateKeyI
	table    *lib.StakeTable
	rounds   []*Round
	chains   []*Chain
	storages []*testStorage
	queue    []sent
	outcomes [][]Outcome
}

func newTestRounds(t *testing.T, keys []crypto.PrivateKeyI, table *lib.StakeTable, view uint64, minRoundTime time.Duration) *testRounds {
	tr := &testRounds{keys: keys, table: table, outcomes: make([][]Outcome, len(keys))}
	for _, k := range keys {
		chain, err := NewChain(0, nil, lib.NewNullLogger())
		require.NoError(t, err)
		storage := newTestStorage()
		r, err := NewRound(RoundParams{
			View:         view,
			Table:        table,
			PrivateKey:   k,
			Network:      &testNetwork{from: k.PublicKey().Bytes(), queue: &tr.queue},
			Storage:      storage,
			Payloads:     &testPayloads{},
			Chain:        chain,
			HighQC:       NewHighQC(lib.GenesisQC()),
			MinRoundTime: minRoundTime,
			MaxBlockSize: 1024,
			Log:          lib.NewNullLogger(),
		})
		require.NoError(t, err)
		tr.rounds, tr.chains, tr.storages = append(tr.rounds, r), append(tr.chains, chain), append(tr.storages, storage)
	}
	return tr
}

// leader() returns the index of the view's leader
func (tr *testRounds) leader() int { return LeaderIndexFor(tr.rounds[0].View(), tr.table) }

// drive() feeds an input to participant i and records the outcome
func (tr *testRounds) drive(i int, in Input) Outcome {
	out := tr.rounds[i].Drive(in)
	tr.outcomes[i] = append(tr.outcomes[i], out)
	return out
}

// pump() delivers queued messages until the queue drains; skip drops everything sent by or to those indices
func (tr *testRounds) pump(skip ...int) {
	skipped := func(i int) bool {
		for _, s := range skip {
			if s == i {
				return true
			}
		}
		return false
	}
	for len(tr.queue) > 0 {
		s := tr.queue[0]
		tr.queue = tr.queue[1:]
		for i, k := range tr.keys {
			pub := k.PublicKey().Bytes()
			if skipped(i) || bytes.Equal(pub, s.from) || (s.to != nil && !bytes.Equal(pub, s.to)) {
				continue
			}
			if fromIdx, _, _ := tr.table.IndexOf(s.from); skipped(fromIdx) {
				continue
			}
			tr.drive(i, inputFor(s.msg))
		}
	}
}

// inputFor() converts a network message into a round input
func inputFor(msg *lib.Message) Input {
	switch msg.Type {
	case lib.MessageProposal:
		return ProposalInput{Proposal: msg.Proposal}
	case lib.MessageVote:
		return VoteInput{Vote: msg.Vote}
	default:
		return QCInput{QC: msg.QC}
	}
}

// testHub is an in-process network between nodes; silenced nodes neither send nor receive
type testHub struct {
	sync.Mutex
	nodes    map[string]*Node
	silenced map[string]bool
}

func newTestHub() *testHub {
	return &testHub{nodes: make(map[string]*Node), silenced: make(map[string]bool)}
}

// handle() returns the network of a sender
func (h *testHub) handle(from []byte) *testHubHandle { return &testHubHandle{hub: h, from: from} }

func (h *testHub) add(n *Node) {
	h.Lock()
	defer h.Unlock()
	h.nodes[lib.BytesToString(n.PublicKey())] = n
}

func (h *testHub) silence(pub []byte) {
	h.Lock()
	defer h.Unlock()
	h.silenced[lib.BytesToString(pub)] = true
}

// testHubHandle is one node's view of the hub
type testHubHandle struct {
	hub  *testHub
	from []byte
}

func (h *testHubHandle) SendToLeader(leader []byte, msg *lib.Message) lib.ErrorI {
	h.hub.Lock()
	defer h.hub.Unlock()
	if h.hub.silenced[lib.BytesToString(h.from)] || h.hub.silenced[lib.BytesToString(leader)] {
		return nil
	}
	n, ok := h.hub.nodes[lib.BytesToString(leader)]
	if !ok {
		return lib.ErrFailedToMessageLeader(errors.New("unknown leader"))
	}
	return n.Deliver(msg)
}

func (h *testHubHandle) Broadcast(msg *lib.Message) lib.ErrorI {
	h.hub.Lock()
	defer h.hub.Unlock()
	if h.hub.silenced[lib.BytesToString(h.from)] {
		return nil
	}
	for k, n := range h.hub.nodes {
		if k == lib.BytesToString(h.from) || h.hub.silenced[k] {
			continue
		}
		_ = n.Deliver(msg)
	}
	return nil
}
