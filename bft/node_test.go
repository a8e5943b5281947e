package bft

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
	"github.com/stretchr/testify/require"
)

// testNodes is a set of nodes running over a test hub
type testNodes struct {
	keys       []crypto.PrivateKeyI
	table      *lib.StakeTable
	hub        *testHub
	nodes      []*Node
	committers []*testCommitter
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	errs       []lib.ErrorI
}

func newTestNodes(t *testing.T, keys []crypto.PrivateKeyI, config lib.ConsensusConfig) *testNodes {
	tn := &testNodes{keys: keys, table: newTestStakeTable(t, keys), hub: newTestHub(), errs: make([]lib.ErrorI, len(keys))}
	for _, k := range keys {
		committer := &testCommitter{}
		n, err := NewNode(NodeParams{
			Config:     config,
			PrivateKey: k,
			Table:      tn.table,
			Network:    tn.hub.handle(k.PublicKey().Bytes()),
			Storage:    newTestStorage(),
			Payloads:   &testPayloads{},
			Committer:  committer,
			Log:        lib.NewNullLogger(),
		})
		require.NoError(t, err)
		tn.hub.add(n)
		tn.nodes, tn.committers = append(tn.nodes, n), append(tn.committers, committer)
	}
	return tn
}

func (tn *testNodes) start() {
	ctx, cancel := context.WithCancel(context.Background())
	tn.cancel = cancel
	for i, n := range tn.nodes {
		tn.wg.Add(1)
		go func(i int, n *Node) {
			defer tn.wg.Done()
			tn.errs[i] = n.Run(ctx)
		}(i, n)
	}
}

func (tn *testNodes) stop() {
	tn.cancel()
	tn.wg.Wait()
}

// requireConsistent() checks every pair of committed chains agrees on their common prefix
func (tn *testNodes) requireConsistent(t *testing.T, skip ...int) {
	chains := make([][]*lib.Leaf, len(tn.committers))
	for i, c := range tn.committers {
		chains[i] = c.Committed()
		for h, leaf := range chains[i] {
			require.EqualValues(t, h+1, leaf.Height, "commits are in chain order without gaps")
		}
	}
	for i := range chains {
		for j := range chains {
			for h := 0; h < len(chains[i]) && h < len(chains[j]); h++ {
				require.True(t, bytes.Equal(chains[i][h].Hash(), chains[j][h].Hash()), "nodes %d and %d disagree at height %d", i, j, h+1)
			}
		}
	}
}

func TestNodesHappyPath(t *testing.T) {
	config := testConfig()
	config.MinRoundTimeMS, config.MinViewTimeoutMS, config.MaxViewTimeoutMS = 10, 3000, 6000
	tn := newTestNodes(t, newTestKeys(t, 4), config)
	tn.start()
	require.Eventually(t, func() bool {
		for _, c := range tn.committers {
			if len(c.Committed()) < 5 {
				return false
			}
		}
		return true
	}, 20*time.Second, 10*time.Millisecond)
	tn.stop()
	for i, n := range tn.nodes {
		require.NoError(t, tn.errs[i])
		require.Zero(t, n.Faults().Count(lib.KindViewTimeoutError), "node %d timed out on the happy path", i)
		status := n.Status()
		require.GreaterOrEqual(t, status.CommittedHeight, uint64(5))
		require.Equal(t, "Active", status.Sync)
	}
	tn.requireConsistent(t)
}

func TestNodesSilentLeader(t *testing.T) {
	config := testConfig()
	config.MinRoundTimeMS = 10
	// regenerate keys until the leader of view 2 leads neither view 1 nor view 3
	var keys []crypto.PrivateKeyI
	var silent int
	for {
		keys = newTestKeys(t, 4)
		table := newTestStakeTable(t, keys)
		silent = LeaderIndexFor(2, table)
		if silent != LeaderIndexFor(1, table) && silent != LeaderIndexFor(3, table) {
			break
		}
	}
	tn := newTestNodes(t, keys, config)
	tn.hub.silence(keys[silent].PublicKey().Bytes())
	tn.start()
	require.Eventually(t, func() bool {
		for i, n := range tn.nodes {
			if i == silent {
				continue
			}
			status := n.Status()
			if status.View <= 3 || status.CommittedHeight < 2 {
				return false
			}
		}
		return true
	}, 20*time.Second, 10*time.Millisecond)
	tn.stop()
	for i, n := range tn.nodes {
		if i == silent {
			continue
		}
		require.NoError(t, tn.errs[i])
		require.NotZero(t, n.Faults().Count(lib.KindViewTimeoutError), "node %d never timed out view 2", i)
		// the leaf of view 2 was never proposed, so nothing committed came from it
		for _, leaf := range tn.committers[i].Committed() {
			require.NotEqualValues(t, 2, leaf.View)
		}
	}
	tn.requireConsistent(t)
}

func TestNodeDeliver(t *testing.T) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	n, err := NewNode(NodeParams{
		Config:     testConfig(),
		PrivateKey: keys[0],
		Table:      table,
		Network:    newTestHub().handle(keys[0].PublicKey().Bytes()),
		Storage:    newTestStorage(),
		Payloads:   &testPayloads{},
		InboxSize:  1,
	})
	require.NoError(t, err)
	msg := &lib.Message{Type: lib.MessageVote, Vote: lib.NewVote(1, lib.PhasePrepare, crypto.Hash(nil), keys[1])}
	require.NoError(t, n.Deliver(msg))
	err = n.Deliver(msg)
	require.Error(t, err)
	require.Equal(t, lib.CodeInboxFull, err.Code())
}

func TestNewNode(t *testing.T) {
	keys := newTestKeys(t, 2)
	table := newTestStakeTable(t, keys[:1])
	badConfig := testConfig()
	badConfig.MaxBlockSize = "lots"
	tests := []struct {
		name   string
		detail string
		key    crypto.PrivateKeyI
		config lib.ConsensusConfig
		error  string
	}{
		{name: "member", detail: "a member of the table runs", key: keys[0], config: testConfig()},
		{name: "outsider", detail: "a node outside the table can't run", key: keys[1], config: testConfig(), error: "not found"},
		{name: "bad config", detail: "the config is validated", key: keys[0], config: badConfig, error: "maxBlockSize"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewNode(NodeParams{Config: test.config, PrivateKey: test.key, Table: table})
			if test.error == "" {
				require.NoError(t, err, test.detail)
				return
			}
			require.ErrorContains(t, err, test.error, test.detail)
		})
	}
}

func TestNodeSingleParticipant(t *testing.T) {
	config := testConfig()
	config.MinRoundTimeMS = 5
	tn := newTestNodes(t, newTestKeys(t, 1), config)
	tn.start()
	require.Eventually(t, func() bool { return len(tn.committers[0].Committed()) >= 3 }, 10*time.Second, 5*time.Millisecond)
	tn.stop()
	require.NoError(t, tn.errs[0])
	tn.requireConsistent(t)
}

// newLoopNode() creates a node whose event loop the test drives by hand; it replicates views 1 through 3
func newLoopNode(t *testing.T, config lib.ConsensusConfig) (*Node, []crypto.PrivateKeyI, *[]sent) {
	keys := newTestKeys(t, 4)
	table := newTestStakeTable(t, keys)
	self := 0
	for i := range keys {
		if i != LeaderIndexFor(1, table) && i != LeaderIndexFor(2, table) && i != LeaderIndexFor(3, table) {
			self = i
			break
		}
	}
	queue := new([]sent)
	n, err := NewNode(NodeParams{
		Config:     config,
		PrivateKey: keys[self],
		Table:      table,
		Network:    &testNetwork{from: keys[self].PublicKey().Bytes(), queue: queue},
		Storage:    newTestStorage(),
		Payloads:   &testPayloads{},
		Committer:  &testCommitter{},
		Log:        lib.NewNullLogger(),
	})
	require.NoError(t, err)
	n.deadline, n.minRound = lib.NewTimer(), lib.NewTimer()
	t.Cleanup(func() { lib.StopTimer(n.deadline); lib.StopTimer(n.minRound) })
	return n, keys, queue
}

// enter() moves the node's loop into view
func (n *Node) enter(view uint64) {
	n.pacemaker.Start(view)
	n.transition = false
	n.enterView()
}

// proposalMsg() wraps a proposal of view's leader extending genesis
func proposalMsg(t *testing.T, n *Node, keys []crypto.PrivateKeyI, view uint64, modify func(p *lib.Proposal)) *lib.Message {
	leader := keys[LeaderIndexFor(view, n.Table)]
	p := newTestProposal(t, n.Table, leader, view, []byte(fmt.Sprintf("payload-%d", view)), modify)
	return &lib.Message{Type: lib.MessageProposal, Sender: leader.PublicKey().Bytes(), Proposal: p}
}

func TestNodeDropsStaleMessages(t *testing.T) {
	n, keys, queue := newLoopNode(t, testConfig())
	n.enter(3)
	tests := []struct {
		name string
		msg  *lib.Message
	}{
		{name: "proposal", msg: proposalMsg(t, n, keys, 2, nil)},
		{name: "vote", msg: &lib.Message{Type: lib.MessageVote, Vote: lib.NewVote(2, lib.PhasePrepare, crypto.Hash(nil), keys[1])}},
		{name: "new view vote", msg: &lib.Message{Type: lib.MessageNewViewVote, NewViewVote: lib.NewNewViewVote(2, lib.GenesisQC(), keys[1])}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			n.handleMessage(test.msg)
			require.Zero(t, n.futureCount, "stale messages aren't buffered")
			require.Empty(t, n.future)
			require.Empty(t, *queue, "stale messages aren't answered")
			require.EqualValues(t, 3, n.view)
			require.Equal(t, lib.ReplicaWaitingForPrepare, n.round.State())
		})
	}
}

func TestNodeBuffersAndReplaysFutureMessages(t *testing.T) {
	n, keys, queue := newLoopNode(t, testConfig())
	n.enter(1)
	msg := proposalMsg(t, n, keys, 2, nil)
	n.handleMessage(msg)
	require.Equal(t, 1, n.futureCount)
	require.Len(t, n.future[2], 1)
	require.Empty(t, *queue, "a future proposal isn't voted on early")
	require.False(t, n.transition, "a genesis justification doesn't end view 1")
	// entering view 2 replays the proposal, which gets a prepare vote
	n.enter(2)
	require.Zero(t, n.futureCount)
	require.Empty(t, n.future)
	require.Equal(t, lib.ReplicaWaitingForPreCommit, n.round.State())
	require.Len(t, *queue, 1)
	vote := (*queue)[0]
	require.Equal(t, lib.MessageVote, vote.msg.Type)
	require.EqualValues(t, 2, vote.msg.Vote.View)
	require.Equal(t, keys[LeaderIndexFor(2, n.Table)].PublicKey().Bytes(), vote.to)
}

func TestNodeFutureBufferLimits(t *testing.T) {
	config := testConfig()
	config.MaxFutureViews, config.MaxFutureMessages = 2, 2
	n, keys, _ := newLoopNode(t, config)
	n.enter(1)
	voteFor := func(view uint64) *lib.Message {
		return &lib.Message{Type: lib.MessageVote, Vote: lib.NewVote(view, lib.PhasePrepare, crypto.Hash(nil), keys[1])}
	}
	tests := []struct {
		name     string
		detail   string
		view     uint64
		full     bool
		buffered int
	}{
		{name: "next view", detail: "a message for the next view is kept", view: 2, buffered: 1},
		{name: "too far ahead", detail: "a message past MaxFutureViews is refused", view: 4, full: true, buffered: 1},
		{name: "at the view bound", detail: "a message MaxFutureViews ahead is kept", view: 3, buffered: 2},
		{name: "buffer full", detail: "a message past MaxFutureMessages is refused", view: 2, full: true, buffered: 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			before := n.Faults().Count(lib.KindInvalidState)
			n.handleMessage(voteFor(test.view))
			require.Equal(t, test.buffered, n.futureCount, test.detail)
			if !test.full {
				require.Equal(t, before, n.Faults().Count(lib.KindInvalidState), test.detail)
				return
			}
			reports := n.Faults().Reports()
			require.Equal(t, before+1, n.Faults().Count(lib.KindInvalidState), test.detail)
			require.Equal(t, lib.CodeFutureBufferFull, reports[len(reports)-1].Error.Code())
		})
	}
}

func TestNodeCatchUp(t *testing.T) {
	n, keys, _ := newLoopNode(t, testConfig())
	n.enter(1)
	justified := crypto.Hash([]byte("leaf of view 1"))
	qc := newTestQC(t, n.Table, keys, 1, lib.PhasePrepare, justified, 0, 1, 2)
	msg := proposalMsg(t, n, keys, 2, func(p *lib.Proposal) {
		p.Leaf.Justify, p.Leaf.ParentHash, p.Leaf.Height = qc, justified, 2
	})
	// a certificate of the current view doesn't end it while the round is still running
	n.handleMessage(msg)
	require.False(t, n.transition)
	require.EqualValues(t, 1, n.pacemaker.View())
	require.Equal(t, 1, n.futureCount)
	// once view 1 is abandoned, the next proposal event catches up; the higher view 3 proposal carries an
	// unverifiable certificate and is skipped in favor of the buffered view 2 one
	_, err := n.pacemaker.OnTimeout()
	require.NoError(t, err)
	weak := proposalMsg(t, n, keys, 3, func(p *lib.Proposal) {
		p.Leaf.Justify = newTestQC(t, n.Table, keys, 1, lib.PhasePrepare, justified, 0)
		p.Leaf.ParentHash, p.Leaf.Height = justified, 2
	})
	n.handleMessage(weak)
	require.Equal(t, 2, n.futureCount)
	require.True(t, n.transition)
	require.EqualValues(t, 2, n.pacemaker.View())
	require.True(t, qc.Equals(n.highQC.Load()))
}
