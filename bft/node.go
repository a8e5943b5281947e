package bft

import (
	"context"
	"time"

	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
	"go.uber.org/atomic"
)

// DefaultInboxSize is the number of undelivered messages a node buffers
const DefaultInboxSize = 1000

// NodeParams are the collaborators and settings of a consensus node
type NodeParams struct {
	Config     lib.ConsensusConfig
	PrivateKey crypto.PrivateKeyI
	Table      *lib.StakeTable
	Network    lib.Network
	Storage    lib.BlockStorage
	Payloads   lib.PayloadBuilder
	Committer  lib.Committer
	InboxSize  int
	Metrics    *lib.Metrics
	Log        lib.LoggerI
}

// Status is a snapshot of a node's consensus position, safe to read from any goroutine
type Status struct {
	View                uint64         `json:"view"`
	State               lib.RoundState `json:"state"`
	Sync                string         `json:"sync"`
	Leader              lib.HexBytes   `json:"leader"`
	IsLeader            bool           `json:"isLeader"`
	HighQCView          uint64         `json:"highQCView"`
	LockedView          uint64         `json:"lockedView"`
	CommittedView       uint64         `json:"committedView"`
	CommittedHeight     uint64         `json:"committedHeight"`
	CommittedHash       lib.HexBytes   `json:"committedHash"`
	ConsecutiveTimeouts uint64         `json:"consecutiveTimeouts"`
}

// Node runs consecutive rounds of consensus in a single event loop
// Messages from the network enter through Deliver(); everything else happens on the loop's goroutine
type Node struct {
	NodeParams
	publicKey    []byte
	maxBlockSize uint64
	chain        *Chain
	highQC       *HighQC
	pacemaker    *Pacemaker
	faults       *FaultReporter

	view        uint64
	round       *Round
	viewStart   time.Time
	transition  bool // the pacemaker moved to a new view the loop hasn't entered yet
	inbox       chan *lib.Message
	future      map[uint64][]*lib.Message
	futureCount int
	deadline    *time.Timer
	minRound    *time.Timer
	abort       lib.ErrorI
	status      *atomic.Pointer[Status]
}

// NewNode() creates a node; the node must be a member of the stake table
func NewNode(p NodeParams) (*Node, lib.ErrorI) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	maxBlockSize, err := p.Config.MaxBlockSizeBytes()
	if err != nil {
		return nil, err
	}
	publicKey := p.PrivateKey.PublicKey().Bytes()
	if _, _, err = p.Table.IndexOf(publicKey); err != nil {
		return nil, err
	}
	if p.InboxSize <= 0 {
		p.InboxSize = DefaultInboxSize
	}
	if p.Log == nil {
		p.Log = lib.NewNullLogger()
	}
	chain, err := NewChain(DefaultLeafCacheSize, p.Committer, p.Log)
	if err != nil {
		return nil, err
	}
	highQC := NewHighQC(lib.GenesisQC())
	return &Node{
		NodeParams:   p,
		publicKey:    publicKey,
		maxBlockSize: maxBlockSize,
		chain:        chain,
		highQC:       highQC,
		pacemaker: NewPacemaker(PacemakerParams{
			Config:     p.Config,
			Table:      p.Table,
			PrivateKey: p.PrivateKey,
			Network:    p.Network,
			HighQC:     highQC,
			Metrics:    p.Metrics,
			Log:        p.Log,
		}),
		faults: NewFaultReporter(DefaultMaxFaultReports, p.Metrics, p.Log),
		inbox:  make(chan *lib.Message, p.InboxSize),
		future: make(map[uint64][]*lib.Message),
		status: atomic.NewPointer(&Status{}),
	}, nil
}

// PublicKey() returns the node's consensus public key
func (n *Node) PublicKey() []byte { return n.publicKey }

// Faults() returns the node's fault reporter
func (n *Node) Faults() *FaultReporter { return n.faults }

// Status() returns the latest snapshot of the node's position
func (n *Node) Status() Status { return *n.status.Load() }

// Deliver() hands a message to the node without blocking the caller
func (n *Node) Deliver(msg *lib.Message) lib.ErrorI {
	select {
	case n.inbox <- msg:
		return nil
	default:
		return ErrInboxFull()
	}
}

// Run() starts at view 1 and runs the event loop until the context is cancelled or an invariant is violated
func (n *Node) Run(ctx context.Context) lib.ErrorI {
	defer lib.CatchPanic(n.Log)
	n.deadline, n.minRound = lib.NewTimer(), lib.NewTimer()
	defer func() { lib.StopTimer(n.deadline); lib.StopTimer(n.minRound) }()
	n.pacemaker.Start(1)
	n.transition = true
	for {
		for n.transition && n.abort == nil && ctx.Err() == nil {
			n.transition = false
			n.enterView()
		}
		n.publishStatus()
		if n.abort != nil {
			n.Log.Errorf("Stopping: %s", n.abort.Error())
			return n.abort
		}
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.inbox:
			n.handleMessage(msg)
		case <-n.deadline.C:
			n.onDeadline()
		case <-n.minRound.C:
			n.drive(TimerInput{Kind: TimerMinRoundTime})
		}
	}
}

// enterView() starts the round of the pacemaker's current view and replays messages buffered for it
func (n *Node) enterView() {
	view := n.pacemaker.View()
	round, err := NewRound(RoundParams{
		View:         view,
		Table:        n.Table,
		PrivateKey:   n.PrivateKey,
		Network:      n.Network,
		Storage:      n.Storage,
		Payloads:     n.Payloads,
		Chain:        n.chain,
		HighQC:       n.highQC,
		MinRoundTime: n.Config.MinRoundTime(),
		MaxBlockSize: n.maxBlockSize,
		Metrics:      n.Metrics,
		Log:          n.Log,
	})
	if err != nil {
		n.abort = err
		return
	}
	n.view, n.round, n.viewStart = view, round, time.Now()
	lib.ResetTimer(n.deadline, n.pacemaker.Deadline())
	lib.StopTimer(n.minRound)
	n.Metrics.UpdateView(view)
	n.Log.Debugf("Entering view %d, leader is %s", view, lib.BytesToTruncatedString(round.Leader()))
	if round.IsLeader() {
		n.drive(QCInput{QC: n.highQC.Load()})
	}
	// drop what's now stale and replay what was waiting for this view
	for v, msgs := range n.future {
		if v < view {
			n.futureCount -= len(msgs)
			delete(n.future, v)
		}
	}
	msgs := n.future[view]
	n.futureCount -= len(msgs)
	delete(n.future, view)
	for _, msg := range msgs {
		n.handleMessage(msg)
	}
}

// handleMessage() routes a message to the pacemaker, the current round or the future buffer
func (n *Node) handleMessage(msg *lib.Message) {
	if msg == nil {
		return
	}
	if err := msg.Check(); err != nil {
		n.report(err)
		return
	}
	view := msg.View()
	switch msg.Type {
	case lib.MessageNewViewVote:
		if view < n.view {
			return
		}
		cert, err := n.pacemaker.OnNewViewVote(msg.NewViewVote)
		if err != nil {
			n.report(err)
		}
		if cert != nil {
			n.advance(cert)
		}
		return
	case lib.MessageNewViewCertificate:
		if view < n.view {
			return
		}
		if err := n.pacemaker.OnNewViewCertificate(msg.NewViewCertificate); err != nil {
			n.report(err)
			return
		}
		n.advance(msg.NewViewCertificate)
		return
	}
	switch {
	case view < n.view:
		n.Log.Debugf("Dropping stale %s at view %d", msg, n.view)
	case view > n.view:
		n.buffer(msg)
		if msg.Type == lib.MessageProposal {
			n.tryCatchUp()
		}
	case n.round.Done():
		n.Log.Debugf("Dropping %s, view %d already ended", msg, n.view)
	default:
		switch msg.Type {
		case lib.MessageProposal:
			n.drive(ProposalInput{Proposal: msg.Proposal})
		case lib.MessageVote:
			n.drive(VoteInput{Vote: msg.Vote})
		case lib.MessageQC:
			n.drive(QCInput{QC: msg.QC})
		}
	}
}

// drive() feeds the current round and acts on its outcome
func (n *Node) drive(in Input) {
	if n.round == nil || n.round.Done() {
		return
	}
	out := n.round.Drive(in)
	switch out.Kind {
	case OutcomeDecided:
		if out.Err != nil {
			n.report(out.Err)
		}
		n.onDecide(out.Leaf, out.QC)
	case OutcomeFaulted:
		switch n.report(out.Err) {
		case lib.HandlingRouteToSynchronizer:
			n.onViewTimeout()
		case lib.HandlingAbort:
			n.abort = out.Err
		}
	case OutcomePending:
		if out.State == lib.LeaderMinRoundTimeNotReached {
			lib.ResetTimer(n.minRound, n.round.MinRoundTimeRemaining())
		}
	}
}

// onDecide() commits the decided leaf and its ancestors, then moves to the next view
func (n *Node) onDecide(leaf *lib.Leaf, qc *lib.QuorumCertificate) {
	if _, err := n.chain.Commit(leaf, qc); err != nil {
		if n.report(err) == lib.HandlingAbort {
			n.abort = err
			return
		}
	}
	n.Metrics.UpdateDecide(leaf.Height, time.Since(n.viewStart))
	n.Log.Infof("Decided view %d at height %d in %s", n.view, leaf.Height, time.Since(n.viewStart))
	n.pacemaker.OnProgress()
	n.pacemaker.Start(n.view + 1)
	n.transition = true
}

// onDeadline() handles the view deadline: the round is abandoned, or the NewView vote repeated if already collecting
func (n *Node) onDeadline() {
	if n.pacemaker.State() == SyncCollectingNewView {
		if err := n.pacemaker.Rebroadcast(); err != nil {
			n.report(err)
		}
		lib.ResetTimer(n.deadline, n.pacemaker.Deadline())
		return
	}
	n.drive(TimerInput{Kind: TimerDeadline})
}

// onViewTimeout() hands the abandoned view to the pacemaker
func (n *Node) onViewTimeout() {
	lib.StopTimer(n.minRound)
	vote, err := n.pacemaker.OnTimeout()
	if err != nil {
		n.report(err)
	}
	lib.ResetTimer(n.deadline, n.pacemaker.Deadline())
	cert, err := n.pacemaker.OnNewViewVote(vote)
	if err != nil {
		n.report(err)
	}
	if cert != nil {
		n.advance(cert)
		return
	}
	n.tryCatchUp()
}

// advance() moves past the view of a NewView certificate
func (n *Node) advance(cert *lib.NewViewCertificate) {
	if cert.View < n.pacemaker.View() {
		return
	}
	next := n.pacemaker.AdvanceTo(cert)
	n.Log.Infof("Advancing to view %d by NewView certificate", next)
	n.transition = true
}

// tryCatchUp() jumps ahead to a buffered proposal whose justification shows the current view is over
func (n *Node) tryCatchUp() {
	if n.transition {
		return
	}
	ended := n.round.Done() || n.pacemaker.State() == SyncCollectingNewView
	for v := n.view + n.Config.MaxFutureViews; v > n.view; v-- {
		for _, msg := range n.future[v] {
			if msg.Type != lib.MessageProposal {
				continue
			}
			justify := msg.Proposal.Leaf.Justify
			if justify == nil || justify.View >= v || justify.View < n.view || (justify.View == n.view && !ended) {
				continue
			}
			if err := n.Table.VerifyQC(justify); err != nil {
				continue
			}
			n.Log.Infof("Catching up from view %d to view %d", n.view, v)
			n.highQC.Update(justify)
			n.pacemaker.Start(v)
			n.transition = true
			return
		}
	}
}

// buffer() keeps a message for a view this node hasn't reached
func (n *Node) buffer(msg *lib.Message) {
	view := msg.View()
	if view > n.view+n.Config.MaxFutureViews || n.futureCount >= n.Config.MaxFutureMessages {
		n.report(ErrFutureBufferFull())
		return
	}
	n.future[view] = append(n.future[view], msg)
	n.futureCount++
}

// report() hands a fault to the fault reporter and returns its handling
func (n *Node) report(err lib.ErrorI) lib.Handling {
	state := lib.RoundStateUnknown
	if n.round != nil {
		state = n.round.State()
	}
	return n.faults.Report(n.view, state, err)
}

// publishStatus() stores a snapshot for readers outside the loop
func (n *Node) publishStatus() {
	s := &Status{
		View:                n.view,
		Sync:                n.pacemaker.State().String(),
		HighQCView:          n.highQC.View(),
		LockedView:          n.chain.Locked().View,
		CommittedView:       n.chain.Committed().View,
		CommittedHeight:     n.chain.Committed().Height,
		CommittedHash:       n.chain.Committed().Hash(),
		ConsecutiveTimeouts: n.pacemaker.ConsecutiveTimeouts(),
	}
	if n.round != nil {
		s.State, s.Leader, s.IsLeader = n.round.State(), n.round.Leader(), n.round.IsLeader()
	}
	n.status.Store(s)
}
