package bft

import (
	"bytes"
	"time"

	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
)

/*
	A ROUND IS A SINGLE VIEW OF HOTSTUFF CONSENSUS FROM ONE NODE'S PERSPECTIVE

	Leader:  WaitingForHighQC -> (MinRoundTimeNotReached) -> WaitingForPrepareVotes -> WaitingForPreCommitVotes -> WaitingForCommitVotes -> Decided
	Replica: WaitingForPrepare -> WaitingForPreCommit -> WaitingForCommit -> WaitingForDecide -> Decided

	Every state may leave through the view deadline, which abandons the round. Any other fault drops the
	offending input and the round keeps waiting in the state it was in.
*/

// Input is a stimulus that drives a round forward
type Input interface{ input() }

// ProposalInput is a leader proposal received from the network
type ProposalInput struct{ Proposal *lib.Proposal }

// VoteInput is a replica vote received by the leader
type VoteInput struct{ Vote *lib.Vote }

// QCInput is a quorum certificate, either broadcast by the leader or the highest known one fed to a new leader
type QCInput struct{ QC *lib.QuorumCertificate }

// TimerKind distinguishes the two timers a round waits on
type TimerKind uint8

const (
	TimerDeadline     TimerKind = iota // the view deadline expired
	TimerMinRoundTime                  // the leader's minimum round time elapsed
)

// TimerInput is a timer firing
type TimerInput struct{ Kind TimerKind }

func (ProposalInput) input() {}
func (VoteInput) input()     {}
func (QCInput) input()       {}
func (TimerInput) input()    {}

// OutcomeKind is the result class of driving a round
type OutcomeKind uint8

const (
	OutcomePending OutcomeKind = iota // the round is waiting for more input
	OutcomeDecided                    // the leaf of the view is decided
	OutcomeFaulted                    // the input was rejected, or the round was abandoned on a view timeout
)

// String() returns the name of the outcome kind
func (k OutcomeKind) String() string {
	switch k {
	case OutcomePending:
		return "Pending"
	case OutcomeDecided:
		return "Decided"
	case OutcomeFaulted:
		return "Faulted"
	}
	return "Unknown"
}

// Outcome is the result of driving a round with one input
type Outcome struct {
	Kind  OutcomeKind
	State lib.RoundState         // the state the round is in after the input
	Leaf  *lib.Leaf              // the decided leaf
	QC    *lib.QuorumCertificate // the certificate deciding the leaf
	Err   lib.ErrorI             // the fault; also set on Decided when the final broadcast failed
}

// RoundParams are the collaborators and settings of a round
type RoundParams struct {
	View         uint64
	Table        *lib.StakeTable
	PrivateKey   crypto.PrivateKeyI
	Network      lib.Network
	Storage      lib.BlockStorage
	Payloads     lib.PayloadBuilder
	Chain        *Chain
	HighQC       *HighQC
	MinRoundTime time.Duration
	MaxBlockSize uint64
	Metrics      *lib.Metrics
	Log          lib.LoggerI
}

// Round is the state machine of a single view
type Round struct {
	RoundParams
	state     lib.RoundState
	publicKey []byte
	selfIndex int
	leader    []byte
	leaderKey crypto.PublicKeyI
	start     time.Time

	justify  *lib.QuorumCertificate // the certificate the leader builds on
	proposal *lib.Proposal          // the first valid proposal of the view
	leaf     *lib.Leaf              // the leaf of the view
	qcs      map[lib.Phase]*lib.QuorumCertificate
	agg      *Aggregator
	done     bool
}

// NewRound() starts the round of a view; the node's role is determined by the leader election
func NewRound(p RoundParams) (*Round, lib.ErrorI) {
	publicKey := p.PrivateKey.PublicKey().Bytes()
	selfIndex, _, err := p.Table.IndexOf(publicKey)
	if err != nil {
		return nil, err
	}
	leaderIndex := LeaderIndexFor(p.View, p.Table)
	r := &Round{
		RoundParams: p,
		publicKey:   publicKey,
		selfIndex:   selfIndex,
		leader:      p.Table.Entries[leaderIndex].PublicKey,
		leaderKey:   p.Table.MultiKey().PublicKeys()[leaderIndex],
		start:       time.Now(),
		qcs:         make(map[lib.Phase]*lib.QuorumCertificate),
		agg:         NewAggregator(p.View, p.Table, p.Metrics),
	}
	if r.IsLeader() {
		r.state = lib.LeaderWaitingForHighQC
	} else {
		r.state = lib.ReplicaWaitingForPrepare
	}
	return r, nil
}

// View() returns the view of the round
func (r *Round) View() uint64 { return r.RoundParams.View }

// State() returns the state the round is waiting in
func (r *Round) State() lib.RoundState { return r.state }

// IsLeader() returns true if this node leads the view
func (r *Round) IsLeader() bool { return bytes.Equal(r.publicKey, r.leader) }

// Leader() returns the public key of the view's leader
func (r *Round) Leader() []byte { return r.leader }

// Leaf() returns the leaf of the view, nil before a proposal
func (r *Round) Leaf() *lib.Leaf { return r.leaf }

// Done() returns true once the round decided or was abandoned
func (r *Round) Done() bool { return r.done }

// Aggregator() exposes the leader's vote tallies
func (r *Round) Aggregator() *Aggregator { return r.agg }

// MinRoundTimeRemaining() returns how long the leader must still wait before proposing
func (r *Round) MinRoundTimeRemaining() time.Duration {
	if remaining := r.MinRoundTime - time.Since(r.start); remaining > 0 {
		return remaining
	}
	return 0
}

// Drive() advances the round with a single input
func (r *Round) Drive(in Input) Outcome {
	if r.done {
		return r.fault(ErrUnexpectedMessage(r.state, "input after the round ended"))
	}
	switch i := in.(type) {
	case TimerInput:
		return r.onTimer(i.Kind)
	case ProposalInput:
		return r.onProposal(i.Proposal)
	case VoteInput:
		return r.onVote(i.Vote)
	case QCInput:
		return r.onQC(i.QC)
	}
	return r.fault(lib.ErrInvalidArgument())
}

func (r *Round) onTimer(kind TimerKind) Outcome {
	if kind == TimerDeadline {
		r.done = true
		return r.fault(lib.ErrViewTimeout(r.View(), r.state))
	}
	if r.state != lib.LeaderMinRoundTimeNotReached {
		return r.pending()
	}
	if r.MinRoundTimeRemaining() > 0 {
		return r.pending()
	}
	return r.propose()
}

// LEADER

// onHighQC() receives the certificate the leader will build on
func (r *Round) onHighQC(qc *lib.QuorumCertificate) Outcome {
	if qc.Phase != lib.PhasePrepare {
		return r.fault(ErrWrongPhase(lib.PhasePrepare, qc.Phase))
	}
	if qc.View >= r.View() {
		return r.fault(lib.ErrWrongView(r.View()-1, qc.View))
	}
	if err := r.Table.VerifyQC(qc); err != nil {
		return r.fault(err)
	}
	r.justify = qc
	r.HighQC.Update(qc)
	if r.MinRoundTimeRemaining() > 0 {
		r.state = lib.LeaderMinRoundTimeNotReached
		return r.pending()
	}
	return r.propose()
}

// propose() builds, signs, persists and broadcasts the proposal of the view, then votes on it
func (r *Round) propose() Outcome {
	parent, ok := r.Chain.Get(r.justify.LeafHash)
	if !ok {
		return r.fault(lib.ErrLeafNotFound(r.justify.LeafHash))
	}
	payload, err := r.Payloads.BuildPayload(r.View(), parent)
	if err != nil {
		return r.fault(ErrBuildPayload(err))
	}
	if size := uint64(len(payload)); r.MaxBlockSize != 0 && size > r.MaxBlockSize {
		return r.fault(ErrMaxBlockSize(size, r.MaxBlockSize))
	}
	vid, err := VidDisperse(r.View(), payload, r.Table)
	if err != nil {
		return r.fault(err)
	}
	leaf := &lib.Leaf{
		View:          r.View(),
		Height:        parent.Height + 1,
		ParentHash:    parent.Hash(),
		PayloadHash:   crypto.Hash(payload),
		VidCommitment: VidCommitment(vid.ShareHashes),
		Justify:       r.justify,
	}
	proposal := &lib.Proposal{Leaf: leaf, DAProposal: &lib.DAProposal{View: r.View(), Payload: payload}, VidDisperse: vid}
	proposal.Signature = r.PrivateKey.Sign(proposal.SignBytes())
	share, err := VidShareFor(vid, r.selfIndex, leaf, r.Table)
	if err != nil {
		return r.fault(err)
	}
	if err = r.persist(proposal, share); err != nil {
		return r.fault(err)
	}
	r.proposal, r.leaf = proposal, leaf
	r.Chain.Add(leaf)
	r.agg.Collect(lib.PhasePrepare, leaf.Hash())
	r.state = lib.LeaderWaitingForPrepareVotes
	r.Metrics.IncProposer()
	r.Log.Infof("Proposing leaf %s at height %d", lib.BytesToTruncatedString(leaf.Hash()), leaf.Height)
	netErr := r.Network.Broadcast(&lib.Message{Type: lib.MessageProposal, Sender: r.publicKey, Proposal: proposal})
	return r.withNetErr(r.selfVote(lib.PhasePrepare), netErr)
}

// onVote() counts a replica vote
func (r *Round) onVote(vote *lib.Vote) Outcome {
	switch r.state {
	case lib.LeaderWaitingForPrepareVotes, lib.LeaderWaitingForPreCommitVotes, lib.LeaderWaitingForCommitVotes:
	default:
		return r.fault(ErrUnexpectedMessage(r.state, "vote"))
	}
	qc, err := r.agg.AcceptVote(vote)
	if err != nil {
		return r.fault(err)
	}
	if qc == nil {
		return r.pending()
	}
	return r.onLeaderQC(qc)
}

// selfVote() counts the leader's own vote for the current phase
func (r *Round) selfVote(phase lib.Phase) Outcome {
	qc, err := r.agg.AcceptVote(lib.NewVote(r.View(), phase, r.leaf.Hash(), r.PrivateKey))
	if err != nil {
		return r.fault(ErrSigningKey(err))
	}
	if qc == nil {
		return r.pending()
	}
	return r.onLeaderQC(qc)
}

// onLeaderQC() broadcasts a certificate the leader formed and moves to the next phase
func (r *Round) onLeaderQC(qc *lib.QuorumCertificate) Outcome {
	r.qcs[qc.Phase] = qc
	r.Log.Debugf("Formed %s certificate for view %d", qc.Phase, qc.View)
	netErr := r.Network.Broadcast(&lib.Message{Type: lib.MessageQC, Sender: r.publicKey, QC: qc})
	switch qc.Phase {
	case lib.PhasePrepare:
		r.HighQC.Update(qc)
		r.state = lib.LeaderWaitingForPreCommitVotes
		r.agg.Collect(lib.PhasePreCommit, qc.LeafHash)
		return r.withNetErr(r.selfVote(lib.PhasePreCommit), netErr)
	case lib.PhasePreCommit:
		r.Chain.Lock(qc)
		r.state = lib.LeaderWaitingForCommitVotes
		r.agg.Collect(lib.PhaseCommit, qc.LeafHash)
		return r.withNetErr(r.selfVote(lib.PhaseCommit), netErr)
	default:
		return r.decide(qc, netErr)
	}
}

// REPLICA

// onProposal() validates the leader's proposal, persists its data and votes PREPARE
func (r *Round) onProposal(p *lib.Proposal) Outcome {
	if r.IsLeader() {
		return r.fault(ErrUnexpectedMessage(r.state, "proposal"))
	}
	if p == nil || p.Leaf == nil {
		return r.fault(lib.ErrEmptyMessage())
	}
	// only a proposal the leader signed for this view can claim it or prove equivocation
	if err := r.authenticate(p); err != nil {
		return r.fault(err)
	}
	if r.proposal != nil {
		if bytes.Equal(p.Leaf.Hash(), r.leaf.Hash()) {
			// replay
			return r.pending()
		}
		return r.fault(ErrEquivocatingProposal(r.View()))
	}
	share, err := r.validateProposal(p)
	if err != nil {
		return r.fault(err)
	}
	if err = r.persist(p, share); err != nil {
		return r.fault(err)
	}
	r.proposal, r.leaf = p, p.Leaf
	r.Chain.Add(p.Leaf)
	r.HighQC.Update(p.Leaf.Justify)
	r.state = lib.ReplicaWaitingForPreCommit
	return r.vote(lib.PhasePrepare)
}

// authenticate() checks the proposal is for this view and signed by its leader
func (r *Round) authenticate(p *lib.Proposal) lib.ErrorI {
	if p.Leaf.View != r.View() {
		return lib.ErrWrongView(r.View(), p.Leaf.View)
	}
	if !r.leaderKey.VerifyBytes(p.SignBytes(), p.Signature) {
		return ErrInvalidProposerPubKey()
	}
	return nil
}

// validateProposal() checks everything a replica must before voting and returns its VID share
func (r *Round) validateProposal(p *lib.Proposal) (*lib.VidShare, lib.ErrorI) {
	leaf := p.Leaf
	justify := leaf.Justify
	if justify == nil {
		return nil, lib.ErrEmptyQuorumCertificate()
	}
	if justify.Phase != lib.PhasePrepare {
		return nil, ErrWrongPhase(lib.PhasePrepare, justify.Phase)
	}
	if justify.View >= leaf.View {
		return nil, ErrInvalidLeaf("justification isn't older than the leaf")
	}
	if err := r.Table.VerifyQC(justify); err != nil {
		return nil, err
	}
	if err := r.Chain.SafeNode(justify); err != nil {
		return nil, err
	}
	parent, ok := r.Chain.Get(justify.LeafHash)
	if !ok {
		return nil, lib.ErrLeafNotFound(justify.LeafHash)
	}
	if !bytes.Equal(leaf.ParentHash, justify.LeafHash) {
		return nil, ErrInvalidLeaf("parent isn't the justified leaf")
	}
	if leaf.Height != parent.Height+1 {
		return nil, ErrInvalidLeaf("wrong height")
	}
	da := p.DAProposal
	if da.View != leaf.View {
		return nil, ErrInvalidPayload(lib.ErrWrongView(leaf.View, da.View))
	}
	if size := uint64(len(da.Payload)); r.MaxBlockSize != 0 && size > r.MaxBlockSize {
		return nil, ErrMaxBlockSize(size, r.MaxBlockSize)
	}
	if !bytes.Equal(crypto.Hash(da.Payload), leaf.PayloadHash) {
		return nil, ErrInvalidLeaf("payload hash mismatch")
	}
	if err := r.Payloads.ValidatePayload(leaf, da.Payload); err != nil {
		return nil, ErrInvalidPayload(err)
	}
	if err := VerifyVidPayload(p.VidDisperse, da.Payload, r.Table); err != nil {
		return nil, err
	}
	return VidShareFor(p.VidDisperse, r.selfIndex, leaf, r.Table)
}

// onQC() handles a certificate: the high qc of a new leader or a certificate broadcast to replicas
func (r *Round) onQC(qc *lib.QuorumCertificate) Outcome {
	if qc == nil {
		return r.fault(lib.ErrEmptyQuorumCertificate())
	}
	if r.IsLeader() {
		if r.state != lib.LeaderWaitingForHighQC {
			return r.fault(ErrUnexpectedMessage(r.state, "certificate"))
		}
		return r.onHighQC(qc)
	}
	if qc.View != r.View() {
		return r.fault(lib.ErrWrongView(r.View(), qc.View))
	}
	if r.leaf == nil {
		return r.fault(ErrUnexpectedMessage(r.state, qc.Phase.String()+" certificate"))
	}
	if !bytes.Equal(qc.LeafHash, r.leaf.Hash()) {
		return r.fault(ErrMismatchLeafHash())
	}
	var expected lib.Phase
	switch r.state {
	case lib.ReplicaWaitingForPreCommit:
		expected = lib.PhasePrepare
	case lib.ReplicaWaitingForCommit:
		expected = lib.PhasePreCommit
	case lib.ReplicaWaitingForDecide:
		expected = lib.PhaseCommit
	}
	if qc.Phase < expected {
		// stale: the round already moved past this phase
		return r.pending()
	}
	if qc.Phase > lib.PhaseCommit {
		return r.fault(ErrWrongPhase(expected, qc.Phase))
	}
	if err := r.Table.VerifyQC(qc); err != nil {
		return r.fault(err)
	}
	r.qcs[qc.Phase] = qc
	switch qc.Phase {
	case lib.PhasePrepare:
		r.HighQC.Update(qc)
		r.state = lib.ReplicaWaitingForCommit
		return r.vote(lib.PhasePreCommit)
	case lib.PhasePreCommit:
		r.Chain.Lock(qc)
		r.state = lib.ReplicaWaitingForDecide
		return r.vote(lib.PhaseCommit)
	default:
		return r.decide(qc, nil)
	}
}

// vote() signs the leaf of the view and sends the vote to the leader
func (r *Round) vote(phase lib.Phase) Outcome {
	vote := lib.NewVote(r.View(), phase, r.leaf.Hash(), r.PrivateKey)
	if err := r.Network.SendToLeader(r.leader, &lib.Message{Type: lib.MessageVote, Sender: r.publicKey, Vote: vote}); err != nil {
		return r.fault(err)
	}
	return r.pending()
}

// HELPERS

// persist() appends the DA proposal and this node's VID share to block storage before any vote is cast
func (r *Round) persist(p *lib.Proposal, share *lib.VidShare) lib.ErrorI {
	if err := r.Storage.Append(lib.NewDAProposalRecord(r.leader, p.DAProposal)); err != nil {
		return err
	}
	return r.Storage.Append(lib.NewVidShareRecord(r.publicKey, share))
}

func (r *Round) decide(qc *lib.QuorumCertificate, netErr lib.ErrorI) Outcome {
	r.done = true
	return Outcome{Kind: OutcomeDecided, State: r.state, Leaf: r.leaf, QC: qc, Err: netErr}
}

func (r *Round) pending() Outcome { return Outcome{Kind: OutcomePending, State: r.state} }

func (r *Round) fault(err lib.ErrorI) Outcome {
	return Outcome{Kind: OutcomeFaulted, State: r.state, Err: err}
}

// withNetErr() surfaces a failed broadcast unless the round has a more important outcome to report
func (r *Round) withNetErr(out Outcome, netErr lib.ErrorI) Outcome {
	if netErr == nil || out.Err != nil {
		return out
	}
	if out.Kind == OutcomeDecided {
		out.Err = netErr
		return out
	}
	return r.fault(netErr)
}
