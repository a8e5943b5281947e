package bft

import (
	"fmt"
	"time"

	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
)

// PACEMAKER: VIEW SYNCHRONIZATION WHEN THE HAPPY PATH FAILS

// NOTE: When a view times out, every node broadcasts a signed NewView vote carrying the highest certificate it knows.
// The votes aggregate into a NewView certificate once a threshold of stake has abandoned the view; the certificate
// carries the highest of the certificates in the votes so the next leader builds on it. Receiving a valid
// certificate for view w moves a node to w+1 no matter how far behind it was.

// SyncState is the state of the view synchronizer
type SyncState uint8

const (
	SyncActive            SyncState = iota // running the current view
	SyncCollectingNewView                  // the view timed out, waiting for a NewView quorum
	SyncAdvanced                           // moved to a new view by certificate
)

// String() returns the name of the sync state
func (s SyncState) String() string {
	switch s {
	case SyncActive:
		return "Active"
	case SyncCollectingNewView:
		return "CollectingNewView"
	case SyncAdvanced:
		return "Advanced"
	}
	return fmt.Sprintf("SyncState(%d)", uint8(s))
}

// PacemakerParams are the collaborators of the pacemaker
type PacemakerParams struct {
	Config     lib.ConsensusConfig
	Table      *lib.StakeTable
	PrivateKey crypto.PrivateKeyI
	Network    lib.Network
	HighQC     *HighQC
	Metrics    *lib.Metrics
	Log        lib.LoggerI
}

// Pacemaker tracks the current view, the view deadline and the NewView votes of every view not yet abandoned
type Pacemaker struct {
	PacemakerParams
	view        uint64
	state       SyncState
	timeouts    *TimeoutController
	tallies     map[uint64]*newViewTally
	lastVote    *lib.NewViewVote
	consecutive uint64
}

// newViewTally aggregates the NewView votes of one view
type newViewTally struct {
	multiKey crypto.MultiPublicKeyI
	weight   uint64
	highQC   *lib.QuorumCertificate
	cert     *lib.NewViewCertificate
}

// NewPacemaker() creates a pacemaker positioned before the first view
func NewPacemaker(p PacemakerParams) *Pacemaker {
	return &Pacemaker{
		PacemakerParams: p,
		timeouts:        NewTimeoutController(p.Config),
		tallies:         make(map[uint64]*newViewTally),
	}
}

// View() returns the current view
func (p *Pacemaker) View() uint64 { return p.view }

// State() returns the current sync state
func (p *Pacemaker) State() SyncState { return p.state }

// ConsecutiveTimeouts() returns the number of views abandoned since the last decide
func (p *Pacemaker) ConsecutiveTimeouts() uint64 { return p.consecutive }

// Deadline() returns how long the current view may run before it times out
func (p *Pacemaker) Deadline() time.Duration { return p.timeouts.Duration() }

// Start() enters a view as Active; tallies of older views are discarded
func (p *Pacemaker) Start(view uint64) {
	p.view, p.state, p.lastVote = view, SyncActive, nil
	for v := range p.tallies {
		if v < view {
			delete(p.tallies, v)
		}
	}
}

// OnTimeout() abandons the current view: the vote is broadcast and returned so the caller counts it locally
// exceeding the consecutive timeout limit escalates ChainNotProgressing, the vote is still produced
func (p *Pacemaker) OnTimeout() (*lib.NewViewVote, lib.ErrorI) {
	p.state = SyncCollectingNewView
	p.timeouts.OnTimeout()
	p.consecutive++
	p.Metrics.UpdateTimeout(p.consecutive)
	p.lastVote = lib.NewNewViewVote(p.view, p.HighQC.Load(), p.PrivateKey)
	p.Log.Warnf("View %d timed out (%d consecutive), next deadline %s", p.view, p.consecutive, p.Deadline())
	var err lib.ErrorI
	if netErr := p.broadcast(&lib.Message{Type: lib.MessageNewViewVote, NewViewVote: p.lastVote}); netErr != nil {
		err = netErr
	}
	if max := p.Config.MaxConsecutiveTimeouts; max != 0 && p.consecutive > max {
		err = ErrChainNotProgressing(p.consecutive, p.view)
	}
	return p.lastVote, err
}

// Rebroadcast() repeats this node's NewView vote while still collecting
func (p *Pacemaker) Rebroadcast() lib.ErrorI {
	if p.state != SyncCollectingNewView || p.lastVote == nil {
		return nil
	}
	p.timeouts.OnTimeout()
	return p.broadcast(&lib.Message{Type: lib.MessageNewViewVote, NewViewVote: p.lastVote})
}

// OnNewViewVote() counts a NewView vote for the current view or later, returning a certificate the one time a
// threshold of stake has voted to leave that view
func (p *Pacemaker) OnNewViewVote(vote *lib.NewViewVote) (*lib.NewViewCertificate, lib.ErrorI) {
	if vote == nil || vote.HighQC == nil {
		return nil, lib.ErrEmptyMessage()
	}
	if err := p.checkView(vote.View); err != nil {
		return nil, err
	}
	if vote.HighQC.View > vote.View {
		return nil, lib.ErrWrongView(vote.View, vote.HighQC.View)
	}
	idx, entry, err := p.Table.IndexOf(vote.PublicKey)
	if err != nil {
		return nil, err
	}
	// a tally is only kept once it holds a verified vote
	t, ok := p.tallies[vote.View]
	if !ok {
		t = &newViewTally{multiKey: p.Table.MultiKey()}
	}
	enabled, er := t.multiKey.SignerEnabledAt(idx)
	if er != nil {
		return nil, ErrUnableToAddSigner(er)
	}
	if enabled {
		return nil, nil
	}
	if !t.multiKey.PublicKeys()[idx].VerifyBytes(vote.SignBytes(), vote.Signature) {
		return nil, lib.ErrInvalidSignature()
	}
	if err = p.Table.VerifyQC(vote.HighQC); err != nil {
		return nil, err
	}
	if er = t.multiKey.AddSigner(vote.Signature, idx); er != nil {
		return nil, ErrUnableToAddSigner(er)
	}
	p.tallies[vote.View] = t
	t.weight += entry.Weight
	if t.highQC == nil || vote.HighQC.View > t.highQC.View {
		t.highQC = vote.HighQC
	}
	if t.cert != nil || t.weight < p.Table.Threshold() {
		return nil, nil
	}
	signature, er := t.multiKey.AggregateSignatures()
	if er != nil {
		return nil, ErrAggregateSignature(er)
	}
	t.cert = &lib.NewViewCertificate{
		View:      vote.View,
		HighQC:    t.highQC,
		Signature: &lib.AggregateSignature{Signature: signature, Bitmap: append([]byte(nil), t.multiKey.Bitmap()...)},
	}
	p.Metrics.IncNewViewCert()
	p.Log.Infof("Formed NewView certificate for view %d with high qc of view %d", t.cert.View, t.cert.HighQC.View)
	return t.cert, p.broadcast(&lib.Message{Type: lib.MessageNewViewCertificate, NewViewCertificate: t.cert})
}

// OnNewViewCertificate() verifies a certificate received from the network
func (p *Pacemaker) OnNewViewCertificate(cert *lib.NewViewCertificate) lib.ErrorI {
	if cert == nil {
		return lib.ErrEmptyMessage()
	}
	if err := p.checkView(cert.View); err != nil {
		return err
	}
	return p.Table.VerifyNewViewCertificate(cert)
}

// checkView() accepts the current view and at most MaxFutureViews ahead of it
func (p *Pacemaker) checkView(view uint64) lib.ErrorI {
	if view < p.view {
		return lib.ErrWrongView(p.view, view)
	}
	if view-p.view > p.Config.MaxFutureViews {
		return ErrViewTooFarAhead(view, p.view)
	}
	return nil
}

// Tallies() returns the number of views with NewView votes being counted
func (p *Pacemaker) Tallies() int { return len(p.tallies) }

// AdvanceTo() moves past the view of a NewView certificate
func (p *Pacemaker) AdvanceTo(cert *lib.NewViewCertificate) uint64 {
	p.HighQC.Update(cert.HighQC)
	p.Start(cert.View + 1)
	p.state = SyncAdvanced
	return p.view
}

// OnProgress() resets the timeout escalation after a decide
func (p *Pacemaker) OnProgress() {
	p.timeouts.OnProgress()
	p.consecutive = 0
}

func (p *Pacemaker) broadcast(msg *lib.Message) lib.ErrorI {
	msg.Sender = p.PrivateKey.PublicKey().Bytes()
	return p.Network.Broadcast(msg)
}
