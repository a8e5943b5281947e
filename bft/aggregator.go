package bft

import (
	"bytes"

	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
)

// LEADER TRACKING AND AGGREGATING VOTES FROM REPLICAS

// NOTE: A 'Vote' is a digital signature of SignBytes from a Replica. By signing a message and sending it to the Leader,
// the Replica is adding their stake weight behind some aggregable message. If the Leader is able to aggregate a
// Threshold of the weight, the Leader is able to justify consensus on that message to the entire set.

// Aggregator collects the votes of a single view, one tally per phase
// It's owned by the Round collecting them and is never shared across views
type Aggregator struct {
	view    uint64
	table   *lib.StakeTable
	tallies map[lib.Phase]*Tally
	metrics *lib.Metrics
}

// Tally holds the digest being voted on, the distinct signers so far and their weight
type Tally struct {
	LeafHash lib.HexBytes `json:"leafHash"`
	Weight   uint64       `json:"weight"`
	Signers  int          `json:"signers"`
	multiKey crypto.MultiPublicKeyI // tracks and aggregates bls signatures from replicas
	qc       *lib.QuorumCertificate // set once, when the weight first crosses the threshold
}

// NewAggregator() creates an aggregator for a view over the stake table
func NewAggregator(view uint64, table *lib.StakeTable, metrics *lib.Metrics) *Aggregator {
	return &Aggregator{view: view, table: table, tallies: make(map[lib.Phase]*Tally), metrics: metrics}
}

// Collect() opens the tally for (phase, leafHash); votes for anything not opened are rejected
func (a *Aggregator) Collect(phase lib.Phase, leafHash []byte) {
	if _, ok := a.tallies[phase]; ok {
		return
	}
	a.tallies[phase] = &Tally{LeafHash: leafHash, multiKey: a.table.MultiKey()}
}

// Tally() returns the tally of a phase, nil if not collecting
func (a *Aggregator) Tally(phase lib.Phase) *Tally { return a.tallies[phase] }

// AcceptVote() verifies and counts a vote, returning a QC the one time the tally crosses the threshold
// - votes for a view, phase or digest not being collected are rejected
// - votes with an invalid signature are rejected without affecting the tally
// - a replay of a counted vote is a no-op
func (a *Aggregator) AcceptVote(vote *lib.Vote) (*lib.QuorumCertificate, lib.ErrorI) {
	if vote == nil {
		return nil, lib.ErrEmptyMessage()
	}
	t, ok := a.tallies[vote.Phase]
	if vote.View != a.view || !ok {
		return nil, ErrNotCollecting(vote.View, vote.Phase)
	}
	if !bytes.Equal(t.LeafHash, vote.LeafHash) {
		return nil, ErrMismatchLeafHash()
	}
	idx, entry, err := a.table.IndexOf(vote.PublicKey)
	if err != nil {
		return nil, err
	}
	enabled, er := t.multiKey.SignerEnabledAt(idx)
	if er != nil {
		return nil, ErrUnableToAddSigner(er)
	}
	if enabled {
		// already counted
		return nil, nil
	}
	publicKey := t.multiKey.PublicKeys()[idx]
	if !publicKey.VerifyBytes(vote.SignBytes(), vote.Signature) {
		return nil, lib.ErrInvalidSignature()
	}
	if er = t.multiKey.AddSigner(vote.Signature, idx); er != nil {
		return nil, ErrUnableToAddSigner(er)
	}
	t.Weight += entry.Weight
	t.Signers++
	if t.qc != nil || t.Weight < a.table.Threshold() {
		return nil, nil
	}
	signature, er := t.multiKey.AggregateSignatures()
	if er != nil {
		return nil, ErrAggregateSignature(er)
	}
	t.qc = &lib.QuorumCertificate{
		View:      a.view,
		Phase:     vote.Phase,
		LeafHash:  t.LeafHash,
		Signature: &lib.AggregateSignature{Signature: signature, Bitmap: append([]byte(nil), t.multiKey.Bitmap()...)},
	}
	a.metrics.IncQC(vote.Phase)
	return t.qc, nil
}

// VerifyQC() checks a received certificate against the stake table; the claimed signers are recounted
func (a *Aggregator) VerifyQC(qc *lib.QuorumCertificate) lib.ErrorI { return a.table.VerifyQC(qc) }
