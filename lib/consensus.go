package lib

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/canopy-network/hotshot/lib/crypto"
)

/* This file defines the messages and records exchanged by the bft engine */

// Phase is a sub-step of a view; each of Prepare, PreCommit and Commit requires its own certificate
type Phase uint8

const (
	PhaseUnknown   Phase = iota
	PhasePropose         // the leader's signature over a proposal
	PhasePrepare         // votes certifying the proposal is valid
	PhasePreCommit       // votes certifying the prepare certificate
	PhaseCommit          // votes certifying the precommit certificate, the leaf commits once this forms
	PhaseNewView         // votes to abandon a view
)

var phaseNames = map[Phase]string{
	PhaseUnknown:   "UNKNOWN",
	PhasePropose:   "PROPOSE",
	PhasePrepare:   "PREPARE",
	PhasePreCommit: "PRECOMMIT",
	PhaseCommit:    "COMMIT",
	PhaseNewView:   "NEW_VIEW",
}

// String() returns the name of the phase
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// MarshalJSON() encodes the phase by name
func (p Phase) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

// UnmarshalJSON() decodes the phase from its name
func (p *Phase) UnmarshalJSON(bz []byte) error {
	var name string
	if err := json.Unmarshal(bz, &name); err != nil {
		return err
	}
	for phase, n := range phaseNames {
		if n == name {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", name)
}

// RoundState is the state a node's round waits in
type RoundState uint8

const (
	RoundStateUnknown RoundState = iota
	LeaderWaitingForHighQC
	LeaderMinRoundTimeNotReached
	LeaderWaitingForPrepareVotes
	LeaderWaitingForPreCommitVotes
	LeaderWaitingForCommitVotes
	ReplicaWaitingForPrepare
	ReplicaWaitingForPreCommit
	ReplicaWaitingForCommit
	ReplicaWaitingForDecide
	// TestCollectRoundEventsTimedOut marks a simulation that gave up waiting for round events
	TestCollectRoundEventsTimedOut
)

var roundStateNames = map[RoundState]string{
	RoundStateUnknown:              "Unknown",
	LeaderWaitingForHighQC:         "LeaderWaitingForHighQC",
	LeaderMinRoundTimeNotReached:   "LeaderMinRoundTimeNotReached",
	LeaderWaitingForPrepareVotes:   "LeaderWaitingForPrepareVotes",
	LeaderWaitingForPreCommitVotes: "LeaderWaitingForPreCommitVotes",
	LeaderWaitingForCommitVotes:    "LeaderWaitingForCommitVotes",
	ReplicaWaitingForPrepare:       "ReplicaWaitingForPrepare",
	ReplicaWaitingForPreCommit:     "ReplicaWaitingForPreCommit",
	ReplicaWaitingForCommit:        "ReplicaWaitingForCommit",
	ReplicaWaitingForDecide:        "ReplicaWaitingForDecide",
	TestCollectRoundEventsTimedOut: "TestCollectRoundEventsTimedOut",
}

// String() returns the name of the round state
func (r RoundState) String() string {
	if name, ok := roundStateNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RoundState(%d)", uint8(r))
}

// IsLeader() returns true if the state belongs to the leader role
func (r RoundState) IsLeader() bool {
	return r >= LeaderWaitingForHighQC && r <= LeaderWaitingForCommitVotes
}

// MarshalJSON() encodes the state by name
func (r RoundState) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }

// UnmarshalJSON() decodes the state from its name
func (r *RoundState) UnmarshalJSON(bz []byte) error {
	var name string
	if err := json.Unmarshal(bz, &name); err != nil {
		return err
	}
	for state, n := range roundStateNames {
		if n == name {
			*r = state
			return nil
		}
	}
	return fmt.Errorf("unknown round state %q", name)
}

// AggregateSignature is a BLS signature aggregated over the signers set in the bitmap
// bit i of the bitmap is stake table entry i
type AggregateSignature struct {
	Signature HexBytes `json:"signature"`
	Bitmap    HexBytes `json:"bitmap"`
}

// QuorumCertificate proves a quorum of stake signed (view, phase, leafHash)
type QuorumCertificate struct {
	View      uint64              `json:"view"`
	Phase     Phase               `json:"phase"`
	LeafHash  HexBytes            `json:"leafHash"`
	Signature *AggregateSignature `json:"signature,omitempty"`
}

// SignBytes() returns the canonical bytes the certificate's signers signed
func (x *QuorumCertificate) SignBytes() []byte { return SignBytes(x.View, x.Phase, x.LeafHash) }

// Equals() compares two certificates
func (x *QuorumCertificate) Equals(qc *QuorumCertificate) bool {
	if x == nil || qc == nil {
		return x == qc
	}
	return bytes.Equal(x.Bytes(), qc.Bytes())
}

// Leaf is a block record in the chain; every leaf except genesis has exactly one parent
type Leaf struct {
	View          uint64             `json:"view"`
	Height        uint64             `json:"height"`
	ParentHash    HexBytes           `json:"parentHash"`
	PayloadHash   HexBytes           `json:"payloadHash"`
	VidCommitment HexBytes           `json:"vidCommitment"`
	Justify       *QuorumCertificate `json:"justify,omitempty"` // the certificate of the parent
}

// Hash() returns the digest that identifies the leaf
func (x *Leaf) Hash() []byte { return crypto.Hash(x.Bytes()) }

// IsGenesis() returns true for the root of the chain
func (x *Leaf) IsGenesis() bool { return x.Height == 0 && len(x.ParentHash) == 0 }

// GenesisLeaf() returns the root leaf every node starts from
func GenesisLeaf() *Leaf {
	return &Leaf{View: 0, Height: 0, PayloadHash: crypto.Hash(nil), VidCommitment: crypto.Hash(nil)}
}

// GenesisQC() returns the unsigned certificate of the genesis leaf
func GenesisQC() *QuorumCertificate {
	return &QuorumCertificate{View: 0, Phase: PhasePrepare, LeafHash: GenesisLeaf().Hash()}
}

// DAProposal carries the block payload for data availability
type DAProposal struct {
	View    uint64   `json:"view"`
	Payload HexBytes `json:"payload"`
}

// VidDisperse carries every erasure coded share of the payload; share i belongs to stake table entry i
type VidDisperse struct {
	View        uint64     `json:"view"`
	DataShards  int        `json:"dataShards"`
	PayloadSize int        `json:"payloadSize"`
	Shares      []HexBytes `json:"shares"`
	ShareHashes []HexBytes `json:"shareHashes"`
}

// VidShare is the single share a participant persists
type VidShare struct {
	View        uint64   `json:"view"`
	Index       int      `json:"index"`
	DataShards  int      `json:"dataShards"`
	TotalShards int      `json:"totalShards"`
	PayloadSize int      `json:"payloadSize"`
	Share       HexBytes `json:"share"`
	Commitment  HexBytes `json:"commitment"`
}

// Proposal is the leader authored message of a view
type Proposal struct {
	Leaf        *Leaf        `json:"leaf"`
	DAProposal  *DAProposal  `json:"daProposal"`
	VidDisperse *VidDisperse `json:"vidDisperse"`
	Signature   HexBytes     `json:"signature"` // the leader's signature over SignBytes(view, PROPOSE, leafHash)
}

// SignBytes() returns the canonical bytes the leader signs
func (x *Proposal) SignBytes() []byte {
	return SignBytes(x.Leaf.View, PhasePropose, x.Leaf.Hash())
}

// Vote is a replica's signed endorsement of a leaf in a phase of a view
type Vote struct {
	View      uint64   `json:"view"`
	Phase     Phase    `json:"phase"`
	LeafHash  HexBytes `json:"leafHash"`
	PublicKey HexBytes `json:"publicKey"`
	Signature HexBytes `json:"signature"`
}

// SignBytes() returns the canonical bytes of the vote
func (x *Vote) SignBytes() []byte { return SignBytes(x.View, x.Phase, x.LeafHash) }

// NewVote() creates a signed vote
func NewVote(view uint64, phase Phase, leafHash []byte, key crypto.PrivateKeyI) *Vote {
	v := &Vote{View: view, Phase: phase, LeafHash: leafHash, PublicKey: key.PublicKey().Bytes()}
	v.Signature = key.Sign(v.SignBytes())
	return v
}

// NewViewVote is a participant's signed request to leave a view, carrying its highest certificate
type NewViewVote struct {
	View      uint64             `json:"view"`
	HighQC    *QuorumCertificate `json:"highQC"`
	PublicKey HexBytes           `json:"publicKey"`
	Signature HexBytes           `json:"signature"`
}

// SignBytes() returns the canonical bytes of the NewView vote; the high qc isn't signed so votes aggregate
func (x *NewViewVote) SignBytes() []byte { return SignBytes(x.View, PhaseNewView, nil) }

// NewNewViewVote() creates a signed NewView vote
func NewNewViewVote(view uint64, highQC *QuorumCertificate, key crypto.PrivateKeyI) *NewViewVote {
	v := &NewViewVote{View: view, HighQC: highQC, PublicKey: key.PublicKey().Bytes()}
	v.Signature = key.Sign(v.SignBytes())
	return v
}

// NewViewCertificate proves a quorum abandoned View; HighQC is the highest certificate among the votes
type NewViewCertificate struct {
	View      uint64              `json:"view"`
	HighQC    *QuorumCertificate  `json:"highQC"`
	Signature *AggregateSignature `json:"signature"`
}

// SignBytes() returns the canonical bytes the certificate's signers signed
func (x *NewViewCertificate) SignBytes() []byte { return SignBytes(x.View, PhaseNewView, nil) }

// MessageType identifies the payload of a Message
type MessageType uint8

const (
	MessageUnknown MessageType = iota
	MessageProposal
	MessageVote
	MessageQC
	MessageNewViewVote
	MessageNewViewCertificate
)

// Message is the envelope the network collaborator carries
type Message struct {
	Type               MessageType         `json:"type"`
	Sender             HexBytes            `json:"sender"`
	Proposal           *Proposal           `json:"proposal,omitempty"`
	Vote               *Vote               `json:"vote,omitempty"`
	QC                 *QuorumCertificate  `json:"qc,omitempty"`
	NewViewVote        *NewViewVote        `json:"newViewVote,omitempty"`
	NewViewCertificate *NewViewCertificate `json:"newViewCertificate,omitempty"`
}

// View() returns the view the message belongs to
func (x *Message) View() uint64 {
	switch x.Type {
	case MessageProposal:
		if x.Proposal != nil && x.Proposal.Leaf != nil {
			return x.Proposal.Leaf.View
		}
	case MessageVote:
		if x.Vote != nil {
			return x.Vote.View
		}
	case MessageQC:
		if x.QC != nil {
			return x.QC.View
		}
	case MessageNewViewVote:
		if x.NewViewVote != nil {
			return x.NewViewVote.View
		}
	case MessageNewViewCertificate:
		if x.NewViewCertificate != nil {
			return x.NewViewCertificate.View
		}
	}
	return 0
}

// Check() validates the envelope holds the payload its type names
func (x *Message) Check() ErrorI {
	ok := false
	switch x.Type {
	case MessageProposal:
		ok = x.Proposal != nil && x.Proposal.Leaf != nil && x.Proposal.DAProposal != nil && x.Proposal.VidDisperse != nil
	case MessageVote:
		ok = x.Vote != nil
	case MessageQC:
		ok = x.QC != nil
	case MessageNewViewVote:
		ok = x.NewViewVote != nil && x.NewViewVote.HighQC != nil
	case MessageNewViewCertificate:
		ok = x.NewViewCertificate != nil && x.NewViewCertificate.HighQC != nil
	}
	if !ok {
		return ErrEmptyMessage()
	}
	return nil
}

// String() returns a short description of the message for logs
func (x *Message) String() string {
	switch x.Type {
	case MessageProposal:
		return fmt.Sprintf("Proposal(view=%d)", x.View())
	case MessageVote:
		return fmt.Sprintf("Vote(view=%d, phase=%s)", x.View(), x.Vote.Phase)
	case MessageQC:
		return fmt.Sprintf("QC(view=%d, phase=%s)", x.View(), x.QC.Phase)
	case MessageNewViewVote:
		return fmt.Sprintf("NewViewVote(view=%d)", x.View())
	case MessageNewViewCertificate:
		return fmt.Sprintf("NewViewCertificate(view=%d)", x.View())
	}
	return "Unknown"
}

func ErrEmptyMessage() ErrorI {
	return NewKindError(KindInvalidState, CodeEmptyMessage, ConsensusModule, "empty message")
}
