package lib

import (
	"bytes"
	"fmt"
)

/* This file defines the collaborators the bft engine is built against */

// Network is the transport collaborator; both calls are fire-and-forget
type Network interface {
	// SendToLeader() delivers a message to a single participant; failure is FailedToMessageLeader
	SendToLeader(leader []byte, msg *Message) ErrorI
	// Broadcast() delivers a message to every participant but the sender; failure is FailedToBroadcast
	Broadcast(msg *Message) ErrorI
}

// BlockStorage durably records DA proposals and VID shares before a node votes on them
// Append is idempotent: the same record under the same key is a no-op, a different record under the same key
// is a StoreError. Empty builds a fresh instance of the same kind with nothing in it
type BlockStorage interface {
	Append(p *ProposalType) ErrorI
	Retrieve(kind ProposalKind, view uint64, participant []byte) (*ProposalType, ErrorI)
	Empty() (BlockStorage, ErrorI)
}

// PayloadBuilder constructs and validates block payloads; payload semantics are opaque to consensus
type PayloadBuilder interface {
	BuildPayload(view uint64, parent *Leaf) ([]byte, ErrorI)
	ValidatePayload(leaf *Leaf, payload []byte) ErrorI
}

// Committer receives every decided leaf in chain order, ancestors first
type Committer interface {
	CommitLeaf(leaf *Leaf, qc *QuorumCertificate) ErrorI
}

// ProposalKind distinguishes the two record kinds in block storage
type ProposalKind uint8

const (
	ProposalKindDA       ProposalKind = 1 // the full payload, stored under the leader
	ProposalKindVidShare ProposalKind = 2 // a single VID share, stored under its owner
)

// String() returns the name of the kind
func (k ProposalKind) String() string {
	switch k {
	case ProposalKindDA:
		return "da"
	case ProposalKindVidShare:
		return "vid"
	}
	return fmt.Sprintf("ProposalKind(%d)", uint8(k))
}

// ProposalType is a record appended to block storage, keyed by (kind, view, participant)
type ProposalType struct {
	Kind        ProposalKind `json:"kind"`
	View        uint64       `json:"view"`
	Participant HexBytes     `json:"participant"`
	DAProposal  *DAProposal  `json:"daProposal,omitempty"`
	VidShare    *VidShare    `json:"vidShare,omitempty"`
}

// NewDAProposalRecord() wraps a DA proposal authored by the leader
func NewDAProposalRecord(leader []byte, p *DAProposal) *ProposalType {
	return &ProposalType{Kind: ProposalKindDA, View: p.View, Participant: leader, DAProposal: p}
}

// NewVidShareRecord() wraps the VID share owned by participant
func NewVidShareRecord(participant []byte, s *VidShare) *ProposalType {
	return &ProposalType{Kind: ProposalKindVidShare, View: s.View, Participant: participant, VidShare: s}
}

// Check() validates the record holds the payload its kind names
func (x *ProposalType) Check() ErrorI {
	switch {
	case x == nil, len(x.Participant) == 0:
		return ErrInvalidProposalRecord()
	case x.Kind == ProposalKindDA && (x.DAProposal == nil || x.DAProposal.View != x.View):
		return ErrInvalidProposalRecord()
	case x.Kind == ProposalKindVidShare && (x.VidShare == nil || x.VidShare.View != x.View):
		return ErrInvalidProposalRecord()
	case x.Kind != ProposalKindDA && x.Kind != ProposalKindVidShare:
		return ErrInvalidProposalRecord()
	}
	return nil
}

// Key() returns the storage key of the record
func (x *ProposalType) Key() []byte { return ProposalKey(x.Kind, x.View, x.Participant) }

// Equals() compares two records by their encoding
func (x *ProposalType) Equals(y *ProposalType) bool {
	a, err := MarshalJSON(x)
	if err != nil {
		return false
	}
	b, err := MarshalJSON(y)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// ProposalKey() builds the storage key of (kind, view, participant)
func ProposalKey(kind ProposalKind, view uint64, participant []byte) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%x", kind, view, participant))
}

func ErrInvalidProposalRecord() ErrorI {
	return NewKindError(KindStorageError, CodeInvalidProposal, StorageModule, "invalid proposal record")
}
