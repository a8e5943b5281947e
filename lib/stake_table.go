package lib

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/canopy-network/hotshot/lib/crypto"
)

/* This file implements the weighted membership snapshot used for voting power, thresholds and leader election */

// StakeTableEntry is a participant and its voting weight
type StakeTableEntry struct {
	PublicKey HexBytes `json:"publicKey"`
	Weight    uint64   `json:"weight"`
}

// StakeTable is a read-only snapshot of the membership for a view
// The order of the entries is the order of the signer bitmaps and the VID share assignment
type StakeTable struct {
	Entries     []*StakeTableEntry `json:"entries"`
	TotalWeight uint64             `json:"totalWeight"`
	threshold   uint64
	multiKey    crypto.MultiPublicKeyI
	index       map[string]int
	root        []byte
}

// NewStakeTable() validates the entries and computes the totals once
func NewStakeTable(entries []*StakeTableEntry) (*StakeTable, ErrorI) {
	if len(entries) == 0 {
		return nil, ErrEmptyStakeTable()
	}
	s := &StakeTable{Entries: entries, index: make(map[string]int, len(entries))}
	keys, leaves := make([][]byte, 0, len(entries)), make([][]byte, 0, len(entries))
	for i, e := range entries {
		if e.Weight == 0 {
			return nil, ErrZeroWeightEntry(e.PublicKey)
		}
		k := BytesToString(e.PublicKey)
		if _, found := s.index[k]; found {
			return nil, ErrDuplicateStakeKey(e.PublicKey)
		}
		if _, err := crypto.NewBLSPublicKeyFromBytes(e.PublicKey); err != nil {
			return nil, ErrPubKeyFromBytes(err)
		}
		if s.TotalWeight+e.Weight < s.TotalWeight {
			return nil, ErrInvalidArgument()
		}
		s.index[k] = i
		s.TotalWeight += e.Weight
		keys = append(keys, e.PublicKey)
		leaves = append(leaves, entryBytes(e))
	}
	mk, err := crypto.NewMultiBLS(keys, nil)
	if err != nil {
		return nil, ErrNewMultiPubKey(err)
	}
	s.multiKey = mk
	root, _, err := crypto.MerkleTree(leaves)
	if err != nil {
		return nil, ErrInvalidArgument()
	}
	s.root = root
	s.threshold = Threshold(s.TotalWeight)
	return s, nil
}

// NewStakeTableFromFile() loads a stake table json file from the data directory
func NewStakeTableFromFile(dataDirPath string) (*StakeTable, ErrorI) {
	var entries []*StakeTableEntry
	if err := NewJSONFromFile(&entries, dataDirPath, StakeTablePath); err != nil {
		return nil, err
	}
	return NewStakeTable(entries)
}

// Threshold() is the minimum weight of a quorum: floor(2*total/3) + 1
// computed without overflowing 2*total; equals 2f+1 for n = 3f+1 equal weights
func Threshold(total uint64) uint64 {
	q, r := total/3, total%3
	return 2*q + (2*r)/3 + 1
}

// Threshold() returns the quorum weight of the table
func (s *StakeTable) Threshold() uint64 { return s.threshold }

// Len() returns the number of participants
func (s *StakeTable) Len() int { return len(s.Entries) }

// FaultTolerance() returns f, the largest number of equal weight participants that may fail
func (s *StakeTable) FaultTolerance() int { return (len(s.Entries) - 1) / 3 }

// Root() returns a digest committing to the entries and their order
func (s *StakeTable) Root() []byte { return s.root }

// IndexOf() returns the position and entry of a participant
func (s *StakeTable) IndexOf(publicKey []byte) (int, *StakeTableEntry, ErrorI) {
	i, ok := s.index[BytesToString(publicKey)]
	if !ok {
		return 0, nil, ErrValidatorNotInSet(publicKey)
	}
	return i, s.Entries[i], nil
}

// MultiKey() returns a fresh signer set over the table's keys
func (s *StakeTable) MultiKey() crypto.MultiPublicKeyI {
	mk := s.multiKey.Copy()
	mk.Reset()
	return mk
}

// SignerWeight() recomputes the weight of the signers set in a bitmap
func (s *StakeTable) SignerWeight(bitmap []byte) (weight uint64, signers int, err ErrorI) {
	mk := s.MultiKey()
	if e := mk.SetBitmap(bitmap); e != nil {
		return 0, 0, ErrInvalidSignerBitmap(e)
	}
	for i, entry := range s.Entries {
		enabled, e := mk.SignerEnabledAt(i)
		if e != nil {
			return 0, 0, ErrInvalidSignerBitmap(e)
		}
		if enabled {
			weight += entry.Weight
			signers++
		}
	}
	return
}

// VerifyAggregate() checks an aggregate signature over msg is valid and carries at least threshold weight
// the weight is always recomputed from the bitmap, never trusted
func (s *StakeTable) VerifyAggregate(msg []byte, sig *AggregateSignature) ErrorI {
	if sig == nil || len(sig.Signature) == 0 {
		return ErrEmptyAggregateSignature()
	}
	if len(sig.Signature) != crypto.BLS12381SignatureSize {
		return ErrInvalidAggrSignature()
	}
	weight, _, err := s.SignerWeight(sig.Bitmap)
	if err != nil {
		return err
	}
	if weight < s.threshold {
		return ErrInsufficientValidSignatures(weight, s.threshold)
	}
	mk := s.MultiKey()
	if e := mk.SetBitmap(sig.Bitmap); e != nil {
		return ErrInvalidSignerBitmap(e)
	}
	if !mk.VerifyBytes(msg, sig.Signature) {
		return ErrInvalidAggrSignature()
	}
	return nil
}

// VerifyQC() checks a received quorum certificate; the genesis certificate is accepted only if it
// matches the locally computed genesis
func (s *StakeTable) VerifyQC(qc *QuorumCertificate) ErrorI {
	if qc == nil || len(qc.LeafHash) == 0 {
		return ErrEmptyQuorumCertificate()
	}
	if qc.View == 0 {
		if !qc.Equals(GenesisQC()) {
			return ErrInvalidGenesis()
		}
		return nil
	}
	return s.VerifyAggregate(qc.SignBytes(), qc.Signature)
}

// VerifyNewViewCertificate() checks the aggregate of a NewView certificate and the high qc it carries
func (s *StakeTable) VerifyNewViewCertificate(cert *NewViewCertificate) ErrorI {
	if cert == nil || cert.HighQC == nil {
		return ErrEmptyQuorumCertificate()
	}
	if cert.HighQC.View > cert.View {
		return ErrWrongView(cert.View, cert.HighQC.View)
	}
	if err := s.VerifyAggregate(cert.SignBytes(), cert.Signature); err != nil {
		return err
	}
	return s.VerifyQC(cert.HighQC)
}

// Equals() compares the membership and weights of two tables
func (s *StakeTable) Equals(t *StakeTable) bool {
	if s == nil || t == nil {
		return s == t
	}
	return bytes.Equal(s.root, t.root)
}

// String() returns a short description for logs
func (s *StakeTable) String() string {
	return fmt.Sprintf("StakeTable(n=%d, total=%d, threshold=%d)", len(s.Entries), s.TotalWeight, s.threshold)
}

func entryBytes(e *StakeTableEntry) []byte {
	bz := binary.BigEndian.AppendUint64(nil, e.Weight)
	return append(bz, e.PublicKey...)
}

func ErrInvalidGenesis() ErrorI {
	return NewKindError(KindInvalidState, CodeInvalidGenesis, ConsensusModule, "certificate doesn't match the local genesis")
}

func ErrWrongView(expected, got uint64) ErrorI {
	return NewKindError(KindInvalidState, CodeWrongView, ConsensusModule, fmt.Sprintf("wrong view: expected %d got %d", expected, got))
}
