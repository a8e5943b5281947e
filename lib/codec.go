package lib

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

/*
	Canonical binary encodings of the signed and hashed records.
	Records are written in protobuf wire format with ascending field numbers and no unknown fields,
	so two honest nodes always derive the same bytes (and therefore the same hashes and sign bytes).
*/

const (
	signViewField  protowire.Number = 1
	signPhaseField protowire.Number = 2
	signHashField  protowire.Number = 3

	qcViewField      protowire.Number = 1
	qcPhaseField     protowire.Number = 2
	qcLeafHashField  protowire.Number = 3
	qcSignatureField protowire.Number = 4
	qcBitmapField    protowire.Number = 5

	leafViewField          protowire.Number = 1
	leafHeightField        protowire.Number = 2
	leafParentHashField    protowire.Number = 3
	leafPayloadHashField   protowire.Number = 4
	leafVidCommitmentField protowire.Number = 5
	leafJustifyField       protowire.Number = 6

	committedLeafField protowire.Number = 1
	committedQCField   protowire.Number = 2
)

// SignBytes() returns the canonical bytes signed for (view, phase, leafHash)
func SignBytes(view uint64, phase Phase, leafHash []byte) (bz []byte) {
	bz = appendVarint(bz, signViewField, view)
	bz = appendVarint(bz, signPhaseField, uint64(phase))
	return appendBytes(bz, signHashField, leafHash)
}

// Bytes() returns the canonical encoding of the certificate
func (x *QuorumCertificate) Bytes() (bz []byte) {
	if x == nil {
		return nil
	}
	bz = appendVarint(bz, qcViewField, x.View)
	bz = appendVarint(bz, qcPhaseField, uint64(x.Phase))
	bz = appendBytes(bz, qcLeafHashField, x.LeafHash)
	if x.Signature != nil {
		bz = appendBytes(bz, qcSignatureField, x.Signature.Signature)
		bz = appendBytes(bz, qcBitmapField, x.Signature.Bitmap)
	}
	return
}

// Bytes() returns the canonical encoding of the leaf
func (x *Leaf) Bytes() (bz []byte) {
	if x == nil {
		return nil
	}
	bz = appendVarint(bz, leafViewField, x.View)
	bz = appendVarint(bz, leafHeightField, x.Height)
	bz = appendBytes(bz, leafParentHashField, x.ParentHash)
	bz = appendBytes(bz, leafPayloadHashField, x.PayloadHash)
	bz = appendBytes(bz, leafVidCommitmentField, x.VidCommitment)
	if x.Justify != nil {
		bz = protowire.AppendTag(bz, leafJustifyField, protowire.BytesType)
		bz = protowire.AppendBytes(bz, x.Justify.Bytes())
	}
	return
}

// NewQCFromBytes() decodes the canonical encoding of a certificate
func NewQCFromBytes(bz []byte) (*QuorumCertificate, ErrorI) {
	qc := new(QuorumCertificate)
	var signature, bitmap []byte
	err := consumeFields(bz, func(num protowire.Number, v uint64, b []byte) {
		switch num {
		case qcViewField:
			qc.View = v
		case qcPhaseField:
			qc.Phase = Phase(v)
		case qcLeafHashField:
			qc.LeafHash = b
		case qcSignatureField:
			signature = b
		case qcBitmapField:
			bitmap = b
		}
	})
	if err != nil {
		return nil, err
	}
	if signature != nil || bitmap != nil {
		qc.Signature = &AggregateSignature{Signature: signature, Bitmap: bitmap}
	}
	return qc, nil
}

// NewLeafFromBytes() decodes the canonical encoding of a leaf
func NewLeafFromBytes(bz []byte) (*Leaf, ErrorI) {
	leaf := new(Leaf)
	var justify []byte
	err := consumeFields(bz, func(num protowire.Number, v uint64, b []byte) {
		switch num {
		case leafViewField:
			leaf.View = v
		case leafHeightField:
			leaf.Height = v
		case leafParentHashField:
			leaf.ParentHash = b
		case leafPayloadHashField:
			leaf.PayloadHash = b
		case leafVidCommitmentField:
			leaf.VidCommitment = b
		case leafJustifyField:
			justify = b
		}
	})
	if err != nil {
		return nil, err
	}
	if justify != nil {
		if leaf.Justify, err = NewQCFromBytes(justify); err != nil {
			return nil, err
		}
	}
	return leaf, nil
}

// CommittedBytes() returns the canonical encoding of a decided leaf with the certificate that decided it
// Both fields are always written so an empty certificate still decodes
func CommittedBytes(leaf *Leaf, qc *QuorumCertificate) (bz []byte) {
	bz = protowire.AppendTag(bz, committedLeafField, protowire.BytesType)
	bz = protowire.AppendBytes(bz, leaf.Bytes())
	bz = protowire.AppendTag(bz, committedQCField, protowire.BytesType)
	return protowire.AppendBytes(bz, qc.Bytes())
}

// NewCommittedFromBytes() decodes the output of CommittedBytes()
func NewCommittedFromBytes(bz []byte) (leaf *Leaf, qc *QuorumCertificate, err ErrorI) {
	var leafBz, qcBz []byte
	var hasLeaf, hasQC bool
	err = consumeFields(bz, func(num protowire.Number, _ uint64, b []byte) {
		switch num {
		case committedLeafField:
			leafBz, hasLeaf = b, true
		case committedQCField:
			qcBz, hasQC = b, true
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if !hasLeaf || !hasQC {
		return nil, nil, ErrUnmarshal(errors.New("committed leaf is missing its leaf or certificate"))
	}
	if leaf, err = NewLeafFromBytes(leafBz); err != nil {
		return nil, nil, err
	}
	if qc, err = NewQCFromBytes(qcBz); err != nil {
		return nil, nil, err
	}
	return leaf, qc, nil
}

// appendVarint() writes a varint field, omitting the zero value like proto3 does
func appendVarint(bz []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return bz
	}
	bz = protowire.AppendTag(bz, num, protowire.VarintType)
	return protowire.AppendVarint(bz, v)
}

// appendBytes() writes a length delimited field, omitting empty values like proto3 does
func appendBytes(bz []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return bz
	}
	bz = protowire.AppendTag(bz, num, protowire.BytesType)
	return protowire.AppendBytes(bz, v)
}

// consumeFields() walks the varint and bytes fields of an encoding
func consumeFields(bz []byte, fn func(num protowire.Number, v uint64, b []byte)) ErrorI {
	for len(bz) > 0 {
		num, typ, n := protowire.ConsumeTag(bz)
		if n < 0 {
			return ErrUnmarshal(protowire.ParseError(n))
		}
		bz = bz[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(bz)
			if m < 0 {
				return ErrUnmarshal(protowire.ParseError(m))
			}
			fn(num, v, nil)
			bz = bz[m:]
		case protowire.BytesType:
			b, m := protowire.ConsumeBytes(bz)
			if m < 0 {
				return ErrUnmarshal(protowire.ParseError(m))
			}
			fn(num, 0, append([]byte(nil), b...))
			bz = bz[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, bz)
			if m < 0 {
				return ErrUnmarshal(protowire.ParseError(m))
			}
			bz = bz[m:]
		}
	}
	return nil
}
