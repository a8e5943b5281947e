package bft

import (
	"bytes"

	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
	"github.com/klauspost/reedsolomon"
)

/*
	VID DISPERSAL:

		The payload is erasure coded into n shares, one per stake table entry, with f+1 data shares.
		Any f+1 shares reconstruct the payload, so the payload survives as long as one honest holder
		of each of f+1 distinct shares is reachable.

		The leaf commits to the dispersal with VidCommitment = MerkleRoot(share hashes).
*/

// VidDisperse() erasure codes a payload into one share per participant
func VidDisperse(view uint64, payload []byte, table *lib.StakeTable) (*lib.VidDisperse, lib.ErrorI) {
	total := table.Len()
	data := vidDataShards(table)
	shards, err := vidSplit(payload, data, total)
	if err != nil {
		return nil, err
	}
	d := &lib.VidDisperse{View: view, DataShards: data, PayloadSize: len(payload)}
	for _, s := range shards {
		d.Shares = append(d.Shares, s)
		d.ShareHashes = append(d.ShareHashes, crypto.Hash(s))
	}
	return d, nil
}

// VidCommitment() returns the commitment over the share hashes of a dispersal
func VidCommitment(shareHashes []lib.HexBytes) []byte {
	items := make([][]byte, len(shareHashes))
	for i, h := range shareHashes {
		items[i] = h
	}
	root, _, _ := crypto.MerkleTree(items)
	return root
}

// VidShareFor() extracts and checks the share of the participant at index
func VidShareFor(d *lib.VidDisperse, index int, leaf *lib.Leaf, table *lib.StakeTable) (*lib.VidShare, lib.ErrorI) {
	if err := VerifyVidDisperse(d, leaf, table); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(d.Shares) {
		return nil, ErrInvalidVidShare("index out of range")
	}
	if !bytes.Equal(crypto.Hash(d.Shares[index]), d.ShareHashes[index]) {
		return nil, ErrInvalidVidShare("share doesn't match its hash")
	}
	return &lib.VidShare{
		View:        d.View,
		Index:       index,
		DataShards:  d.DataShards,
		TotalShards: len(d.Shares),
		PayloadSize: d.PayloadSize,
		Share:       d.Shares[index],
		Commitment:  leaf.VidCommitment,
	}, nil
}

// VerifyVidDisperse() checks the dispersal's shape and that the leaf commits to its share hashes
func VerifyVidDisperse(d *lib.VidDisperse, leaf *lib.Leaf, table *lib.StakeTable) lib.ErrorI {
	switch {
	case d == nil:
		return ErrInvalidVidShare("empty dispersal")
	case d.View != leaf.View:
		return ErrInvalidVidShare("wrong view")
	case len(d.Shares) != table.Len() || len(d.ShareHashes) != table.Len():
		return ErrInvalidVidShare("wrong share count")
	case d.DataShards != vidDataShards(table):
		return ErrInvalidVidShare("wrong data share count")
	case !bytes.Equal(VidCommitment(d.ShareHashes), leaf.VidCommitment):
		return ErrInvalidVidShare("commitment mismatch")
	}
	return nil
}

// VerifyVidPayload() re-encodes the payload and checks the dispersal carries exactly its shares
func VerifyVidPayload(d *lib.VidDisperse, payload []byte, table *lib.StakeTable) lib.ErrorI {
	if d == nil {
		return ErrInvalidVidShare("empty dispersal")
	}
	if d.PayloadSize != len(payload) {
		return ErrInvalidVidShare("payload size mismatch")
	}
	expected, err := VidDisperse(d.View, payload, table)
	if err != nil {
		return err
	}
	if d.DataShards != expected.DataShards || len(d.ShareHashes) != len(expected.ShareHashes) {
		return ErrInvalidVidShare("wrong share count")
	}
	for i, h := range expected.ShareHashes {
		if !bytes.Equal(h, d.ShareHashes[i]) {
			return ErrInvalidVidShare("shares don't encode the payload")
		}
	}
	return nil
}

// VidReconstruct() rebuilds the payload from any DataShards shares; missing shares are nil
func VidReconstruct(shares [][]byte, dataShards, payloadSize int) ([]byte, lib.ErrorI) {
	total := len(shares)
	if dataShards == total {
		// no parity: the shares are the payload
		buf := bytes.NewBuffer(nil)
		for _, s := range shares {
			if s == nil {
				return nil, ErrInvalidVidShare("missing share")
			}
			buf.Write(s)
		}
		if payloadSize < 0 || payloadSize > buf.Len() {
			return nil, ErrInvalidVidShare("payload size exceeds the shares")
		}
		return buf.Bytes()[:payloadSize], nil
	}
	enc, err := reedsolomon.New(dataShards, total-dataShards)
	if err != nil {
		return nil, ErrVidEncode(err)
	}
	shards := make([][]byte, total)
	copy(shards, shares)
	if err = enc.ReconstructData(shards); err != nil {
		return nil, ErrVidEncode(err)
	}
	buf := bytes.NewBuffer(nil)
	if err = enc.Join(buf, shards, payloadSize); err != nil {
		return nil, ErrVidEncode(err)
	}
	return buf.Bytes(), nil
}

// vidDataShards() is f+1, the shares needed to reconstruct
func vidDataShards(table *lib.StakeTable) int { return table.FaultTolerance() + 1 }

// vidSplit() splits the payload into data shards and appends the parity shards
func vidSplit(payload []byte, data, total int) ([][]byte, lib.ErrorI) {
	if data == total {
		return splitEven(payload, data), nil
	}
	enc, err := reedsolomon.New(data, total-data)
	if err != nil {
		return nil, ErrVidEncode(err)
	}
	// reedsolomon can't split an empty payload
	if len(payload) == 0 {
		payload = []byte{0}
	}
	shards, err := enc.Split(payload)
	if err != nil {
		return nil, ErrVidEncode(err)
	}
	if err = enc.Encode(shards); err != nil {
		return nil, ErrVidEncode(err)
	}
	return shards, nil
}

// splitEven() splits the payload into n equally sized, zero padded shards
func splitEven(payload []byte, n int) [][]byte {
	size := (len(payload) + n - 1) / n
	if size == 0 {
		size = 1
	}
	padded := make([]byte, size*n)
	copy(padded, payload)
	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = padded[i*size : (i+1)*size]
	}
	return shards
}
