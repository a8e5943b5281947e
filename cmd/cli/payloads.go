package cli

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/canopy-network/hotshot/bft"
	"github.com/canopy-network/hotshot/lib"
)

const payloadHeaderSize = 16 // view (8 bytes) followed by the first 8 bytes of the parent hash

// payloadBuilder produces opaque payloads of random bytes for the simulator
// Each payload opens with its view and a parent hash prefix so replicas can check it belongs to the leaf
type payloadBuilder struct {
	size int // random bytes after the header
}

var _ lib.PayloadBuilder = &payloadBuilder{} // enforce the payload builder interface

func newPayloadBuilder(size int) *payloadBuilder { return &payloadBuilder{size: size} }

// BuildPayload() creates the payload a leader proposes on top of parent
func (p *payloadBuilder) BuildPayload(view uint64, parent *lib.Leaf) ([]byte, lib.ErrorI) {
	bz := binary.BigEndian.AppendUint64(make([]byte, 0, payloadHeaderSize+p.size), view)
	bz = append(bz, parent.Hash()[:8]...)
	body := make([]byte, p.size)
	if _, err := rand.Read(body); err != nil {
		return nil, bft.ErrBuildPayload(err)
	}
	return append(bz, body...), nil
}

// ValidatePayload() checks the header of a proposed payload against its leaf
func (p *payloadBuilder) ValidatePayload(leaf *lib.Leaf, payload []byte) lib.ErrorI {
	switch {
	case len(payload) < payloadHeaderSize:
		return bft.ErrInvalidPayload(errors.New("payload too short"))
	case binary.BigEndian.Uint64(payload) != leaf.View:
		return bft.ErrInvalidPayload(errors.New("payload of another view"))
	case len(leaf.ParentHash) < 8 || !bytes.Equal(payload[8:payloadHeaderSize], leaf.ParentHash[:8]):
		return bft.ErrInvalidPayload(errors.New("payload built on another parent"))
	}
	return nil
}
