package p2p

import (
	"github.com/canopy-network/hotshot/lib"
	"github.com/fxamacker/cbor/v2"
)

// MaxMessageSize is the largest encoded envelope the hub carries
const MaxMessageSize = 32 << 20 // 32 MB

// envelope is the wire form of a message between two participants
type envelope struct {
	From    []byte       `cbor:"1,keyasint"` // public key of the sender
	Message *lib.Message `cbor:"2,keyasint"` // the consensus message
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Encode() serializes a message from a sender into its wire form
func Encode(from []byte, msg *lib.Message) ([]byte, lib.ErrorI) {
	bz, err := encMode.Marshal(&envelope{From: from, Message: msg})
	if err != nil {
		return nil, ErrFailedEncode(err)
	}
	if len(bz) > MaxMessageSize {
		return nil, ErrMaxMessageSize()
	}
	return bz, nil
}

// Decode() parses the wire form back into the sender and message
func Decode(bz []byte) (from []byte, msg *lib.Message, e lib.ErrorI) {
	if len(bz) > MaxMessageSize {
		return nil, nil, ErrMaxMessageSize()
	}
	env := new(envelope)
	if err := cbor.Unmarshal(bz, env); err != nil {
		return nil, nil, ErrFailedDecode(err)
	}
	if env.Message == nil {
		return nil, nil, lib.ErrEmptyMessage()
	}
	return env.From, env.Message, nil
}
