package p2p

import (
	"fmt"

	"github.com/canopy-network/hotshot/lib"
)

func ErrPeerAlreadyExists(s string) lib.ErrorI {
	return lib.NewKindError(lib.KindNetworkFault, lib.CodePeerAlreadyExists, lib.P2PModule, fmt.Sprintf("peer %s already exists", s))
}

func ErrPeerNotFound(s string) lib.ErrorI {
	return lib.NewKindError(lib.KindNetworkFault, lib.CodePeerNotFound, lib.P2PModule, fmt.Sprintf("peer %s not found", s))
}

func ErrNetworkClosed() lib.ErrorI {
	return lib.NewKindError(lib.KindNetworkFault, lib.CodeNetworkClosed, lib.P2PModule, "network closed")
}

func ErrMaxMessageSize() lib.ErrorI {
	return lib.NewKindError(lib.KindNetworkFault, lib.CodeMaxMessageSize, lib.P2PModule, "max message size")
}

func ErrFailedEncode(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindNetworkFault, lib.CodeFailedEncode, lib.P2PModule, fmt.Sprintf("encode() failed with err: %s", err.Error()))
}

func ErrFailedDecode(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindNetworkFault, lib.CodeFailedDecode, lib.P2PModule, fmt.Sprintf("decode() failed with err: %s", err.Error()))
}
