package bft

import (
	"fmt"

	"github.com/canopy-network/hotshot/lib"
)

func ErrUnableToAddSigner(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeUnableToAddSigner, lib.ConsensusModule, fmt.Sprintf("multiKey.AddSigner() failed with err: %s", err.Error()))
}

func ErrAggregateSignature(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeInvalidAggregateSignature, lib.ConsensusModule, fmt.Sprintf("multiKey.AggregateSignatures() failed with err: %s", err.Error()))
}

func ErrNotCollecting(view uint64, phase lib.Phase) lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeNotCollecting, lib.ConsensusModule, fmt.Sprintf("not collecting votes for view %d phase %s", view, phase))
}

func ErrWrongPhase(expected, got lib.Phase) lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeWrongPhase, lib.ConsensusModule, fmt.Sprintf("wrong phase: expected %s got %s", expected, got))
}

func ErrUnexpectedMessage(state lib.RoundState, msg string) lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeUnexpectedMessage, lib.ConsensusModule, fmt.Sprintf("unexpected %s in state %s", msg, state))
}

func ErrInvalidProposerPubKey() lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeInvalidProposerPubKey, lib.ConsensusModule, "invalid proposer public key")
}

func ErrMismatchLeafHash() lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeMismatchLeafHash, lib.ConsensusModule, "mismatch leaf hash")
}

func ErrInvalidLeaf(reason string) lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeInvalidLeaf, lib.ConsensusModule, "invalid leaf: "+reason)
}

func ErrFailedSafeNodePredicate(justifyView, lockedView uint64) lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeFailedSafeNode, lib.ConsensusModule,
		fmt.Sprintf("safe node failed: justify view %d is below locked view %d", justifyView, lockedView))
}

func ErrEquivocatingProposal(view uint64) lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeEquivocatingProposal, lib.ConsensusModule, fmt.Sprintf("conflicting proposal for view %d", view))
}

func ErrInvalidPayload(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindBlockError, lib.CodeInvalidPayload, lib.ConsensusModule, "invalid payload").WithCause(err)
}

func ErrBuildPayload(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindBlockError, lib.CodeBuildPayload, lib.ConsensusModule, "build payload failed").WithCause(err)
}

func ErrMaxBlockSize(size, max uint64) lib.ErrorI {
	return lib.NewKindError(lib.KindBlockError, lib.CodeMaxBlockSize, lib.ConsensusModule, fmt.Sprintf("payload of %d bytes exceeds max block size %d", size, max))
}

func ErrInvalidVidShare(reason string) lib.ErrorI {
	return lib.NewKindError(lib.KindBlockError, lib.CodeInvalidVidShare, lib.ConsensusModule, "invalid vid share: "+reason)
}

func ErrVidEncode(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindBlockError, lib.CodeVidEncode, lib.ConsensusModule, fmt.Sprintf("vid encoding failed with err: %s", err.Error()))
}

func ErrCommitLeaf(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindStorageError, lib.CodeCommitLeaf, lib.ConsensusModule, "commit leaf failed").WithCause(err)
}

func ErrChainNotProgressing(consecutive uint64, view uint64) lib.ErrorI {
	return lib.NewKindError(lib.KindTimeoutError, lib.CodeChainNotProgressing, lib.ConsensusModule,
		fmt.Sprintf("chain not progressing: %d consecutive view timeouts, current view %d", consecutive, view))
}

func ErrFutureBufferFull() lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeFutureBufferFull, lib.ConsensusModule, "future message buffer full")
}

func ErrSigningKey(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindInvariantViolation, lib.CodeSigningKey, lib.ConsensusModule, "signing key unusable").WithCause(err)
}

func ErrInboxFull() lib.ErrorI {
	return lib.NewKindError(lib.KindNetworkFault, lib.CodeInboxFull, lib.P2PModule, "inbox full")
}

func ErrViewTooFarAhead(view, current uint64) lib.ErrorI {
	return lib.NewKindError(lib.KindInvalidState, lib.CodeViewTooFarAhead, lib.ConsensusModule,
		fmt.Sprintf("view %d is too far ahead of view %d", view, current))
}
