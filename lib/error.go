package lib

import (
	"encoding/json"
	"fmt"
	"math"
)

// ErrorI is the fault surface of every package in this repository
// Each error carries a code, the module that raised it and the taxonomy kind that decides how it's handled
type ErrorI interface {
	Code() ErrorCode     // Returns the error code
	Module() ErrorModule // Returns the error module
	Kind() ErrorKind     // Returns the taxonomy kind
	error                // Implements the built-in error interface
}

var _ ErrorI = &Error{} // Ensures *Error implements ErrorI

type ErrorCode uint32 // Defines a type for error codes

type ErrorModule string // Defines a type for error modules

// Error is the single serializable implementation of ErrorI
// Kind specific context (view, round state, signature counts) rides in optional fields and the
// underlying cause is embedded as another Error so the whole chain survives a JSON round trip
type Error struct {
	ECode     ErrorCode   `json:"code"`                 // Error code
	EModule   ErrorModule `json:"module"`               // Error module
	EKind     ErrorKind   `json:"kind"`                 // Taxonomy kind
	Msg       string      `json:"msg"`                  // Error message
	View      uint64      `json:"view,omitempty"`       // ViewTimeoutError: the abandoned view
	State     RoundState  `json:"state,omitempty"`      // ViewTimeoutError: the state the round was waiting in
	NumValid  uint64      `json:"numValid,omitempty"`   // InsufficientValidSignatures: the weight that verified
	Threshold uint64      `json:"threshold,omitempty"`  // InsufficientValidSignatures: the weight required
	Cause     *Error      `json:"cause,omitempty"`      // the wrapped source error
}

// NewError() constructs a new Error classified as Misc
func NewError(code ErrorCode, module ErrorModule, msg string) *Error {
	return &Error{ECode: code, EModule: module, EKind: KindMisc, Msg: msg}
}

// NewKindError() constructs a new Error with an explicit taxonomy kind
func NewKindError(kind ErrorKind, code ErrorCode, module ErrorModule, msg string) *Error {
	return &Error{ECode: code, EModule: module, EKind: kind, Msg: msg}
}

// Code() returns the associated error code
func (p *Error) Code() ErrorCode { return p.ECode }

// Module() returns module field
func (p *Error) Module() ErrorModule { return p.EModule }

// Kind() returns the taxonomy kind
func (p *Error) Kind() ErrorKind { return p.EKind }

// String() calls Error()
func (p *Error) String() string { return p.Error() }

// Unwrap() exposes the cause to errors.Is / errors.As
func (p *Error) Unwrap() error {
	if p.Cause == nil {
		return nil
	}
	return p.Cause
}

// Error() returns a formatted string including kind, module, code and message
func (p *Error) Error() string {
	s := fmt.Sprintf("\nKind:    %s\nModule:  %s\nCode:    %d\nMessage: %s", p.EKind, p.EModule, p.ECode, p.Msg)
	if p.Cause != nil {
		s += fmt.Sprintf("\nCause:   %s", p.Cause.Msg)
	}
	return s
}

// WithCause() embeds a source error, converting foreign errors into a serializable Error
func (p *Error) WithCause(err error) *Error {
	if err == nil {
		return p
	}
	if e, ok := err.(*Error); ok {
		p.Cause = e
		return p
	}
	if e, ok := err.(ErrorI); ok {
		p.Cause = &Error{ECode: e.Code(), EModule: e.Module(), EKind: e.Kind(), Msg: e.Error()}
		return p
	}
	p.Cause = NewError(NoCode, MainModule, err.Error())
	return p
}

// ErrorKind classifies every way a view can fail
type ErrorKind uint8

const (
	KindMisc                        ErrorKind = iota // catch-all, never relied upon for behavior
	KindFailedToMessageLeader                        // transport: point to point delivery to the leader failed
	KindFailedToBroadcast                            // transport: broadcast failed
	KindNetworkFault                                 // transport: generic network error
	KindBlockError                                   // payload validation or construction failed
	KindLeafNotFound                                 // a referenced leaf is unknown locally
	KindStorageError                                 // the storage collaborator failed
	KindInvalidState                                 // a message is inconsistent with the current round state
	KindTimeoutError                                 // a bounded wait expired
	KindViewTimeoutError                             // a view's deadline expired while waiting in a round state
	KindInsufficientValidSignatures                  // a certificate failed weight or signature verification
	KindInvariantViolation                           // the node cannot continue (e.g. unusable signing key)
)

var kindNames = map[ErrorKind]string{
	KindMisc:                        "Misc",
	KindFailedToMessageLeader:       "FailedToMessageLeader",
	KindFailedToBroadcast:           "FailedToBroadcast",
	KindNetworkFault:                "NetworkFault",
	KindBlockError:                  "BlockError",
	KindLeafNotFound:                "LeafNotFound",
	KindStorageError:                "StorageError",
	KindInvalidState:                "InvalidState",
	KindTimeoutError:                "TimeoutError",
	KindViewTimeoutError:            "ViewTimeoutError",
	KindInsufficientValidSignatures: "InsufficientValidSignatures",
	KindInvariantViolation:          "InvariantViolation",
}

// String() returns the taxonomy name of the kind
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// MarshalJSON() encodes the kind by name
func (k ErrorKind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

// UnmarshalJSON() decodes the kind from its name
func (k *ErrorKind) UnmarshalJSON(bz []byte) error {
	var name string
	if err := json.Unmarshal(bz, &name); err != nil {
		return err
	}
	for kind, n := range kindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", name)
}

// Handling is the action the surrounding system takes for a fault
type Handling uint8

const (
	HandlingDrop                Handling = iota // log, report and drop the offending input
	HandlingRetry                               // retry with backoff, then count as a timeout
	HandlingRouteToSynchronizer                 // hand control to the view synchronizer
	HandlingAbort                               // stop the node
)

// String() returns a human readable name for the handling
func (h Handling) String() string {
	switch h {
	case HandlingDrop:
		return "drop"
	case HandlingRetry:
		return "retry"
	case HandlingRouteToSynchronizer:
		return "route_to_synchronizer"
	case HandlingAbort:
		return "abort"
	}
	return "unknown"
}

// Handling() maps a taxonomy kind to the action taken for it
func (k ErrorKind) Handling() Handling {
	switch k {
	case KindFailedToMessageLeader, KindFailedToBroadcast, KindNetworkFault:
		return HandlingRetry
	case KindTimeoutError, KindViewTimeoutError:
		return HandlingRouteToSynchronizer
	case KindInvariantViolation:
		return HandlingAbort
	default:
		return HandlingDrop
	}
}

// ToError() converts any ErrorI into the serializable Error form
func ToError(err ErrorI) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{ECode: err.Code(), EModule: err.Module(), EKind: err.Kind(), Msg: err.Error()}
}

const (
	NoCode ErrorCode = math.MaxUint32

	// Main Module
	MainModule ErrorModule = "main"

	// Main Module Error Codes
	CodeJSONMarshal        ErrorCode = 1
	CodeJSONUnmarshal      ErrorCode = 2
	CodeUnmarshal          ErrorCode = 3
	CodeWriteFile          ErrorCode = 5
	CodeReadFile           ErrorCode = 6
	CodeInvalidArgument    ErrorCode = 7
	CodeNewPubKeyFromBytes ErrorCode = 8
	CodeNewMultiPubKey     ErrorCode = 9
	CodeZeroWeightEntry    ErrorCode = 10
	CodeEmptyStakeTable    ErrorCode = 11
	CodeDuplicateStakeKey  ErrorCode = 12
	CodeStringToBytes      ErrorCode = 13
	CodeInvalidConfig      ErrorCode = 14

	// Consensus Module
	ConsensusModule ErrorModule = "consensus"

	// Consensus Module Error Codes
	CodeInvalidSignature                ErrorCode = 2
	CodeValidatorNotInSet               ErrorCode = 3
	CodeWrongView                       ErrorCode = 4
	CodeWrongPhase                      ErrorCode = 5
	CodeUnexpectedMessage               ErrorCode = 6
	CodeInvalidProposerPubKey           ErrorCode = 7
	CodeEmptyAggregateSignature         ErrorCode = 8
	CodeInvalidAggregateSignature       ErrorCode = 9
	CodeInvalidAggregateSignatureBitmap ErrorCode = 10
	CodeInsufficientValidSignatures     ErrorCode = 11
	CodeEmptyQuorumCertificate          ErrorCode = 12
	CodeMismatchLeafHash                ErrorCode = 13
	CodeFailedSafeNode                  ErrorCode = 14
	CodeEquivocatingProposal            ErrorCode = 15
	CodeUnableToAddSigner               ErrorCode = 16
	CodeEmptyMessage                    ErrorCode = 17
	CodeInvalidLeaf                     ErrorCode = 18
	CodeLeafNotFound                    ErrorCode = 19
	CodeViewTimeout                     ErrorCode = 20
	CodeInvalidGenesis                  ErrorCode = 21
	CodeNotCollecting                   ErrorCode = 22
	CodeInvalidPayload                  ErrorCode = 23
	CodeBuildPayload                    ErrorCode = 24
	CodeInvalidVidShare                 ErrorCode = 25
	CodeVidEncode                       ErrorCode = 26
	CodeCommitLeaf                      ErrorCode = 27
	CodeChainNotProgressing             ErrorCode = 28
	CodeSigningKey                      ErrorCode = 29
	CodeMaxBlockSize                    ErrorCode = 30
	CodeFutureBufferFull                ErrorCode = 31
	CodeTimeout                         ErrorCode = 32
	CodeViewTooFarAhead                 ErrorCode = 33

	// P2P Module
	P2PModule ErrorModule = "p2p"

	// P2P Module Error Codes
	CodeFailedToMessageLeader ErrorCode = 1
	CodeFailedToBroadcast     ErrorCode = 2
	CodePeerNotFound          ErrorCode = 3
	CodePeerAlreadyExists     ErrorCode = 4
	CodeInboxFull             ErrorCode = 5
	CodeNetworkClosed         ErrorCode = 6
	CodeMaxMessageSize        ErrorCode = 7
	CodeFailedEncode          ErrorCode = 8
	CodeFailedDecode          ErrorCode = 9

	// Storage Module
	StorageModule ErrorModule = "store"

	// Storage Module Error Codes
	CodeOpenDB          ErrorCode = 1
	CodeCloseDB         ErrorCode = 2
	CodeStoreSet        ErrorCode = 3
	CodeStoreGet        ErrorCode = 4
	CodeStoreConflict   ErrorCode = 5
	CodeStoreNotFound   ErrorCode = 6
	CodeInvalidProposal ErrorCode = 7

	// RPC Module
	RPCModule         ErrorModule = "rpc"
	CodeRPCTimeout    ErrorCode   = 1
	CodeInvalidParams ErrorCode   = 2
	CodeHttpStatus    ErrorCode   = 3
	CodeGetRequest    ErrorCode   = 4
	CodeReadBody      ErrorCode   = 5
	CodeNodeNotFound  ErrorCode   = 6
)

// error implementations below for the `lib` package
func newLogError(err error) ErrorI {
	return NewError(NoCode, MainModule, err.Error())
}

func ErrUnmarshal(err error) ErrorI {
	return NewError(CodeUnmarshal, MainModule, fmt.Sprintf("unmarshal() failed with err: %s", err.Error()))
}

func ErrJSONUnmarshal(err error) ErrorI {
	return NewError(CodeJSONUnmarshal, MainModule, fmt.Sprintf("json.unmarshal() failed with err: %s", err.Error()))
}

func ErrJSONMarshal(err error) ErrorI {
	return NewError(CodeJSONMarshal, MainModule, fmt.Sprintf("json.marshal() failed with err: %s", err.Error()))
}

func ErrReadFile(err error) ErrorI {
	return NewError(CodeReadFile, MainModule, fmt.Sprintf("os.ReadFile() failed with err: %s", err.Error()))
}

func ErrWriteFile(err error) ErrorI {
	return NewError(CodeWriteFile, MainModule, fmt.Sprintf("os.WriteFile() failed with err: %s", err.Error()))
}

func ErrStringToBytes(err error) ErrorI {
	return NewError(CodeStringToBytes, MainModule, fmt.Sprintf("stringToBytes() failed with err: %s", err.Error()))
}

func ErrInvalidArgument() ErrorI {
	return NewError(CodeInvalidArgument, MainModule, "invalid argument")
}

func ErrInvalidConfig(msg string) ErrorI {
	return NewError(CodeInvalidConfig, MainModule, "invalid config: "+msg)
}

func ErrPubKeyFromBytes(err error) ErrorI {
	return NewKindError(KindInvalidState, CodeNewPubKeyFromBytes, MainModule, fmt.Sprintf("publicKeyFromBytes() failed with err: %s", err.Error()))
}

func ErrNewMultiPubKey(err error) ErrorI {
	return NewError(CodeNewMultiPubKey, MainModule, fmt.Sprintf("newMultiPubKey() failed with err: %s", err.Error()))
}

func ErrZeroWeightEntry(publicKey []byte) ErrorI {
	return NewError(CodeZeroWeightEntry, MainModule, fmt.Sprintf("stake table entry %s has zero weight", BytesToTruncatedString(publicKey)))
}

func ErrEmptyStakeTable() ErrorI {
	return NewError(CodeEmptyStakeTable, MainModule, "stake table is empty")
}

func ErrDuplicateStakeKey(publicKey []byte) ErrorI {
	return NewError(CodeDuplicateStakeKey, MainModule, fmt.Sprintf("stake table key %s appears twice", BytesToTruncatedString(publicKey)))
}

func ErrValidatorNotInSet(publicKey []byte) ErrorI {
	return NewKindError(KindInvalidState, CodeValidatorNotInSet, ConsensusModule, fmt.Sprintf("validator %s not found in stake table", BytesToTruncatedString(publicKey)))
}

func ErrInvalidSignature() ErrorI {
	return NewKindError(KindInvalidState, CodeInvalidSignature, ConsensusModule, "invalid signature")
}

func ErrEmptyQuorumCertificate() ErrorI {
	return NewKindError(KindInvalidState, CodeEmptyQuorumCertificate, ConsensusModule, "quorum certificate is empty")
}

func ErrEmptyAggregateSignature() ErrorI {
	return NewKindError(KindInsufficientValidSignatures, CodeEmptyAggregateSignature, ConsensusModule, "empty aggregate signature")
}

func ErrInvalidAggrSignature() ErrorI {
	return NewKindError(KindInsufficientValidSignatures, CodeInvalidAggregateSignature, ConsensusModule, "invalid aggregate signature")
}

func ErrInvalidSignerBitmap(err error) ErrorI {
	return NewKindError(KindInsufficientValidSignatures, CodeInvalidAggregateSignatureBitmap, ConsensusModule, fmt.Sprintf("invalid signature bitmap: %s", err.Error()))
}

// ErrInsufficientValidSignatures() reports a certificate whose verified weight is below the threshold
func ErrInsufficientValidSignatures(numValid, threshold uint64) ErrorI {
	e := NewKindError(KindInsufficientValidSignatures, CodeInsufficientValidSignatures, ConsensusModule,
		fmt.Sprintf("insufficient valid signatures: %d of %d", numValid, threshold))
	e.NumValid, e.Threshold = numValid, threshold
	return e
}

// ErrViewTimeout() reports a view abandoned because its deadline expired in the given state
func ErrViewTimeout(view uint64, state RoundState) ErrorI {
	e := NewKindError(KindViewTimeoutError, CodeViewTimeout, ConsensusModule,
		fmt.Sprintf("view %d timed out in state %s", view, state))
	e.View, e.State = view, state
	return e
}

func ErrTimeout(msg string) ErrorI {
	return NewKindError(KindTimeoutError, CodeTimeout, ConsensusModule, "timeout: "+msg)
}

func ErrLeafNotFound(hash []byte) ErrorI {
	return NewKindError(KindLeafNotFound, CodeLeafNotFound, ConsensusModule, fmt.Sprintf("leaf %s not found", BytesToTruncatedString(hash)))
}

func ErrFailedToMessageLeader(err error) ErrorI {
	return NewKindError(KindFailedToMessageLeader, CodeFailedToMessageLeader, P2PModule, "failed to message leader").WithCause(err)
}

func ErrFailedToBroadcast(err error) ErrorI {
	return NewKindError(KindFailedToBroadcast, CodeFailedToBroadcast, P2PModule, "failed to broadcast").WithCause(err)
}

func ErrStoreError(err error) ErrorI {
	return NewKindError(KindStorageError, CodeStoreSet, StorageModule, "store error").WithCause(err)
}

func ErrRetrieveError(err error) ErrorI {
	return NewKindError(KindStorageError, CodeStoreGet, StorageModule, "retrieve error").WithCause(err)
}
