package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrClosed       = fmt.Errorf("closed")
)

// Sentinel errors for the agent runtime.
var (
	ErrVersionConflict    = fmt.Errorf("version conflict")
	ErrInvalidEvent       = fmt.Errorf("invalid event")
	ErrHandlerFailed      = fmt.Errorf("event handler failed")
	ErrDeliveryFailed     = fmt.Errorf("delivery failed")
	ErrSessionUnreachable = fmt.Errorf("session unreachable")
	ErrLogStore           = fmt.Errorf("event log store failed")
	ErrEventGap           = fmt.Errorf("event log has a version gap")
	ErrUnknownKind        = fmt.Errorf("unknown kind")
	ErrHopLimit           = fmt.Errorf("event hop limit exceeded")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrDecryption         = fmt.Errorf("decryption failed")
	ErrEncryption         = fmt.Errorf("encryption operation failed")
	ErrAuthInvalid        = fmt.Errorf("authentication failed")
	ErrRateLimit          = fmt.Errorf("rate limit exceeded")
	ErrLeaseHeld          = fmt.Errorf("lease held by another node")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrForbidden         = fmt.Errorf("permission denied")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// VersionConflictError reports an optimistic-concurrency failure on append.
// It matches ErrVersionConflict with errors.Is.
type VersionConflictError struct {
	AgentID  AgentID
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s: agent %s expected version %d, log is at %d",
		ErrVersionConflict, e.AgentID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Journal.ConfirmEvents")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "delivery", "session"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrLeaseHeld)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeVersionConflict    ErrorCode = "VERSION_CONFLICT"
	CodeInvalidEvent       ErrorCode = "INVALID_EVENT"
	CodeHandlerFailed      ErrorCode = "HANDLER_FAILED"
	CodeDeliveryFailed     ErrorCode = "DELIVERY_FAILED"
	CodeSessionUnreachable ErrorCode = "SESSION_UNREACHABLE"
	CodeLogStore           ErrorCode = "LOG_STORE"
	CodeEventGap           ErrorCode = "EVENT_GAP"
	CodeUnknownKind        ErrorCode = "UNKNOWN_KIND"
	CodeHopLimit           ErrorCode = "HOP_LIMIT"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeLeaseHeld          ErrorCode = "LEASE_HELD"
	CodeGatewayAuth        ErrorCode = "GATEWAY_AUTH"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeServerNotFound  ErrorCode = "SERVER_NOT_FOUND"
	CodeKindDuplicate   ErrorCode = "KIND_DUPLICATE"
	CodeSelfRegister    ErrorCode = "GRAPH_SELF_REGISTER"
	CodeSnapshotMissing ErrorCode = "SNAPSHOT_NOT_FOUND"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeClosed       ErrorCode = "CLOSED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,
	ErrClosed:       CodeClosed,

	ErrVersionConflict:    CodeVersionConflict,
	ErrInvalidEvent:       CodeInvalidEvent,
	ErrHandlerFailed:      CodeHandlerFailed,
	ErrDeliveryFailed:     CodeDeliveryFailed,
	ErrSessionUnreachable: CodeSessionUnreachable,
	ErrLogStore:           CodeLogStore,
	ErrEventGap:           CodeEventGap,
	ErrUnknownKind:        CodeUnknownKind,
	ErrHopLimit:           CodeHopLimit,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrEncryption:         CodeEncryption,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrRateLimit:          CodeRateLimit,
	ErrLeaseHeld:          CodeLeaseHeld,
	ErrGatewayAuthFailed:  CodeGatewayAuth,
	ErrForbidden:          CodeForbidden,
	ErrRPCMethodNotFound:  CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:  CodeRPCInvalidPayload,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"actor":    CodeAgentNotFound,
		"session":  CodeSessionNotFound,
		"cluster":  CodeServerNotFound,
		"eventlog": CodeSnapshotMissing,
	},
	ErrDuplicate: {
		"actor": CodeKindDuplicate,
	},
	ErrInvalidInput: {
		"graph": CodeSelfRegister,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Typed errors that match a sentinel through Is.
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return CodeVersionConflict
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
