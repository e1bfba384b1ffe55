package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrUnavailable  = fmt.Errorf("unavailable")
	ErrProtocol     = fmt.Errorf("protocol violation")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
)

// Sentinel errors for the relay domain.
var (
	// Coordinator errors.
	ErrLocalNotConnected = fmt.Errorf("local worker is not connected")
	ErrLocalConnected    = fmt.Errorf("a local connection is already active")
	ErrConnectionClosed  = fmt.Errorf("connection closed")
	ErrUpgradeRequired   = fmt.Errorf("websocket upgrade required")

	// Call client errors.
	ErrUnknownFunction = fmt.Errorf("unknown function")
	ErrCallRejected    = fmt.Errorf("remote call failed")

	// Emulator / IPC errors.
	ErrEmulatorGone    = fmt.Errorf("emulator process exited")
	ErrUnknownBinding  = fmt.Errorf("unknown binding kind")
	ErrUpdateRejected  = fmt.Errorf("emulator rejected update")
	ErrWatcherStopped  = fmt.Errorf("worker watcher stopped")

	// Process manager errors.
	ErrProcessNotFound = fmt.Errorf("detached process: %w", ErrNotFound)
	ErrSpawnFailed     = fmt.Errorf("spawn failed")
)

// RelayError wraps a sentinel error with operation context.
type RelayError struct {
	Op        string // operation name (e.g., "Coordinator.Tunnel")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier ("relay", "emulator", "procman", ...)
}

func (e *RelayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// NewSubSystemError creates a RelayError tagged with a subsystem so that
// ErrorCodeOf can map a category sentinel to a subsystem-specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *RelayError {
	return &RelayError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeLimitReached      ErrorCode = "LIMIT_REACHED"
	CodeUnavailable       ErrorCode = "UNAVAILABLE"
	CodeProtocol          ErrorCode = "PROTOCOL_VIOLATION"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeLocalNotConnected ErrorCode = "LOCAL_NOT_CONNECTED"
	CodeLocalConnected    ErrorCode = "LOCAL_ALREADY_CONNECTED"
	CodeConnectionClosed  ErrorCode = "CONNECTION_CLOSED"
	CodeUpgradeRequired   ErrorCode = "UPGRADE_REQUIRED"
	CodeUnknownFunction   ErrorCode = "UNKNOWN_FUNCTION"
	CodeCallRejected      ErrorCode = "CALL_REJECTED"
	CodeEmulatorGone      ErrorCode = "EMULATOR_GONE"
	CodeUnknownBinding    ErrorCode = "UNKNOWN_BINDING"
	CodeUpdateRejected    ErrorCode = "UPDATE_REJECTED"
	CodeProcessNotFound   ErrorCode = "PROCESS_NOT_FOUND"
	CodeSpawnFailed       ErrorCode = "SPAWN_FAILED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrTimeout:           CodeTimeout,
	ErrInvalidInput:      CodeInvalidInput,
	ErrLimitReached:      CodeLimitReached,
	ErrUnavailable:       CodeUnavailable,
	ErrProtocol:          CodeProtocol,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrLocalNotConnected: CodeLocalNotConnected,
	ErrLocalConnected:    CodeLocalConnected,
	ErrConnectionClosed:  CodeConnectionClosed,
	ErrUpgradeRequired:   CodeUpgradeRequired,
	ErrUnknownFunction:   CodeUnknownFunction,
	ErrCallRejected:      CodeCallRejected,
	ErrEmulatorGone:      CodeEmulatorGone,
	ErrUnknownBinding:    CodeUnknownBinding,
	ErrUpdateRejected:    CodeUpdateRejected,
	ErrProcessNotFound:   CodeProcessNotFound,
	ErrSpawnFailed:       CodeSpawnFailed,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps RelayError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var re *RelayError
	if errors.As(err, &re) {
		if code, ok := errorCodeMap[re.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
