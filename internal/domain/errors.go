package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")
	ErrDecryption    = fmt.Errorf("decryption failed")
	ErrEncryption    = fmt.Errorf("encryption operation failed")
	ErrRateLimit     = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid   = fmt.Errorf("authentication failed")
)

// Stream errors.
var (
	ErrTransport       = fmt.Errorf("stream transport failed")
	ErrNoBody          = fmt.Errorf("no response body")
	ErrFraming         = fmt.Errorf("stream framing violated")
	ErrPayload         = fmt.Errorf("stream payload malformed")
	ErrServerSignaled  = fmt.Errorf("server signaled error")
	ErrStreamClosed    = fmt.Errorf("stream closed before a terminal event")
	ErrCircuitOpen     = fmt.Errorf("stream endpoint circuit open")
	ErrSessionTerminal = fmt.Errorf("session already terminal")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Fetcher.Open")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "warmup", "refinement")
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

// NewSubSystemError creates a DomainError tagged with a subsystem.
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

// ProtocolError is returned by a Fetcher when a stream cannot be opened or
// read. StatusCode is 0 when no HTTP response was received.
type ProtocolError struct {
	StatusCode int
	Err        error // sentinel (ErrTransport, ErrNoBody, ErrAuthInvalid, ...)
	Cause      error // underlying cause, may be nil
	Detail     string
}

func (e *ProtocolError) Error() string {
	msg := e.Err.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *ProtocolError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// IsRetryableError reports whether err is a transient error the caller may retry.
// Nothing in the stream stack retries on its own.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTransport) || errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeProviderError   ErrorCode = "PROVIDER_ERROR"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeDecryption      ErrorCode = "DECRYPTION"
	CodeEncryption      ErrorCode = "ENCRYPTION"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeTransport       ErrorCode = "STREAM_TRANSPORT"
	CodeNoBody          ErrorCode = "STREAM_NO_BODY"
	CodeFraming         ErrorCode = "STREAM_FRAMING"
	CodePayload         ErrorCode = "STREAM_PAYLOAD"
	CodeServerSignaled  ErrorCode = "STREAM_SERVER_ERROR"
	CodeStreamClosed    ErrorCode = "STREAM_CLOSED"
	CodeCircuitOpen     ErrorCode = "STREAM_CIRCUIT_OPEN"
	CodeSessionTerminal ErrorCode = "SESSION_TERMINAL"

	// Subsystem-specific codes.
	CodeWarmupNotFound     ErrorCode = "WARMUP_MODEL_NOT_FOUND"
	CodeRefinementNotFound ErrorCode = "REFINEMENT_SESSION_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:        CodeNotFound,
	ErrInvalidInput:    CodeInvalidInput,
	ErrProviderError:   CodeProviderError,
	ErrConfigLoad:      CodeConfigLoad,
	ErrDecryption:      CodeDecryption,
	ErrEncryption:      CodeEncryption,
	ErrRateLimit:       CodeRateLimit,
	ErrAuthInvalid:     CodeAuthInvalid,
	ErrTransport:       CodeTransport,
	ErrNoBody:          CodeNoBody,
	ErrFraming:         CodeFraming,
	ErrPayload:         CodePayload,
	ErrServerSignaled:  CodeServerSignaled,
	ErrStreamClosed:    CodeStreamClosed,
	ErrCircuitOpen:     CodeCircuitOpen,
	ErrSessionTerminal: CodeSessionTerminal,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"warmup":     CodeWarmupNotFound,
		"refinement": CodeRefinementNotFound,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// ProtocolError sentinels take precedence over whatever the cause wraps.
	var pe *ProtocolError
	if errors.As(err, &pe) {
		if code, ok := errorCodeMap[pe.Err]; ok {
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

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		for sentinel, subsysMap := range subSystemCodeMap {
			if code, ok := subsysMap[e.SubSystem]; ok && errors.Is(e.Err, sentinel) {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
