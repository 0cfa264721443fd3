package llm

import (
	"errors"
	"fmt"
)

// Kind classifies every failure surfaced by this package tree.
type Kind string

const (
	// KindConnection means the server was unreachable.
	KindConnection Kind = "connection"
	// KindTimeout means the call exceeded its deadline or was cancelled.
	KindTimeout Kind = "timeout"
	// KindModelNotFound means the model id is absent from the server inventory.
	KindModelNotFound Kind = "model_not_found"
	// KindProtocol means the request or response had an unexpected shape.
	KindProtocol Kind = "protocol"
)

// Sentinel errors, one per kind, for errors.Is checks.
var (
	ErrConnection    = errors.New("server unreachable")
	ErrTimeout       = errors.New("request timed out")
	ErrModelNotFound = errors.New("model not found")
	ErrProtocol      = errors.New("protocol error")
)

// Error is the single error type returned by backend clients.
type Error struct {
	Kind    Kind
	Backend string // "ollama", "lmstudio"
	Op      string // "chat", "embed", ...
	Message string
	Status  int    // HTTP status, 0 when no response was received
	Body    string // raw response payload, when available
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.sentinel().Error()
	}
	prefix := e.Op
	if e.Backend != "" {
		prefix = e.Backend + " " + e.Op
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if prefix == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, msg)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindConnection:
		return ErrConnection
	case KindTimeout:
		return ErrTimeout
	case KindModelNotFound:
		return ErrModelNotFound
	default:
		return ErrProtocol
	}
}

// NewError creates a new classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Protocolf creates a protocol error with a formatted message.
func Protocolf(op, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: fmt.Sprintf(format, args...)}
}

// ModelNotFound creates a model-not-found error for model.
func ModelNotFound(op, model string) *Error {
	return &Error{Kind: KindModelNotFound, Op: op, Message: fmt.Sprintf("model %q not found", model)}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// WithContext fills in backend and operation on a classified error.
// Errors that are not *Error are classified as protocol errors.
func WithContext(err error, backend, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindProtocol, Backend: backend, Op: op, Err: err}
	}
	out := *e
	if out.Backend == "" {
		out.Backend = backend
	}
	if out.Op == "" {
		out.Op = op
	}
	return &out
}

// IsConnection reports whether err is a connection failure.
func IsConnection(err error) bool { return errors.Is(err, ErrConnection) }

// IsTimeout reports whether err is a timeout or cancellation.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsModelNotFound reports whether err names a missing model.
func IsModelNotFound(err error) bool { return errors.Is(err, ErrModelNotFound) }

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

// Remediation returns a short user-facing hint for err.
func Remediation(err error) string {
	switch KindOf(err) {
	case KindConnection:
		return "check that the local model server is running and the base URL is correct"
	case KindTimeout:
		return "the server is slow to respond; retry with a longer timeout"
	case KindModelNotFound:
		return "pull or download the model, or pick another one"
	case KindProtocol:
		return "the server returned an unexpected response"
	default:
		return ""
	}
}
