package domain

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Event names recognized on the wire.
const (
	EventMessage = "message"
	EventDone    = "done"
	EventError   = "error"
)

// KeepAlivePayload is the data sentinel the server sends to hold a connection open.
const KeepAlivePayload = "{}"

// Frame is one blank-line-terminated unit of the event-stream protocol.
type Frame struct {
	Event string `json:"event,omitempty"` // empty means "message"
	Data  string `json:"data"`
}

// Name returns the frame's event name, defaulting to "message".
func (f Frame) Name() string {
	if f.Event == "" {
		return EventMessage
	}
	return f.Event
}

// IsKeepAlive reports whether the frame is a no-op keep-alive. Done and error
// frames are never keep-alives, whatever their payload.
func (f Frame) IsKeepAlive() bool {
	n := f.Name()
	return n != EventDone && n != EventError && f.Data == KeepAlivePayload
}

// EventKind classifies a SessionEvent.
type EventKind string

const (
	EventKindProgress EventKind = "progress"
	EventKindSuccess  EventKind = "success"
	EventKindError    EventKind = "error"
	EventKindDone     EventKind = "done"
)

// SessionEvent is the typed form of a Frame.
type SessionEvent struct {
	Kind       EventKind       `json:"kind"`
	Message    string          `json:"message,omitempty"`
	Artifact   json.RawMessage `json:"artifact,omitempty"`
	Evaluation json.RawMessage `json:"evaluation,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
}

// IsTerminal reports whether the event ends event delivery for a session.
func (e SessionEvent) IsTerminal() bool {
	switch e.Kind {
	case EventKindDone:
		return true
	case EventKindError:
		return !e.Retryable
	default:
		return false
	}
}

// EventMapper turns a frame into a session event. Features differ only in
// their mapper; framing and dispatch are shared.
type EventMapper func(Frame) SessionEvent

// SessionStatus is the lifecycle state of a streaming session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "PENDING"
	StatusConnecting SessionStatus = "CONNECTING"
	StatusStreaming  SessionStatus = "STREAMING"
	StatusSucceeded  SessionStatus = "SUCCEEDED"
	StatusFailed     SessionStatus = "FAILED"
	StatusCancelled  SessionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are permitted.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// SessionSnapshot is a point-in-time copy of a session's observable state.
type SessionSnapshot struct {
	ID         string          `json:"id"`
	Feature    string          `json:"feature"`
	Target     string          `json:"target"` // model or refinement session id
	Status     SessionStatus   `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Evaluation json.RawMessage `json:"evaluation,omitempty"`
	Log        []string        `json:"log"`
	LastError  string          `json:"last_error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Fetcher opens a long-lived streamed response. Closing the returned body is
// the only way to release the connection.
type Fetcher interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// TokenSource returns the current bearer token, or "" when none is available.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// EndpointResolver returns the relative stream path for an operation id.
type EndpointResolver interface {
	Resolve(id string) (string, error)
}
