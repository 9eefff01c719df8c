package stream

import (
	"encoding/json"
	"log/slog"
	"strings"

	"govstream/internal/domain"
)

// Dispatcher classifies frames into session events with a feature-specific
// mapper and guarantees that at most one terminal event (Done or a
// non-retryable Error) is ever delivered. Everything after it is ignored.
type Dispatcher struct {
	mapper     domain.EventMapper
	logger     *slog.Logger
	terminated bool
}

// NewDispatcher creates a dispatcher. A nil mapper selects DefaultMapper.
func NewDispatcher(mapper domain.EventMapper, logger *slog.Logger) *Dispatcher {
	if mapper == nil {
		mapper = DefaultMapper
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{mapper: mapper, logger: logger}
}

// Dispatch maps f to an event. ok is false when the frame produces no event:
// a keep-alive, or any frame after the terminal event.
func (d *Dispatcher) Dispatch(f domain.Frame) (ev domain.SessionEvent, ok bool) {
	if d.terminated || f.IsKeepAlive() {
		return domain.SessionEvent{}, false
	}

	ev = d.mapper(f)

	// The event name decides terminal-ness; mappers only shape payloads.
	switch f.Name() {
	case domain.EventDone:
		ev = domain.SessionEvent{Kind: domain.EventKindDone}
	case domain.EventError:
		// Retryability must agree with the parser, which keeps reading only
		// past retryable errors.
		msg, retryable := parseError(f.Data)
		if ev.Kind != domain.EventKindError {
			ev = domain.SessionEvent{Kind: domain.EventKindError, Message: msg}
		}
		ev.Retryable = retryable
	default:
		if ev.Kind == domain.EventKindDone || (ev.Kind == domain.EventKindError && !ev.Retryable) {
			d.logger.Warn("mapper produced terminal event for non-terminal frame; treating as progress",
				"event", f.Name(), "kind", ev.Kind)
			ev = domain.SessionEvent{Kind: domain.EventKindProgress, Message: f.Data}
		}
		if ev.Kind == domain.EventKindProgress && !json.Valid([]byte(strings.TrimSpace(f.Data))) {
			d.logger.Debug("payload is not JSON, using raw text",
				"error", domain.ErrPayload, "event", f.Name())
		}
	}

	if ev.IsTerminal() {
		d.terminated = true
	}
	return ev, true
}

// Terminated reports whether the terminal event has been dispatched.
func (d *Dispatcher) Terminated() bool { return d.terminated }
