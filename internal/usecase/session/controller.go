package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"govstream/internal/adapter/stream"
	"govstream/internal/domain"
	"govstream/internal/infra/tracer"
)

// Observer receives every event applied to the active session together with
// the snapshot that resulted from it. Status-only changes (CONNECTING, and
// FAILED or CANCELLED without a server event) arrive with a zero-valued event.
type Observer func(ev domain.SessionEvent, snap domain.SessionSnapshot)

type observerEntry struct {
	id int
	fn Observer
}

// Controller owns at most one active session of one feature. Starting a new
// session cancels the prior one and waits for its pump to stop, so its events
// can never interleave with the new session's.
//
// Observers are invoked serially from the pump goroutine in stream order.
// They may call Cancel or Snapshot but must not call Start.
type Controller struct {
	feature      Feature
	fetcher      domain.Fetcher
	baseURL      string
	maxFrameSize int
	logger       *slog.Logger

	startMu sync.Mutex // serializes Start

	mu        sync.Mutex
	active    *Session
	observers []observerEntry
	nextID    int
}

// NewController creates a controller for feature. baseURL is prepended to the
// feature's resolved path.
func NewController(feature Feature, fetcher domain.Fetcher, baseURL string, maxFrameSize int, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		feature:      feature,
		fetcher:      fetcher,
		baseURL:      baseURL,
		maxFrameSize: maxFrameSize,
		logger:       logger.With("feature", feature.Name),
	}
}

// OnEvent registers an observer and returns a func that removes it.
func (c *Controller) OnEvent(fn Observer) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, observerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, e := range c.observers {
				if e.id == id {
					c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Start begins a new session for target, replacing any active one. The
// request is issued asynchronously; failures to connect surface as a FAILED
// session. Cancelling ctx cancels the session. Only an unresolvable target
// is returned as an error.
func (c *Controller) Start(ctx context.Context, target string) (*Session, error) {
	path, err := c.feature.Resolver.Resolve(target)
	if err != nil {
		return nil, domain.WrapOp("Controller.Start", err)
	}
	url := stream.JoinURL(c.baseURL, path)

	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	prev := c.active
	c.mu.Unlock()
	if prev != nil {
		prev.Cancel()
		<-prev.finished
	}

	s := New(c.feature.Name, target)
	if err := s.Start(); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.bind(cancel)
	// The caller's context ending cancels the session even while a read is blocked.
	context.AfterFunc(streamCtx, s.Cancel)
	connecting := s.Snapshot()

	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	c.logger.Info("session started", "session", s.ID(), "target", target, "url", url)

	go c.pump(streamCtx, s, url, connecting)
	return s, nil
}

// Cancel cancels the active session, if any. It is idempotent.
func (c *Controller) Cancel() {
	if s := c.Active(); s != nil {
		s.Cancel()
	}
}

// Active returns the current session, which may already be terminal, or nil.
func (c *Controller) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Snapshot returns the active session's state. ok is false before the first Start.
func (c *Controller) Snapshot() (snap domain.SessionSnapshot, ok bool) {
	s := c.Active()
	if s == nil {
		return domain.SessionSnapshot{}, false
	}
	return s.Snapshot(), true
}

// Wait blocks until the active session is finished.
func (c *Controller) Wait(ctx context.Context) error {
	s := c.Active()
	if s == nil {
		return nil
	}
	return s.Wait(ctx)
}

// pump drives one session from open to terminal state.
func (c *Controller) pump(ctx context.Context, s *Session, url string, connecting domain.SessionSnapshot) {
	defer s.finish()
	defer s.release()

	logger := c.logger.With("session", s.ID())
	ctx, span := tracer.StartSpan(ctx, "stream.session", tracer.SessionAttrs(s.ID(), c.feature.Name, s.target))

	var frames, events int
	var parser *stream.Parser
	defer func() {
		snap := s.Snapshot()
		span.SetAttributes(
			tracer.StringAttr("session.status", string(snap.Status)),
			tracer.IntAttr("session.frames", frames),
			tracer.IntAttr("session.events", events),
		)
		if parser != nil {
			span.SetAttributes(
				tracer.IntAttr("session.keepalives", parser.KeepAlives()),
				tracer.IntAttr("session.framing_errors", parser.FramingErrors()),
			)
		}
		err := s.Err()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		tracer.Finish(span, err)
		logger.Info("session finished", "status", snap.Status, "frames", frames, "log_lines", len(snap.Log))
	}()

	last := c.notify(domain.SessionEvent{}, connecting)

	body, err := c.fetcher.Open(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			s.Cancel()
		} else if s.Fail(c.openError(err, s.target)) {
			logger.Warn("stream open failed", "error", err, "code", domain.ErrorCodeOf(err))
		}
		c.notifyFinal(s, last)
		return
	}
	if !s.attach(body) {
		c.notifyFinal(s, last)
		return
	}

	parser = stream.NewParser(c.maxFrameSize, logger)
	dispatcher := stream.NewDispatcher(c.feature.Mapper, logger)
	frameCh, errc := parser.Run(ctx, body)

	for f := range frameCh {
		frames++
		streaming := s.Receive()
		ev, ok := dispatcher.Dispatch(f)
		if !ok {
			// Keep-alives still mark the stream live.
			if streaming {
				last = c.notify(domain.SessionEvent{}, s.Snapshot())
			}
			continue
		}
		if err := s.Apply(ev); err != nil {
			// Cancelled between frames.
			break
		}
		events++
		last = c.notify(ev, s.Snapshot())
		if last.IsTerminal() {
			break
		}
	}

	if !s.Status().IsTerminal() {
		switch readErr := <-errc; {
		case ctx.Err() != nil:
			s.Cancel()
		case readErr != nil:
			logger.Warn("stream read failed", "error", readErr)
			s.Fail(&domain.ProtocolError{Err: domain.ErrTransport, Cause: readErr})
		default:
			logger.Warn("stream ended without a terminal event", "error", domain.ErrStreamClosed)
			s.Fail(domain.ErrStreamClosed)
		}
	}
	c.notifyFinal(s, last)
}

// openError tags not-found failures with the feature so they map to a
// feature-specific error code. The fetcher's error stays in the chain.
func (c *Controller) openError(err error, target string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewSubSystemError(c.feature.Name, "Controller.Start", err, target)
	}
	return err
}

// notifyFinal delivers the terminal snapshot unless an event already did.
func (c *Controller) notifyFinal(s *Session, last domain.SessionStatus) {
	snap := s.Snapshot()
	if snap.Status == last {
		return
	}
	c.notify(domain.SessionEvent{}, snap)
}

func (c *Controller) notify(ev domain.SessionEvent, snap domain.SessionSnapshot) domain.SessionStatus {
	c.mu.Lock()
	observers := make([]observerEntry, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, o := range observers {
		o.fn(ev, snap)
	}
	return snap.Status
}
