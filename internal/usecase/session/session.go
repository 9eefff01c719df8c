package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"govstream/internal/domain"
)

// Session is one streaming operation: a warm-up or a refinement run.
// All methods are safe for concurrent use; the state machine itself only
// moves forward and terminal states are final.
type Session struct {
	mu         sync.RWMutex
	id         string
	feature    string
	target     string
	status     domain.SessionStatus
	result     json.RawMessage
	evaluation json.RawMessage
	log        []string
	lastError  string
	err        error
	startedAt  time.Time
	updatedAt  time.Time

	// Connection ownership. The body and cancel func are released exactly once.
	body        io.Closer
	cancel      context.CancelFunc
	releaseOnce sync.Once

	terminated chan struct{} // closed on the terminal transition
	finished   chan struct{} // closed when the pump has delivered its last update
	managed    bool          // driven by a Controller pump
}

// New creates a PENDING session for target (a model id or refinement
// session id) of the named feature.
func New(feature, target string) *Session {
	now := time.Now()
	return &Session{
		id:         generateULID(now),
		feature:    feature,
		target:     target,
		status:     domain.StatusPending,
		log:        make([]string, 0),
		startedAt:  now,
		updatedAt:  now,
		terminated: make(chan struct{}),
		finished:   make(chan struct{}),
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ID returns the session's ULID.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() domain.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns why the session ended: nil while running or after success,
// the failure cause for FAILED, context.Canceled for CANCELLED.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Snapshot returns a copy of the observable state.
func (s *Session) Snapshot() domain.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := make([]string, len(s.log))
	copy(log, s.log)
	return domain.SessionSnapshot{
		ID:         s.id,
		Feature:    s.feature,
		Target:     s.target,
		Status:     s.status,
		Result:     s.result,
		Evaluation: s.evaluation,
		Log:        log,
		LastError:  s.lastError,
		StartedAt:  s.startedAt,
		UpdatedAt:  s.updatedAt,
	}
}

// Start moves PENDING to CONNECTING.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != domain.StatusPending {
		return domain.NewDomainError("Session.Start", domain.ErrInvalidInput,
			fmt.Sprintf("session is %s", s.status))
	}
	s.status = domain.StatusConnecting
	s.updatedAt = time.Now()
	return nil
}

// Receive records that a frame arrived, including keep-alives that produce no
// event, and moves CONNECTING to STREAMING. It reports whether the status
// changed.
func (s *Session) Receive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != domain.StatusConnecting {
		return false
	}
	s.status = domain.StatusStreaming
	s.updatedAt = time.Now()
	return true
}

// Apply folds one event into the session. The first event observed moves
// CONNECTING to STREAMING. Applying to a terminal session returns
// ErrSessionTerminal and changes nothing.
func (s *Session) Apply(ev domain.SessionEvent) error {
	s.mu.Lock()
	switch {
	case s.status.IsTerminal():
		s.mu.Unlock()
		return fmt.Errorf("apply %s event: %w", ev.Kind, domain.ErrSessionTerminal)
	case s.status == domain.StatusPending:
		s.mu.Unlock()
		return domain.NewDomainError("Session.Apply", domain.ErrInvalidInput, "session not started")
	case s.status == domain.StatusConnecting:
		s.status = domain.StatusStreaming
	}
	s.updatedAt = time.Now()

	terminal := true
	switch ev.Kind {
	case domain.EventKindProgress:
		s.log = append(s.log, ev.Message)
		terminal = false
	case domain.EventKindSuccess:
		if ev.Message != "" {
			s.log = append(s.log, ev.Message)
		}
		s.result = ev.Artifact
		s.evaluation = ev.Evaluation
		s.status = domain.StatusSucceeded
	case domain.EventKindError:
		if ev.Retryable {
			s.log = append(s.log, "warning: "+ev.Message)
			terminal = false
			break
		}
		s.lastError = ev.Message
		s.err = fmt.Errorf("%w: %s", domain.ErrServerSignaled, ev.Message)
		s.status = domain.StatusFailed
	case domain.EventKindDone:
		// Done without a prior result is a clean, resultless completion.
		s.status = domain.StatusSucceeded
	default:
		terminal = false
	}
	s.mu.Unlock()

	if terminal {
		s.terminate()
	}
	return nil
}

// Fail moves a non-terminal session to FAILED, keeping err's message as
// lastError. It reports whether the transition happened.
func (s *Session) Fail(err error) bool {
	if err == nil {
		err = domain.ErrStreamClosed
	}
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	s.status = domain.StatusFailed
	s.lastError = err.Error()
	s.err = err
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.terminate()
	return true
}

// Cancel moves a non-terminal session to CANCELLED and releases its
// connection. Calling it again, or after a terminal state, does nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.status = domain.StatusCancelled
	s.err = context.Canceled
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.terminate()
}

// Done returns a channel closed once the session is terminal.
func (s *Session) Done() <-chan struct{} { return s.terminated }

// Wait blocks until the session is terminal and its final update has been
// delivered to observers, then returns Err. A session that was never handed
// to a Controller only waits for the terminal transition.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.RLock()
	done := s.terminated
	if s.managed {
		done = s.finished
	}
	s.mu.RUnlock()

	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) terminate() {
	close(s.terminated)
	s.release()
}

// bind hands the session the cancel func of its stream context and marks it
// as driven by a pump.
func (s *Session) bind(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.managed = true
	terminal := s.status.IsTerminal()
	s.mu.Unlock()
	if terminal {
		cancel()
	}
}

// attach hands the session ownership of an open stream body. It returns false
// and closes the body when the session already ended while the stream opened.
func (s *Session) attach(body io.Closer) bool {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		body.Close()
		return false
	}
	s.body = body
	s.mu.Unlock()
	return true
}

// release closes the connection and cancels the stream context, once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		body, cancel := s.body, s.cancel
		s.body = nil
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if body != nil {
			body.Close()
		}
	})
}

// finish marks the last observer update delivered.
func (s *Session) finish() { close(s.finished) }
