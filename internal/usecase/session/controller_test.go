package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"govstream/internal/adapter/stream"
	"govstream/internal/domain"
	"govstream/internal/infra/config"
	"govstream/internal/infra/logger"
)

// trackingBody is a stream body that counts Close calls.
type trackingBody struct {
	io.Reader
	closeFn func() error
	closes  atomic.Int32
}

func (b *trackingBody) Close() error {
	b.closes.Add(1)
	if b.closeFn != nil {
		return b.closeFn()
	}
	return nil
}

func stringBody(s string) *trackingBody {
	return &trackingBody{Reader: strings.NewReader(s)}
}

// pipeBody returns a body that stays open until the test writes or closes it.
func pipeBody() (*trackingBody, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return &trackingBody{Reader: pr, closeFn: pr.Close}, pw
}

type fakeFetcher struct {
	mu   sync.Mutex
	urls []string
	open func(ctx context.Context, n int) (io.ReadCloser, error)
}

func (f *fakeFetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	n := len(f.urls)
	f.mu.Unlock()
	return f.open(ctx, n)
}

func bodyFetcher(body io.ReadCloser) *fakeFetcher {
	return &fakeFetcher{open: func(context.Context, int) (io.ReadCloser, error) { return body, nil }}
}

type update struct {
	ev   domain.SessionEvent
	snap domain.SessionSnapshot
}

type recorder struct {
	mu      sync.Mutex
	updates []update
}

func (r *recorder) observe(ev domain.SessionEvent, snap domain.SessionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update{ev: ev, snap: snap})
}

func (r *recorder) all() []update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]update(nil), r.updates...)
}

func (r *recorder) statuses() []domain.SessionStatus {
	var out []domain.SessionStatus
	for _, u := range r.all() {
		out = append(out, u.snap.Status)
	}
	return out
}

func newTestController(f domain.Fetcher) (*Controller, *recorder) {
	c := NewController(Warmup(""), f, "http://backend/api/v1", 0, logger.Discard())
	rec := &recorder{}
	c.OnEvent(rec.observe)
	return c, rec
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestControllerHappyPath(t *testing.T) {
	body := stringBody("data: {\"message\":\"starting\"}\n\n" +
		"data: {}\n\n" +
		"data: {\"artifact\":{\"x\":1}}\n\n" +
		"event: done\n\n")
	f := bodyFetcher(body)
	c, rec := newTestController(f)

	s, err := c.Start(context.Background(), "llama-3")
	require.NoError(t, err)
	require.NoError(t, s.Wait(waitCtx(t)))

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusSucceeded, snap.Status)
	assert.Equal(t, []string{"starting"}, snap.Log)
	assert.JSONEq(t, `{"x":1}`, string(snap.Result))
	assert.Empty(t, snap.LastError)

	assert.Equal(t, []string{"http://backend/api/v1/models/llama-3/warmup/stream"}, f.urls)
	assert.Equal(t, []domain.SessionStatus{
		domain.StatusConnecting,
		domain.StatusStreaming,
		domain.StatusSucceeded,
	}, rec.statuses())
	assert.Equal(t, int32(1), body.closes.Load())
}

func TestControllerFatalError(t *testing.T) {
	body := stringBody("event: error\ndata: rate limited\n\ndata: {\"message\":\"ignored\"}\n\n")
	c, rec := newTestController(bodyFetcher(body))

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)
	err = s.Wait(waitCtx(t))
	assert.ErrorIs(t, err, domain.ErrServerSignaled)

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusFailed, snap.Status)
	assert.Equal(t, "rate limited", snap.LastError)
	assert.Empty(t, snap.Log)

	updates := rec.all()
	require.Len(t, updates, 2)
	assert.Equal(t, domain.EventKindError, updates[1].ev.Kind)
	assert.Equal(t, int32(1), body.closes.Load())
}

func TestControllerRetryableErrorThenSuccess(t *testing.T) {
	body := stringBody("event: error\ndata: {\"message\":\"provider busy\",\"retryable\":true}\n\n" +
		"data: {\"proposal\":{\"text\":\"v2\"},\"evaluation\":{\"passed\":true}}\n\n" +
		"event: done\n\n")
	c := NewController(Refinement(""), bodyFetcher(body), "http://backend", 0, logger.Discard())

	s, err := c.Start(context.Background(), "r-9")
	require.NoError(t, err)
	require.NoError(t, s.Wait(waitCtx(t)))

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusSucceeded, snap.Status)
	assert.Equal(t, []string{"warning: provider busy"}, snap.Log)
	assert.Empty(t, snap.LastError)
	assert.JSONEq(t, `{"text":"v2"}`, string(snap.Result))
	assert.JSONEq(t, `{"passed":true}`, string(snap.Evaluation))
}

func TestControllerDoneWithoutResult(t *testing.T) {
	c, _ := newTestController(bodyFetcher(stringBody("data: {\"status\":\"ready\"}\n\nevent: done\n\n")))

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, s.Wait(waitCtx(t)))

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusSucceeded, snap.Status)
	assert.Nil(t, snap.Result)
	assert.Equal(t, []string{"ready"}, snap.Log)
}

func TestControllerMalformedPayloadKeepsStreaming(t *testing.T) {
	body, pw := pipeBody()
	c, rec := newTestController(bodyFetcher(body))

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)

	go pw.Write([]byte("data: {\"message\": oops\n\n"))

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusStreaming, snap.Status)
	assert.Equal(t, []string{`{"message": oops`}, snap.Log)
	assert.Equal(t, domain.EventKindProgress, rec.all()[1].ev.Kind)

	c.Cancel()
	assert.ErrorIs(t, s.Wait(waitCtx(t)), context.Canceled)
}

func TestControllerCancelIdempotent(t *testing.T) {
	body, pw := pipeBody()
	defer pw.Close()
	c, rec := newTestController(bodyFetcher(body))

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)

	c.Cancel()
	c.Cancel()
	s.Cancel()
	assert.ErrorIs(t, s.Wait(waitCtx(t)), context.Canceled)
	c.Cancel()

	assert.Equal(t, domain.StatusCancelled, s.Status())
	assert.LessOrEqual(t, body.closes.Load(), int32(1))

	statuses := rec.statuses()
	assert.Equal(t, domain.StatusCancelled, statuses[len(statuses)-1])
	assert.Len(t, statuses, 2)
}

func TestControllerCancelAfterTerminalHasNoEffect(t *testing.T) {
	c, rec := newTestController(bodyFetcher(stringBody("event: done\n\n")))

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, s.Wait(waitCtx(t)))

	n := len(rec.all())
	c.Cancel()
	c.Cancel()

	assert.Equal(t, domain.StatusSucceeded, s.Status())
	assert.NoError(t, s.Err())
	assert.Len(t, rec.all(), n)
}

func TestControllerStartReplacesActiveSession(t *testing.T) {
	first, firstW := pipeBody()
	defer firstW.Close()
	second := stringBody("data: {\"message\":\"second\"}\n\nevent: done\n\n")

	f := &fakeFetcher{open: func(_ context.Context, n int) (io.ReadCloser, error) {
		if n == 1 {
			return first, nil
		}
		return second, nil
	}}
	c, rec := newTestController(f)

	s1, err := c.Start(context.Background(), "a")
	require.NoError(t, err)
	s2, err := c.Start(context.Background(), "b")
	require.NoError(t, err)
	require.NoError(t, s2.Wait(waitCtx(t)))

	assert.Equal(t, domain.StatusCancelled, s1.Status())
	assert.Equal(t, int32(1), first.closes.Load())
	assert.Same(t, s2, c.Active())

	// Once the second session reports, the first never does again.
	updates := rec.all()
	seenSecond := false
	for _, u := range updates {
		if u.snap.ID == s2.ID() {
			seenSecond = true
			continue
		}
		assert.False(t, seenSecond, "update from replaced session after new session started")
	}
	assert.True(t, seenSecond)
}

func TestControllerOpenFailure(t *testing.T) {
	f := &fakeFetcher{open: func(context.Context, int) (io.ReadCloser, error) {
		return nil, &domain.ProtocolError{Err: domain.ErrTransport, Cause: errors.New("dial tcp: connection refused")}
	}}
	c, rec := newTestController(f)

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)
	err = s.Wait(waitCtx(t))
	assert.ErrorIs(t, err, domain.ErrTransport)

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusFailed, snap.Status)
	assert.Contains(t, snap.LastError, "connection refused")
	assert.Equal(t, []domain.SessionStatus{domain.StatusConnecting, domain.StatusFailed}, rec.statuses())
}

func TestControllerNotFoundUsesFeatureCode(t *testing.T) {
	f := &fakeFetcher{open: func(context.Context, int) (io.ReadCloser, error) {
		return nil, &domain.ProtocolError{StatusCode: 404, Err: domain.ErrNotFound}
	}}
	c, _ := newTestController(f)

	s, err := c.Start(context.Background(), "missing-model")
	require.NoError(t, err)
	err = s.Wait(waitCtx(t))
	assert.Equal(t, domain.CodeWarmupNotFound, domain.ErrorCodeOf(err))
	assert.Contains(t, s.Snapshot().LastError, "missing-model")
}

func TestControllerNotFoundKeepsServerDetail(t *testing.T) {
	f := &fakeFetcher{open: func(context.Context, int) (io.ReadCloser, error) {
		return nil, &domain.ProtocolError{StatusCode: 404, Err: domain.ErrNotFound, Detail: "no warm-up for model"}
	}}
	c, _ := newTestController(f)

	s, err := c.Start(context.Background(), "missing-model")
	require.NoError(t, err)
	err = s.Wait(waitCtx(t))

	assert.ErrorIs(t, err, domain.ErrNotFound)
	var pe *domain.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 404, pe.StatusCode)
	assert.Equal(t, domain.CodeWarmupNotFound, domain.ErrorCodeOf(err))

	lastError := s.Snapshot().LastError
	assert.Contains(t, lastError, "HTTP 404")
	assert.Contains(t, lastError, "no warm-up for model")
}

func TestControllerKeepAliveMarksStreaming(t *testing.T) {
	body, pw := pipeBody()
	defer pw.Close()
	c, rec := newTestController(bodyFetcher(body))

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)

	go pw.Write([]byte("data: {}\n\n"))

	require.Eventually(t, func() bool { return s.Status() == domain.StatusStreaming }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond)

	updates := rec.all()
	assert.Equal(t, domain.StatusStreaming, updates[1].snap.Status)
	assert.Equal(t, domain.SessionEvent{}, updates[1].ev)
	assert.Empty(t, updates[1].snap.Log)

	c.Cancel()
	assert.ErrorIs(t, s.Wait(waitCtx(t)), context.Canceled)
	assert.Equal(t, []domain.SessionStatus{
		domain.StatusConnecting,
		domain.StatusStreaming,
		domain.StatusCancelled,
	}, rec.statuses())
}

func TestControllerSessionSpanCounters(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	c := NewController(Warmup(""), bodyFetcher(stringBody(
		"data: {}\n\ndata: {\"message\":\"one\"}\n\ndata: {}\n\n"+
			"data: "+strings.Repeat("x", 64)+"\n\n"+
			"event: done\n\n")), "http://b", 32, logger.Discard())

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, s.Wait(waitCtx(t)))

	var session sdktrace.ReadOnlySpan
	for _, sp := range spans.Ended() {
		if sp.Name() == "stream.session" {
			session = sp
		}
	}
	require.NotNil(t, session)

	attrs := map[string]int64{}
	for _, kv := range session.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInt64()
	}
	assert.Equal(t, int64(2), attrs["session.keepalives"])
	assert.Equal(t, int64(1), attrs["session.framing_errors"])
	assert.Equal(t, int64(4), attrs["session.frames"])
}

func TestControllerEOFWithoutTerminal(t *testing.T) {
	body := stringBody("data: {\"message\":\"one\"}\n\ndata: {\"message\":\"partial")
	c, _ := newTestController(bodyFetcher(body))

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)
	err = s.Wait(waitCtx(t))
	assert.ErrorIs(t, err, domain.ErrStreamClosed)

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusFailed, snap.Status)
	assert.Equal(t, []string{"one"}, snap.Log)
	assert.Equal(t, int32(1), body.closes.Load())
}

func TestControllerReadErrorMidStream(t *testing.T) {
	body, pw := pipeBody()
	c, _ := newTestController(bodyFetcher(body))

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)

	go func() {
		pw.Write([]byte("data: {\"message\":\"one\"}\n\n"))
		pw.CloseWithError(errors.New("connection reset by peer"))
	}()

	err = s.Wait(waitCtx(t))
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Contains(t, s.Snapshot().LastError, "connection reset by peer")
	assert.Equal(t, []string{"one"}, s.Snapshot().Log)
}

func TestControllerContextCancelCancelsSession(t *testing.T) {
	body, pw := pipeBody()
	defer pw.Close()
	c, _ := newTestController(bodyFetcher(body))

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.Start(ctx, "m")
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, s.Wait(waitCtx(t)), context.Canceled)
	assert.Equal(t, domain.StatusCancelled, s.Status())
}

func TestControllerCancelDuringOpen(t *testing.T) {
	opened := make(chan struct{})
	body := stringBody("data: x\n\n")
	f := &fakeFetcher{open: func(ctx context.Context, _ int) (io.ReadCloser, error) {
		close(opened)
		<-ctx.Done()
		return body, nil
	}}
	c, _ := newTestController(f)

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)
	<-opened
	c.Cancel()

	assert.ErrorIs(t, s.Wait(waitCtx(t)), context.Canceled)
	assert.Equal(t, int32(1), body.closes.Load())
}

func TestControllerInvalidTarget(t *testing.T) {
	c, rec := newTestController(bodyFetcher(stringBody("")))

	s, err := c.Start(context.Background(), " ")
	assert.Nil(t, s)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, rec.all())

	_, ok := c.Snapshot()
	assert.False(t, ok)
	assert.NoError(t, c.Wait(context.Background()))
}

func TestControllerUnsubscribe(t *testing.T) {
	c := NewController(Warmup(""), bodyFetcher(stringBody("event: done\n\n")), "http://b", 0, logger.Discard())

	var kept, dropped atomic.Int32
	c.OnEvent(func(domain.SessionEvent, domain.SessionSnapshot) { kept.Add(1) })
	unsubscribe := c.OnEvent(func(domain.SessionEvent, domain.SessionSnapshot) { dropped.Add(1) })
	unsubscribe()
	unsubscribe()

	s, err := c.Start(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, s.Wait(waitCtx(t)))

	assert.Positive(t, kept.Load())
	assert.Zero(t, dropped.Load())
}

func TestWarmupEndToEnd(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{
			"data: {\"status\":\"loading\",\"prog",
			"ress\":0.25}\n\ndata: {}\n\n",
			"data: {\"log\":\"weights mapped\"}\n",
			"\nevent: done\n\n",
		} {
			io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Stream.BaseURL = srv.URL + "/api/v1"
	cfg.Stream.CircuitBreaker.Enabled = true
	cfg.Stream.RateLimit.Enabled = true

	fetcher := stream.NewFetcher(cfg.Stream, domain.StaticToken("tok"), logger.Discard())
	c := NewWarmup(cfg, fetcher, logger.Discard())

	s, err := c.Start(context.Background(), "org/llama 3")
	require.NoError(t, err)
	require.NoError(t, c.Wait(waitCtx(t)))

	snap, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, s.ID(), snap.ID)
	assert.Equal(t, domain.StatusSucceeded, snap.Status)
	assert.Equal(t, []string{"loading (25%)", "weights mapped"}, snap.Log)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/api/v1/models/org%2Fllama%203/warmup/stream", gotPath)
}
