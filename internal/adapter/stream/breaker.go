package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"govstream/internal/domain"
	"govstream/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerFetcher wraps a Fetcher with circuit breaker protection.
// Only opening a stream goes through the breaker; what happens on the body
// afterwards never trips it. Auth, not-found and caller cancellation are not
// counted as failures of the backend.
type CircuitBreakerFetcher struct {
	inner   domain.Fetcher
	breaker *gobreaker.CircuitBreaker[io.ReadCloser]
}

// NewCircuitBreakerFetcher wraps inner. Zero-valued settings fall back to defaults.
func NewCircuitBreakerFetcher(inner domain.Fetcher, name string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[io.ReadCloser](gobreaker.Settings{
		Name:        "stream:" + name,
		MaxRequests: 1, // one trial request while half-open
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: backendHealthy,
	})

	return &CircuitBreakerFetcher{inner: inner, breaker: cb}
}

// backendHealthy reports whether err says nothing bad about the backend.
// A request abandoned by its caller counts as healthy.
func backendHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !errors.Is(err, domain.ErrTransport) && !errors.Is(err, domain.ErrProviderError)
}

// Open implements domain.Fetcher.
func (f *CircuitBreakerFetcher) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	body, err := f.breaker.Execute(func() (io.ReadCloser, error) {
		return f.inner.Open(ctx, rawURL)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &domain.ProtocolError{Err: domain.ErrCircuitOpen, Cause: err}
	}
	return body, err
}

// State returns the breaker state for monitoring.
func (f *CircuitBreakerFetcher) State() gobreaker.State {
	return f.breaker.State()
}

// RateLimitedFetcher bounds how often streams can be opened, so a user
// hammering "start" cannot stampede the backend. Waiting honors ctx.
type RateLimitedFetcher struct {
	inner   domain.Fetcher
	limiter *rate.Limiter
}

// NewRateLimitedFetcher wraps inner with a token bucket of opensPerMin and burst.
func NewRateLimitedFetcher(inner domain.Fetcher, opensPerMin, burst int) *RateLimitedFetcher {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedFetcher{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(opensPerMin)/60.0), burst),
	}
}

// Open implements domain.Fetcher.
func (f *RateLimitedFetcher) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &domain.ProtocolError{Err: domain.ErrRateLimit, Detail: "open throttled", Cause: err}
	}
	return f.inner.Open(ctx, rawURL)
}

// NewFetcher assembles the configured fetcher chain:
// rate limit → circuit breaker → HTTP.
func NewFetcher(cfg config.StreamConfig, tokens domain.TokenSource, logger *slog.Logger) domain.Fetcher {
	var f domain.Fetcher = NewHTTPFetcher(NewHTTPClient(cfg), tokens, logger)
	if cfg.CircuitBreaker.Enabled {
		f = NewCircuitBreakerFetcher(f, hostOf(cfg.BaseURL), cfg.CircuitBreaker, logger)
	}
	if cfg.RateLimit.Enabled {
		f = NewRateLimitedFetcher(f, cfg.RateLimit.OpensPerMin, cfg.RateLimit.Burst)
	}
	return f
}

func hostOf(base string) string {
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		return u.Host
	}
	return base
}

var (
	_ domain.Fetcher = (*CircuitBreakerFetcher)(nil)
	_ domain.Fetcher = (*RateLimitedFetcher)(nil)
)
