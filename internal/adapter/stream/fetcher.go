package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"govstream/internal/domain"
	"govstream/internal/infra/tracer"
)

// maxErrorBody is how much of a non-2xx response body is kept as detail.
const maxErrorBody = 4096

// HTTPFetcher opens authenticated event-stream GET requests.
type HTTPFetcher struct {
	client *http.Client
	tokens domain.TokenSource
	logger *slog.Logger
}

// NewHTTPFetcher creates a fetcher. tokens may be nil for unauthenticated
// endpoints; a nil client selects http.DefaultClient.
func NewHTTPFetcher(client *http.Client, tokens domain.TokenSource, logger *slog.Logger) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{client: client, tokens: tokens, logger: logger}
}

// Open implements domain.Fetcher. The caller owns the returned body and must
// close it; closing it (or cancelling ctx) is the only cancellation mechanism.
// No retry is attempted.
func (f *HTTPFetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	ctx, span := tracer.StartSpan(ctx, "stream.open",
		trace.WithAttributes(tracer.StringAttr("http.url", url)),
	)
	body, err := f.open(ctx, url, span)
	tracer.Finish(span, err)
	return body, err
}

func (f *HTTPFetcher) open(ctx context.Context, url string, span trace.Span) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.ProtocolError{Err: domain.ErrInvalidInput, Cause: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if f.tokens != nil {
		token, err := f.tokens.Token(ctx)
		if err != nil {
			return nil, &domain.ProtocolError{Err: domain.ErrAuthInvalid, Detail: "token unavailable", Cause: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &domain.ProtocolError{Err: domain.ErrTransport, Cause: err}
	}
	span.SetAttributes(tracer.IntAttr("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.ProtocolError{
			StatusCode: resp.StatusCode,
			Err:        statusSentinel(resp.StatusCode),
			Detail:     strings.TrimSpace(string(detail)),
		}
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, &domain.ProtocolError{StatusCode: resp.StatusCode, Err: domain.ErrNoBody}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		f.logger.Debug("stream response has unexpected content type", "url", url, "content_type", ct)
	}
	return resp.Body, nil
}

// statusSentinel maps an HTTP status to the domain error a caller can branch on.
func statusSentinel(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.ErrAuthInvalid
	case code == http.StatusTooManyRequests:
		return domain.ErrRateLimit
	case code == http.StatusNotFound:
		return domain.ErrNotFound
	case code >= 500:
		return domain.ErrProviderError
	default:
		return domain.ErrTransport
	}
}

var _ domain.Fetcher = (*HTTPFetcher)(nil)
