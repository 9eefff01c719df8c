package domain

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Fetcher.Open", ErrNotFound, "model 'm1'")
	want := "Fetcher.Open: model 'm1': not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Session.Start", ErrSessionTerminal, "")
	want := "Session.Start: session already terminal"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("Parser.Feed", ErrFraming, "oversized"))
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Parser.Feed", de.Op)
	assert.ErrorIs(t, err, ErrFraming)
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	assert.EqualError(t, WrapOp("op", io.EOF), "op: EOF")
}

func TestProtocolErrorUnwrapsSentinelAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ProtocolError{Err: ErrTransport, Cause: cause}

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "stream transport failed: connection refused", err.Error())
}

func TestProtocolErrorFormatWithStatus(t *testing.T) {
	err := &ProtocolError{StatusCode: 429, Err: ErrRateLimit, Detail: "slow down"}
	assert.Equal(t, "rate limit exceeded (HTTP 429): slow down", err.Error())
	assert.True(t, IsRetryableError(err))
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"sentinel", ErrNoBody, CodeNoBody},
		{"wrapped", fmt.Errorf("open: %w", ErrCircuitOpen), CodeCircuitOpen},
		{"protocol", &ProtocolError{Err: ErrAuthInvalid, Cause: ErrPayload}, CodeAuthInvalid},
		{"subsystem", NewSubSystemError("warmup", "Warmup.Start", ErrNotFound, "m1"), CodeWarmupNotFound},
		{"subsystem protocol", NewSubSystemError("refinement", "X", &ProtocolError{StatusCode: 404, Err: ErrNotFound, Detail: "expired"}, "r1"), CodeRefinementNotFound},
		{"subsystem fallback", NewSubSystemError("other", "X", ErrNotFound, ""), CodeNotFound},
		{"unknown", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}
