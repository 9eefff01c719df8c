// Package uxerror translates session and stream errors into user-friendly
// messages with recovery hints for the console.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"govstream/internal/adapter/tui/theme"
	"govstream/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string   // short heading, e.g. "Connection Failed"
	Message string   // one-liner explanation
	Hints   []string // actionable recovery suggestions
	Raw     string   // original error text (for debug)
	Code    domain.ErrorCode

	// Retryable is set for transient failures where starting again may work.
	Retryable bool
}

// Render formats the FriendlyError for display below the session output.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(fe.Title)
	if fe.Code != "" && fe.Code != domain.CodeUnknown {
		sb.WriteString(" [" + string(fe.Code) + "]")
	}
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if fe.Retryable {
		sb.WriteString("\n  This is usually temporary; starting again may succeed.")
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  Suggestions:")
		for _, h := range fe.Hints {
			sb.WriteString(fmt.Sprintf("\n    %s %s", theme.SymbolBullet, h))
		}
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

var patterns = []errorPattern{
	// Domain sentinels first so errors.Is works through wrapping.
	{
		match: is(domain.ErrNotFound),
		produce: func(err error) FriendlyError {
			fe := FriendlyError{
				Title:   "Not Found",
				Message: "The server has no stream for this id.",
				Hints:   []string{"Check the id for typos", "Verify features.*_path in config matches the server routes"},
			}
			switch domain.ErrorCodeOf(err) {
			case domain.CodeWarmupNotFound:
				fe.Title, fe.Message = "Model Not Found", "The server does not know this model, or it has no warm-up running."
			case domain.CodeRefinementNotFound:
				fe.Title, fe.Message = "Refinement Session Not Found", "The refinement session does not exist or has expired."
			}
			return fe
		},
	},
	{
		match:   is(domain.ErrAuthInvalid),
		produce: constantError("Authentication Failed", "The server rejected the bearer token.", []string{"Check stream.token or the variable named by stream.token_env", "Verify the token hasn't expired"}),
	},
	{
		match:   is(domain.ErrRateLimit),
		produce: constantError("Rate Limited", "Too many stream opens.", []string{"Wait a moment before retrying", "Raise stream.rate_limit.opens_per_min if the limit is local"}),
	},
	{
		match:   is(domain.ErrCircuitOpen),
		produce: constantError("Server Unavailable", "Recent attempts failed, so new connections are paused.", []string{"Wait for stream.circuit_breaker.timeout to pass", "Check that the server is up"}),
	},
	{
		match:   is(domain.ErrServerSignaled),
		produce: passthrough("Server Reported an Error", []string{"Check the server logs for this session"}),
	},
	{
		match:   is(domain.ErrStreamClosed),
		produce: constantError("Stream Ended Early", "The connection closed before the session finished.", []string{"Try again", "Check for a proxy that closes idle connections"}),
	},
	{
		match:   is(domain.ErrNoBody),
		produce: constantError("Empty Response", "The server answered without a stream body.", []string{"Verify stream.base_url points at the streaming API"}),
	},
	{
		match:   is(domain.ErrDecryption),
		produce: constantError("Config Decryption Failed", "An enc: value in the config could not be decrypted.", []string{"Check GOVSTREAM_CONFIG_KEY", "Re-encrypt the value with 'govstream encrypt'"}),
	},
	{
		match:   is(domain.ErrConfigLoad),
		produce: passthrough("Invalid Configuration", []string{"Fix the config file and retry"}),
	},

	// Network errors from the transport carry no sentinel of their own.
	{
		match:   containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed", "Could not reach the stream server.", []string{"Verify stream.base_url in config", "Check if a firewall is blocking the connection"}),
	},
	{
		match:   containsAny("deadline exceeded", "timeout"),
		produce: constantError("Connection Timed Out", "The server took too long to respond.", []string{"Check your network connection", "Increase stream.conn_timeout or stream.resp_timeout"}),
	},
	{
		match:   is(domain.ErrTransport),
		produce: passthrough("Connection Lost", []string{"Try again", "Check your network connection"}),
	},
}

// Humanize converts a raw error into a FriendlyError with recovery hints.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Raw: "nil"}
	}

	for _, p := range patterns {
		if p.match(err) {
			fe := p.produce(err)
			fe.Code = domain.ErrorCodeOf(err)
			fe.Raw = err.Error()
			fe.Retryable = domain.IsRetryableError(err)
			return fe
		}
	}

	// Fallback for unrecognized errors.
	return FriendlyError{
		Title:     "Unexpected Error",
		Message:   err.Error(),
		Hints:     []string{"Try again", "Run with GOVSTREAM_LOGGER_LEVEL=debug for more details"},
		Code:      domain.ErrorCodeOf(err),
		Raw:       err.Error(),
		Retryable: domain.IsRetryableError(err),
	}
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// containsAny returns a match func that checks if the error string contains
// any of the given substrings (case-insensitive).
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

// constantError returns a produce func that always returns the same FriendlyError.
func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(error) FriendlyError {
		return FriendlyError{Title: title, Message: message, Hints: hints}
	}
}

// passthrough keeps the error text as the message.
func passthrough(title string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{Title: title, Message: err.Error(), Hints: hints}
	}
}
