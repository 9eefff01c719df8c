package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"govstream/internal/domain"
)

// errorPayload is the JSON shape of an error frame. Servers may also send
// plain text, in which case the whole payload is the message.
type errorPayload struct {
	Message   string `json:"message"`
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	Retryable bool   `json:"retryable"`
}

// parseError decodes an error frame payload.
func parseError(data string) (msg string, retryable bool) {
	var p errorPayload
	if err := json.Unmarshal([]byte(data), &p); err == nil {
		msg = firstNonEmpty(p.Message, p.Error, p.Detail)
		retryable = p.Retryable
	}
	if msg == "" {
		msg = strings.TrimSpace(data)
	}
	if msg == "" {
		msg = "server reported an error"
	}
	return msg, retryable
}

// isTerminalFrame reports whether the stream ends after f: a done frame, or an
// error frame whose payload does not mark itself retryable.
func isTerminalFrame(f domain.Frame) bool {
	switch f.Name() {
	case domain.EventDone:
		return true
	case domain.EventError:
		_, retryable := parseError(f.Data)
		return !retryable
	default:
		return false
	}
}

// describer derives a progress line from a decoded JSON object.
type describer func(fields map[string]json.RawMessage) (string, bool)

// newMapper builds an EventMapper. artifactKeys name the fields whose presence
// turns a payload into Success; describe derives progress text from anything else.
func newMapper(artifactKeys []string, describe describer) domain.EventMapper {
	return func(f domain.Frame) domain.SessionEvent {
		switch f.Name() {
		case domain.EventDone:
			return domain.SessionEvent{Kind: domain.EventKindDone}
		case domain.EventError:
			msg, retryable := parseError(f.Data)
			return domain.SessionEvent{Kind: domain.EventKindError, Message: msg, Retryable: retryable}
		}

		raw := strings.TrimSpace(f.Data)
		progress := domain.SessionEvent{Kind: domain.EventKindProgress, Message: f.Data}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			// A JSON string payload is progress text; anything else stays raw.
			var s string
			if json.Unmarshal([]byte(raw), &s) == nil {
				progress.Message = s
			}
			return progress
		}

		for _, key := range artifactKeys {
			if v, ok := fields[key]; ok && !isNull(v) {
				ev := domain.SessionEvent{Kind: domain.EventKindSuccess, Artifact: v}
				if e, ok := fields["evaluation"]; ok && !isNull(e) {
					ev.Evaluation = e
				}
				if msg, ok := describe(fields); ok {
					ev.Message = msg
				}
				return ev
			}
		}

		if msg, ok := describe(fields); ok {
			progress.Message = msg
		}
		return progress
	}
}

// DefaultMapper classifies frames using the common payload shapes:
// {"message": ...} for progress and {"artifact": ..., "evaluation": ...} for results.
var DefaultMapper = newMapper([]string{"artifact"}, messageField)

// WarmupMapper understands model warm-up payloads, which carry log lines and
// coarse status/progress updates.
var WarmupMapper = newMapper([]string{"artifact"}, firstOf(messageField, stringField("log"), stringField("line"), warmupStatus))

// RefinementMapper understands AI refinement payloads. Results may arrive as
// "proposal"; progress lines are tagged with the iteration or step.
var RefinementMapper = newMapper([]string{"artifact", "proposal"}, refinementProgress)

func messageField(fields map[string]json.RawMessage) (string, bool) {
	return stringField("message")(fields)
}

func stringField(key string) describer {
	return func(fields map[string]json.RawMessage) (string, bool) {
		v, ok := fields[key]
		if !ok {
			return "", false
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil || s == "" {
			return "", false
		}
		return s, true
	}
}

func firstOf(ds ...describer) describer {
	return func(fields map[string]json.RawMessage) (string, bool) {
		for _, d := range ds {
			if s, ok := d(fields); ok {
				return s, true
			}
		}
		return "", false
	}
}

func warmupStatus(fields map[string]json.RawMessage) (string, bool) {
	status, ok := stringField("status")(fields)
	if !ok {
		return "", false
	}
	var pct float64
	if v, ok := fields["progress"]; ok && json.Unmarshal(v, &pct) == nil {
		// Percent, except values strictly between 0 and 1, which are fractions.
		if pct > 0 && pct < 1 {
			pct *= 100
		}
		return fmt.Sprintf("%s (%.0f%%)", status, pct), true
	}
	return status, true
}

func refinementProgress(fields map[string]json.RawMessage) (string, bool) {
	msg, ok := firstOf(messageField, stringField("status"))(fields)
	if !ok {
		return "", false
	}
	var iteration int
	if v, ok := fields["iteration"]; ok && json.Unmarshal(v, &iteration) == nil {
		return fmt.Sprintf("[iteration %d] %s", iteration, msg), true
	}
	if step, ok := stringField("step")(fields); ok {
		return fmt.Sprintf("[%s] %s", step, msg), true
	}
	return msg, true
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
