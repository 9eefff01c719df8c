package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govstream/internal/domain"
	"govstream/internal/infra/logger"
)

func TestDispatcherSequence(t *testing.T) {
	d := NewDispatcher(nil, logger.Discard())

	frames := []domain.Frame{
		{Data: `{"message":"one"}`},
		{Data: "{}"},
		{Event: "error", Data: `{"message":"transient","retryable":true}`},
		{Data: `{"artifact":{"v":1}}`},
		{Event: "done"},
		{Data: `{"message":"late"}`},
		{Event: "error", Data: "late failure"},
	}

	var kinds []domain.EventKind
	for _, f := range frames {
		if ev, ok := d.Dispatch(f); ok {
			kinds = append(kinds, ev.Kind)
		}
	}

	assert.Equal(t, []domain.EventKind{
		domain.EventKindProgress,
		domain.EventKindError,
		domain.EventKindSuccess,
		domain.EventKindDone,
	}, kinds)
	assert.True(t, d.Terminated())
}

func TestDispatcherFatalErrorIsExclusive(t *testing.T) {
	d := NewDispatcher(nil, logger.Discard())

	ev, ok := d.Dispatch(domain.Frame{Event: "error", Data: "model not loaded"})
	require.True(t, ok)
	assert.Equal(t, domain.EventKindError, ev.Kind)
	assert.Equal(t, "model not loaded", ev.Message)
	assert.False(t, ev.Retryable)
	assert.True(t, d.Terminated())

	_, ok = d.Dispatch(domain.Frame{Event: "done"})
	assert.False(t, ok)
}

func TestDispatcherRetryableErrorDoesNotTerminate(t *testing.T) {
	d := NewDispatcher(nil, logger.Discard())

	ev, ok := d.Dispatch(domain.Frame{Event: "error", Data: `{"error":"slow down","retryable":true}`})
	require.True(t, ok)
	assert.True(t, ev.Retryable)
	assert.Equal(t, "slow down", ev.Message)
	assert.False(t, d.Terminated())
}

func TestDispatcherMalformedPayloadIsProgress(t *testing.T) {
	d := NewDispatcher(WarmupMapper, logger.Discard())

	ev, ok := d.Dispatch(domain.Frame{Data: `{"status": "load`})
	require.True(t, ok)
	assert.Equal(t, domain.EventKindProgress, ev.Kind)
	assert.Equal(t, `{"status": "load`, ev.Message)
	assert.False(t, d.Terminated())
}

func TestDispatcherEventNameWinsOverMapper(t *testing.T) {
	progressOnly := func(f domain.Frame) domain.SessionEvent {
		return domain.SessionEvent{Kind: domain.EventKindProgress, Message: f.Data}
	}
	d := NewDispatcher(progressOnly, logger.Discard())
	ev, ok := d.Dispatch(domain.Frame{Event: "error", Data: `{"message":"boom"}`})
	require.True(t, ok)
	assert.Equal(t, domain.EventKindError, ev.Kind)
	assert.Equal(t, "boom", ev.Message)

	d = NewDispatcher(progressOnly, logger.Discard())
	ev, ok = d.Dispatch(domain.Frame{Event: "done", Data: "bye"})
	require.True(t, ok)
	assert.Equal(t, domain.EventKindDone, ev.Kind)

	alwaysDone := func(domain.Frame) domain.SessionEvent {
		return domain.SessionEvent{Kind: domain.EventKindDone}
	}
	d = NewDispatcher(alwaysDone, logger.Discard())
	ev, ok = d.Dispatch(domain.Frame{Data: "still going"})
	require.True(t, ok)
	assert.Equal(t, domain.EventKindProgress, ev.Kind)
	assert.Equal(t, "still going", ev.Message)
	assert.False(t, d.Terminated())
}
