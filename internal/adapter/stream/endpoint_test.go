package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govstream/internal/domain"
)

func TestPathTemplateResolve(t *testing.T) {
	p, err := PathTemplate("/models/{id}/warmup/stream").Resolve("llama-3")
	require.NoError(t, err)
	assert.Equal(t, "/models/llama-3/warmup/stream", p)

	p, err = PathTemplate("/refinement/sessions/{id}/stream").Resolve("a/b c")
	require.NoError(t, err)
	assert.Equal(t, "/refinement/sessions/a%2Fb%20c/stream", p)

	_, err = PathTemplate("/models/{id}").Resolve("  ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://h/api/x", JoinURL("http://h/api/", "/x"))
	assert.Equal(t, "http://h/api/x", JoinURL("http://h/api", "x"))
}
