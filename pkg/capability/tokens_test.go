package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCounterCountsText(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	assert.Zero(t, counter.Count(""))
	assert.Greater(t, counter.Count("Hello, how are you today?"), 0)
	assert.Greater(t, counter.Count("a longer text with many more words in it than the short one"),
		counter.Count("short"))
}

func TestTokenCounterUnknownModelFallsBack(t *testing.T) {
	counter, err := NewTokenCounter("claude-sonnet-4")
	require.NoError(t, err)
	assert.Greater(t, counter.Count("some text"), 0)
}

func TestTokenCounterCountAllAddsMessageFraming(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	texts := []string{"first message", "second message"}
	sum := counter.Count(texts[0]) + counter.Count(texts[1])
	assert.Equal(t, sum+8, counter.CountAll(texts))
}
