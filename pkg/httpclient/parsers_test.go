package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseAnthropicHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "12")
	h.Set("anthropic-ratelimit-requests-reset", "2026-01-02T15:04:05Z")
	h.Set("anthropic-ratelimit-requests-remaining", "42")
	h.Set("anthropic-ratelimit-input-tokens-remaining", "9000")

	info := ParseAnthropicHeaders(h)
	assert.Equal(t, 12*time.Second, info.RetryAfter)
	assert.NotZero(t, info.ResetTime)
	assert.Equal(t, 42, info.RequestsRemaining)
	assert.Equal(t, 9000, info.TokensRemaining)
}

func TestParseOpenAIHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	h.Set("x-ratelimit-reset-tokens", "1767223445")
	h.Set("x-ratelimit-remaining-requests", "10")
	h.Set("x-ratelimit-remaining-tokens", "5000")

	info := ParseOpenAIHeaders(h)
	assert.Equal(t, 3*time.Second, info.RetryAfter)
	assert.Equal(t, int64(1767223445), info.ResetTime)
	assert.Equal(t, 10, info.RequestsRemaining)
	assert.Equal(t, 5000, info.TokensRemaining)
}

func TestParseGeminiHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, ParseGeminiHeaders(h).RetryAfter)
	assert.Zero(t, ParseGeminiHeaders(http.Header{}).RetryAfter)
}
