package llm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsRateLimitError(t *testing.T) {
	require.False(t, IsRateLimitError(nil))
	require.False(t, IsRateLimitError(errors.New("connection refused")))
	require.True(t, IsRateLimitError(errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED")))
	require.True(t, IsRateLimitError(errors.New("request failed with status 429")))
	require.True(t, IsRateLimitError(errors.New("quota exceeded for requests per minute")))
}

func TestExtractRetryDelay(t *testing.T) {
	require.Equal(t, time.Duration(0), ExtractRetryDelay(nil))
	require.Equal(t, time.Duration(0), ExtractRetryDelay(errors.New("no delay here")))
	require.Equal(t, 30*time.Second, ExtractRetryDelay(errors.New("rate limited. Please retry in 30s")))
	require.Equal(t, 12500*time.Millisecond, ExtractRetryDelay(errors.New("retryDelay: 12.5s")))
}

func TestCalculateBackoff(t *testing.T) {
	config := NewDefaultRetryConfig()

	require.Equal(t, 45*time.Second, config.CalculateBackoff(0, 0))
	require.Equal(t, 67500*time.Millisecond, config.CalculateBackoff(1, 0))

	// Grows toward and is capped by MaxBackoff
	require.Equal(t, config.MaxBackoff, config.CalculateBackoff(5, 0))

	// An API-suggested delay becomes the base, padded by 5s
	require.Equal(t, 35*time.Second, config.CalculateBackoff(0, 30*time.Second))
}
