package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
)

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{400, false},
		{401, false},
		{404, false},
		{413, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.retryable, RetryableStatus(tt.code))
			assert.Equal(t, tt.retryable, IsRetryable(FromStatus("transcribe", tt.code, "body")))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := FromStatus("transcribe", 400, "bad audio")
	assert.Equal(t, "HTTP 400: bad audio", err.Error())

	wrapped := fmt.Errorf("job failed: %w", err)
	assert.False(t, IsRetryable(wrapped))

	transport := Transport("transcribe", errors.New("connection reset"))
	assert.Equal(t, "connection reset", transport.Error())
	assert.True(t, IsRetryable(transport))

	fatal := Fatal("summarize", errors.New("empty response"))
	assert.False(t, IsRetryable(fatal))
	assert.Equal(t, "empty response", errors.Unwrap(fatal).Error())
}

func TestIsRetryableUnclassified(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(&net.OpError{Op: "dial", Err: errors.New("refused")}))
}

func TestFromOpenAI(t *testing.T) {
	assert.NoError(t, FromOpenAI("transcribe", nil))

	err := FromOpenAI("transcribe", &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"})
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "HTTP 503: overloaded", err.Error())

	err = FromOpenAI("transcribe", &openai.APIError{HTTPStatusCode: 401, Message: "bad key"})
	assert.False(t, IsRetryable(err))

	err = FromOpenAI("transcribe", &openai.RequestError{HTTPStatusCode: 429, Err: errors.New("slow down")})
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "HTTP 429: slow down", err.Error())

	err = FromOpenAI("transcribe", errors.New("dial tcp: no route to host"))
	assert.True(t, IsRetryable(err))

	assert.ErrorIs(t, FromOpenAI("transcribe", context.Canceled), context.Canceled)
}
