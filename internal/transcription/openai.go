package transcription

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/skypro1111/chunk-recorder/internal/apierr"
)

// OpenAIConfig configures the Whisper client
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string // optional, for compatible gateways
	Model         string
	Language      string
	Timeout       time.Duration
	MaxConcurrent int
}

// OpenAIClient transcribes chunks with the OpenAI audio API
type OpenAIClient struct {
	config  OpenAIConfig
	client  *openai.Client
	limiter *limiter
}

// NewOpenAIClient creates a Whisper transcriber
func NewOpenAIClient(config OpenAIConfig) *OpenAIClient {
	if config.Model == "" {
		config.Model = openai.Whisper1
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	cc := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cc.BaseURL = config.BaseURL
	}
	cc.HTTPClient = &http.Client{Timeout: config.Timeout}

	return &OpenAIClient{
		config:  config,
		client:  openai.NewClientWithConfig(cc),
		limiter: newLimiter(config.MaxConcurrent),
	}
}

// Transcribe uploads the chunk at path and returns its text
func (c *OpenAIClient) Transcribe(ctx context.Context, path string) (string, error) {
	if err := checkChunkFile(path); err != nil {
		return "", err
	}

	return c.limiter.do(ctx, func() (string, error) {
		resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    c.config.Model,
			FilePath: path,
			Language: c.config.Language,
		})
		if err != nil {
			return "", apierr.FromOpenAI(op, err)
		}
		return strings.TrimSpace(resp.Text), nil
	})
}

// GetStats returns client statistics
func (c *OpenAIClient) GetStats() ClientStats {
	return c.limiter.stats()
}
