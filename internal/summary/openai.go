package summary

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/skypro1111/chunk-recorder/internal/apierr"
)

const op = "summarize"

// DefaultModel is used when no model is configured
const DefaultModel = "gpt-4o-mini"

// OpenAIConfig configures the chat completion summarizer
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// OpenAI summarizes transcripts with a streaming chat completion
type OpenAI struct {
	config OpenAIConfig
	client *openai.Client
}

// NewOpenAI creates a streaming summarizer
func NewOpenAI(config OpenAIConfig) *OpenAI {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}

	cc := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cc.BaseURL = config.BaseURL
	}
	cc.HTTPClient = &http.Client{Timeout: config.Timeout}

	return &OpenAI{config: config, client: openai.NewClientWithConfig(cc)}
}

// Summarize streams a summary for transcript. Service failures are returned
// as *apierr.Error; unparseable output wraps ErrMalformed or ErrEmpty.
func (o *OpenAI) Summarize(ctx context.Context, transcript string, onDraft func(string)) (*Result, error) {
	if o.config.APIKey == "" {
		return nil, apierr.Fatal(op, errors.New("Missing OpenAI API key"))
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       o.config.Model,
		Temperature: o.config.Temperature,
		Stream:      true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(transcript)},
		},
	})
	if err != nil {
		return nil, apierr.FromOpenAI(op, err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apierr.FromOpenAI(op, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			sb.WriteString(delta)
			if onDraft != nil {
				onDraft(sb.String())
			}
		}
	}

	return Parse(sb.String())
}
