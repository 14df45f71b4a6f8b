package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/apierr"
)

// Config contains HTTP transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	Language      string
	Timeout       time.Duration
	MaxConcurrent int
	OutputFormat  string // "json" or "text"
}

// HTTPClient posts chunk files as multipart/form-data to a transcription endpoint
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	limiter    *limiter
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// NewHTTPClient creates a new transcription HTTP client
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	if config.OutputFormat == "" {
		config.OutputFormat = "json"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPClient{
		config:     config,
		httpClient: httpClient,
		limiter:    newLimiter(config.MaxConcurrent),
	}, nil
}

// Transcribe uploads the chunk at path and returns its text. Failures are
// *apierr.Error values classified as retryable or fatal.
func (c *HTTPClient) Transcribe(ctx context.Context, path string) (string, error) {
	if err := checkChunkFile(path); err != nil {
		return "", err
	}
	return c.limiter.do(ctx, func() (string, error) {
		return c.doRequest(ctx, path)
	})
}

// GetStats returns client statistics
func (c *HTTPClient) GetStats() ClientStats {
	return c.limiter.stats()
}

// doRequest performs a single HTTP request to the transcription API
func (c *HTTPClient) doRequest(ctx context.Context, path string) (string, error) {
	body, contentType, err := c.createMultipartRequest(path)
	if err != nil {
		return "", apierr.Fatal(op, fmt.Errorf("failed to create multipart request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return "", apierr.Fatal(op, fmt.Errorf("failed to create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Chunk-Recorder/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", apierr.Transport(op, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apierr.Transport(op, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apierr.FromStatus(op, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if c.config.OutputFormat == "text" {
		return strings.TrimSpace(string(respBody)), nil
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", apierr.Fatal(op, fmt.Errorf("failed to parse response JSON: %w", err))
	}
	return strings.TrimSpace(parsed.Text), nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *HTTPClient) createMultipartRequest(path string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open chunk file: %w", err)
	}
	defer f.Close()

	fileWriter, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(fileWriter, f); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"response_format": c.config.OutputFormat,
	}
	if c.config.Model != "" {
		fields["model"] = c.config.Model
	}
	if c.config.Language != "" {
		fields["language"] = c.config.Language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}
