package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SystemPrompt instructs the model to answer with the structured JSON document
const SystemPrompt = `You are a helpful assistant that produces a structured JSON summary of a meeting transcript.
Respond ONLY as JSON with fields:
{
  "title": string,
  "summary": string,
  "action_items": [string],
  "key_points": [string]
}
Keep it concise and faithful to the transcript.`

var (
	// ErrMalformed is returned when the model output is not the expected JSON
	ErrMalformed = errors.New("malformed summary JSON")
	// ErrEmpty is returned when the model produced no output
	ErrEmpty = errors.New("empty summary response")
)

// Result is a parsed summary
type Result struct {
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	ActionItems []string `json:"action_items"`
	KeyPoints   []string `json:"key_points"`
}

// Summarizer turns a transcript into a structured summary, reporting the
// accumulated output through onDraft as it streams.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string, onDraft func(draft string)) (*Result, error)
}

// UserPrompt builds the user message for a transcript
func UserPrompt(transcript string) string {
	return "Transcript:\n" + transcript
}

// Parse decodes model output into a Result. Markdown code fences around the
// JSON are tolerated.
func Parse(raw string) (*Result, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return nil, ErrEmpty
	}

	var r Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	r.Title = strings.TrimSpace(r.Title)
	r.Summary = strings.TrimSpace(r.Summary)
	r.ActionItems = compact(r.ActionItems)
	r.KeyPoints = compact(r.KeyPoints)
	return &r, nil
}

func compact(items []string) []string {
	out := items[:0]
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
