package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChunkStatus is the transcription lifecycle of a chunk
type ChunkStatus string

const (
	ChunkQueued       ChunkStatus = "QUEUED"
	ChunkUploading    ChunkStatus = "UPLOADING"
	ChunkTranscribing ChunkStatus = "TRANSCRIBING"
	ChunkDone         ChunkStatus = "DONE"
	ChunkError        ChunkStatus = "ERROR"
)

// SummaryStatus is the lifecycle of a session summary
type SummaryStatus string

const (
	SummaryPending SummaryStatus = "PENDING"
	SummaryRunning SummaryStatus = "RUNNING"
	SummaryDone    SummaryStatus = "DONE"
	SummaryError   SummaryStatus = "ERROR"
)

// Chunk is the persisted transcription record of one chunk file
type Chunk struct {
	Key            string      `json:"key" gorm:"column:chunk_key;primaryKey;size:128"`
	SessionID      string      `json:"session_id" gorm:"column:session_id;not null;size:64;index:idx_chunks_session"`
	Index          int         `json:"index" gorm:"column:chunk_index;not null"`
	FilePath       string      `json:"file_path" gorm:"column:file_path;not null"`
	Status         ChunkStatus `json:"status" gorm:"column:status;not null;size:16;index"`
	TranscriptText *string     `json:"transcript_text,omitempty" gorm:"column:transcript_text"`
	Error          *string     `json:"error,omitempty" gorm:"column:error"`
	CreatedAt      time.Time   `json:"created_at" gorm:"column:created_at"`
	UpdatedAt      time.Time   `json:"updated_at" gorm:"column:updated_at"`
}

// TableName sets the table name for GORM
func (Chunk) TableName() string {
	return "chunks"
}

// Summary is the persisted summary of a session
type Summary struct {
	SessionID   string        `json:"session_id" gorm:"column:session_id;primaryKey;size:64"`
	Status      SummaryStatus `json:"status" gorm:"column:status;not null;size:16"`
	Draft       string        `json:"draft" gorm:"column:draft"`
	Title       *string       `json:"title,omitempty" gorm:"column:title"`
	Summary     *string       `json:"summary,omitempty" gorm:"column:summary"`
	ActionItems *string       `json:"-" gorm:"column:action_items"`
	KeyPoints   *string       `json:"-" gorm:"column:key_points"`
	Error       *string       `json:"error,omitempty" gorm:"column:error"`
	CreatedAt   time.Time     `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time     `json:"updated_at" gorm:"column:updated_at"`
}

// TableName sets the table name for GORM
func (Summary) TableName() string {
	return "summaries"
}

// ActionItemList returns the stored action items
func (s *Summary) ActionItemList() []string {
	return splitLines(s.ActionItems)
}

// KeyPointList returns the stored key points
func (s *Summary) KeyPointList() []string {
	return splitLines(s.KeyPoints)
}

// Session marks a recording session that has ended. Completion of a
// session's summary waits for this row.
type Session struct {
	SessionID string    `json:"session_id" gorm:"column:session_id;primaryKey;size:64"`
	EndedAt   time.Time `json:"ended_at" gorm:"column:ended_at;not null"`
}

// TableName sets the table name for GORM
func (Session) TableName() string {
	return "sessions"
}

// SessionInfo aggregates chunk progress of one session
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Chunks    int64  `json:"chunks"`
	Done      int64  `json:"done"`
	Failed    int64  `json:"failed"`
}

// ChunkKey builds the primary key of a chunk record
func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("%s_%d", sessionID, index)
}

// ParseChunkKey splits a chunk key into session id and index
func ParseChunkKey(key string) (string, int, error) {
	i := strings.LastIndex(key, "_")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed chunk key %q", key)
	}
	idx, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed chunk key %q: %w", key, err)
	}
	return key[:i], idx, nil
}

func joinLines(items []string) *string {
	var kept []string
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			kept = append(kept, s)
		}
	}
	out := strings.Join(kept, "\n")
	return &out
}

func splitLines(s *string) []string {
	if s == nil || *s == "" {
		return nil
	}
	return strings.Split(*s, "\n")
}
