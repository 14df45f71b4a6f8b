package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	recordingsDir   = "recordings"
	sessionIDLayout = "20060102_150405"
	chunkPattern    = "chunk_%03d.wav"
)

var chunkIndexRe = regexp.MustCompile(`chunk_(\d+)`)

// FileManager owns the on-disk layout <root>/recordings/<sessionId>/chunk_NNN.wav
type FileManager struct {
	root string
	now  func() time.Time
}

// NewFileManager creates a file manager rooted at root
func NewFileManager(root string) *FileManager {
	return &FileManager{root: root, now: time.Now}
}

// Root returns the directory that holds all session directories
func (m *FileManager) Root() string {
	return filepath.Join(m.root, recordingsDir)
}

// NewSessionID returns a fresh id of the form YYYYMMDD_HHMMSS_xxxxxxxx
func (m *FileManager) NewSessionID() string {
	return fmt.Sprintf("%s_%s", m.now().Format(sessionIDLayout), uuid.NewString()[:8])
}

// SessionDir returns the directory of a session, creating it when missing
func (m *FileManager) SessionDir(sessionID string) (string, error) {
	dir := filepath.Join(m.Root(), sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session directory %s: %w", dir, err)
	}
	return dir, nil
}

// ChunkPath returns the file path of chunk index within a session
func (m *FileManager) ChunkPath(sessionID string, index int) (string, error) {
	dir, err := m.SessionDir(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf(chunkPattern, index)), nil
}

// ListSessions returns all session ids found on disk, oldest first
func (m *FileManager) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(m.Root())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []string
	for _, e := range entries {
		if e.IsDir() {
			sessions = append(sessions, e.Name())
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

// ListChunks returns the chunk files of a session ordered by index
func (m *FileManager) ListChunks(sessionID string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.Root(), sessionID, "chunk_*.wav"))
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", sessionID, err)
	}

	sort.Slice(matches, func(i, j int) bool {
		a, _ := IndexFromPath(matches[i])
		b, _ := IndexFromPath(matches[j])
		return a < b
	})
	return matches, nil
}

// LatestSession returns the most recent session id, or "" when none exist
func (m *FileManager) LatestSession() (string, error) {
	sessions, err := m.ListSessions()
	if err != nil || len(sessions) == 0 {
		return "", err
	}
	return sessions[len(sessions)-1], nil
}

// SessionIDFromPath derives the session id from a chunk file's parent directory
func SessionIDFromPath(path string) string {
	return filepath.Base(filepath.Dir(path))
}

// IndexFromPath parses the chunk index out of a chunk_NNN file name
func IndexFromPath(path string) (int, bool) {
	m := chunkIndexRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}
