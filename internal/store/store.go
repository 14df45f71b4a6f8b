package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// TxHook runs inside the transaction of a store write
type TxHook func(tx *gorm.DB) error

// Store handles chunk and summary persistence
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	broker *broker
}

// Open opens (or creates) the SQLite database at path and migrates the schema
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, broker: newBroker()}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}

	return s, nil
}

// migrate creates or updates the required database tables
func (s *Store) migrate() error {
	return s.db.AutoMigrate(&Chunk{}, &Summary{}, &Session{})
}

// DB exposes the underlying handle so other components can share the database
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertChunk inserts the chunk or, unless it is already DONE, replaces its
// path and status and clears its error. Hooks run in the same transaction.
func (s *Store) UpsertChunk(ctx context.Context, c Chunk, hooks ...TxHook) error {
	if c.Key == "" {
		c.Key = ChunkKey(c.SessionID, c.Index)
	}
	if c.Status == "" {
		c.Status = ChunkQueued
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "chunk_key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"file_path":  c.FilePath,
				"status":     c.Status,
				"error":      nil,
				"updated_at": time.Now(),
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Neq{Column: clause.Column{Table: "chunks", Name: "status"}, Value: ChunkDone},
			}},
		}).Create(&c).Error
		if err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", c.Key, err)
		}

		for _, hook := range hooks {
			if err := hook(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.broker.publish(chunkTopic(c.SessionID))
	return nil
}

// UpdateChunkStatus sets the status and clears the error of a chunk that is not DONE
func (s *Store) UpdateChunkStatus(ctx context.Context, key string, status ChunkStatus) error {
	return s.updateChunk(ctx, key, map[string]any{
		"status": status,
		"error":  nil,
	})
}

// SetTranscriptDone marks a chunk DONE with its transcript
func (s *Store) SetTranscriptDone(ctx context.Context, key, text string) error {
	return s.updateChunk(ctx, key, map[string]any{
		"status":          ChunkDone,
		"transcript_text": text,
		"error":           nil,
	})
}

// SetChunkError marks a chunk failed with a message
func (s *Store) SetChunkError(ctx context.Context, key, message string) error {
	return s.updateChunk(ctx, key, map[string]any{
		"status": ChunkError,
		"error":  message,
	})
}

func (s *Store) updateChunk(ctx context.Context, key string, fields map[string]any) error {
	fields["updated_at"] = time.Now()

	err := s.db.WithContext(ctx).
		Model(&Chunk{}).
		Where("chunk_key = ? AND status <> ?", key, ChunkDone).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("failed to update chunk %s: %w", key, err)
	}

	if sessionID, _, err := ParseChunkKey(key); err == nil {
		s.broker.publish(chunkTopic(sessionID))
	}
	return nil
}

// GetChunk returns one chunk record
func (s *Store) GetChunk(ctx context.Context, key string) (*Chunk, error) {
	var c Chunk
	err := s.db.WithContext(ctx).Where("chunk_key = ?", key).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("chunk %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s: %w", key, err)
	}
	return &c, nil
}

// ChunksForSession returns the chunks of a session ordered by index
func (s *Store) ChunksForSession(ctx context.Context, sessionID string) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", sessionID, err)
	}
	return chunks, nil
}

// NotDoneCount returns how many chunks of a session are not DONE
func (s *Store) NotDoneCount(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Chunk{}).
		Where("session_id = ? AND status <> ?", sessionID, ChunkDone).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count pending chunks of %s: %w", sessionID, err)
	}
	return n, nil
}

// ChunkCount returns how many chunks a session has
func (s *Store) ChunkCount(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Chunk{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks of %s: %w", sessionID, err)
	}
	return n, nil
}

// PendingOrFailed returns every chunk that is not DONE, across sessions
func (s *Store) PendingOrFailed(ctx context.Context) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.WithContext(ctx).
		Where("status <> ?", ChunkDone).
		Order("session_id ASC, chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished chunks: %w", err)
	}
	return chunks, nil
}

// ListSessions returns per-session chunk progress, newest session first
func (s *Store) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var infos []SessionInfo
	err := s.db.WithContext(ctx).
		Model(&Chunk{}).
		Select("session_id, COUNT(*) AS chunks, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS done, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed", ChunkDone, ChunkError).
		Group("session_id").
		Order("session_id DESC").
		Scan(&infos).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return infos, nil
}
