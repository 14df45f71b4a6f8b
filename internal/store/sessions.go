package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// MarkSessionEnded records that a session will produce no further chunks.
// Marking an already ended session keeps its original end time.
func (s *Store) MarkSessionEnded(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Session{SessionID: sessionID, EndedAt: time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("failed to mark session %s ended: %w", sessionID, err)
	}

	s.broker.publish(chunkTopic(sessionID))
	return nil
}

// SessionEnded reports whether a session has been marked ended
func (s *Store) SessionEnded(ctx context.Context, sessionID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// UnendedSessions returns the ids of sessions that have chunks but were
// never marked ended, e.g. because the process died while recording
func (s *Store) UnendedSessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&Chunk{}).
		Distinct("session_id").
		Where("session_id NOT IN (?)", s.db.Model(&Session{}).Select("session_id")).
		Order("session_id ASC").
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unended sessions: %w", err)
	}
	return ids, nil
}
