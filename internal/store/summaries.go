package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StructuredSummary is the parsed output of the summarization service
type StructuredSummary struct {
	Title       string
	Summary     string
	ActionItems []string
	KeyPoints   []string
}

// EnsureSummary creates a PENDING summary row when none exists and reports
// whether it did. Hooks run in the same transaction, only when the row was created.
func (s *Store) EnsureSummary(ctx context.Context, sessionID string, hooks ...TxHook) (bool, error) {
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Summary{SessionID: sessionID, Status: SummaryPending})
		if res.Error != nil {
			return fmt.Errorf("failed to create summary for %s: %w", sessionID, res.Error)
		}

		created = res.RowsAffected == 1
		if !created {
			return nil
		}
		for _, hook := range hooks {
			if err := hook(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if created {
		s.broker.publish(summaryTopic(sessionID))
	}
	return created, nil
}

// ResetSummary puts the summary of a session back to PENDING with all outputs cleared
func (s *Store) ResetSummary(ctx context.Context, sessionID string) error {
	row := Summary{SessionID: sessionID, Status: SummaryPending}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":       SummaryPending,
			"draft":        "",
			"title":        nil,
			"summary":      nil,
			"action_items": nil,
			"key_points":   nil,
			"error":        nil,
			"updated_at":   time.Now(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to reset summary for %s: %w", sessionID, err)
	}

	s.broker.publish(summaryTopic(sessionID))
	return nil
}

// SetSummaryDraft stores streamed partial output and the status it was produced under
func (s *Store) SetSummaryDraft(ctx context.Context, sessionID string, status SummaryStatus, draft string) error {
	return s.updateSummary(ctx, sessionID, map[string]any{
		"status": status,
		"draft":  draft,
		"error":  nil,
	})
}

// SetSummaryError marks the summary failed; the draft is preserved
func (s *Store) SetSummaryError(ctx context.Context, sessionID, message string) error {
	return s.updateSummary(ctx, sessionID, map[string]any{
		"status": SummaryError,
		"error":  message,
	})
}

// SetSummaryStructured stores the final summary and marks it DONE
func (s *Store) SetSummaryStructured(ctx context.Context, sessionID string, out StructuredSummary) error {
	return s.updateSummary(ctx, sessionID, map[string]any{
		"status":       SummaryDone,
		"title":        out.Title,
		"summary":      out.Summary,
		"action_items": joinLines(out.ActionItems),
		"key_points":   joinLines(out.KeyPoints),
		"error":        nil,
	})
}

func (s *Store) updateSummary(ctx context.Context, sessionID string, fields map[string]any) error {
	fields["updated_at"] = time.Now()

	res := s.db.WithContext(ctx).
		Model(&Summary{}).
		Where("session_id = ?", sessionID).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update summary for %s: %w", sessionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("summary for %s: %w", sessionID, ErrNotFound)
	}

	s.broker.publish(summaryTopic(sessionID))
	return nil
}

// GetSummary returns the summary of a session
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*Summary, error) {
	var row Summary
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("summary for %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary for %s: %w", sessionID, err)
	}
	return &row, nil
}

// ListSummaries returns all summaries, newest first
func (s *Store) ListSummaries(ctx context.Context) ([]Summary, error) {
	var rows []Summary
	if err := s.db.WithContext(ctx).Order("session_id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	return rows, nil
}
