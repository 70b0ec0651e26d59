package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionService prunes PUBLISHED outbox rows past their retention window.
// Command and process history are audit data and are never deleted here.
type RetentionService struct {
	Outbox    *OutboxRepo
	Retention time.Duration
}

// NewRetentionService creates a new retention service.
func NewRetentionService(outbox *OutboxRepo, retention time.Duration) *RetentionService {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RetentionService{Outbox: outbox, Retention: retention}
}

// CleanupOldData removes delivered outbox rows older than the retention window.
func (s *RetentionService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().Add(-s.Retention)
	deleted, err := s.Outbox.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup outbox: %w", err)
	}
	if deleted > 0 {
		slog.Info("outbox retention cleanup completed",
			slog.Int64("deleted_rows", deleted),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// RunPeriodic starts a periodic cleanup loop.
func (s *RetentionService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
