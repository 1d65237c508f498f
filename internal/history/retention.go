package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/flowphone/internal/database"
)

// Retention removes call records older than a fixed age.
type Retention struct {
	repo   database.CallHistoryRepository
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewRetention creates a Retention that keeps maxDays of history.
func NewRetention(repo database.CallHistoryRepository, maxDays int, logger *slog.Logger) *Retention {
	return &Retention{
		repo:   repo,
		maxAge: time.Duration(maxDays) * 24 * time.Hour,
		now:    time.Now,
		logger: logger.With("subsystem", "history"),
	}
}

// Cleanup deletes expired records once. A zero max age keeps everything.
func (r *Retention) Cleanup(ctx context.Context) (int64, error) {
	if r.maxAge <= 0 {
		return 0, nil
	}
	n, err := r.repo.DeleteEndedBefore(ctx, r.now().Add(-r.maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("call history retention cleanup", "deleted", n, "max_age", r.maxAge)
	}
	return n, nil
}

// StartCleanupTicker runs Cleanup immediately and then every interval until
// ctx is cancelled.
func (r *Retention) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	if r.maxAge <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if _, err := r.Cleanup(ctx); err != nil {
				r.logger.Error("call history retention cleanup failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
