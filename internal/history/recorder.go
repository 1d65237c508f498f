// Package history persists finished calls reported by the call controller.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"
	"github.com/flowpbx/flowphone/internal/phone"
)

const writeTimeout = 5 * time.Second

// Recorder writes a call record for every call_ended event.
type Recorder struct {
	repo   database.CallHistoryRepository
	logger *slog.Logger
}

// NewRecorder creates a Recorder backed by repo.
func NewRecorder(repo database.CallHistoryRepository, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger.With("subsystem", "history"),
	}
}

// Run consumes events until the channel is closed or ctx is cancelled.
func (r *Recorder) Run(ctx context.Context, events <-chan phone.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != phone.EventCallEnded || ev.Call == nil {
				continue
			}
			if err := r.Record(ctx, *ev.Call); err != nil {
				r.logger.Error("failed to record call",
					"handle", ev.Call.Handle,
					"call_id", ev.Call.CallID,
					"error", err,
				)
			}
		}
	}
}

// Record stores one finished call.
func (r *Recorder) Record(ctx context.Context, sum phone.CallSummary) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := r.repo.Create(ctx, FromSummary(sum)); err != nil {
		return err
	}
	r.logger.Debug("call recorded",
		"handle", sum.Handle,
		"disposition", sum.Disposition,
		"duration_seconds", sum.DurationSeconds,
	)
	return nil
}

// FromSummary converts a controller call summary to a stored record.
func FromSummary(sum phone.CallSummary) *models.CallRecord {
	rec := &models.CallRecord{
		ID:              sum.Handle,
		CallID:          sum.CallID,
		Direction:       string(sum.Direction),
		Peer:            sum.Peer,
		StartedAt:       sum.StartedAt,
		EndedAt:         sum.EndedAt,
		DurationSeconds: sum.DurationSeconds,
		Disposition:     string(sum.Disposition),
		Missed:          sum.Missed,
	}
	if sum.AnsweredAt != nil {
		t := *sum.AnsweredAt
		rec.AnsweredAt = &t
	}
	return rec
}
