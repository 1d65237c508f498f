package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowpbx/flowphone/internal/database/models"
)

func TestRetentionCleanup(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		maxDays int
		want    int64
		left    int
	}{
		{"disabled", 0, 0, 3},
		{"thirty days", 30, 1, 2},
		{"one day", 1, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &memRepo{records: []*models.CallRecord{
				{ID: "a", EndedAt: now.Add(-45 * 24 * time.Hour)},
				{ID: "b", EndedAt: now.Add(-10 * 24 * time.Hour)},
				{ID: "c", EndedAt: now.Add(-time.Hour)},
			}}
			r := NewRetention(repo, tt.maxDays, testLogger())
			r.now = func() time.Time { return now }

			got, err := r.Cleanup(context.Background())
			if err != nil {
				t.Fatalf("Cleanup() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Cleanup() = %d, want %d", got, tt.want)
			}
			if repo.len() != tt.left {
				t.Errorf("records left = %d, want %d", repo.len(), tt.left)
			}
		})
	}
}

func TestRetentionCleanupError(t *testing.T) {
	cause := errors.New("disk full")
	r := NewRetention(&memRepo{err: cause}, 7, testLogger())

	if _, err := r.Cleanup(context.Background()); !errors.Is(err, cause) {
		t.Errorf("Cleanup() error = %v, want %v", err, cause)
	}
}
