package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"
	"github.com/flowpbx/flowphone/internal/phone"
)

type memRepo struct {
	mu      sync.Mutex
	records []*models.CallRecord
	err     error
}

func (m *memRepo) Create(_ context.Context, rec *models.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memRepo) GetByID(context.Context, string) (*models.CallRecord, error) {
	return nil, nil
}

func (m *memRepo) List(context.Context, database.CallHistoryFilter) ([]models.CallRecord, int, error) {
	return nil, 0, nil
}

func (m *memRepo) CountByOutcome(context.Context) ([]database.OutcomeCount, error) {
	return nil, nil
}

func (m *memRepo) DeleteEndedBefore(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	kept := m.records[:0]
	var n int64
	for _, rec := range m.records {
		if rec.EndedAt.Before(t) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return n, nil
}

func (m *memRepo) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFromSummary(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	answered := start.Add(4 * time.Second)
	sum := phone.CallSummary{
		Handle:          "h-1",
		CallID:          "abc@pbx",
		Direction:       phone.Inbound,
		Peer:            "2002",
		StartedAt:       start,
		AnsweredAt:      &answered,
		EndedAt:         start.Add(time.Minute),
		DurationSeconds: 56,
		Disposition:     phone.DispositionAnswered,
	}

	rec := FromSummary(sum)
	if rec.ID != "h-1" {
		t.Errorf("ID = %q, want h-1", rec.ID)
	}
	if rec.Direction != "inbound" {
		t.Errorf("Direction = %q, want inbound", rec.Direction)
	}
	if rec.Disposition != "answered" {
		t.Errorf("Disposition = %q, want answered", rec.Disposition)
	}
	if rec.AnsweredAt == nil || !rec.AnsweredAt.Equal(answered) {
		t.Errorf("AnsweredAt = %v, want %v", rec.AnsweredAt, answered)
	}
	if rec.AnsweredAt == sum.AnsweredAt {
		t.Error("AnsweredAt shares the summary's pointer")
	}
	if rec.DurationSeconds != 56 {
		t.Errorf("DurationSeconds = %d, want 56", rec.DurationSeconds)
	}

	missed := FromSummary(phone.CallSummary{Handle: "h-2", Disposition: phone.DispositionMissed, Missed: true})
	if missed.AnsweredAt != nil {
		t.Errorf("AnsweredAt = %v, want nil", missed.AnsweredAt)
	}
	if !missed.Missed {
		t.Error("Missed = false, want true")
	}
}

func TestRunRecordsOnlyEndedCalls(t *testing.T) {
	repo := &memRepo{}
	rec := NewRecorder(repo, testLogger())

	events := make(chan phone.Event, 8)
	sum := &phone.CallSummary{Handle: "h-1", Direction: phone.Inbound, Disposition: phone.DispositionMissed, Missed: true}
	events <- phone.Event{Type: phone.EventState}
	events <- phone.Event{Type: phone.EventMissedCall, Call: sum}
	events <- phone.Event{Type: phone.EventCallEnded, Call: sum}
	events <- phone.Event{Type: phone.EventCallEnded}
	close(events)

	rec.Run(context.Background(), events)

	if got := repo.len(); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
	if repo.records[0].ID != "h-1" {
		t.Errorf("ID = %q, want h-1", repo.records[0].ID)
	}
}

func TestRunContinuesAfterWriteError(t *testing.T) {
	repo := &memRepo{err: errors.New("disk full")}
	rec := NewRecorder(repo, testLogger())

	events := make(chan phone.Event, 2)
	events <- phone.Event{Type: phone.EventCallEnded, Call: &phone.CallSummary{Handle: "h-1"}}
	events <- phone.Event{Type: phone.EventCallEnded, Call: &phone.CallSummary{Handle: "h-2"}}
	close(events)

	rec.Run(context.Background(), events)

	if got := repo.len(); got != 0 {
		t.Errorf("records = %d, want 0", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	rec := NewRecorder(&memRepo{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		rec.Run(ctx, make(chan phone.Event))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
