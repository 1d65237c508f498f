package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/flowphone/internal/database/models"
)

// CallHistoryFilter selects a page of call history.
type CallHistoryFilter struct {
	Limit      int
	Offset     int
	MissedOnly bool
	Direction  string // "inbound", "outbound", or "" for all
}

// CallHistoryRepository stores finished calls.
type CallHistoryRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByID(ctx context.Context, id string) (*models.CallRecord, error)
	List(ctx context.Context, filter CallHistoryFilter) ([]models.CallRecord, int, error)
	CountByOutcome(ctx context.Context) ([]OutcomeCount, error)
	// DeleteEndedBefore removes calls that ended before t and returns how
	// many were removed.
	DeleteEndedBefore(ctx context.Context, t time.Time) (int64, error)
}

// OutcomeCount is the number of stored calls with one direction and
// disposition.
type OutcomeCount struct {
	Direction   string
	Disposition string
	Count       int64
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// callHistoryRepo implements CallHistoryRepository on SQLite.
type callHistoryRepo struct {
	db *DB
}

// NewCallHistoryRepository creates a new CallHistoryRepository.
func NewCallHistoryRepository(db *DB) CallHistoryRepository {
	return &callHistoryRepo{db: db}
}

const callHistoryColumns = `id, call_id, direction, peer, started_at, answered_at,
	 ended_at, duration_seconds, disposition, missed`

// Create inserts a call record. Inserting the same id twice is a no-op.
func (r *callHistoryRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	var answeredAt *string
	if rec.AnsweredAt != nil {
		s := formatTime(*rec.AnsweredAt)
		answeredAt = &s
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_history (`+callHistoryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.CallID, rec.Direction, rec.Peer,
		formatTime(rec.StartedAt), answeredAt, formatTime(rec.EndedAt),
		rec.DurationSeconds, rec.Disposition, rec.Missed,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// GetByID returns a call record, or nil if there is none.
func (r *callHistoryRepo) GetByID(ctx context.Context, id string) (*models.CallRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+callHistoryColumns+` FROM call_history WHERE id = ?`, id)
	rec, err := scanCallRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return rec, nil
}

// List returns the newest records matching the filter, along with the total
// count.
func (r *callHistoryRepo) List(ctx context.Context, filter CallHistoryFilter) ([]models.CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.MissedOnly {
		where += " AND missed = 1"
	}
	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_history WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	query := `SELECT ` + callHistoryColumns + ` FROM call_history WHERE ` + where +
		` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var records []models.CallRecord
	for rows.Next() {
		rec, err := scanCallRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}

	return records, total, nil
}

// CountByOutcome groups the stored calls by direction and disposition.
func (r *callHistoryRepo) CountByOutcome(ctx context.Context) ([]OutcomeCount, error) {
	rows, err := r.db.QueryContext(ctx, countByOutcomeQuery)
	if err != nil {
		return nil, fmt.Errorf("counting call outcomes: %w", err)
	}
	defer rows.Close()
	return ScanOutcomeCounts(rows)
}

// DeleteEndedBefore removes calls that ended before t.
func (r *callHistoryRepo) DeleteEndedBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM call_history WHERE ended_at < ?`, formatTime(t))
	if err != nil {
		return 0, fmt.Errorf("deleting expired call records: %w", err)
	}
	return res.RowsAffected()
}

const countByOutcomeQuery = `SELECT direction, disposition, COUNT(*) FROM call_history
	 GROUP BY direction, disposition ORDER BY direction, disposition`

// CountByOutcomeQuery is shared by the stores; it uses no placeholders.
func CountByOutcomeQuery() string { return countByOutcomeQuery }

// ScanOutcomeCounts reads the rows produced by CountByOutcomeQuery.
func ScanOutcomeCounts(rows *sql.Rows) ([]OutcomeCount, error) {
	var counts []OutcomeCount
	for rows.Next() {
		var c OutcomeCount
		if err := rows.Scan(&c.Direction, &c.Disposition, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning outcome count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome counts: %w", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(s scanner) (*models.CallRecord, error) {
	var (
		rec            models.CallRecord
		started, ended string
		answered       sql.NullString
		missed         bool
	)
	if err := s.Scan(&rec.ID, &rec.CallID, &rec.Direction, &rec.Peer,
		&started, &answered, &ended, &rec.DurationSeconds, &rec.Disposition, &missed); err != nil {
		return nil, err
	}

	var err error
	if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if rec.EndedAt, err = time.Parse(timeLayout, ended); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	if answered.Valid {
		t, err := time.Parse(timeLayout, answered.String)
		if err != nil {
			return nil, fmt.Errorf("parsing answered_at: %w", err)
		}
		rec.AnsweredAt = &t
	}
	rec.Missed = missed
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
