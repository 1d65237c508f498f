// Package pgstore keeps the call history in PostgreSQL for installations
// that share one history database between several phones.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements database.CallHistoryRepository using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ database.CallHistoryRepository = (*Store)(nil)

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := database.Migrate(db, migrationsFS, database.Postgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened", "subsystem", "database")
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const columns = `id, call_id, direction, peer, started_at, answered_at,
	 ended_at, duration_seconds, disposition, missed`

// Create inserts a call record. Inserting the same id twice is a no-op.
func (s *Store) Create(ctx context.Context, rec *models.CallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_history (`+columns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.CallID, rec.Direction, rec.Peer,
		rec.StartedAt, rec.AnsweredAt, rec.EndedAt,
		rec.DurationSeconds, rec.Disposition, rec.Missed,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// GetByID returns a call record, or nil if there is none.
func (s *Store) GetByID(ctx context.Context, id string) (*models.CallRecord, error) {
	var rec models.CallRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM call_history WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.CallID, &rec.Direction, &rec.Peer, &rec.StartedAt,
		&rec.AnsweredAt, &rec.EndedAt, &rec.DurationSeconds, &rec.Disposition, &rec.Missed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call record: %w", err)
	}
	return &rec, nil
}

// List returns the newest records matching the filter, along with the total
// count.
func (s *Store) List(ctx context.Context, filter database.CallHistoryFilter) ([]models.CallRecord, int, error) {
	where, args := whereClause(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_history WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	n := len(args)
	query := `SELECT ` + columns + ` FROM call_history WHERE ` + where +
		` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var records []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := rows.Scan(&rec.ID, &rec.CallID, &rec.Direction, &rec.Peer, &rec.StartedAt,
			&rec.AnsweredAt, &rec.EndedAt, &rec.DurationSeconds, &rec.Disposition, &rec.Missed); err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}

	return records, total, nil
}

// CountByOutcome groups the stored calls by direction and disposition.
func (s *Store) CountByOutcome(ctx context.Context) ([]database.OutcomeCount, error) {
	rows, err := s.db.QueryContext(ctx, database.CountByOutcomeQuery())
	if err != nil {
		return nil, fmt.Errorf("counting call outcomes: %w", err)
	}
	defer rows.Close()
	return database.ScanOutcomeCounts(rows)
}

// DeleteEndedBefore removes calls that ended before t.
func (s *Store) DeleteEndedBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_history WHERE ended_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("deleting expired call records: %w", err)
	}
	return res.RowsAffected()
}

// whereClause builds the filter condition with numbered placeholders.
func whereClause(filter database.CallHistoryFilter) (string, []any) {
	where := "TRUE"
	var args []any
	if filter.MissedOnly {
		where += " AND missed"
	}
	if filter.Direction != "" {
		args = append(args, filter.Direction)
		where += " AND direction = $" + strconv.Itoa(len(args))
	}
	return where, args
}
