package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/apdwatch/apdwatch/internal/core"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

const actionColumns = `id, alert_id, action, level, actor, notes, evidence, severity, auto, created_at`

// PostgresTimeline is a TimelineStore on the alert_actions table. A partial
// unique index allows one automatic escalation per alert.
type PostgresTimeline struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgresTimeline wraps an open database.
func NewPostgresTimeline(logger zerolog.Logger, db *sql.DB) *PostgresTimeline {
	return &PostgresTimeline{
		db:     db,
		logger: logger.With().Str("component", "postgres_timeline").Logger(),
	}
}

// OpenPostgresTimeline connects through the pgx driver and applies the
// schema.
func OpenPostgresTimeline(ctx context.Context, logger zerolog.Logger, dsn string) (*PostgresTimeline, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := NewPostgresTimeline(logger, db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the table and indexes if they do not exist.
func (s *PostgresTimeline) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("action repo: nil db")
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (s *PostgresTimeline) Append(ctx context.Context, rec core.ActionRecord) (core.ActionRecord, error) {
	if s == nil || s.db == nil {
		return core.ActionRecord{}, errors.New("action repo: nil db")
	}
	if err := rec.Validate(); err != nil {
		return core.ActionRecord{}, err
	}
	rec = core.StampRecord(rec)

	var id string
	err := s.db.QueryRowContext(ctx, `
INSERT INTO alert_actions (`+actionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT DO NOTHING
RETURNING id`,
		rec.ID,
		rec.AlertID,
		string(rec.Kind),
		rec.Level,
		rec.Actor,
		rec.Notes,
		rec.Evidence,
		rec.Severity,
		rec.Auto,
		rec.CreatedAt,
	).Scan(&id)

	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, sql.ErrNoRows) && rec.IsAutoEscalation():
		s.logger.Debug().Str("alert_id", rec.AlertID).Msg("auto-escalation already recorded")
		return s.autoEscalation(ctx, rec.AlertID)
	case errors.Is(err, sql.ErrNoRows):
		return core.ActionRecord{}, fmt.Errorf("action %s already exists", rec.ID)
	default:
		return core.ActionRecord{}, fmt.Errorf("inserting action: %w", err)
	}
}

func (s *PostgresTimeline) autoEscalation(ctx context.Context, alertID string) (core.ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+actionColumns+`
FROM alert_actions
WHERE alert_id = $1 AND action = 'escalate' AND auto
LIMIT 1`, alertID)
	rec, err := scanAction(row)
	if err != nil {
		return core.ActionRecord{}, fmt.Errorf("reading auto-escalation for %s: %w", alertID, err)
	}
	return rec, nil
}

func (s *PostgresTimeline) ListByAlert(ctx context.Context, alertID string) ([]core.ActionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("action repo: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+actionColumns+`
FROM alert_actions
WHERE alert_id = $1
ORDER BY created_at ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("listing actions for %s: %w", alertID, err)
	}
	return collectActions(rows)
}

func (s *PostgresTimeline) List(ctx context.Context) ([]core.ActionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("action repo: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+actionColumns+`
FROM alert_actions
ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	return collectActions(rows)
}

// Close closes the database.
func (s *PostgresTimeline) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (core.ActionRecord, error) {
	var (
		rec  core.ActionRecord
		kind string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.AlertID,
		&kind,
		&rec.Level,
		&rec.Actor,
		&rec.Notes,
		&rec.Evidence,
		&rec.Severity,
		&rec.Auto,
		&rec.CreatedAt,
	); err != nil {
		return core.ActionRecord{}, err
	}
	rec.Kind = core.ActionKind(kind)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func collectActions(rows *sql.Rows) ([]core.ActionRecord, error) {
	defer rows.Close()
	out := make([]core.ActionRecord, 0)
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
