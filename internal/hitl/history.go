package hitl

import (
	"context"
	"embed"
	"math"
	"time"

	_ "github.com/lib/pq"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// HistoryStore persists per-task pass/fail outcomes and derives a
// decayed historical failure rate, the last term of the spec §4.5 risk
// score. Grounded on internal/memory/postgres.go's connect-then-goose-
// migrate shape, built on jmoiron/sqlx + lib/pq instead of pgx so the
// rest of the pack's SQL stack (sqlx is the dominant non-ORM choice
// across the retrieved examples) gets a concrete home too.
type HistoryStore struct {
	db *sqlx.DB
}

func NewHistoryStore(dsn string) (*HistoryStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, taskflowerrors.NewBackendUnavailableError(err, "hitl_history")
	}
	if err := migrateHistory(db); err != nil {
		db.Close()
		return nil, err
	}
	return &HistoryStore{db: db}, nil
}

func migrateHistory(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeDatabase, "set goose dialect")
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeDatabase, "apply hitl migrations")
	}
	return nil
}

func (s *HistoryStore) Close() error { return s.db.Close() }

// RecordOutcome appends one pass/fail data point for taskID.
func (s *HistoryStore) RecordOutcome(ctx context.Context, taskID string, succeeded bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hitl_task_outcomes (task_id, succeeded, recorded_at) VALUES ($1, $2, $3)`,
		taskID, succeeded, time.Now())
	if err != nil {
		return taskflowerrors.NewBackendUnavailableError(err, "hitl_history")
	}
	return nil
}

type outcomeRow struct {
	Succeeded  bool      `db:"succeeded"`
	RecordedAt time.Time `db:"recorded_at"`
}

// FailureRate returns taskID's lifetime failure rate, each outcome
// weighted by exponential decay with the given half-life (spec §9 Open
// Question default: lifetime history, 30-day decay). An id with no
// recorded outcomes is treated as a neutral 0.
func (s *HistoryStore) FailureRate(ctx context.Context, taskID string, halfLife time.Duration) (float64, error) {
	var rows []outcomeRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT succeeded, recorded_at FROM hitl_task_outcomes WHERE task_id = $1`, taskID)
	if err != nil {
		return 0, taskflowerrors.NewBackendUnavailableError(err, "hitl_history")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if halfLife <= 0 {
		halfLife = 30 * 24 * time.Hour
	}

	now := time.Now()
	var weightSum, failureWeightSum float64
	for _, r := range rows {
		age := now.Sub(r.RecordedAt)
		weight := math.Pow(0.5, age.Hours()/halfLife.Hours())
		weightSum += weight
		if !r.Succeeded {
			failureWeightSum += weight
		}
	}
	if weightSum == 0 {
		return 0, nil
	}
	return failureWeightSum / weightSum, nil
}
