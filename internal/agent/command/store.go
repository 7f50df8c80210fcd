package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/common/logger"
)

const auditBusyTimeout = 5 * time.Second

// "trigger" is quoted everywhere: it is a reserved word in SQLite.
const auditSchema = `
CREATE TABLE IF NOT EXISTS command_runs (
	run_id         TEXT PRIMARY KEY,
	command_name   TEXT NOT NULL,
	"trigger"      TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP,
	duration_ms    INTEGER,
	cost_usd       REAL,
	error          TEXT,
	events_total   INTEGER NOT NULL DEFAULT 0,
	events_dropped INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_command_runs_started_at ON command_runs(started_at DESC);
`

// RunRecord is one audit row for a finished command run.
type RunRecord struct {
	RunID         string     `db:"run_id" json:"run_id"`
	CommandName   string     `db:"command_name" json:"command_name"`
	Trigger       string     `db:"trigger" json:"trigger"`
	Status        string     `db:"status" json:"status"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationMS    *int64     `db:"duration_ms" json:"duration_ms,omitempty"`
	CostUSD       *float64   `db:"cost_usd" json:"cost_usd,omitempty"`
	Error         *string    `db:"error" json:"error,omitempty"`
	EventsTotal   int64      `db:"events_total" json:"events_total"`
	EventsDropped int64      `db:"events_dropped" json:"events_dropped"`
}

// Store is the sqlite-backed audit log of finished command runs. Unlike
// the in-memory manager it survives restarts and retention sweeps.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// OpenStore opens or creates the audit database and ensures the schema.
func OpenStore(path string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit db folder: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path,
		int(auditBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "audit-store")),
	}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(auditSchema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Record inserts the audit row for a finished run. Re-recording the same
// run id replaces the previous row, so a retried transition stays one row.
func (s *Store) Record(ctx context.Context, rec RunRecord) error {
	const q = `
		INSERT OR REPLACE INTO command_runs
			(run_id, command_name, "trigger", status, started_at, completed_at,
			 duration_ms, cost_usd, error, events_total, events_dropped)
		VALUES
			(:run_id, :command_name, :trigger, :status, :started_at, :completed_at,
			 :duration_ms, :cost_usd, :error, :events_total, :events_dropped)`
	if _, err := s.db.NamedExecContext(ctx, q, rec); err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	s.logger.Debug("audit row recorded", zap.String("run_id", rec.RunID))
	return nil
}

// Recent returns the latest runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
		SELECT run_id, command_name, "trigger", status, started_at, completed_at,
		       duration_ms, cost_usd, error, events_total, events_dropped
		FROM command_runs
		ORDER BY started_at DESC
		LIMIT ?`
	var out []RunRecord
	if err := s.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
