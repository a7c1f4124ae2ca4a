// Package sqlite keeps the automation run journal: one row per handler
// invocation, with its outcome, for audit and the runs endpoint.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trading-radar/internal/logger"
	"trading-radar/internal/model"
)

// Journal implements model.RunJournal on SQLite.
type Journal struct {
	db  *sql.DB
	log *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Open creates (or opens) the journal database with WAL mode and schema.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := logger.Component("journal")
	log.Info("opened run journal", "path", path)
	return &Journal{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS automation_runs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     TEXT    NOT NULL,
			feature     TEXT    NOT NULL,
			started_at  INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			status      TEXT    NOT NULL,
			error       TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_runs_user ON automation_runs(user_id, id);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON automation_runs(started_at);
	`)
	return err
}

// Record appends one run.
func (j *Journal) Record(ctx context.Context, run model.AutomationRun) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO automation_runs (user_id, feature, started_at, duration_ms, status, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.UserID,
		string(run.Feature),
		run.StartedAt.UnixMilli(),
		run.Duration.Milliseconds(),
		string(run.Status),
		nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("sqlite record run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first. An empty userID returns
// every user's runs.
func (j *Journal) Recent(ctx context.Context, userID string, limit int) ([]model.AutomationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT user_id, feature, started_at, duration_ms, status, error
		FROM automation_runs`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite recent runs: %w", err)
	}
	defer rows.Close()

	var runs []model.AutomationRun
	for rows.Next() {
		var (
			r         model.AutomationRun
			feature   string
			startedMs int64
			durMs     int64
			status    string
			errText   sql.NullString
		)
		if err := rows.Scan(&r.UserID, &feature, &startedMs, &durMs, &status, &errText); err != nil {
			j.log.Warn("scan run row failed", "error", err)
			continue
		}
		r.Feature = model.Feature(feature)
		r.StartedAt = time.UnixMilli(startedMs).UTC()
		r.Duration = time.Duration(durMs) * time.Millisecond
		r.Status = model.RunStatus(status)
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Prune deletes runs that started before cutoff and returns how many.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM automation_runs WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune runs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
