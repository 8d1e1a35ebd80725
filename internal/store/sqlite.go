package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rahul/missionctl/internal/plan"
)

// Fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps plans in a single SQLite file.
type SQLiteStore struct {
	DB *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	// Create tables if not exist
	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			original_goal TEXT NOT NULL,
			status TEXT NOT NULL,
			steps_json TEXT NOT NULL,
			metadata_json TEXT,
			error TEXT,
			version INTEGER NOT NULL,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);`,
		`CREATE TABLE IF NOT EXISTS plan_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			plan_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			step_id TEXT,
			message TEXT,
			attempt INTEGER,
			data_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plan_logs_plan ON plan_logs(plan_id, id);`,
		`CREATE TABLE IF NOT EXISTS plan_leases (
			plan_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

func (s *SQLiteStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	if p.Version == 0 {
		_, err := s.DB.ExecContext(ctx, `INSERT INTO plans(id, original_goal, status, steps_json, metadata_json, error, version, cancel_requested, created_at, updated_at)
VALUES (?,?,?,?,?,?,1,?,?,?)`,
			p.ID, p.OriginalGoal, string(p.Status), string(steps), string(meta), p.Error,
			boolInt(p.CancelRequested), p.CreatedAt.UTC().Format(timeLayout), now.Format(timeLayout))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("plan %s already exists: %w", p.ID, ErrConflict)
			}
			return err
		}
		p.Version = 1
		p.UpdatedAt = now
		return nil
	}

	// cancel_requested is owned by RequestCancel and never cleared here.
	res, err := s.DB.ExecContext(ctx, `UPDATE plans SET original_goal=?, status=?, steps_json=?, metadata_json=?, error=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		p.OriginalGoal, string(p.Status), string(steps), string(meta), p.Error, now.Format(timeLayout), p.ID, p.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM plans WHERE id=?`, p.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("plan %s at version %d: %w", p.ID, p.Version, ErrConflict)
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

const planColumns = `id, original_goal, status, steps_json, metadata_json, error, version, cancel_requested, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*plan.Plan, error) {
	var (
		p                    plan.Plan
		status, steps        string
		meta, errText        sql.NullString
		cancel               int
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.OriginalGoal, &status, &steps, &meta, &errText, &p.Version, &cancel, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = plan.Status(status)
	p.Error = errText.String
	p.CancelRequested = cancel != 0
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("plan %s: decode steps: %w", p.ID, err)
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &p.Metadata); err != nil {
			return nil, fmt.Errorf("plan %s: decode metadata: %w", p.ID, err)
		}
	}
	p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &p, nil
}

func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	p, err := scanPlan(s.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPlans returns plans newest first, optionally filtered by status.
func (s *SQLiteStore) ListPlans(ctx context.Context, statuses ...plan.Status) ([]*plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry plan.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	var data any
	if len(entry.Data) > 0 {
		b, err := json.Marshal(entry.Data)
		if err != nil {
			return err
		}
		data = string(b)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO plan_logs(plan_id, ts, type, step_id, message, attempt, data_json) VALUES (?,?,?,?,?,?,?)`,
		entry.PlanID, entry.Timestamp.UTC().Format(timeLayout), string(entry.Type), entry.StepID, entry.Message, entry.Attempt, data)
	return err
}

// GetLogs returns a plan's log in insertion order.
func (s *SQLiteStore) GetLogs(ctx context.Context, planID string) ([]plan.LogEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT plan_id, ts, type, step_id, message, attempt, data_json FROM plan_logs WHERE plan_id=? ORDER BY id ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []plan.LogEntry
	for rows.Next() {
		var (
			e                     plan.LogEntry
			ts, typ               string
			stepID, message, data sql.NullString
			attempt               sql.NullInt64
		)
		if err := rows.Scan(&e.PlanID, &ts, &typ, &stepID, &message, &attempt, &data); err != nil {
			return nil, err
		}
		e.Type = plan.LogType(typ)
		e.StepID = stepID.String
		e.Message = message.String
		e.Attempt = int(attempt.Int64)
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, planID string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE plans SET cancel_requested=1 WHERE id=?`, planID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CancelRequested(ctx context.Context, planID string) (bool, error) {
	var cancel int
	err := s.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM plans WHERE id=?`, planID).Scan(&cancel)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return cancel != 0, err
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, planID, owner string, ttl time.Duration) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var holder, expiresAt string
	err = tx.QueryRowContext(ctx, `SELECT owner_id, expires_at FROM plan_leases WHERE plan_id=?`, planID).Scan(&holder, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		exp, perr := time.Parse(timeLayout, expiresAt)
		if holder != owner && perr == nil && exp.After(now) {
			return fmt.Errorf("plan %s: %w (%s)", planID, ErrLeaseHeld, holder)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO plan_leases(plan_id, owner_id, acquired_at, expires_at) VALUES (?,?,?,?)
ON CONFLICT(plan_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		planID, owner, now.Format(timeLayout), now.Add(ttl).Format(timeLayout))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, planID, owner string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM plan_leases WHERE plan_id=? AND owner_id=?`, planID, owner)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) && coded.Code() == 1555 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
