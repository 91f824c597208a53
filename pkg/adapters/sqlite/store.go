// Package sqlite provides a SQLite-backed durable session backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/termstore/internal/storage/sqlitemigrate"
	"github.com/aretw0/termstore/pkg/adapters/sqlite/migrations"
	"github.com/aretw0/termstore/pkg/domain"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store implements ports.DurableBackend on a SQLite file.
type Store struct {
	sqlDB *sql.DB
}

// Timestamps are stored as nanoseconds so ordering columns keep full precision.
func toNanos(value time.Time) int64 {
	return value.UTC().UnixNano()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Name() string {
	return "sqlite"
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertSession = `INSERT INTO sessions (
    id, project_id, user_id, status, is_focused, tab_name, created_at, updated_at, data
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    project_id = excluded.project_id,
    user_id = excluded.user_id,
    status = excluded.status,
    is_focused = excluded.is_focused,
    tab_name = excluded.tab_name,
    created_at = excluded.created_at,
    updated_at = excluded.updated_at,
    data = excluded.data`

func putRow(ctx context.Context, db execer, sess *domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	_, err = db.ExecContext(ctx, upsertSession,
		sess.ID,
		sess.ProjectID,
		sess.UserID,
		string(sess.Status),
		sess.IsFocused,
		sess.TabName,
		toNanos(sess.CreatedAt),
		toNanos(sess.UpdatedAt),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("put session %s: %w", sess.ID, err)
	}
	return nil
}

func deleteRow(ctx context.Context, db execer, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM suspensions WHERE session_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete suspensions of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Put inserts or replaces a row.
func (s *Store) Put(ctx context.Context, sess *domain.Session) error {
	return putRow(ctx, s.sqlDB, sess)
}

// Get loads a row.
func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	var data string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("get", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return decode(data)
}

// Delete removes the row and its suspension archive in one transaction.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		deleted, err = deleteRow(ctx, tx, id)
		return err
	})
	return deleted, err
}

func (s *Store) ListByProject(ctx context.Context, projectID string) ([]*domain.Session, error) {
	return s.query(ctx, `SELECT data FROM sessions WHERE project_id = ? ORDER BY created_at, id`, projectID)
}

// ListAll returns rows in creation order. A negative LIMIT means no limit in SQLite.
func (s *Store) ListAll(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `SELECT data FROM sessions ORDER BY created_at, id LIMIT ?`, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*domain.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []*domain.Session{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// FocusedIDs queries rows by project and focus flag.
func (s *Store) FocusedIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id FROM sessions WHERE project_id = ? AND is_focused = 1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query focused sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan focused session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// Batch applies deletes, then puts, in one transaction.
func (s *Store) Batch(ctx context.Context, puts []*domain.Session, deletes []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range deletes {
			if _, err := deleteRow(ctx, tx, id); err != nil {
				return err
			}
		}
		for _, sess := range puts {
			if err := putRow(ctx, tx, sess); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) NextTab(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx, `INSERT INTO tab_counters (project_id, value) VALUES (?, 1)
ON CONFLICT(project_id) DO UPDATE SET value = value + 1
RETURNING value`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment tab counter: %w", err)
	}
	return n, nil
}

func (s *Store) EnsureTab(ctx context.Context, projectID string, n int) error {
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO tab_counters (project_id, value) VALUES (?, ?)
ON CONFLICT(project_id) DO UPDATE SET value = MAX(value, excluded.value)`, projectID, n)
	if err != nil {
		return fmt.Errorf("raise tab counter: %w", err)
	}
	return nil
}

func (s *Store) AppendSuspension(ctx context.Context, rec domain.SuspensionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal suspension record: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO suspensions (id, session_id, suspended_at, data) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.SessionID, toNanos(rec.State.SuspendedAt), string(data))
	if err != nil {
		if isConstraint(err) {
			return &domain.StorageError{Kind: domain.ErrValidation, Op: "archive suspension", SessionID: rec.SessionID, Detail: "duplicate record id " + rec.ID}
		}
		return fmt.Errorf("archive suspension: %w", err)
	}
	return nil
}

func (s *Store) LatestSuspension(ctx context.Context, sessionID string) (*domain.SuspensionRecord, error) {
	var data string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT data FROM suspensions WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read suspension: %w", err)
	}
	var rec domain.SuspensionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal suspension record: %w", err)
	}
	return &rec, nil
}

func (s *Store) RemoveSuspension(ctx context.Context, sessionID, recordID string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM suspensions WHERE session_id = ? AND id = ?`, sessionID, recordID)
	if err != nil {
		return fmt.Errorf("remove suspension: %w", err)
	}
	return nil
}

func (s *Store) SuspensionHistory(ctx context.Context, sessionID string) ([]domain.SuspensionRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT data FROM suspensions WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query suspensions: %w", err)
	}
	defer rows.Close()

	out := []domain.SuspensionRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan suspension: %w", err)
		}
		var rec domain.SuspensionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal suspension record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func decode(data string) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func isConstraint(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
