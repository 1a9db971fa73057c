package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs(user_id, created_at DESC);
`

// SQLStore persists logs in SQLite. The version column guards updates.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLStore opens (or creates) the database at path. Use ":memory:" for
// a private in-memory database.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return NewSQLStore(ctx, db)
}

// NewSQLStore uses an existing handle and ensures the schema exists.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Create inserts a new log at version 1.
func (s *SQLStore) Create(ctx context.Context, intent, userID string) (*AuditLog, error) {
	l := newLog(uuid.New().String(), intent, userID, s.now())
	l.Version = 1

	data, err := encode(l)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, user_id, created_at, updated_at, version, data) VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.CreatedAt.UnixNano(), l.UpdatedAt.UnixNano(), l.Version, string(data))
	if err != nil {
		return nil, fmt.Errorf("insert audit log: %w", err)
	}
	return l, nil
}

// Get loads a log.
func (s *SQLStore) Get(ctx context.Context, id string) (*AuditLog, error) {
	var (
		data    string
		version uint64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM audit_logs WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit log: %w", err)
	}
	l, err := decode([]byte(data))
	if err != nil {
		return nil, err
	}
	l.Version = version
	return l, nil
}

// Update writes log when the stored version equals log.Version.
func (s *SQLStore) Update(ctx context.Context, l *AuditLog) error {
	prevVersion, prevUpdated := l.Version, l.UpdatedAt
	l.Version++
	l.UpdatedAt = s.now()

	data, err := encode(l)
	if err != nil {
		l.Version, l.UpdatedAt = prevVersion, prevUpdated
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE audit_logs SET data = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		string(data), l.Version, l.UpdatedAt.UnixNano(), l.ID, prevVersion)
	if err != nil {
		l.Version, l.UpdatedAt = prevVersion, prevUpdated
		return fmt.Errorf("update audit log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		l.Version, l.UpdatedAt = prevVersion, prevUpdated
		return fmt.Errorf("update audit log: %w", err)
	}
	if n == 1 {
		return nil
	}

	l.Version, l.UpdatedAt = prevVersion, prevUpdated
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM audit_logs WHERE id = ?`, l.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: version %d is stale", ErrVersionConflict, prevVersion)
}

// ListByUser returns the newest logs of userID first.
func (s *SQLStore) ListByUser(ctx context.Context, userID string, limit int) ([]*AuditLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, version FROM audit_logs WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var out []*AuditLog
	for rows.Next() {
		var (
			data    string
			version uint64
		)
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		l, err := decode([]byte(data))
		if err != nil {
			return nil, err
		}
		l.Version = version
		out = append(out, l)
	}
	return out, rows.Err()
}
