package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DefaultCapacity bounds how many records the in-memory store keeps.
const DefaultCapacity = 1000

// scanWindow bounds how many recent rows a SQL lookup ranks.
const scanWindow = 500

// MemoryStore keeps the most recent records in process.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
}

// NewMemoryStore creates a store keeping at most capacity records.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{capacity: capacity}
}

// Save appends rec, evicting the oldest record when full.
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	fill(&rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = append([]Record(nil), s.records[over:]...)
	}
	return nil
}

// Relevant ranks the caller's records against text.
func (s *MemoryStore) Relevant(_ context.Context, text, callerID string, limit int) ([]Record, error) {
	s.mu.RLock()
	candidates := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if callerID == "" || rec.CallerID == callerID {
			candidates = append(candidates, rec)
		}
	}
	s.mu.RUnlock()
	return rank(candidates, text, limit), nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func fill(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
}

const memorySchema = `
CREATE TABLE IF NOT EXISTS failure_memory (
	id         TEXT PRIMARY KEY,
	caller_id  TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failure_memory_caller ON failure_memory(caller_id, created_at DESC);
`

// SQLStore persists records in SQLite.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (or creates) the database at path.
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
	db.SetMaxOpenConns(1)
	return NewSQLStore(ctx, db)
}

// NewSQLStore uses an existing handle, which may be shared with the audit store.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, memorySchema); err != nil {
		return nil, fmt.Errorf("create failure memory schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Save inserts rec.
func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	fill(&rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO failure_memory (id, caller_id, tool_name, created_at, data) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.CallerID, rec.ToolName, rec.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("insert failure record: %w", err)
	}
	return nil
}

// Relevant ranks the caller's most recent records against text.
func (s *SQLStore) Relevant(ctx context.Context, text, callerID string, limit int) ([]Record, error) {
	query := `SELECT data FROM failure_memory WHERE caller_id = ? ORDER BY created_at DESC LIMIT ?`
	args := []any{callerID, scanWindow}
	if callerID == "" {
		query = `SELECT data FROM failure_memory ORDER BY created_at DESC LIMIT ?`
		args = []any{scanWindow}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failure memory: %w", err)
	}
	defer rows.Close()

	var candidates []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan failure record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		candidates = append(candidates, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failure memory: %w", err)
	}
	return rank(candidates, text, limit), nil
}
