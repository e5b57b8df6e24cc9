package activity

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charleschow/live-odds/internal/telemetry"

	_ "modernc.org/sqlite"
)

const (
	DefaultMaxRows = 200_000
	evictBatchSize = 500
)

// Entry is one handled viewer control message.
type Entry struct {
	ID       int64
	ClientID string
	Action   string
	MarketID string
	Result   string
	Received time.Time
}

// Store keeps viewer control messages in a FIFO SQLite table capped at
// maxRows. Oldest rows are evicted first.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	wg       sync.WaitGroup
	rows     int64
	maxRows  int64
	readOnly bool
}

func OpenStore(path string, maxRows int) (*Store, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create activity store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS control_messages (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL,
			action    TEXT NOT NULL,
			market_id TEXT NOT NULL,
			result    TEXT NOT NULL,
			received  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cm_market ON control_messages(market_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cm_client ON control_messages(client_id)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init activity schema: %w", err)
		}
	}

	var rows int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM control_messages`).Scan(&rows); err != nil {
		db.Close()
		return nil, fmt.Errorf("count activity rows: %w", err)
	}

	telemetry.Plainf("activity store: opened %s  rows=%d", path, rows)
	return &Store{db: db, rows: rows, maxRows: int64(maxRows)}, nil
}

// OpenReadOnly opens an existing store for inspection.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("activity store: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)&mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &Store{db: db, readOnly: true}, nil
}

// RecordControl stores one entry asynchronously. A nil Store discards it.
func (s *Store) RecordControl(clientID, action, marketID, result string) {
	if s == nil || s.readOnly {
		return
	}
	received := time.Now().UTC().Format(time.RFC3339Nano)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.Exec(
			`INSERT INTO control_messages (client_id, action, market_id, result, received) VALUES (?, ?, ?, ?, ?)`,
			clientID, action, marketID, result, received,
		)
		if err != nil {
			telemetry.Warnf("activity store: insert failed: %v", err)
			return
		}
		s.rows++
		if s.rows > s.maxRows {
			s.evict()
		}
	}()
}

func (s *Store) evict() {
	for s.rows > s.maxRows {
		batch := min(int64(evictBatchSize), s.rows-s.maxRows)
		res, err := s.db.Exec(
			`DELETE FROM control_messages WHERE id IN (SELECT id FROM control_messages ORDER BY id ASC LIMIT ?)`,
			batch,
		)
		if err != nil {
			telemetry.Warnf("activity store: eviction failed: %v", err)
			return
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return
		}
		s.rows -= n
	}
}

// Filter narrows Recent. Empty fields match everything.
type Filter struct {
	MarketID string
	ClientID string
	Action   string
	Limit    int
}

// Recent returns matching entries, newest first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT id, client_id, action, market_id, result, received FROM control_messages WHERE 1=1`
	var args []any
	if f.MarketID != "" {
		q += ` AND market_id = ?`
		args = append(args, f.MarketID)
	}
	if f.ClientID != "" {
		q += ` AND client_id = ?`
		args = append(args, f.ClientID)
	}
	if f.Action != "" {
		q += ` AND action = ?`
		args = append(args, f.Action)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var received string
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Action, &e.MarketID, &e.Result, &received); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Received, _ = time.Parse(time.RFC3339Nano, received)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close waits for pending inserts, then closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.wg.Wait()
	return s.db.Close()
}
