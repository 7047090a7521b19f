package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("history store is closed")

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the ledger at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Uploads finish a few at a time; a small pool is plenty.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		file_id TEXT,
		original_size INTEGER DEFAULT 0,
		compressed_size INTEGER DEFAULT 0,
		attempts INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
	CREATE INDEX IF NOT EXISTS idx_transfers_batch ON transfers(batch_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// Save appends a record. ID and CreatedAt are filled in.
func (s *SQLiteStore) Save(record *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent workers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	return s.retryOnBusy(func() error {
		res, err := s.db.Exec(`
		INSERT INTO transfers
		(batch_id, device_id, path, name, category, status, message, file_id,
		 original_size, compressed_size, attempts, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.BatchID,
			record.DeviceID,
			record.Path,
			record.Name,
			record.Category,
			string(record.Status),
			record.Message,
			record.FileID,
			record.OriginalSize,
			record.CompressedSize,
			record.Attempts,
			record.Duration.Milliseconds(),
			record.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		record.ID, _ = res.LastInsertId()
		return nil
	})
}

// Recent returns the newest records first
func (s *SQLiteStore) Recent(limit int) ([]*Record, error) {
	return s.query(`ORDER BY id DESC LIMIT ?`, limitOrAll(limit))
}

// ListByStatus returns the newest records with status first
func (s *SQLiteStore) ListByStatus(status Status, limit int) ([]*Record, error) {
	return s.query(`WHERE status = ? ORDER BY id DESC LIMIT ?`, string(status), limitOrAll(limit))
}

// ListBatch returns the records of one batch in completion order
func (s *SQLiteStore) ListBatch(batchID string) ([]*Record, error) {
	return s.query(`WHERE batch_id = ? ORDER BY id ASC`, batchID)
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *SQLiteStore) query(tail string, args ...interface{}) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
	SELECT id, batch_id, device_id, path, name, category, status, message, file_id,
	       original_size, compressed_size, attempts, duration_ms, created_at
	FROM transfers `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record

	for rows.Next() {
		var (
			r          Record
			status     string
			message    sql.NullString
			fileID     sql.NullString
			durationMs int64
			createdAt  int64
		)
		err := rows.Scan(
			&r.ID,
			&r.BatchID,
			&r.DeviceID,
			&r.Path,
			&r.Name,
			&r.Category,
			&status,
			&message,
			&fileID,
			&r.OriginalSize,
			&r.CompressedSize,
			&r.Attempts,
			&durationMs,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}

		r.Status = Status(status)
		r.Message = message.String
		r.FileID = fileID.String
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.CreatedAt = time.UnixMilli(createdAt)

		records = append(records, &r)
	}

	return records, rows.Err()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 5
	baseDelay := 20 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection. Later calls are no-ops.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
