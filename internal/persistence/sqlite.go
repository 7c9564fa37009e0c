package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore handles all database operations
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// New creates a new database connection and initializes tables
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every new connection to ":memory:" is a fresh empty database.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			nickname TEXT UNIQUE,
			ip_address TEXT,
			last_seen DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE,
			created_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS message_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME,
			sender TEXT,
			recipient TEXT,
			message_type TEXT,
			content TEXT
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// LogMessage stores a message in the database
func (s *SQLiteStore) LogMessage(ctx context.Context, sender, recipient, msgType, content string) error {
	query := `INSERT INTO message_logs (timestamp, sender, recipient, message_type, content)
			 VALUES (?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query, time.Now(), sender, recipient, msgType, content); err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}
	return nil
}

// UpdateUser stores or updates user information
func (s *SQLiteStore) UpdateUser(ctx context.Context, nickname, ipAddr string) error {
	query := `INSERT INTO users (nickname, ip_address, last_seen) VALUES (?, ?, ?)
			 ON CONFLICT(nickname) DO UPDATE SET ip_address = excluded.ip_address, last_seen = excluded.last_seen`

	if _, err := s.db.ExecContext(ctx, query, nickname, ipAddr, time.Now()); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// UpdateChannel records a channel; the first creation time wins.
func (s *SQLiteStore) UpdateChannel(ctx context.Context, name string) error {
	query := `INSERT OR IGNORE INTO channels (name, created_at) VALUES (?, ?)`

	if _, err := s.db.ExecContext(ctx, query, name, time.Now()); err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	return nil
}
