package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. Foreign keys are enforced
// and transactions take the write lock up front, so read-modify-write updates
// are serialized across connections.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := "file:" + dbPath + "?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		source_uri TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		uploaded_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id, uploaded_at);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		sequence_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		offset_start INTEGER NOT NULL,
		offset_end INTEGER NOT NULL,
		vector BLOB,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, sequence_index);

	CREATE TABLE IF NOT EXISTS providers (
		name TEXT PRIMARY KEY,
		credentials TEXT NOT NULL DEFAULT '{}',
		is_active INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_providers_single_active ON providers(is_active) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS provider_models (
		provider TEXT NOT NULL,
		model_name TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (provider, model_name),
		FOREIGN KEY (provider) REFERENCES providers(name) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_provider_models_single_default ON provider_models(provider) WHERE is_default = 1;

	CREATE TABLE IF NOT EXISTS plans (
		tier TEXT PRIMARY KEY,
		daily_limit INTEGER NOT NULL,
		monthly_limit INTEGER NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS quota_accounts (
		user_id TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		daily_used INTEGER NOT NULL DEFAULT 0,
		monthly_used INTEGER NOT NULL DEFAULT 0,
		daily_anchor TIMESTAMP,
		monthly_anchor TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cases_owner ON cases(owner_id, created_at);

	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (case_id) REFERENCES cases(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_threads_case ON threads(case_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		thread_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);

	CREATE TABLE IF NOT EXISTS citations (
		message_id TEXT NOT NULL,
		marker INTEGER NOT NULL,
		chunk_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		document_title TEXT NOT NULL DEFAULT '',
		source_uri TEXT NOT NULL DEFAULT '',
		snippet TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (message_id, marker),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);
	`
	_, err := db.Exec(schema)
	return err
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
