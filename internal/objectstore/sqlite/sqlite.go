// Package sqlite persists record store blobs in a SQLite database. It only
// implements objectstore.BlobStore; images are never sourced from it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-sqlite3"

	"github.com/nickcecere/facesync/internal/objectstore"
)

// Store implements objectstore.BlobStore on SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens or creates the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug("Opened SQLite blob store", "path", dbPath)

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Read returns the blob and its revision.
func (s *Store) Read(ctx context.Context, bucket, key string) ([]byte, string, error) {
	var data []byte
	var revision string
	err := s.db.QueryRowContext(ctx,
		"SELECT data, revision FROM blobs WHERE bucket = ? AND key = ?", bucket, key,
	).Scan(&data, &revision)
	if err == sql.ErrNoRows {
		return nil, "", objectstore.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read blob: %w", err)
	}
	return data, revision, nil
}

// Stat returns the stored revision without loading the blob.
func (s *Store) Stat(ctx context.Context, bucket, key string) (string, error) {
	var revision string
	err := s.db.QueryRowContext(ctx,
		"SELECT revision FROM blobs WHERE bucket = ? AND key = ?", bucket, key,
	).Scan(&revision)
	if err == sql.ErrNoRows {
		return "", objectstore.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat blob: %w", err)
	}
	return revision, nil
}

// Write stores the blob. IfRevision becomes a conditional UPDATE and
// IfAbsent a plain INSERT; a precondition miss affects no rows.
func (s *Store) Write(ctx context.Context, bucket, key string, data []byte, opts objectstore.WriteOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revision := objectstore.HashContent(data)

	var (
		result sql.Result
		err    error
	)
	switch {
	case opts.IfRevision != "":
		result, err = s.db.ExecContext(ctx, `
			UPDATE blobs SET data = ?, revision = ?, size = ?, updated_at = datetime('now')
			WHERE bucket = ? AND key = ? AND revision = ?
		`, data, revision, len(data), bucket, key, opts.IfRevision)
	case opts.IfAbsent:
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO blobs (bucket, key, data, revision, size) VALUES (?, ?, ?, ?, ?)
		`, bucket, key, data, revision, len(data))
	default:
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO blobs (bucket, key, data, revision, size) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(bucket, key) DO UPDATE SET
				data = excluded.data, revision = excluded.revision,
				size = excluded.size, updated_at = datetime('now')
		`, bucket, key, data, revision, len(data))
	}
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return "", objectstore.ErrPreconditionFailed
		}
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to check write result: %w", err)
	}
	if n == 0 {
		return "", objectstore.ErrPreconditionFailed
	}
	return revision, nil
}

// BlobInfo describes one stored blob.
type BlobInfo struct {
	Bucket    string
	Key       string
	Revision  string
	Size      int64
	UpdatedAt string
}

// List returns metadata for every stored blob.
func (s *Store) List(ctx context.Context) ([]BlobInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT bucket, key, revision, size, updated_at FROM blobs ORDER BY bucket, key")
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()

	var infos []BlobInfo
	for rows.Next() {
		var info BlobInfo
		if err := rows.Scan(&info.Bucket, &info.Key, &info.Revision, &info.Size, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

var _ objectstore.BlobStore = (*Store)(nil)
