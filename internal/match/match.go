// Package match answers nearest-face queries against a persisted record
// collection using a sqlite-vec index.
package match

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/nickcecere/facesync/internal/records"
)

func init() {
	// Register sqlite-vec extension
	sqlite_vec.Auto()
}

// ErrEmptyIndex is returned when searching before any records were indexed.
var ErrEmptyIndex = errors.New("match index is empty")

// Match is one search hit.
type Match struct {
	Key      string  `json:"key"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
	Score    float64 `json:"score"`
}

// Index is a sqlite-vec copy of one record collection.
type Index struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the index database at dbPath. ":memory:" keeps it
// in memory.
func Open(dbPath string) (*Index, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = dbPath + "?_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug("Opened match index", "path", dbPath)
	return &Index{db: db}, nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Revision returns the store and revision the index was built from.
func (ix *Index) Revision() (store, revision string, err error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	err = ix.db.QueryRow("SELECT store, revision FROM index_meta WHERE id = 1").Scan(&store, &revision)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read index metadata: %w", err)
	}
	return store, revision, nil
}

// Sync rebuilds the index from col unless it was already built from the
// same store revision. It reports whether a rebuild happened.
func (ix *Index) Sync(store, revision string, col *records.Collection) (bool, error) {
	curStore, curRevision, err := ix.Revision()
	if err != nil {
		return false, err
	}
	if revision != "" && curStore == store && curRevision == revision {
		log.Debug("Match index is current", "store", store, "revision", revision)
		return false, nil
	}
	if err := col.Validate(); err != nil {
		return false, fmt.Errorf("invalid collection: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM faces"); err != nil {
		return false, fmt.Errorf("failed to clear faces: %w", err)
	}

	dims := col.Dimensions()
	if dims > 0 {
		if err := createVectorTable(tx, dims); err != nil {
			return false, fmt.Errorf("failed to create vector table: %w", err)
		}

		faceStmt, err := tx.Prepare("INSERT INTO faces (id, key, name) VALUES (?, ?, ?)")
		if err != nil {
			return false, fmt.Errorf("failed to prepare face insert: %w", err)
		}
		defer faceStmt.Close()

		vecStmt, err := tx.Prepare("INSERT INTO face_vectors (face_id, embedding) VALUES (?, ?)")
		if err != nil {
			return false, fmt.Errorf("failed to prepare vector insert: %w", err)
		}
		defer vecStmt.Close()

		for i, key := range col.Keys {
			id := int64(i + 1)
			if _, err := faceStmt.Exec(id, key, col.Names[i]); err != nil {
				return false, fmt.Errorf("failed to insert face %s: %w", key, err)
			}
			if _, err := vecStmt.Exec(id, serializeEmbedding(col.Vectors[i])); err != nil {
				return false, fmt.Errorf("failed to insert vector %s: %w", key, err)
			}
		}
	} else if _, err := tx.Exec("DROP TABLE IF EXISTS face_vectors"); err != nil {
		return false, fmt.Errorf("failed to drop vector table: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO index_meta (id, store, revision, dimensions, built_at)
		VALUES (1, ?, ?, ?, datetime('now'))
	`, store, revision, dims); err != nil {
		return false, fmt.Errorf("failed to update index metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit index: %w", err)
	}

	log.Debug("Rebuilt match index", "store", store, "revision", revision, "records", col.Len(), "dims", dims)
	return true, nil
}

// Search returns the topK records closest to query by cosine distance.
func (ix *Index) Search(query []float32, topK int) ([]Match, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if topK <= 0 {
		topK = 5
	}

	var dims int
	err := ix.db.QueryRow("SELECT dimensions FROM index_meta WHERE id = 1").Scan(&dims)
	if err == sql.ErrNoRows || (err == nil && dims == 0) {
		return nil, ErrEmptyIndex
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index metadata: %w", err)
	}
	if len(query) != dims {
		return nil, fmt.Errorf("query has %d dimensions, index has %d", len(query), dims)
	}

	rows, err := ix.db.Query(`
		SELECT f.key, f.name, v.distance
		FROM face_vectors v
		JOIN faces f ON f.id = v.face_id
		WHERE v.embedding MATCH ?
			AND k = ?
		ORDER BY v.distance ASC
	`, serializeEmbedding(query), topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var results []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Key, &m.Name, &m.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		m.Score = 1 - m.Distance // Convert distance to similarity
		results = append(results, m)
	}
	return results, rows.Err()
}

// serializeEmbedding converts a float32 slice to bytes for sqlite-vec.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
