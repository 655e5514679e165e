package match

import (
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"
)

const currentSchemaVersion = 1

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
`

const indexMetaTable = `
CREATE TABLE IF NOT EXISTS index_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	store TEXT NOT NULL,
	revision TEXT NOT NULL,
	dimensions INTEGER NOT NULL,
	built_at TEXT DEFAULT (datetime('now'))
);
`

const facesTable = `
CREATE TABLE IF NOT EXISTS faces (
	id INTEGER PRIMARY KEY,
	key TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_faces_name ON faces(name);
`

// createVectorTable creates the sqlite-vec virtual table for the given dimensions.
func createVectorTable(tx *sql.Tx, dimensions int) error {
	if _, err := tx.Exec("DROP TABLE IF EXISTS face_vectors"); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		CREATE VIRTUAL TABLE face_vectors USING vec0(
			face_id INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, dimensions)

	_, err := tx.Exec(query)
	return err
}

// initSchema initializes the database schema.
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if version >= currentSchemaVersion {
		return nil
	}

	log.Debug("Migrating match index schema", "from", version, "to", currentSchemaVersion)
	for _, stmt := range []string{indexMetaTable, facesTable} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	if _, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", currentSchemaVersion); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}
