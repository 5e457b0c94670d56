// Package migrator applies versioned SQL migrations to a SQLite database.
//
// Migration files are named NNN_name.sql and start with a
// "-- +migrate Up" marker, optionally followed by "notransaction" and by
// "-- +migrate Depends: N M" lines naming earlier versions.
package migrator

import (
	"database/sql"
	"io/fs"
	"strings"

	"github.com/cockroachdb/errors"
)

// RunMigrations applies every pending migration found in fsys.
func RunMigrations(db *sql.DB, fsys fs.FS) error {
	if err := createSchemaTable(db); err != nil {
		return errors.Wrap(err, "failed to create schema table")
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return errors.Wrap(err, "failed to load migrations")
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		return errors.Wrap(err, "failed to get applied migrations")
	}

	appliedSet := make(map[int]bool)
	maxApplied := 0
	for _, v := range applied {
		appliedSet[v] = true
		if v > maxApplied {
			maxApplied = v
		}
	}

	for _, m := range migrations {
		if appliedSet[m.Version] {
			continue
		}
		// History can only move forward.
		if m.Version < maxApplied {
			return errors.Newf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", m.Version, maxApplied)
		}
		for _, dep := range m.Dependencies {
			if !appliedSet[dep] {
				return errors.Newf("migration %d depends on version %d which has not been applied", m.Version, dep)
			}
		}

		if err := applyMigration(db, m); err != nil {
			return errors.Wrapf(err, "failed to apply migration %d", m.Version)
		}
		appliedSet[m.Version] = true
	}

	return nil
}

// GetCurrentVersion returns the highest applied migration version.
// Returns 0 if no migrations have been applied.
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// GetAppliedMigrations returns all applied migration versions, sorted.
func GetAppliedMigrations(db *sql.DB) ([]int, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func createSchemaTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// applyMigration executes a single migration and records it in schema_migrations.
func applyMigration(db *sql.DB, m Migration) error {
	const record = "INSERT INTO schema_migrations (version) VALUES (?)"

	if m.NoTransaction {
		if _, err := db.Exec(m.UpSQL); err != nil {
			return errors.Wrap(err, "failed to execute SQL")
		}
		if _, err := db.Exec(record, m.Version); err != nil {
			return errors.Wrap(err, "failed to record migration")
		}
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if _, err := tx.Exec(m.UpSQL); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to execute SQL")
	}
	if _, err := tx.Exec(record, m.Version); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to record migration")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func isMissingTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}
