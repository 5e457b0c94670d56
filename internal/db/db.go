// Package db is the SQLite implementation of the job record store.
package db

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/foreman/internal/store"
	"github.com/livinlefevreloca/foreman/tools/migrator"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB wraps sql.DB with the job record operations.
type DB struct {
	*sql.DB
	driver string
}

// Tx wraps sql.Tx with the job record operations.
type Tx struct {
	*sql.Tx
	db   *DB
	done bool
}

var (
	_ store.Store = (*DB)(nil)
	_ store.Tx    = (*Tx)(nil)
)

// Config holds database connection configuration
type Config struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time"`
	SkipMigrations  bool          `toml:"skip_migrations"`
}

// DefaultConfig returns a file-backed SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Driver: "sqlite3",
		DSN:    "file:foreman.db?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate",
	}
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = store.ErrNotFound

// Open creates a new database connection
func Open(driver, dsn string) (*DB, error) {
	if driver != "sqlite3" {
		return nil, errors.Newf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// Every connection to an in-memory database sees its own empty database,
	// so the pool is pinned to one connection.
	if isMemoryDSN(dsn) {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	return FromSQL(db, driver), nil
}

// FromSQL wraps an existing connection pool. The caller is responsible for
// the schema.
func FromSQL(db *sql.DB, driver string) *DB {
	return &DB{
		DB:     db,
		driver: driver,
	}
}

// OpenWithConfig creates a connection with custom configuration and applies
// pending migrations unless SkipMigrations is set.
func OpenWithConfig(config Config) (*DB, error) {
	db, err := Open(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}

	// Apply connection pool settings
	if config.MaxOpenConns > 0 && !isMemoryDSN(config.DSN) {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if !config.SkipMigrations {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// OpenMemory opens a migrated in-memory database.
func OpenMemory() (*DB, error) {
	return OpenWithConfig(Config{Driver: "sqlite3", DSN: ":memory:"})
}

// Migrate applies the embedded schema migrations.
func (db *DB) Migrate() error {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return errors.Wrap(err, "open embedded migrations")
	}
	if err := migrator.RunMigrations(db.DB, sub); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	return nil
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// Begin starts a new transaction. SQLite transactions are serializable,
// which satisfies the read-committed isolation the runner relies on.
func (db *DB) Begin(ctx context.Context) (store.Tx, error) {
	return db.BeginTx(ctx)
}

// BeginTx starts a new transaction and returns the concrete type.
func (db *DB) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// Commit commits the transaction.
func (tx *Tx) Commit() error {
	tx.done = true
	return tx.Tx.Commit()
}

// Rollback aborts the transaction.
func (tx *Tx) Rollback() error {
	tx.done = true
	return tx.Tx.Rollback()
}

// Close commits the transaction unless it has already been committed or
// rolled back.
func (tx *Tx) Close() error {
	if tx.done {
		return nil
	}
	return tx.Commit()
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
