// Package store is the transactional record store behind the session and
// model stores. It uses modernc.org/sqlite, a pure-Go SQLite driver, so the
// binary needs no CGO.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/logging"

	// Register the modernc sqlite driver under the name "sqlite"
	_ "modernc.org/sqlite"
)

// ErrPersistenceFailed wraps every failed write transaction.
var ErrPersistenceFailed = errors.New("store: persistence failed")

// ErrNotFound is returned by single-record reads with no match.
var ErrNotFound = errors.New("store: not found")

// DB is the record store.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and applies pending
// migrations. The parent directory is created if missing.
//   - WAL journal mode
//   - foreign keys ON (message and settings rows cascade with their session)
//   - 5-second busy timeout
func Open(path string, logger *zap.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("store.Open: create directory: %w", err)
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store.Open: open %q: %w", path, err)
	}

	// Writers are serialized by SQLite; a single connection also keeps
	// every transaction on the pragmas applied above.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: ping %q: %w", path, err)
	}

	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, logger: logging.OrNop(logger)}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Write runs fn inside a single transaction. Any error from fn, or from the
// commit, rolls the whole unit back and is wrapped in ErrPersistenceFailed.
func (d *DB) Write(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistenceFailed, err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		d.logger.Debug("write transaction rolled back", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistenceFailed, err)
	}
	return nil
}

// Tx is a write transaction handed to the Write callback.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// mustAffect turns a zero-row update into ErrNotFound.
func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
