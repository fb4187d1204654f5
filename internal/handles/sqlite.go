package handles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Ensure SQLiteStore implements the interface.
var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS handles (
	handle     TEXT PRIMARY KEY,
	path       TEXT NOT NULL UNIQUE,
	mime       TEXT NOT NULL,
	sum        INTEGER NOT NULL,
	content    BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteStore keeps handles in a SQLite database so preview URLs survive restarts.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the handle database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("creating handle store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening handle store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating handle schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// Put stores an entry, replacing the path's previous handle.
func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM handles WHERE path = ?`, e.Path); err != nil {
		return fmt.Errorf("revoking previous handle: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO handles (handle, path, mime, sum, content) VALUES (?, ?, ?, ?, ?)`,
		string(e.Handle), e.Path, e.MIME, int64(e.Sum), e.Content,
	); err != nil {
		return fmt.Errorf("inserting handle: %w", err)
	}
	return tx.Commit()
}

// Get retrieves an entry by handle.
func (s *SQLiteStore) Get(ctx context.Context, h Handle) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT handle, path, mime, sum, content FROM handles WHERE handle = ?`, string(h))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrUnknownHandle
	}
	return e, err
}

// GetByPath retrieves the current entry for a path.
func (s *SQLiteStore) GetByPath(ctx context.Context, path string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT handle, path, mime, sum, content FROM handles WHERE path = ?`, path)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// DeleteByPath removes the path's entry, if any.
func (s *SQLiteStore) DeleteByPath(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM handles WHERE path = ?`, path)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEntry(row *sql.Row) (Entry, error) {
	var (
		e      Entry
		handle string
		sum    int64
	)
	if err := row.Scan(&handle, &e.Path, &e.MIME, &sum, &e.Content); err != nil {
		return Entry{}, err
	}
	e.Handle = Handle(handle)
	e.Sum = uint64(sum)
	return e, nil
}
