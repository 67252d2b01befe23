package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/garimpo-io/garimpo/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	source_id     TEXT NOT NULL,
	document_id   TEXT NOT NULL,
	fingerprint   TEXT NOT NULL DEFAULT '',
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	trace_id      TEXT NOT NULL DEFAULT '',
	committed_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (source_id, document_id)
)`

// SQLiteStore is the default single-file ledger backend.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the ledger database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "creating ledger directory")
		}
	}

	// WAL mode so readers don't block the single writer
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "opening ledger database")
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "creating ledger schema")
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) ShouldProcess(ctx context.Context, sourceID, documentID string, candidate Validators) (bool, error) {
	entry, err := s.Get(ctx, sourceID, documentID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return true, nil
	}
	return Changed(entry.Validators, candidate), nil
}

func (s *SQLiteStore) Commit(ctx context.Context, entry Entry) error {
	if entry.CommittedAt.IsZero() {
		entry.CommittedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (source_id, document_id, fingerprint, etag, last_modified, trace_id, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, document_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			trace_id = excluded.trace_id,
			committed_at = excluded.committed_at
	`, entry.SourceID, entry.DocumentID, entry.Fingerprint, entry.ETag,
		entry.LastModified, entry.TraceID, entry.CommittedAt)

	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "committing ledger entry").
			WithDetail("source", entry.SourceID).
			WithDetail("document_id", entry.DocumentID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sourceID, documentID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, document_id, fingerprint, etag, last_modified, trace_id, committed_at
		FROM documents WHERE source_id = ? AND document_id = ?
	`, sourceID, documentID)

	var entry Entry
	err := row.Scan(&entry.SourceID, &entry.DocumentID, &entry.Fingerprint,
		&entry.ETag, &entry.LastModified, &entry.TraceID, &entry.CommittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "reading ledger entry").
			WithDetail("source", sourceID).
			WithDetail("document_id", documentID)
	}
	return &entry, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
