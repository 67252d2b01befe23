package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/garimpo-io/garimpo/pkg/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	source_id     TEXT NOT NULL,
	document_id   TEXT NOT NULL,
	fingerprint   TEXT NOT NULL DEFAULT '',
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	trace_id      TEXT NOT NULL DEFAULT '',
	committed_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_id, document_id)
)`

// PostgresStore backs the ledger with a shared database, for deployments
// where several hosts run families against one ledger.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "connecting to ledger database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "pinging ledger database")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "creating ledger schema")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) ShouldProcess(ctx context.Context, sourceID, documentID string, candidate Validators) (bool, error) {
	entry, err := s.Get(ctx, sourceID, documentID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return true, nil
	}
	return Changed(entry.Validators, candidate), nil
}

func (s *PostgresStore) Commit(ctx context.Context, entry Entry) error {
	if entry.CommittedAt.IsZero() {
		entry.CommittedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (source_id, document_id, fingerprint, etag, last_modified, trace_id, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id, document_id) DO UPDATE SET
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

func (s *PostgresStore) Get(ctx context.Context, sourceID, documentID string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT source_id, document_id, fingerprint, etag, last_modified, trace_id, committed_at
		FROM documents WHERE source_id = $1 AND document_id = $2
	`, sourceID, documentID)

	var entry Entry
	err := row.Scan(&entry.SourceID, &entry.DocumentID, &entry.Fingerprint,
		&entry.ETag, &entry.LastModified, &entry.TraceID, &entry.CommittedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "reading ledger entry").
			WithDetail("source", sourceID).
			WithDetail("document_id", documentID)
	}
	return &entry, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
