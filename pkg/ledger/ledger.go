// Package ledger is the change-detection store. It remembers, per source and
// document, the validators of the version that last made it all the way to a
// published artifact. A document is reprocessed only when its candidate
// validators differ from the committed ones, which is what makes repeated
// runs against unchanged upstream data cheap.
//
// Commit is called strictly after the artifact write succeeds. A crash
// between fetch and publish therefore leaves the ledger untouched and the
// document is picked up again on the next run.
package ledger

import (
	"context"
	"time"

	"github.com/garimpo-io/garimpo/pkg/config"
	"github.com/garimpo-io/garimpo/pkg/errors"
)

// Validators are the change signals for one document version. Any of the
// fields may be empty: discovery-time candidates usually carry only server
// validators, post-fetch candidates carry the content fingerprint.
type Validators struct {
	Fingerprint  string
	ETag         string
	LastModified string
}

// Changed reports whether candidate validators differ from stored ones.
// A validator pair is comparable only when both sides are non-empty; any
// comparable pair that differs means changed, and a candidate with no
// comparable pair at all is treated as changed so missing metadata never
// suppresses processing.
func Changed(stored, candidate Validators) bool {
	compared := false

	if candidate.Fingerprint != "" && stored.Fingerprint != "" {
		if candidate.Fingerprint != stored.Fingerprint {
			return true
		}
		compared = true
	}
	if candidate.ETag != "" && stored.ETag != "" {
		if candidate.ETag != stored.ETag {
			return true
		}
		compared = true
	}
	if candidate.LastModified != "" && stored.LastModified != "" {
		if candidate.LastModified != stored.LastModified {
			return true
		}
		compared = true
	}

	return !compared
}

// Entry is one committed ledger row, keyed by (SourceID, DocumentID).
type Entry struct {
	SourceID   string
	DocumentID string
	Validators
	TraceID     string
	CommittedAt time.Time
}

// Store is the ledger contract shared by all backends.
type Store interface {
	// ShouldProcess is true when the document is unknown or its candidate
	// validators differ from the committed ones.
	ShouldProcess(ctx context.Context, sourceID, documentID string, candidate Validators) (bool, error)
	// Commit records the processed version, overwriting any prior entry for
	// the same (source, document) key.
	Commit(ctx context.Context, entry Entry) error
	// Get returns the committed entry, or nil when the document is unknown.
	Get(ctx context.Context, sourceID, documentID string) (*Entry, error)
	Close() error
}

// Open builds the configured ledger backend.
func Open(ctx context.Context, cfg config.LedgerConfig) (Store, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown ledger backend %q", cfg.Backend)
	}
}
