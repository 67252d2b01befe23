// Package connector defines the contract between the pipeline and the
// per-source adapters (CVM filings, SND debenture registry, B3 indicators).
// A connector knows where its documents live and how to turn one fetched
// payload into raw rows; everything else (change detection, retries,
// consolidation, publication) is the pipeline's business.
package connector

import (
	"context"
	"time"

	"github.com/garimpo-io/garimpo/pkg/fetch"
	"github.com/garimpo-io/garimpo/pkg/ledger"
)

// Candidate is one fetchable document discovered in a source's catalog.
// Request carries everything needed to retrieve it later; Validators holds
// whatever change signals discovery could observe without downloading the
// payload (often nothing).
type Candidate struct {
	Request      fetch.Request
	Validators   ledger.Validators
	DocumentType string
}

// ParsedRow is one raw record destined for a gold table. Values are
// uncoerced strings or native values straight from the source document;
// typing and normalization happen in consolidation. Origin names the
// document family that produced the row ("itr", "dfp", ...) and ranks it
// when several families contribute the same field for one business key.
//
// DocumentID and RefDate tie the row back to the document it came from.
// Connectors may leave them zero; the pipeline stamps them from the
// RawDocument after Parse returns.
type ParsedRow struct {
	Table      string
	Origin     string
	DocumentID string
	RefDate    time.Time
	Values     map[string]interface{}
}

// Descriptor is the static identity of a source family.
type Descriptor struct {
	// ID is the stable source identifier used in config, the ledger and
	// artifact metadata.
	ID   string
	Name string
	// BaseURL is the root every discovery request targets. The pipeline
	// throttles its host before Discover runs, so catalog listings obey
	// the same politeness interval as payload fetches.
	BaseURL string
	// CrawlDelay is the default minimum interval between requests to this
	// source's host, applied unless config overrides it.
	CrawlDelay time.Duration
	// Retry is the default fetch policy for this family.
	Retry fetch.Policy
	// Tables lists the gold tables this source feeds.
	Tables []string
}

// Connector is implemented once per source family.
type Connector interface {
	Descriptor() Descriptor

	// Discover enumerates the documents currently offered by the source.
	// It may fetch catalog listings but never document payloads, must not
	// mutate any state, and must be safe to call repeatedly: the same
	// upstream catalog yields the same candidates.
	Discover(ctx context.Context) ([]Candidate, error)

	// Parse expands one fetched document into rows. A structurally valid
	// document that simply has no data (an empty reporting window) returns
	// an empty slice and no error; only malformed payloads are errors.
	Parse(ctx context.Context, doc *fetch.RawDocument) ([]ParsedRow, error)
}
