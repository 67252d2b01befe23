// Package garimpo ingests Brazilian capital-markets data from public
// regulatory and exchange sources, consolidates it into canonical gold
// tables and publishes columnar artifacts to object storage.
//
// Three source families are built in:
//
//   - cvm: quarterly (ITR) and annual (DFP) corporate filings from the CVM
//     open-data portal, zip archives of ISO-8859-1 CSV statements.
//   - snd: the SND debenture registry (events, prices and issue terms per
//     debenture), form-posted exports and HTML listings.
//   - b3: the B3 financial-indicators feed (FX, domestic and international
//     rates), a browser-shaped JSON endpoint.
//
// # Pipeline
//
// Each run moves through a fixed sequence of stages per source family:
//
//	discover -> fetch -> parse -> transform -> write
//
// Discovery enumerates candidate documents without downloading payloads.
// Fetching is polite (per-host crawl delays, typed retry policies, a
// circuit breaker) and feeds a change-detection ledger: documents whose
// validators or content fingerprint match the last committed run are
// skipped. Parsed rows are consolidated against a declarative table
// catalog (typed coercion, CNPJ canonicalization, source precedence) and
// published as Parquet, Avro or CSV artifacts under a staging-then-promote
// protocol. The ledger is committed only after every artifact of the run
// is live, so an interrupted run refetches instead of losing data.
//
// # Packages
//
//   - pkg/fetch: resilient HTTP client, retry policies, per-host gate.
//   - pkg/ledger: change-detection store (SQLite or Postgres).
//   - pkg/connector: source contract plus the cvm, snd and b3 families.
//   - pkg/consolidate: table catalog, coercion and key-based merging.
//   - pkg/formats/columnar: Parquet, Avro and CSV encoders.
//   - pkg/artifact: staged publication with provenance metadata.
//   - pkg/storage: S3/MinIO object store and the optional Redis cache.
//   - internal/pipeline: the per-run state machine.
//   - cmd/garimpo: the CLI (run, sources, version).
//
// Runs are identified by ULID trace ids that thread from discovery to the
// published object's metadata, so any artifact can be traced back to the
// exact run and source documents that produced it.
package garimpo
