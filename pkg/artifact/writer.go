// Package artifact publishes consolidated gold tables to object storage.
//
// Publication is staged: the serialized table is written to a staging key,
// then promoted to its final serving key with a single copy, so readers of
// the serving prefix never observe partial content. Re-publishing identical
// content is detected by file hash and skipped without a new version.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/errors"
	"github.com/garimpo-io/garimpo/pkg/fetch"
	"github.com/garimpo-io/garimpo/pkg/formats/columnar"
	"github.com/garimpo-io/garimpo/pkg/logger"
	"github.com/garimpo-io/garimpo/pkg/metrics"
	"github.com/garimpo-io/garimpo/pkg/storage"
)

const (
	servingPrefix = "gold/serving"
	stagingPrefix = "staging"
	landingPrefix = "bronze/landing"

	refDateLayout = "2006-01-02"
)

// Location describes a published artifact.
type Location struct {
	// Key is the final object key under the serving prefix.
	Key string
	// Format is the encoding the table was serialized with.
	Format columnar.Format
	// FileHash is the hex SHA-256 of the serialized payload.
	FileHash string
	// SizeBytes is the serialized payload size.
	SizeBytes int64
	// Records is the number of gold records in the artifact.
	Records int
	// Skipped reports that an identical artifact was already live and no
	// new version was written.
	Skipped bool
}

// Config controls serialization and the optional serving cache.
type Config struct {
	// Format selects the encoding. Empty means Parquet.
	Format columnar.Format
	// Compression is passed through to the columnar writer.
	Compression string
	// Cache, when set, receives each published table. Cache failures are
	// logged and never fail the publish.
	Cache storage.Cache
}

// Writer serializes gold tables and publishes them to an ObjectStore.
type Writer struct {
	store   storage.ObjectStore
	catalog *consolidate.Catalog
	config  Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWriter returns a Writer publishing tables from catalog to store.
func NewWriter(store storage.ObjectStore, catalog *consolidate.Catalog, config Config) *Writer {
	if config.Format == "" {
		config.Format = columnar.Parquet
	}
	if config.Cache == nil {
		config.Cache = storage.NopCache{}
	}
	return &Writer{
		store:   store,
		catalog: catalog,
		config:  config,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Publish serializes records for tableName at referenceDate and promotes the
// artifact to its serving key. contributing lists the fingerprints of the
// source documents the records were consolidated from; they are recorded on
// the object for provenance.
//
// Publishing the same content twice is idempotent: when the serving object
// already carries the same file hash, no new version is written and the
// returned Location has Skipped set.
func (w *Writer) Publish(ctx context.Context, tableName string, referenceDate time.Time, records []*consolidate.GoldRecord, traceID string, contributing []string) (*Location, error) {
	schema, ok := w.catalog.Table(tableName)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown table: %s", tableName)
	}

	refDate := referenceDate.UTC().Format(refDateLayout)

	// One writer per (table, reference date). Concurrent runs for different
	// dates proceed in parallel.
	lock := w.lockFor(tableName, refDate)
	lock.Lock()
	defer lock.Unlock()

	payload, err := w.serialize(schema, records)
	if err != nil {
		return nil, err
	}
	fileHash := fetch.Fingerprint(payload)

	log := logger.WithContext(ctx).With(
		zap.String("table", tableName),
		zap.String("ref_date", refDate),
		zap.String("file_hash", fileHash),
	)

	finalKey := servingKey(tableName, refDate, w.config.Format)

	existing, err := w.store.Head(ctx, finalKey)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "checking existing artifact")
	}
	if existing != nil && existing.Metadata["file_hash"] == fileHash {
		log.Info("artifact unchanged, skipping publish", zap.String("key", finalKey))
		metrics.ArtifactsPublished.WithLabelValues(tableName, "skipped_identical").Inc()
		return &Location{
			Key:       finalKey,
			Format:    w.config.Format,
			FileHash:  fileHash,
			SizeBytes: int64(len(payload)),
			Records:   len(records),
			Skipped:   true,
		}, nil
	}

	meta := map[string]string{
		"document_type": schema.DocumentType,
		"file_hash":     fileHash,
		"ingest_ts":     time.Now().UTC().Format(time.RFC3339),
		"ref_date":      refDate,
		"source":        schema.Source,
	}
	if traceID != "" {
		meta["trace_id"] = traceID
	}
	if len(contributing) > 0 {
		meta["contributing_fingerprints"] = strings.Join(contributing, ",")
	}

	stagingKey := fmt.Sprintf("%s/%s/%s", stagingPrefix, tableName, uuid.NewString())
	opts := storage.PutOptions{
		ContentType: columnar.ContentType(w.config.Format),
		Metadata:    meta,
	}
	if err := w.store.Put(ctx, stagingKey, payload, opts); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "writing staging artifact")
	}
	if err := w.store.Copy(ctx, stagingKey, finalKey); err != nil {
		if delErr := w.store.Delete(ctx, stagingKey); delErr != nil {
			log.Warn("orphaned staging artifact", zap.String("key", stagingKey), zap.Error(delErr))
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "promoting artifact")
	}
	if err := w.store.Delete(ctx, stagingKey); err != nil {
		// The serving object is already live; a stray staging object is
		// harmless garbage.
		log.Warn("deleting staging artifact", zap.String("key", stagingKey), zap.Error(err))
	}

	metrics.ArtifactsPublished.WithLabelValues(tableName, "written").Inc()
	log.Info("artifact published",
		zap.String("key", finalKey),
		zap.Int("records", len(records)),
		zap.Int("bytes", len(payload)),
	)

	if err := w.config.Cache.Set(ctx, tableName, payload, traceID); err != nil {
		log.Warn("serving cache rejected table", zap.Error(err))
	}

	return &Location{
		Key:       finalKey,
		Format:    w.config.Format,
		FileHash:  fileHash,
		SizeBytes: int64(len(payload)),
		Records:   len(records),
	}, nil
}

// ArchiveRaw stores a fetched document verbatim under the landing prefix so
// the raw evidence bytes survive independently of parsing.
func (w *Writer) ArchiveRaw(ctx context.Context, doc *fetch.RawDocument, documentType, traceID string) (string, error) {
	key := fmt.Sprintf("%s/%s/%s", landingPrefix, doc.Source, doc.DocumentID)

	meta := map[string]string{
		"document_type": documentType,
		"file_hash":     doc.Fingerprint,
		"ingest_ts":     doc.FetchedAt.UTC().Format(time.RFC3339),
		"ref_date":      doc.RefDate.UTC().Format(refDateLayout),
		"source":        doc.Source,
	}
	if traceID != "" {
		meta["trace_id"] = traceID
	}

	opts := storage.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    meta,
	}
	if err := w.store.Put(ctx, key, doc.Payload, opts); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStorage, "archiving raw document")
	}
	return key, nil
}

func (w *Writer) serialize(schema *consolidate.TableSchema, records []*consolidate.GoldRecord) ([]byte, error) {
	var buf bytes.Buffer
	cw, err := columnar.NewWriter(&buf, &columnar.WriterConfig{
		Format:       w.config.Format,
		Schema:       schema,
		ExtraColumns: columnar.ExtraColumns(schema, records),
		Compression:  w.config.Compression,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "creating columnar writer")
	}
	if err := cw.WriteRecords(records); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "serializing records")
	}
	if err := cw.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "finalizing artifact")
	}
	return buf.Bytes(), nil
}

func (w *Writer) lockFor(table, refDate string) *sync.Mutex {
	key := table + "/" + refDate
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[key] = lock
	}
	return lock
}

func servingKey(table, refDate string, format columnar.Format) string {
	return fmt.Sprintf("%s/%s/ref_date=%s/%s%s",
		servingPrefix, table, refDate, table, columnar.Extension(format))
}
