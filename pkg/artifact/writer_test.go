package artifact

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/errors"
	"github.com/garimpo-io/garimpo/pkg/fetch"
	"github.com/garimpo-io/garimpo/pkg/formats/columnar"
	"github.com/garimpo-io/garimpo/pkg/storage"
)

func testRecords() []*consolidate.GoldRecord {
	refDate := time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)
	return []*consolidate.GoldRecord{
		{
			Key: "USD\x1f2025-08-22",
			Values: map[string]interface{}{
				"security_id": "USD",
				"ref_date":    refDate,
				"description": "Dólar comercial",
				"category":    "FX",
				"value":       5.43,
				"last_update": time.Date(2025, 8, 22, 18, 0, 0, 0, time.UTC),
			},
		},
		{
			Key: "SELIC\x1f2025-08-22",
			Values: map[string]interface{}{
				"security_id": "SELIC",
				"ref_date":    refDate,
				"category":    "DOMESTIC_RATES",
				"value":       14.25,
			},
		},
	}
}

func newTestWriter(t *testing.T, config Config) (*Writer, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	catalog, err := consolidate.DefaultCatalog()
	require.NoError(t, err)
	return NewWriter(store, catalog, config), store
}

func TestPublishWritesServingArtifact(t *testing.T) {
	ctx := context.Background()
	writer, store := newTestWriter(t, Config{})
	refDate := time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)

	loc, err := writer.Publish(ctx, "b3_indicators", refDate, testRecords(), "trace-1", []string{"fp-a", "fp-b"})
	require.NoError(t, err)

	assert.Equal(t, "gold/serving/b3_indicators/ref_date=2025-08-22/b3_indicators.parquet", loc.Key)
	assert.Equal(t, columnar.Parquet, loc.Format)
	assert.Equal(t, 2, loc.Records)
	assert.False(t, loc.Skipped)
	assert.Greater(t, loc.SizeBytes, int64(0))

	data, info, err := store.Get(ctx, loc.Key)
	require.NoError(t, err)

	// The recorded hash is the hash of the bytes actually at the final key.
	assert.Equal(t, fetch.Fingerprint(data), loc.FileHash)
	assert.Equal(t, loc.FileHash, info.Metadata["file_hash"])

	assert.Equal(t, "macro_indicators", info.Metadata["document_type"])
	assert.Equal(t, "b3", info.Metadata["source"])
	assert.Equal(t, "2025-08-22", info.Metadata["ref_date"])
	assert.Equal(t, "trace-1", info.Metadata["trace_id"])
	assert.Equal(t, "fp-a,fp-b", info.Metadata["contributing_fingerprints"])
	assert.NotEmpty(t, info.Metadata["ingest_ts"])
	assert.Equal(t, "application/x-parquet", info.ContentType)

	assert.True(t, bytes.HasPrefix(data, []byte("PAR1")))

	// No staging leftovers.
	for _, key := range store.Keys() {
		assert.False(t, strings.HasPrefix(key, "staging/"), "leftover staging key %s", key)
	}
	assert.Equal(t, 1, store.Len())
}

func TestPublishIsIdempotent(t *testing.T) {
	ctx := context.Background()
	writer, store := newTestWriter(t, Config{})
	refDate := time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)

	first, err := writer.Publish(ctx, "b3_indicators", refDate, testRecords(), "trace-1", nil)
	require.NoError(t, err)
	require.False(t, first.Skipped)

	before, err := store.Head(ctx, first.Key)
	require.NoError(t, err)

	second, err := writer.Publish(ctx, "b3_indicators", refDate, testRecords(), "trace-2", nil)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.FileHash, second.FileHash)
	assert.Equal(t, first.Key, second.Key)

	after, err := store.Head(ctx, first.Key)
	require.NoError(t, err)
	assert.Equal(t, before.ETag, after.ETag)
	// The first trace is still on the object: the skip wrote nothing.
	assert.Equal(t, "trace-1", after.Metadata["trace_id"])
	assert.Equal(t, 1, store.Len())
}

func TestPublishChangedContentReplacesArtifact(t *testing.T) {
	ctx := context.Background()
	writer, _ := newTestWriter(t, Config{})
	refDate := time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)

	first, err := writer.Publish(ctx, "b3_indicators", refDate, testRecords(), "t", nil)
	require.NoError(t, err)

	changed := testRecords()
	changed[0].Values["value"] = 5.61

	second, err := writer.Publish(ctx, "b3_indicators", refDate, changed, "t", nil)
	require.NoError(t, err)
	assert.False(t, second.Skipped)
	assert.NotEqual(t, first.FileHash, second.FileHash)
	assert.Equal(t, first.Key, second.Key)
}

func TestPublishCSVFormat(t *testing.T) {
	ctx := context.Background()
	writer, store := newTestWriter(t, Config{Format: columnar.CSV})
	refDate := time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)

	loc, err := writer.Publish(ctx, "b3_indicators", refDate, testRecords(), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "gold/serving/b3_indicators/ref_date=2025-08-22/b3_indicators.csv", loc.Key)

	data, info, err := store.Get(ctx, loc.Key)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", info.ContentType)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "security_id")
	assert.Contains(t, lines[0], "category")
}

func TestPublishUnknownTable(t *testing.T) {
	ctx := context.Background()
	writer, _ := newTestWriter(t, Config{})

	_, err := writer.Publish(ctx, "no_such_table", time.Now(), nil, "t", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

type recordingCache struct {
	table   string
	payload []byte
	trace   string
	err     error
}

func (c *recordingCache) Set(_ context.Context, table string, payload []byte, traceID string) error {
	c.table = table
	c.payload = payload
	c.trace = traceID
	return c.err
}

func TestPublishOffersTableToCache(t *testing.T) {
	ctx := context.Background()
	cache := &recordingCache{}
	writer, _ := newTestWriter(t, Config{Cache: cache})
	refDate := time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)

	loc, err := writer.Publish(ctx, "b3_indicators", refDate, testRecords(), "trace-9", nil)
	require.NoError(t, err)

	assert.Equal(t, "b3_indicators", cache.table)
	assert.Equal(t, "trace-9", cache.trace)
	assert.Equal(t, loc.FileHash, fetch.Fingerprint(cache.payload))
}

func TestPublishSurvivesCacheFailure(t *testing.T) {
	ctx := context.Background()
	cache := &recordingCache{err: errors.New(errors.ErrorTypeConnection, "cache down")}
	writer, store := newTestWriter(t, Config{Cache: cache})
	refDate := time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)

	loc, err := writer.Publish(ctx, "b3_indicators", refDate, testRecords(), "t", nil)
	require.NoError(t, err)

	_, err = store.Head(ctx, loc.Key)
	assert.NoError(t, err)
}

func TestArchiveRaw(t *testing.T) {
	ctx := context.Background()
	writer, store := newTestWriter(t, Config{})

	payload := []byte("raw csv bytes")
	doc := &fetch.RawDocument{
		Source:      "cvm",
		DocumentID:  "itr_cia_aberta_2025",
		RefDate:     time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC),
		FetchedAt:   time.Date(2025, 8, 22, 12, 30, 0, 0, time.UTC),
		Payload:     payload,
		Fingerprint: fetch.Fingerprint(payload),
	}

	key, err := writer.ArchiveRaw(ctx, doc, "financial_statements", "trace-3")
	require.NoError(t, err)
	assert.Equal(t, "bronze/landing/cvm/itr_cia_aberta_2025", key)

	data, info, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, doc.Fingerprint, info.Metadata["file_hash"])
	assert.Equal(t, "financial_statements", info.Metadata["document_type"])
	assert.Equal(t, "cvm", info.Metadata["source"])
	assert.Equal(t, "2025-08-22", info.Metadata["ref_date"])
	assert.Equal(t, "2025-08-22T12:30:00Z", info.Metadata["ingest_ts"])
	assert.Equal(t, "trace-3", info.Metadata["trace_id"])
}
