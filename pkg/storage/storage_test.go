package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garimpo-io/garimpo/pkg/errors"
)

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	payload := []byte("hello parquet")
	err := store.Put(ctx, "gold/serving/snd_prices/ref_date=2025-08-22/snd_prices.parquet", payload, PutOptions{
		ContentType: "application/x-parquet",
		Metadata: map[string]string{
			"File_Hash": "abc123",
			"source":    "snd",
		},
	})
	require.NoError(t, err)

	data, info, err := store.Get(ctx, "gold/serving/snd_prices/ref_date=2025-08-22/snd_prices.parquet")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(len(payload)), info.Size)
	assert.Equal(t, "application/x-parquet", info.ContentType)
	assert.NotEmpty(t, info.ETag)

	// Metadata keys are normalized to lowercase, matching S3 behavior.
	assert.Equal(t, "abc123", info.Metadata["file_hash"])
	assert.Equal(t, "snd", info.Metadata["source"])
}

func TestMemoryStoreGetMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := store.Get(ctx, "gold/serving/missing/file.parquet")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	_, err = store.Head(ctx, "gold/serving/missing/file.parquet")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestMemoryStoreHead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "staging/t/nonce", []byte{1, 2, 3}, PutOptions{
		Metadata: map[string]string{"trace_id": "01J"},
	}))

	info, err := store.Head(ctx, "staging/t/nonce")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, "01J", info.Metadata["trace_id"])
	assert.False(t, info.LastModified.IsZero())
}

func TestMemoryStoreCopyCarriesMetadata(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	payload := []byte("staged bytes")
	require.NoError(t, store.Put(ctx, "staging/b3_indicators/u-1", payload, PutOptions{
		ContentType: "application/x-parquet",
		Metadata:    map[string]string{"file_hash": "deadbeef", "ref_date": "2025-08-22"},
	}))

	err := store.Copy(ctx, "staging/b3_indicators/u-1", "gold/serving/b3_indicators/ref_date=2025-08-22/b3_indicators.parquet")
	require.NoError(t, err)

	data, info, err := store.Get(ctx, "gold/serving/b3_indicators/ref_date=2025-08-22/b3_indicators.parquet")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "deadbeef", info.Metadata["file_hash"])
	assert.Equal(t, "2025-08-22", info.Metadata["ref_date"])
	assert.Equal(t, "application/x-parquet", info.ContentType)

	// Promote-then-cleanup leaves only the final object behind.
	require.NoError(t, store.Delete(ctx, "staging/b3_indicators/u-1"))
	_, err = store.Head(ctx, "staging/b3_indicators/u-1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreCopyMissingSource(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Copy(ctx, "staging/absent", "gold/anything")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestMemoryStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Delete(ctx, "never/existed"))
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "k", []byte{10, 20}, PutOptions{}))
	data, _, err := store.Get(ctx, "k")
	require.NoError(t, err)

	data[0] = 99
	again, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, byte(10), again[0])
}

func TestNopCache(t *testing.T) {
	var cache Cache = NopCache{}
	assert.NoError(t, cache.Set(context.Background(), "cvm_financials", []byte("{}"), "trace-1"))
}
