package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garimpo-io/garimpo/pkg/config"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteShouldProcessAndCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)

	ok, err := store.ShouldProcess(ctx, "cvm", "dfp_2023", Validators{Fingerprint: "aaa"})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Commit(ctx, Entry{
		SourceID:   "cvm",
		DocumentID: "dfp_2023",
		Validators: Validators{
			Fingerprint:  "aaa",
			ETag:         `"x"`,
			LastModified: "Tue, 11 Jun 2024 08:00:00 GMT",
		},
		TraceID: "trace-1",
	}))

	ok, err = store.ShouldProcess(ctx, "cvm", "dfp_2023", Validators{Fingerprint: "aaa"})
	require.NoError(t, err)
	assert.False(t, ok, "unchanged fingerprint must not reprocess")

	ok, err = store.ShouldProcess(ctx, "cvm", "dfp_2023", Validators{LastModified: "Wed, 12 Jun 2024 08:00:00 GMT"})
	require.NoError(t, err)
	assert.True(t, ok, "newer last-modified must reprocess")
}

func TestSQLiteCommitOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)

	first := Entry{
		SourceID:    "snd",
		DocumentID:  "events_202406",
		Validators:  Validators{Fingerprint: "aaa"},
		TraceID:     "trace-1",
		CommittedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Commit(ctx, first))

	second := first
	second.Fingerprint = "bbb"
	second.TraceID = "trace-2"
	second.CommittedAt = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Commit(ctx, second))

	entry, err := store.Get(ctx, "snd", "events_202406")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "bbb", entry.Fingerprint)
	assert.Equal(t, "trace-2", entry.TraceID)
	assert.Equal(t, second.CommittedAt, entry.CommittedAt.UTC())
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, Entry{
		SourceID: "b3", DocumentID: "indicators_20240630",
		Validators: Validators{Fingerprint: "aaa"},
	}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	ok, err := reopened.ShouldProcess(ctx, "b3", "indicators_20240630", Validators{Fingerprint: "aaa"})
	require.NoError(t, err)
	assert.False(t, ok, "committed state must survive process restarts")
}

func TestSQLiteGetUnknownIsNil(t *testing.T) {
	store := newTestSQLite(t)

	entry, err := store.Get(context.Background(), "cvm", "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSQLiteCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, path, store.Path())
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, config.LedgerConfig{
		Backend: "sqlite",
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(ctx, config.LedgerConfig{Backend: "cassandra"})
	assert.Error(t, err)
}
