package fingerprint_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/clock"
	"github.com/chirino/contentpool/internal/fingerprint"
	"github.com/chirino/contentpool/internal/model"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/chirino/contentpool/internal/testutil/teststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	registrystore.ContentStore
	err error
}

func (f *failingStore) GetFingerprint(context.Context, string) (*model.ContentFingerprint, error) {
	return nil, f.err
}

func (f *failingStore) FindFingerprints(context.Context, []string) (map[string]model.ContentFingerprint, error) {
	return nil, f.err
}

func TestRegisterIsIdempotent(t *testing.T) {
	store, ctx := teststore.SQLite(t)
	ix := fingerprint.NewIndex(store)

	_, err := ix.RegisterProcessedURL(ctx, "https://example.com/a?utm_source=rss", "entry-1", fingerprint.Metadata{OwnerUserID: "alice"})
	require.NoError(t, err)
	fp, err := ix.RegisterProcessedURL(ctx, "https://EXAMPLE.com/a", "entry-2", fingerprint.Metadata{OwnerUserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "entry-1", fp.CanonicalEntryID)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Fingerprints)
}

func TestCheckDuplicateLayers(t *testing.T) {
	store, ctx := teststore.SQLite(t)
	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := fingerprint.NewLocalCache(clk, 100, 30*time.Minute)
	ix := fingerprint.NewIndex(store, fingerprint.WithClock(clk), fingerprint.WithLocalCache(cache))

	res := ix.CheckDuplicate(ctx, "https://example.com/new")
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, fingerprint.SourceNone, res.Source)

	_, err := ix.RegisterProcessedURL(ctx, "https://example.com/new", "entry-1", fingerprint.Metadata{})
	require.NoError(t, err)

	res = ix.CheckDuplicate(ctx, "https://example.com/new")
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "entry-1", res.ExistingEntryID)
	assert.Equal(t, fingerprint.SourceLocal, res.Source)

	clk.Advance(31 * time.Minute)
	res = ix.CheckDuplicate(ctx, "https://example.com/new")
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, fingerprint.SourceDatabase, res.Source, "expired cache entries fall back to the store")
}

func TestCheckDuplicateFailsSafe(t *testing.T) {
	store, ctx := teststore.SQLite(t)
	ix := fingerprint.NewIndex(&failingStore{ContentStore: store, err: errors.New("db down")})

	res := ix.CheckDuplicate(ctx, "https://example.com/x")
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, fingerprint.SourceError, res.Source)
	assert.Error(t, res.Err)

	batch := ix.BatchCheckDuplicateURLs(ctx, []string{"https://example.com/x", "https://example.com/y"})
	for _, r := range batch {
		assert.True(t, r.IsDuplicate)
	}

	res = ix.CheckDuplicate(ctx, "   ")
	assert.True(t, res.IsDuplicate)
}

func TestBatchCheckDuplicateURLs(t *testing.T) {
	store, ctx := teststore.SQLite(t)
	ix := fingerprint.NewIndex(store)
	_, err := ix.RegisterProcessedURL(ctx, "https://example.com/a", "entry-a", fingerprint.Metadata{})
	require.NoError(t, err)

	// A fresh index has a cold local cache, so "a" is answered by the store.
	cold := fingerprint.NewIndex(store)
	urls := []string{"https://example.com/a/", "https://example.com/b", "https://example.com/a"}
	res := cold.BatchCheckDuplicateURLs(ctx, urls)
	require.Len(t, res, 3)
	assert.True(t, res["https://example.com/a/"].IsDuplicate)
	assert.Equal(t, "entry-a", res["https://example.com/a"].ExistingEntryID)
	assert.False(t, res["https://example.com/b"].IsDuplicate)

	assert.Equal(t, 1, cold.CacheStats().Size)
}
