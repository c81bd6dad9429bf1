package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/clock"
	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/engine"
	"github.com/chirino/contentpool/internal/guard"
	"github.com/chirino/contentpool/internal/model"
	"github.com/chirino/contentpool/internal/optimizer"
	"github.com/chirino/contentpool/internal/plugin/blob/fsstore"
	"github.com/chirino/contentpool/internal/pool"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrymigrate "github.com/chirino/contentpool/internal/registry/migrate"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/chirino/contentpool/internal/testutil/teststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/chirino/contentpool/internal/plugin/cache/noop"
	_ "github.com/chirino/contentpool/internal/plugin/store/gormstore"
)

type failingFingerprints struct {
	registrystore.ContentStore
}

func (failingFingerprints) GetFingerprint(context.Context, string) (*model.ContentFingerprint, error) {
	return nil, &registrystore.TransientError{Op: "fingerprint", Err: errors.New("connection reset")}
}

func newEngine(t *testing.T, wrap func(registrystore.ContentStore) registrystore.ContentStore) (*engine.Engine, context.Context) {
	t.Helper()
	store, ctx := teststore.SQLite(t)
	blobs, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.ConflictRetryBackoff = time.Millisecond
	cfg.Optimizer.ItemsPerSecond = 0
	var s registrystore.ContentStore = store
	if wrap != nil {
		s = wrap(s)
	}
	e, err := engine.New(&cfg, engine.Components{
		Store: s,
		Blobs: registryblob.Tiers{Hot: blobs},
		Clock: clock.NewMock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, ctx
}

func subscriber(t *testing.T, ctx context.Context, s registrystore.ContentStore, id string, topics ...string) {
	t.Helper()
	require.NoError(t, s.SavePreference(ctx, &model.UserPreference{UserID: id, EnabledTopics: topics, Active: true}))
	require.NoError(t, s.SaveStorageConfig(ctx, &model.UserStorageConfig{UserID: id, Provider: "local", Verified: true}))
}

func TestIngestDistributeAndEdit(t *testing.T) {
	e, ctx := newEngine(t, nil)
	const url = "https://Example.com/posts/go?utm_source=feed"
	subscriber(t, ctx, e.Store(), "alice", "go")
	subscriber(t, ctx, e.Store(), "bob", "go", "databases")
	subscriber(t, ctx, e.Store(), "carol", "rust")

	check := e.CheckDuplicateByURL(ctx, url, "alice", "feed-1")
	require.False(t, check.IsDuplicate)
	require.True(t, check.ShouldProcess)
	assert.Equal(t, engine.ReasonNew, check.Reason)

	pc, err := e.RecordProcessedContent(ctx,
		engine.Item{Title: "Go generics", Link: url, RawContent: "<p>raw</p>"},
		engine.Analysis{Topics: []string{"Go"}, ImportanceScore: 0.7, MarkdownContent: "# Go generics\n"})
	require.NoError(t, err)
	assert.Equal(t, pool.HashContent([]byte("# Go generics\n")), pc.ContentHash)

	require.NoError(t, e.RegisterProcessedURL(ctx, url, "entry-1", "alice", engine.Metadata{
		ContentHash: pc.ContentHash,
		SourceID:    "feed-1",
		Title:       pc.Title,
	}))

	results, err := e.DistributeContent(ctx, pc.ContentHash, pc.ID, "entry-1", engine.FeaturesOf(pc))
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, r.Error)
		assert.Equal(t, pool.SharedKey(pc.ContentHash), r.Path)
	}

	obj, err := e.Store().GetSharedObject(ctx, pc.ContentHash, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, obj.ReferenceCount)

	dup := e.CheckDuplicateByURL(ctx, "https://example.com/posts/go", "bob", "feed-2")
	assert.True(t, dup.IsDuplicate)
	assert.False(t, dup.ShouldProcess)
	assert.Equal(t, engine.ReasonDuplicate, dup.Reason)
	assert.Equal(t, "entry-1", dup.ExistingEntryID)
	assert.True(t, dup.AlreadyDelivered)
	assert.False(t, e.CheckDuplicateByURL(ctx, url, "carol", "feed-1").AlreadyDelivered)

	upd, err := e.HandleUserContentUpdate(ctx, "bob", "entry-1", []byte("# Go generics\nmy notes\n"))
	require.NoError(t, err)
	assert.True(t, upd.IsNewCopy)
	assert.NotEqual(t, pool.SharedKey(pc.ContentHash), upd.Path)

	bobs, err := e.ReadUserContent(ctx, "bob", "entry-1")
	require.NoError(t, err)
	assert.Equal(t, "# Go generics\nmy notes\n", string(bobs))
	alices, err := e.ReadUserContent(ctx, "alice", "entry-1")
	require.NoError(t, err)
	assert.Equal(t, "# Go generics\n", string(alices))

	obj, err = e.Store().GetSharedObject(ctx, pc.ContentHash, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, obj.ReferenceCount)
}

func TestRecordProcessedContent(t *testing.T) {
	e, ctx := newEngine(t, nil)

	_, err := e.RecordProcessedContent(ctx, engine.Item{Title: "empty"}, engine.Analysis{})
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = e.RecordProcessedContent(ctx, engine.Item{RawContent: "x"}, engine.Analysis{ImportanceScore: 1.5})
	require.ErrorAs(t, err, &ve)

	published := time.Date(2026, 3, 30, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	first, err := e.RecordProcessedContent(ctx, engine.Item{Title: "raw only", RawContent: "plain body", PublishedAt: &published}, engine.Analysis{})
	require.NoError(t, err)
	assert.Equal(t, pool.HashContent([]byte("plain body")), first.ContentHash)
	require.NotNil(t, first.PublishedAt)
	assert.True(t, published.Equal(*first.PublishedAt))

	again, err := e.RecordProcessedContent(ctx, engine.Item{Title: "another title", RawContent: "plain body"}, engine.Analysis{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "raw only", again.Title)
}

func TestCheckDuplicateFailsSafe(t *testing.T) {
	e, ctx := newEngine(t, func(s registrystore.ContentStore) registrystore.ContentStore {
		return failingFingerprints{ContentStore: s}
	})

	res := e.CheckDuplicateByURL(ctx, "https://example.com/a", "alice", "feed-1")
	assert.True(t, res.IsDuplicate)
	assert.False(t, res.ShouldProcess)
	assert.Equal(t, engine.ReasonCheckFailed, res.Reason)
}

func TestWriteUserFileForksThroughGuard(t *testing.T) {
	e, ctx := newEngine(t, nil)
	subscriber(t, ctx, e.Store(), "alice", "go")
	subscriber(t, ctx, e.Store(), "bob", "go")

	pc, err := e.RecordProcessedContent(ctx, engine.Item{Title: "t"}, engine.Analysis{Topics: []string{"go"}, MarkdownContent: "shared body"})
	require.NoError(t, err)
	_, err = e.DistributeContent(ctx, pc.ContentHash, pc.ID, "entry-9", engine.FeaturesOf(pc))
	require.NoError(t, err)

	var (
		wrotePath string
		marker    *guard.CopyMarker
	)
	write := func(ctx context.Context, path string, _ []byte) error {
		wrotePath = path
		marker, _ = guard.CopyMarkerFrom(ctx)
		return nil
	}
	require.NoError(t, e.WriteUserFile(ctx, "alice", pool.SharedKey(pc.ContentHash), []byte("alice edit"), write))
	require.NotNil(t, marker)
	assert.True(t, marker.Isolated)
	assert.True(t, marker.IsNewCopy)
	assert.Equal(t, "entry-9", marker.EntryID)
	assert.Equal(t, marker.EffectivePath, wrotePath)
	assert.NotEqual(t, pool.SharedKey(pc.ContentHash), wrotePath)

	bobs, err := e.ReadUserContent(ctx, "bob", "entry-9")
	require.NoError(t, err)
	assert.Equal(t, "shared body", string(bobs))

	require.NoError(t, e.WriteUserFile(ctx, "alice", "notes/scratch.md", []byte("x"), write))
	assert.Equal(t, "notes/scratch.md", wrotePath)
	assert.False(t, marker.Isolated)
}

func TestRunFullOptimizationCoversEveryPhase(t *testing.T) {
	e, ctx := newEngine(t, nil)

	report := e.RunFullOptimization(ctx)
	assert.True(t, report.Success)
	require.Len(t, report.Phases, len(optimizer.Phases))
	for i, p := range optimizer.Phases {
		assert.Equal(t, p, report.Phases[i].Phase)
	}
	assert.Equal(t, e.Config().Optimizer.MaxUnusedDays, e.Optimizer().Config().MaxUnusedDays)
	assert.NotNil(t, e.Optimizer().Stats().Storage)
}

func TestOpenFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(dir, "contentpool.db")
	cfg.BlobDir = filepath.Join(dir, "hot")
	cfg.ColdBlobType = "fs"
	cfg.ColdBlobDir = filepath.Join(dir, "cold")
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))
	e, err := engine.Open(ctx)
	require.NoError(t, err)
	defer e.Close()

	assert.NotNil(t, e.Pool().Blobs().Cold)
	pc, err := e.RecordProcessedContent(ctx, engine.Item{Title: "t"}, engine.Analysis{MarkdownContent: "body"})
	require.NoError(t, err)
	_, err = e.Pool().CreateUserCopy(ctx, "alice", "entry-1", pc.ContentHash)
	require.NoError(t, err)

	cfg.BlobType = "floppy"
	_, err = engine.Open(ctx)
	assert.ErrorContains(t, err, "unknown blob store")
}
