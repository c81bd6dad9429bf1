package optimizer_test

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/clock"
	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/model"
	"github.com/chirino/contentpool/internal/optimizer"
	"github.com/chirino/contentpool/internal/plugin/blob/fsstore"
	"github.com/chirino/contentpool/internal/pool"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/chirino/contentpool/internal/testutil/teststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctx   context.Context
	store registrystore.ContentStore
	hot   *fsstore.Store
	cold  *fsstore.Store
	src   pool.StaticSource
	clk   *clock.Mock
	pool  *pool.Pool
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, ctx := teststore.SQLite(t)
	hot, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	cold, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		ctx:   ctx,
		store: store,
		hot:   hot,
		cold:  cold,
		src:   pool.StaticSource{},
		clk:   clock.NewMock(time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)),
	}
	f.pool = pool.New(store, registryblob.Tiers{Hot: hot, Cold: cold}, f.src, pool.Options{Clock: f.clk})
	return f
}

func testConfig() config.OptimizerConfig {
	cfg := config.DefaultConfig().Optimizer
	cfg.ItemsPerSecond = 0
	cfg.BatchSize = 2
	cfg.CompressionThreshold = 256
	return cfg
}

func (f *fixture) optimizer(cfg config.OptimizerConfig) *optimizer.Optimizer {
	return optimizer.New(f.pool, cfg, optimizer.WithClock(f.clk), optimizer.WithHolder("test"))
}

func (f *fixture) copyOf(t *testing.T, user, entry, body string) string {
	t.Helper()
	h := pool.HashContent([]byte(body))
	f.src[h] = []byte(body)
	_, err := f.pool.CreateUserCopy(f.ctx, user, entry, h)
	require.NoError(t, err)
	return h
}

func (f *fixture) exists(t *testing.T, hash string) bool {
	t.Helper()
	_, err := f.store.GetSharedObject(f.ctx, hash, false)
	if registrystore.IsNotFound(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestCleanupCollectsOnlyUnusedObjects(t *testing.T) {
	f := setup(t)
	kept := f.copyOf(t, "alice", "e1", "still referenced")
	stale := f.copyOf(t, "alice", "e2", "released long ago")
	_, err := f.pool.ReleaseUserCopy(f.ctx, "alice", "e2")
	require.NoError(t, err)

	f.clk.Advance(31 * 24 * time.Hour)
	recent := f.copyOf(t, "bob", "e3", "released just now")
	_, err = f.pool.ReleaseUserCopy(f.ctx, "bob", "e3")
	require.NoError(t, err)

	rep := f.optimizer(testConfig()).CleanupUnusedContent(f.ctx)
	require.True(t, rep.Success, rep.Errors)
	assert.Equal(t, 1, rep.Processed)
	assert.EqualValues(t, len("released long ago"), rep.SavedSpaceBytes)

	assert.True(t, f.exists(t, kept))
	assert.False(t, f.exists(t, stale))
	assert.True(t, f.exists(t, recent), "recently used objects survive")
	ok, err := f.hot.Exists(f.ctx, pool.SharedKey(stale))
	require.NoError(t, err)
	assert.False(t, ok)

	again := f.optimizer(testConfig()).CleanupUnusedContent(f.ctx)
	assert.Equal(t, 0, again.Processed)
}

func TestCompressLargeFiles(t *testing.T) {
	f := setup(t)
	text := strings.Repeat("the same sentence over and over. ", 40)
	big := f.copyOf(t, "alice", "e1", text)

	noise := make([]byte, 1024)
	rand.New(rand.NewSource(7)).Read(noise)
	random := pool.HashContent(noise)
	f.src[random] = noise
	_, err := f.pool.CreateUserCopy(f.ctx, "alice", "e2", random)
	require.NoError(t, err)

	small := f.copyOf(t, "alice", "e3", "tiny")

	rep := f.optimizer(testConfig()).CompressLargeFiles(f.ctx)
	require.True(t, rep.Success, rep.Errors)
	assert.Equal(t, 1, rep.Processed)
	assert.Positive(t, rep.SavedSpaceBytes)

	obj, err := f.store.GetSharedObject(f.ctx, big, false)
	require.NoError(t, err)
	assert.True(t, obj.IsCompressed)
	assert.Less(t, obj.CompressedSizeBytes, obj.SizeBytes)

	for _, h := range []string{random, small} {
		obj, err := f.store.GetSharedObject(f.ctx, h, false)
		require.NoError(t, err)
		assert.False(t, obj.IsCompressed)
	}

	data, err := f.pool.ReadContent(f.ctx, "alice", "e1")
	require.NoError(t, err)
	assert.Equal(t, text, string(data))
}

func TestCompressLeavesZstdContentVerbatim(t *testing.T) {
	f := setup(t)
	noise := make([]byte, 2048)
	rand.New(rand.NewSource(11)).Read(noise)
	frame := pool.Compress(noise)
	h := pool.HashContent(frame)
	f.src[h] = frame
	_, err := f.pool.CreateUserCopy(f.ctx, "alice", "e1", h)
	require.NoError(t, err)

	rep := f.optimizer(testConfig()).CompressLargeFiles(f.ctx)
	require.True(t, rep.Success, rep.Errors)
	assert.Equal(t, 0, rep.Processed)

	obj, err := f.store.GetSharedObject(f.ctx, h, false)
	require.NoError(t, err)
	assert.False(t, obj.IsCompressed)

	data, err := f.pool.ReadContent(f.ctx, "alice", "e1")
	require.NoError(t, err)
	assert.Equal(t, frame, data)
}

func TestLifecycleExpiresAndArchives(t *testing.T) {
	f := setup(t)
	expired := f.copyOf(t, "alice", "e1", "expired content")
	_, err := f.pool.ReleaseUserCopy(f.ctx, "alice", "e1")
	require.NoError(t, err)
	cold := f.copyOf(t, "bob", "e2", "rarely read content")

	f.clk.Advance(91 * 24 * time.Hour)
	cfg := testConfig()
	cfg.TieringEnabled = true
	o := f.optimizer(cfg)

	// Drive bob's object access frequency below the archive threshold.
	idx := o.OptimizeIndexes(f.ctx)
	require.True(t, idx.Success, idx.Errors)
	for i := 0; i < 20; i++ {
		_, err := f.store.DecayAccessFrequency(f.ctx, f.clk.Now(), 0.9)
		require.NoError(t, err)
	}

	rep := o.ApplyLifecyclePolicy(f.ctx)
	require.True(t, rep.Success, rep.Errors)
	assert.Equal(t, 2, rep.Processed)
	assert.False(t, f.exists(t, expired))

	obj, err := f.store.GetSharedObject(f.ctx, cold, false)
	require.NoError(t, err)
	assert.Equal(t, model.TierCold, obj.Tier)
	inHot, err := f.hot.Exists(f.ctx, obj.StorageKey)
	require.NoError(t, err)
	assert.False(t, inHot)

	data, err := f.pool.ReadContent(f.ctx, "bob", "e2")
	require.NoError(t, err)
	assert.Equal(t, "rarely read content", string(data))
}

func TestQuotaEvictsSharedBeforePrivate(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.store.CreateQuota(f.ctx, &model.UserQuota{UserID: "alice", MaxStorageBytes: 30}))
	f.copyOf(t, "alice", "e1", "aaaaaaaa")
	f.clk.Advance(time.Minute)
	f.copyOf(t, "alice", "e2", "bbbbbbbb")
	f.clk.Advance(time.Minute)
	f.copyOf(t, "alice", "e3", "cccccccc")
	_, err := f.pool.HandleUserContentUpdate(f.ctx, "alice", "e3", []byte("an edit that is 24 long"))
	require.NoError(t, err)

	q, err := f.store.GetQuota(f.ctx, "alice")
	require.NoError(t, err)
	require.Greater(t, q.UsedStorageBytes, q.MaxStorageBytes)

	rep := f.optimizer(testConfig()).ManageUserQuotas(f.ctx)
	require.True(t, rep.Success, rep.Errors)

	q, err = f.store.GetQuota(f.ctx, "alice")
	require.NoError(t, err)
	assert.LessOrEqual(t, q.UsedStorageBytes, q.MaxStorageBytes)
	assert.GreaterOrEqual(t, q.UsedStorageBytes, int64(0))

	_, err = f.store.GetReference(f.ctx, "alice", "e1")
	assert.True(t, registrystore.IsNotFound(err), "oldest shared copy goes first")
	_, err = f.store.GetReference(f.ctx, "alice", "e3")
	assert.NoError(t, err, "private edits are kept")
}

func TestQuotaEvictsPrivateWhenAllowed(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.store.CreateQuota(f.ctx, &model.UserQuota{UserID: "alice", MaxStorageBytes: 10}))
	f.copyOf(t, "alice", "e1", "12345678")
	_, err := f.pool.HandleUserContentUpdate(f.ctx, "alice", "e1", []byte("now twenty bytes....."))
	require.NoError(t, err)

	cfg := testConfig()
	rep := f.optimizer(cfg).ManageUserQuotas(f.ctx)
	require.True(t, rep.Success)
	q, err := f.store.GetQuota(f.ctx, "alice")
	require.NoError(t, err)
	assert.Greater(t, q.UsedStorageBytes, q.MaxStorageBytes, "private copies are kept by default")

	cfg.EvictModifiedReferences = true
	rep = f.optimizer(cfg).ManageUserQuotas(f.ctx)
	require.True(t, rep.Success)
	assert.Equal(t, 1, rep.Processed)
	q, err = f.store.GetQuota(f.ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 0, q.UsedStorageBytes)
	assert.EqualValues(t, 0, q.UsedFileCount)
}

func TestDefragmentRepointsDriftedReferences(t *testing.T) {
	f := setup(t)
	h := f.copyOf(t, "alice", "e1", "shared body")
	f.copyOf(t, "bob", "e1", "shared body")

	ref, err := f.store.GetReference(f.ctx, "bob", "e1")
	require.NoError(t, err)
	ref.StoragePath = "users/bob/e1/old"
	require.NoError(t, f.hot.Put(f.ctx, ref.StoragePath, []byte("shared body")))
	require.NoError(t, f.store.UpdateReference(f.ctx, ref))

	rep := f.optimizer(testConfig()).DefragmentStorage(f.ctx)
	require.True(t, rep.Success, rep.Errors)
	assert.Equal(t, 1, rep.Processed)

	ref, err = f.store.GetReference(f.ctx, "bob", "e1")
	require.NoError(t, err)
	assert.Equal(t, pool.SharedKey(h), ref.StoragePath)
}

func TestOptimizeIndexesHealsOrphans(t *testing.T) {
	f := setup(t)
	h := f.copyOf(t, "alice", "e1", "soon orphaned")
	f.copyOf(t, "alice", "e2", "healthy")
	require.NoError(t, f.store.DeleteSharedObject(f.ctx, h))

	o := f.optimizer(testConfig())
	rep := o.OptimizeIndexes(f.ctx)
	require.True(t, rep.Success, rep.Errors)
	assert.Equal(t, 1, rep.Processed)

	_, err := f.store.GetReference(f.ctx, "alice", "e1")
	assert.True(t, registrystore.IsNotFound(err))
	q, err := f.store.GetQuota(f.ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, len("healthy"), q.UsedStorageBytes)

	st := o.Stats()
	require.NotNil(t, st.Storage)
	assert.EqualValues(t, 1, st.Storage.SharedObjects)
	assert.EqualValues(t, 1, st.Storage.References)
	assert.Contains(t, st.LastPhases, optimizer.PhaseIndexes)
}

func TestPhaseSkippedWhileLeasedElsewhere(t *testing.T) {
	f := setup(t)
	ok, err := f.store.AcquireLease(f.ctx, "optimizer:cleanup", "other-node", time.Hour, f.clk.Now())
	require.NoError(t, err)
	require.True(t, ok)

	rep := f.optimizer(testConfig()).CleanupUnusedContent(f.ctx)
	assert.True(t, rep.Skipped)
	assert.True(t, rep.Success)
}

func TestRunFullOptimization(t *testing.T) {
	f := setup(t)
	f.copyOf(t, "alice", "e1", "content")
	o := f.optimizer(testConfig())

	report := o.RunFullOptimization(f.ctx)
	assert.True(t, report.Success)
	require.Len(t, report.Phases, len(optimizer.Phases))
	for i, p := range optimizer.Phases {
		assert.Equal(t, p, report.Phases[i].Phase)
	}
	assert.NotNil(t, o.Stats().LastRun)
	assert.Equal(t, 2, o.Config().BatchSize)

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	report = o.RunFullOptimization(ctx)
	assert.False(t, report.Success)
	for _, rep := range report.Phases {
		assert.False(t, rep.Success)
	}
}

func TestParsePhase(t *testing.T) {
	p, err := optimizer.ParsePhase("defrag")
	require.NoError(t, err)
	assert.Equal(t, optimizer.PhaseDefrag, p)
	_, err = optimizer.ParsePhase("vacuum")
	assert.Error(t, err)
}
