package distribute_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/clock"
	"github.com/chirino/contentpool/internal/distribute"
	"github.com/chirino/contentpool/internal/matcher"
	"github.com/chirino/contentpool/internal/model"
	"github.com/chirino/contentpool/internal/plugin/blob/fsstore"
	"github.com/chirino/contentpool/internal/pool"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/chirino/contentpool/internal/testutil/teststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookedStore lets a test slow down or fail selected store calls.
type hookedStore struct {
	registrystore.ContentStore
	noteErr     error
	configDelay time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *hookedStore) GetStorageConfig(ctx context.Context, userID string) (*model.UserStorageConfig, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.configDelay > 0 {
		time.Sleep(s.configDelay)
	}
	return s.ContentStore.GetStorageConfig(ctx, userID)
}

func (s *hookedStore) CreateNote(ctx context.Context, n *model.UserNote) error {
	if s.noteErr != nil {
		return s.noteErr
	}
	return s.ContentStore.CreateNote(ctx, n)
}

type fixture struct {
	ctx   context.Context
	store *hookedStore
	pool  *pool.Pool
	clk   *clock.Mock
	hash  string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, ctx := teststore.SQLite(t)
	blobs, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	body := []byte("# Go 1.30 released\n")
	hash := pool.HashContent(body)
	clk := clock.NewMock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	p := pool.New(store, registryblob.Tiers{Hot: blobs}, pool.StaticSource{hash: body}, pool.Options{Clock: clk})
	return &fixture{ctx: ctx, store: &hookedStore{ContentStore: store}, pool: p, clk: clk, hash: hash}
}

func (f *fixture) user(t *testing.T, id string, verified bool, maxDaily int, topics ...string) {
	t.Helper()
	require.NoError(t, f.store.SavePreference(f.ctx, &model.UserPreference{
		UserID:          id,
		EnabledTopics:   topics,
		MaxDailyContent: maxDaily,
		Active:          true,
	}))
	require.NoError(t, f.store.SaveStorageConfig(f.ctx, &model.UserStorageConfig{
		UserID:   id,
		Provider: "local",
		Verified: verified,
	}))
}

func (f *fixture) executor(opts distribute.Options) *distribute.Executor {
	opts.Clock = f.clk
	return distribute.New(f.store, f.pool, matcher.FromConfig(nil), opts)
}

func (f *fixture) request() distribute.Request {
	return distribute.Request{
		ContentHash: f.hash,
		EntryID:     "entry-1",
		Title:       "Go 1.30 released",
		Features:    matcher.Features{Topics: []string{"go"}, ImportanceScore: 0.9, ContentType: "news"},
	}
}

func byUser(results []distribute.Result) map[string]distribute.Result {
	m := make(map[string]distribute.Result, len(results))
	for _, r := range results {
		m[r.UserID] = r
	}
	return m
}

func TestDistributeSettlesAllTargets(t *testing.T) {
	f := setup(t)
	f.user(t, "alice", true, 0, "go")
	f.user(t, "bob", false, 0, "go")
	f.user(t, "carol", true, 0, "go")
	f.user(t, "dave", true, 0, "rust")

	results, err := f.executor(distribute.Options{}).Distribute(f.ctx, f.request())
	require.NoError(t, err)
	require.Len(t, results, 3, "dave does not match")

	got := byUser(results)
	assert.True(t, got["alice"].Success)
	assert.True(t, got["carol"].Success)
	assert.Equal(t, pool.SharedKey(f.hash), got["alice"].Path)
	assert.False(t, got["bob"].Success)
	assert.Equal(t, distribute.ErrStorageNotConfigured.Error(), got["bob"].Error)

	obj, err := f.store.GetSharedObject(f.ctx, f.hash, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, obj.ReferenceCount)

	_, err = f.store.GetReference(f.ctx, "bob", "entry-1")
	assert.True(t, registrystore.IsNotFound(err))

	// Users that already hold the entry are not selected again.
	again, err := f.executor(distribute.Options{}).Distribute(f.ctx, f.request())
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "bob", again[0].UserID)
}

func TestDistributeRespectsDailyLimit(t *testing.T) {
	f := setup(t)
	f.user(t, "alice", true, 1, "go")
	require.NoError(t, f.store.CreateNote(f.ctx, &model.UserNote{
		UserID: "alice", EntryID: "earlier", ContentHash: "x", StoragePath: "x", CreatedAt: f.clk.Now(),
	}))

	results, err := f.executor(distribute.Options{}).Distribute(f.ctx, f.request())
	require.NoError(t, err)
	assert.Empty(t, results)

	f.clk.Advance(24 * time.Hour)
	results, err = f.executor(distribute.Options{}).Distribute(f.ctx, f.request())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestNoteFailureReleasesCopy(t *testing.T) {
	f := setup(t)
	f.user(t, "alice", true, 0, "go")
	f.store.noteErr = errors.New("notes unavailable")

	results, err := f.executor(distribute.Options{}).Distribute(f.ctx, f.request())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "notes unavailable")

	_, err = f.store.GetReference(f.ctx, "alice", "entry-1")
	assert.True(t, registrystore.IsNotFound(err))
	obj, err := f.store.GetSharedObject(f.ctx, f.hash, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, obj.ReferenceCount)
	q, err := f.store.GetQuota(f.ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 0, q.UsedStorageBytes)

	f.store.noteErr = nil
	results, err = f.executor(distribute.Options{}).Distribute(f.ctx, f.request())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success, "a re-run delivers cleanly")
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	f := setup(t)
	f.store.configDelay = 20 * time.Millisecond
	var targets []matcher.Target
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"} {
		f.user(t, id, true, 0, "go")
		targets = append(targets, matcher.Target{UserID: id, Score: 1, Priority: matcher.PriorityHigh})
	}

	results := f.executor(distribute.Options{Concurrency: 3}).Execute(f.ctx, f.request(), targets)
	require.Len(t, results, len(targets))
	for i, r := range results {
		assert.Equal(t, targets[i].UserID, r.UserID, "results keep target order")
		assert.True(t, r.Success, r.Error)
	}
	assert.LessOrEqual(t, f.store.maxInFlight.Load(), int32(3))
	assert.Greater(t, f.store.maxInFlight.Load(), int32(1))
}

func TestExecuteAfterCancelReportsEveryTarget(t *testing.T) {
	f := setup(t)
	f.user(t, "alice", true, 0, "go")
	f.user(t, "bob", true, 0, "go")
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	targets := []matcher.Target{{UserID: "alice"}, {UserID: "bob"}}
	results := f.executor(distribute.Options{}).Execute(ctx, f.request(), targets)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, context.Canceled.Error(), r.Error)
	}
	refs, err := f.store.ListReferences(f.ctx, registrystore.ReferenceQuery{})
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestExecuteTimesOutSlowTargets(t *testing.T) {
	f := setup(t)
	f.user(t, "alice", true, 0, "go")
	f.store.configDelay = 50 * time.Millisecond

	results := f.executor(distribute.Options{TargetTimeout: 10 * time.Millisecond}).
		Execute(f.ctx, f.request(), []matcher.Target{{UserID: "alice"}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}
