package metrics

import (
	"context"
	"time"

	"github.com/chirino/contentpool/internal/metrics"
	"github.com/chirino/contentpool/internal/model"
	"github.com/chirino/contentpool/internal/registry/store"
	"github.com/google/uuid"
)

// Wrap returns a ContentStore that records StoreLatency for every operation.
func Wrap(inner store.ContentStore) store.ContentStore {
	if _, ok := inner.(*metricsStore); ok {
		return inner
	}
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ContentStore
}

func observe(op string, start time.Time) {
	metrics.ObserveStore(op, start)
}

func (m *metricsStore) Tx(ctx context.Context, fn func(tx store.ContentStore) error) error {
	defer observe("tx", time.Now())
	return m.inner.Tx(ctx, func(tx store.ContentStore) error {
		return fn(&metricsStore{inner: tx})
	})
}

func (m *metricsStore) GetFingerprint(ctx context.Context, normalizedURL string) (*model.ContentFingerprint, error) {
	defer observe("get_fingerprint", time.Now())
	return m.inner.GetFingerprint(ctx, normalizedURL)
}

func (m *metricsStore) FindFingerprints(ctx context.Context, normalizedURLs []string) (map[string]model.ContentFingerprint, error) {
	defer observe("find_fingerprints", time.Now())
	return m.inner.FindFingerprints(ctx, normalizedURLs)
}

func (m *metricsStore) UpsertFingerprint(ctx context.Context, fp *model.ContentFingerprint) (*model.ContentFingerprint, error) {
	defer observe("upsert_fingerprint", time.Now())
	return m.inner.UpsertFingerprint(ctx, fp)
}

func (m *metricsStore) SaveProcessedContent(ctx context.Context, pc *model.ProcessedContent) (*model.ProcessedContent, error) {
	defer observe("save_processed_content", time.Now())
	return m.inner.SaveProcessedContent(ctx, pc)
}

func (m *metricsStore) GetProcessedContentByHash(ctx context.Context, contentHash string) (*model.ProcessedContent, error) {
	defer observe("get_processed_content", time.Now())
	return m.inner.GetProcessedContentByHash(ctx, contentHash)
}

func (m *metricsStore) GetSharedObject(ctx context.Context, contentHash string, forUpdate bool) (*model.SharedObject, error) {
	defer observe("get_shared_object", time.Now())
	return m.inner.GetSharedObject(ctx, contentHash, forUpdate)
}

func (m *metricsStore) CreateSharedObject(ctx context.Context, obj *model.SharedObject) error {
	defer observe("create_shared_object", time.Now())
	return m.inner.CreateSharedObject(ctx, obj)
}

func (m *metricsStore) UpdateSharedObject(ctx context.Context, obj *model.SharedObject) error {
	defer observe("update_shared_object", time.Now())
	return m.inner.UpdateSharedObject(ctx, obj)
}

func (m *metricsStore) TouchSharedObject(ctx context.Context, contentHash string, at time.Time) error {
	defer observe("touch_shared_object", time.Now())
	return m.inner.TouchSharedObject(ctx, contentHash, at)
}

func (m *metricsStore) AdjustReferenceCount(ctx context.Context, contentHash string, delta int64, accessedAt time.Time) (int64, error) {
	defer observe("adjust_reference_count", time.Now())
	return m.inner.AdjustReferenceCount(ctx, contentHash, delta, accessedAt)
}

func (m *metricsStore) DeleteSharedObject(ctx context.Context, contentHash string) error {
	defer observe("delete_shared_object", time.Now())
	return m.inner.DeleteSharedObject(ctx, contentHash)
}

func (m *metricsStore) ListSharedObjects(ctx context.Context, q store.SharedObjectQuery) ([]model.SharedObject, error) {
	defer observe("list_shared_objects", time.Now())
	return m.inner.ListSharedObjects(ctx, q)
}

func (m *metricsStore) DecayAccessFrequency(ctx context.Context, recentSince time.Time, factor float64) (int64, error) {
	defer observe("decay_access_frequency", time.Now())
	return m.inner.DecayAccessFrequency(ctx, recentSince, factor)
}

func (m *metricsStore) GetReference(ctx context.Context, userID, entryID string) (*model.UserReference, error) {
	defer observe("get_reference", time.Now())
	return m.inner.GetReference(ctx, userID, entryID)
}

func (m *metricsStore) GetReferenceByPath(ctx context.Context, userID, storagePath string) (*model.UserReference, error) {
	defer observe("get_reference_by_path", time.Now())
	return m.inner.GetReferenceByPath(ctx, userID, storagePath)
}

func (m *metricsStore) CreateReference(ctx context.Context, ref *model.UserReference) error {
	defer observe("create_reference", time.Now())
	return m.inner.CreateReference(ctx, ref)
}

func (m *metricsStore) UpdateReference(ctx context.Context, ref *model.UserReference) error {
	defer observe("update_reference", time.Now())
	return m.inner.UpdateReference(ctx, ref)
}

func (m *metricsStore) TouchReference(ctx context.Context, id uuid.UUID, at time.Time) error {
	defer observe("touch_reference", time.Now())
	return m.inner.TouchReference(ctx, id, at)
}

func (m *metricsStore) DeleteReference(ctx context.Context, id uuid.UUID) error {
	defer observe("delete_reference", time.Now())
	return m.inner.DeleteReference(ctx, id)
}

func (m *metricsStore) ListReferences(ctx context.Context, q store.ReferenceQuery) ([]model.UserReference, error) {
	defer observe("list_references", time.Now())
	return m.inner.ListReferences(ctx, q)
}

func (m *metricsStore) CountAttachedReferences(ctx context.Context, contentHash string) (int64, error) {
	defer observe("count_attached_references", time.Now())
	return m.inner.CountAttachedReferences(ctx, contentHash)
}

func (m *metricsStore) UsersWithEntry(ctx context.Context, entryID string, userIDs []string) (map[string]bool, error) {
	defer observe("users_with_entry", time.Now())
	return m.inner.UsersWithEntry(ctx, entryID, userIDs)
}

func (m *metricsStore) ListFragmentedHashes(ctx context.Context, afterHash string, limit int) ([]string, error) {
	defer observe("list_fragmented_hashes", time.Now())
	return m.inner.ListFragmentedHashes(ctx, afterHash, limit)
}

func (m *metricsStore) ListOrphanedReferences(ctx context.Context, limit int) ([]model.UserReference, error) {
	defer observe("list_orphaned_references", time.Now())
	return m.inner.ListOrphanedReferences(ctx, limit)
}

func (m *metricsStore) GetQuota(ctx context.Context, userID string) (*model.UserQuota, error) {
	defer observe("get_quota", time.Now())
	return m.inner.GetQuota(ctx, userID)
}

func (m *metricsStore) CreateQuota(ctx context.Context, q *model.UserQuota) error {
	defer observe("create_quota", time.Now())
	return m.inner.CreateQuota(ctx, q)
}

func (m *metricsStore) AdjustQuota(ctx context.Context, userID string, deltaBytes, deltaFiles int64) error {
	defer observe("adjust_quota", time.Now())
	return m.inner.AdjustQuota(ctx, userID, deltaBytes, deltaFiles)
}

func (m *metricsStore) ListQuotas(ctx context.Context, afterUserID string, limit int) ([]model.UserQuota, error) {
	defer observe("list_quotas", time.Now())
	return m.inner.ListQuotas(ctx, afterUserID, limit)
}

func (m *metricsStore) ListActivePreferences(ctx context.Context) ([]model.UserPreference, error) {
	defer observe("list_active_preferences", time.Now())
	return m.inner.ListActivePreferences(ctx)
}

func (m *metricsStore) SavePreference(ctx context.Context, p *model.UserPreference) error {
	defer observe("save_preference", time.Now())
	return m.inner.SavePreference(ctx, p)
}

func (m *metricsStore) GetStorageConfig(ctx context.Context, userID string) (*model.UserStorageConfig, error) {
	defer observe("get_storage_config", time.Now())
	return m.inner.GetStorageConfig(ctx, userID)
}

func (m *metricsStore) SaveStorageConfig(ctx context.Context, c *model.UserStorageConfig) error {
	defer observe("save_storage_config", time.Now())
	return m.inner.SaveStorageConfig(ctx, c)
}

func (m *metricsStore) CreateNote(ctx context.Context, n *model.UserNote) error {
	defer observe("create_note", time.Now())
	return m.inner.CreateNote(ctx, n)
}

func (m *metricsStore) CountNotesSince(ctx context.Context, userIDs []string, since time.Time) (map[string]int64, error) {
	defer observe("count_notes_since", time.Now())
	return m.inner.CountNotesSince(ctx, userIDs, since)
}

func (m *metricsStore) Ping(ctx context.Context) error {
	defer observe("ping", time.Now())
	return m.inner.Ping(ctx)
}

func (m *metricsStore) Stats(ctx context.Context) (*store.Stats, error) {
	defer observe("stats", time.Now())
	return m.inner.Stats(ctx)
}

func (m *metricsStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	defer observe("acquire_lease", time.Now())
	return m.inner.AcquireLease(ctx, name, holder, ttl, now)
}

func (m *metricsStore) ReleaseLease(ctx context.Context, name, holder string) error {
	defer observe("release_lease", time.Now())
	return m.inner.ReleaseLease(ctx, name, holder)
}

func (m *metricsStore) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error {
	defer observe("create_task", time.Now())
	return m.inner.CreateTask(ctx, taskType, taskBody)
}

func (m *metricsStore) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	defer observe("claim_ready_tasks", time.Now())
	return m.inner.ClaimReadyTasks(ctx, limit)
}

func (m *metricsStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	defer observe("delete_task", time.Now())
	return m.inner.DeleteTask(ctx, taskID)
}

func (m *metricsStore) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	defer observe("fail_task", time.Now())
	return m.inner.FailTask(ctx, taskID, errMsg, retryDelay)
}
