package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/contentpool/internal/model"
	"github.com/google/uuid"
)

// SharedObjectQuery selects shared objects for optimizer batches. Results are
// ordered by content hash; pass the last hash seen as AfterHash to continue.
type SharedObjectQuery struct {
	AfterHash          string
	Limit              int
	MaxReferenceCount  *int64
	LastAccessedBefore *time.Time
	CreatedBefore      *time.Time
	MinSizeBytes       int64 // exclusive
	Compressed         *bool
	Tier               model.Tier
	MaxAccessFrequency *float64 // exclusive
}

// ReferenceQuery selects user references. With OldestAccessFirst the result
// is ordered by last access, otherwise by ID.
type ReferenceQuery struct {
	UserID            string
	ContentHash       string
	IsModified        *bool
	Limit             int
	OldestAccessFirst bool
}

// Stats is an aggregate snapshot of the storage tables.
type Stats struct {
	SharedObjects      int64 `json:"sharedObjects"`
	SharedBytes        int64 `json:"sharedBytes"`
	StoredBytes        int64 `json:"storedBytes"`
	CompressedObjects  int64 `json:"compressedObjects"`
	ColdObjects        int64 `json:"coldObjects"`
	UnreferencedShared int64 `json:"unreferencedShared"`
	References         int64 `json:"references"`
	ModifiedReferences int64 `json:"modifiedReferences"`
	PrivateBytes       int64 `json:"privateBytes"`
	Fingerprints       int64 `json:"fingerprints"`
	Users              int64 `json:"users"`
}

// ContentStore is the relational side of the content pool.
type ContentStore interface {
	// Tx runs fn in a transaction. fn must only use the store it is given.
	Tx(ctx context.Context, fn func(tx ContentStore) error) error

	// Fingerprints
	GetFingerprint(ctx context.Context, normalizedURL string) (*model.ContentFingerprint, error)
	FindFingerprints(ctx context.Context, normalizedURLs []string) (map[string]model.ContentFingerprint, error)
	// UpsertFingerprint inserts fp or, when the URL is known, only touches
	// LastAccessedAt. It returns the stored row.
	UpsertFingerprint(ctx context.Context, fp *model.ContentFingerprint) (*model.ContentFingerprint, error)

	// Processed content
	SaveProcessedContent(ctx context.Context, pc *model.ProcessedContent) (*model.ProcessedContent, error)
	GetProcessedContentByHash(ctx context.Context, contentHash string) (*model.ProcessedContent, error)

	// Shared objects
	GetSharedObject(ctx context.Context, contentHash string, forUpdate bool) (*model.SharedObject, error)
	CreateSharedObject(ctx context.Context, obj *model.SharedObject) error
	// UpdateSharedObject writes the storage fields (key, sizes, compression,
	// tier). Counters and access times have their own atomic methods.
	UpdateSharedObject(ctx context.Context, obj *model.SharedObject) error
	TouchSharedObject(ctx context.Context, contentHash string, at time.Time) error
	// AdjustReferenceCount atomically adds delta (clamped at zero) and
	// returns the new count.
	AdjustReferenceCount(ctx context.Context, contentHash string, delta int64, accessedAt time.Time) (int64, error)
	DeleteSharedObject(ctx context.Context, contentHash string) error
	ListSharedObjects(ctx context.Context, q SharedObjectQuery) ([]model.SharedObject, error)
	DecayAccessFrequency(ctx context.Context, recentSince time.Time, factor float64) (int64, error)

	// References
	GetReference(ctx context.Context, userID, entryID string) (*model.UserReference, error)
	GetReferenceByPath(ctx context.Context, userID, storagePath string) (*model.UserReference, error)
	CreateReference(ctx context.Context, ref *model.UserReference) error
	UpdateReference(ctx context.Context, ref *model.UserReference) error
	TouchReference(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteReference(ctx context.Context, id uuid.UUID) error
	ListReferences(ctx context.Context, q ReferenceQuery) ([]model.UserReference, error)
	CountAttachedReferences(ctx context.Context, contentHash string) (int64, error)
	// UsersWithEntry returns the subset of userIDs already holding a reference to entryID.
	UsersWithEntry(ctx context.Context, entryID string, userIDs []string) (map[string]bool, error)
	// ListFragmentedHashes returns hashes referenced by more than one reference.
	ListFragmentedHashes(ctx context.Context, afterHash string, limit int) ([]string, error)
	// ListOrphanedReferences returns unmodified references whose shared object is gone.
	ListOrphanedReferences(ctx context.Context, limit int) ([]model.UserReference, error)

	// Quotas
	GetQuota(ctx context.Context, userID string) (*model.UserQuota, error)
	// CreateQuota inserts q unless the user already has a quota row.
	CreateQuota(ctx context.Context, q *model.UserQuota) error
	// AdjustQuota adds the deltas to the used counters, clamped at zero.
	AdjustQuota(ctx context.Context, userID string, deltaBytes, deltaFiles int64) error
	ListQuotas(ctx context.Context, afterUserID string, limit int) ([]model.UserQuota, error)

	// Distribution
	ListActivePreferences(ctx context.Context) ([]model.UserPreference, error)
	SavePreference(ctx context.Context, p *model.UserPreference) error
	GetStorageConfig(ctx context.Context, userID string) (*model.UserStorageConfig, error)
	SaveStorageConfig(ctx context.Context, c *model.UserStorageConfig) error
	CreateNote(ctx context.Context, n *model.UserNote) error
	CountNotesSince(ctx context.Context, userIDs []string, since time.Time) (map[string]int64, error)

	// Maintenance
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error

	// Tasks
	CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error
	ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error)
	DeleteTask(ctx context.Context, taskID uuid.UUID) error
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error
}

// Loader creates a ContentStore from config.
type Loader func(ctx context.Context) (ContentStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
