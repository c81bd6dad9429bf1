package model

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the blob store a shared object currently lives in.
type Tier string

const (
	TierHot  Tier = "hot"
	TierCold Tier = "cold"
)

// ContentFingerprint records that a normalized URL has been ingested. Its
// existence alone means "do not re-ingest".
type ContentFingerprint struct {
	NormalizedURL    string    `json:"normalizedUrl"    gorm:"primaryKey"`
	ContentHash      string    `json:"contentHash"      gorm:"index"`
	CanonicalEntryID string    `json:"canonicalEntryId" gorm:"not null"`
	OwnerUserID      string    `json:"ownerUserId"`
	SourceID         string    `json:"sourceId"`
	Title            string    `json:"title"`
	FirstSeenAt      time.Time `json:"firstSeenAt"      gorm:"not null"`
	LastAccessedAt   time.Time `json:"lastAccessedAt"   gorm:"not null"`
}

func (ContentFingerprint) TableName() string { return "content_fingerprints" }

// ProcessedContent is the analyzed form of an ingested item, keyed by the
// hash of its canonical markdown.
type ProcessedContent struct {
	ID              uuid.UUID  `json:"id"              gorm:"primaryKey;type:uuid"`
	ContentHash     string     `json:"contentHash"     gorm:"uniqueIndex;not null"`
	Title           string     `json:"title"`
	Link            string     `json:"link"`
	Markdown        string     `json:"markdown"        gorm:"type:text"`
	Topics          []string   `json:"topics"          gorm:"type:jsonb;serializer:json"`
	Keywords        []string   `json:"keywords"        gorm:"type:jsonb;serializer:json"`
	ImportanceScore float64    `json:"importanceScore"`
	Sentiment       string     `json:"sentiment"`
	ContentType     string     `json:"contentType"`
	PublishedAt     *time.Time `json:"publishedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"       gorm:"not null"`
}

func (ProcessedContent) TableName() string { return "processed_contents" }

// SharedObject is one canonical, content-addressed blob. ReferenceCount is
// the number of unmodified UserReferences that point at it.
type SharedObject struct {
	ContentHash         string    `json:"contentHash"         gorm:"primaryKey"`
	StorageKey          string    `json:"storageKey"          gorm:"not null"`
	SizeBytes           int64     `json:"sizeBytes"           gorm:"not null"`
	ReferenceCount      int64     `json:"referenceCount"      gorm:"not null;index:idx_shared_refs_access,priority:1"`
	IsCompressed        bool      `json:"isCompressed"        gorm:"not null"`
	CompressedSizeBytes int64     `json:"compressedSizeBytes"`
	AccessFrequency     float64   `json:"accessFrequency"     gorm:"not null"`
	Tier                Tier      `json:"tier"                gorm:"not null"`
	CreatedAt           time.Time `json:"createdAt"           gorm:"not null"`
	LastAccessedAt      time.Time `json:"lastAccessedAt"      gorm:"not null;index:idx_shared_refs_access,priority:2"`
}

func (SharedObject) TableName() string { return "shared_objects" }

// StoredSize is the number of bytes the object occupies in the blob store.
func (o *SharedObject) StoredSize() int64 {
	if o.IsCompressed && o.CompressedSizeBytes > 0 {
		return o.CompressedSizeBytes
	}
	return o.SizeBytes
}

// UserReference is a user's logical copy of an entry. While IsModified is
// false it shares the SharedObject with the same ContentHash; after the
// first differing write it owns a private blob at StoragePath.
type UserReference struct {
	ID             uuid.UUID `json:"id"             gorm:"primaryKey;type:uuid"`
	UserID         string    `json:"userId"         gorm:"not null;uniqueIndex:idx_user_entry,priority:1"`
	EntryID        string    `json:"entryId"        gorm:"not null;uniqueIndex:idx_user_entry,priority:2"`
	ContentHash    string    `json:"contentHash"    gorm:"not null;index"`
	IsModified     bool      `json:"isModified"     gorm:"not null"`
	StoragePath    string    `json:"storagePath"    gorm:"not null;index"`
	FileSizeBytes  int64     `json:"fileSizeBytes"  gorm:"not null"`
	CreatedAt      time.Time `json:"createdAt"      gorm:"not null"`
	LastAccessedAt time.Time `json:"lastAccessedAt" gorm:"not null"`
}

func (UserReference) TableName() string { return "user_references" }

// UserQuota holds per-user storage limits and usage.
type UserQuota struct {
	UserID           string    `json:"userId"           gorm:"primaryKey"`
	MaxStorageBytes  int64     `json:"maxStorageBytes"  gorm:"not null"`
	UsedStorageBytes int64     `json:"usedStorageBytes" gorm:"not null"`
	MaxFileCount     int64     `json:"maxFileCount"     gorm:"not null"`
	UsedFileCount    int64     `json:"usedFileCount"    gorm:"not null"`
	UpdatedAt        time.Time `json:"updatedAt"        gorm:"not null"`
}

func (UserQuota) TableName() string { return "user_quotas" }

// UsageRatio returns used/max storage, or 0 when the quota is unlimited.
func (q *UserQuota) UsageRatio() float64 {
	if q.MaxStorageBytes <= 0 {
		return 0
	}
	return float64(q.UsedStorageBytes) / float64(q.MaxStorageBytes)
}

// UserPreference is the content profile the distribution matcher scores against.
type UserPreference struct {
	UserID             string    `json:"userId"             gorm:"primaryKey"`
	EnabledTopics      []string  `json:"enabledTopics"      gorm:"type:jsonb;serializer:json"`
	EnabledKeywords    []string  `json:"enabledKeywords"    gorm:"type:jsonb;serializer:json"`
	MinImportanceScore float64   `json:"minImportanceScore"`
	ContentTypes       []string  `json:"contentTypes"       gorm:"type:jsonb;serializer:json"`
	MaxDailyContent    int       `json:"maxDailyContent"`
	Active             bool      `json:"active"             gorm:"not null;index"`
	UpdatedAt          time.Time `json:"updatedAt"          gorm:"not null"`
}

func (UserPreference) TableName() string { return "user_preferences" }

// UserStorageConfig describes where a user's notes are written. A user
// without a verified config is skipped by distribution.
type UserStorageConfig struct {
	UserID    string    `json:"userId"    gorm:"primaryKey"`
	Provider  string    `json:"provider"  gorm:"not null"`
	Target    string    `json:"target"`
	Verified  bool      `json:"verified"  gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`
}

func (UserStorageConfig) TableName() string { return "user_storage_configs" }

// UserNote is the user-facing record written for each delivered entry.
type UserNote struct {
	ID                 uuid.UUID `json:"id"                 gorm:"primaryKey;type:uuid"`
	UserID             string    `json:"userId"             gorm:"not null;uniqueIndex:idx_note_user_entry,priority:1;index:idx_note_user_created,priority:1"`
	EntryID            string    `json:"entryId"            gorm:"not null;uniqueIndex:idx_note_user_entry,priority:2"`
	ProcessedContentID uuid.UUID `json:"processedContentId" gorm:"type:uuid"`
	ContentHash        string    `json:"contentHash"        gorm:"not null"`
	StoragePath        string    `json:"storagePath"        gorm:"not null"`
	Title              string    `json:"title"`
	Score              float64   `json:"score"`
	Priority           string    `json:"priority"`
	CreatedAt          time.Time `json:"createdAt"          gorm:"not null;index:idx_note_user_created,priority:2"`
}

func (UserNote) TableName() string { return "user_notes" }

// Task represents a background task in the task queue.
type Task struct {
	ID         uuid.UUID              `json:"id"                  gorm:"primaryKey;type:uuid"`
	TaskName   *string                `json:"taskName,omitempty"  gorm:"unique"`
	TaskType   string                 `json:"taskType"            gorm:"not null"`
	TaskBody   map[string]interface{} `json:"taskBody"            gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt  time.Time              `json:"createdAt"           gorm:"not null"`
	RetryAt    time.Time              `json:"retryAt"             gorm:"not null;index"`
	LastError  *string                `json:"lastError,omitempty"`
	RetryCount int                    `json:"retryCount"          gorm:"not null;default:0"`
}

func (Task) TableName() string { return "tasks" }

// JobLease grants one process the right to run a named optimizer phase
// until ExpiresAt.
type JobLease struct {
	Name      string    `json:"name"      gorm:"primaryKey"`
	Holder    string    `json:"holder"    gorm:"not null"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"not null"`
}

func (JobLease) TableName() string { return "job_leases" }

// All lists every persistent model, in migration order.
func All() []any {
	return []any{
		&ContentFingerprint{},
		&ProcessedContent{},
		&SharedObject{},
		&UserReference{},
		&UserQuota{},
		&UserPreference{},
		&UserStorageConfig{},
		&UserNote{},
		&Task{},
		&JobLease{},
	}
}
