package fingerprint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/clock"
	"github.com/chirino/contentpool/internal/metrics"
	"github.com/chirino/contentpool/internal/model"
	registrycache "github.com/chirino/contentpool/internal/registry/cache"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
)

// Where a duplicate check was answered.
const (
	SourceLocal    = "local"
	SourceRemote   = "remote"
	SourceDatabase = "database"
	SourceNone     = "none"
	SourceError    = "error"
)

// CheckResult is the outcome of a duplicate check.
type CheckResult struct {
	IsDuplicate     bool   `json:"isDuplicate"`
	ExistingEntryID string `json:"existingEntryId,omitempty"`
	NormalizedURL   string `json:"normalizedUrl"`
	Source          string `json:"source"`
	Err             error  `json:"-"`
}

// Metadata is stored alongside a registered URL.
type Metadata struct {
	ContentHash string
	OwnerUserID string
	SourceID    string
	Title       string
}

// Index answers "has this URL already been ingested?" from a local cache, an
// optional shared cache and finally the persistent fingerprint table.
type Index struct {
	store     registrystore.ContentStore
	remote    registrycache.FingerprintCache
	local     *LocalCache
	clock     clock.Clock
	remoteTTL time.Duration
}

// Option configures an Index.
type Option func(*Index)

// WithRemoteCache adds a shared cache consulted between the local cache and
// the store.
func WithRemoteCache(c registrycache.FingerprintCache, ttl time.Duration) Option {
	return func(ix *Index) {
		ix.remote = c
		ix.remoteTTL = ttl
	}
}

// WithLocalCache replaces the default local cache.
func WithLocalCache(c *LocalCache) Option {
	return func(ix *Index) { ix.local = c }
}

func WithClock(c clock.Clock) Option {
	return func(ix *Index) { ix.clock = c }
}

// NewIndex creates an Index. Without WithLocalCache it gets a 10 000 entry,
// 30 minute cache.
func NewIndex(store registrystore.ContentStore, opts ...Option) *Index {
	ix := &Index{store: store, clock: clock.Real{}}
	for _, o := range opts {
		o(ix)
	}
	if ix.local == nil {
		ix.local = NewLocalCache(ix.clock, 10000, 30*time.Minute)
	}
	return ix
}

// CheckDuplicate reports whether url was already registered. Any failure is
// reported as a duplicate so the caller never re-ingests on ambiguity.
func (ix *Index) CheckDuplicate(ctx context.Context, rawURL string) CheckResult {
	key := Normalize(rawURL)
	if key == "" {
		return ix.failSafe(key, &registrystore.ValidationError{Field: "url", Message: "must not be empty"})
	}
	if entryID, ok := ix.local.Get(key); ok {
		metrics.DedupCheck(SourceLocal)
		return CheckResult{IsDuplicate: true, ExistingEntryID: entryID, NormalizedURL: key, Source: SourceLocal}
	}
	if ix.remoteAvailable() {
		cached, err := ix.remote.Get(ctx, key)
		if err != nil {
			log.Warn("Fingerprint: remote cache lookup failed", "url", key, "err", err)
		} else if cached != nil {
			ix.local.Set(key, cached.EntryID)
			metrics.DedupCheck(SourceRemote)
			return CheckResult{IsDuplicate: true, ExistingEntryID: cached.EntryID, NormalizedURL: key, Source: SourceRemote}
		}
	}
	fp, err := ix.store.GetFingerprint(ctx, key)
	if registrystore.IsNotFound(err) {
		metrics.DedupCheck(SourceNone)
		return CheckResult{NormalizedURL: key, Source: SourceNone}
	}
	if err != nil {
		return ix.failSafe(key, err)
	}
	ix.remember(ctx, key, fp)
	metrics.DedupCheck(SourceDatabase)
	return CheckResult{IsDuplicate: true, ExistingEntryID: fp.CanonicalEntryID, NormalizedURL: key, Source: SourceDatabase}
}

// BatchCheckDuplicateURLs checks many URLs with a single store query for
// everything the caches could not answer. Results are keyed by the input URL.
func (ix *Index) BatchCheckDuplicateURLs(ctx context.Context, urls []string) map[string]CheckResult {
	results := make(map[string]CheckResult, len(urls))
	pending := make(map[string][]string)
	var misses []string

	for _, raw := range urls {
		if _, done := results[raw]; done {
			continue
		}
		key := Normalize(raw)
		if key == "" {
			results[raw] = ix.failSafe(key, &registrystore.ValidationError{Field: "url", Message: "must not be empty"})
			continue
		}
		if entryID, ok := ix.local.Get(key); ok {
			metrics.DedupCheck(SourceLocal)
			results[raw] = CheckResult{IsDuplicate: true, ExistingEntryID: entryID, NormalizedURL: key, Source: SourceLocal}
			continue
		}
		if _, queued := pending[key]; !queued {
			misses = append(misses, key)
		}
		pending[key] = append(pending[key], raw)
	}
	if len(misses) == 0 {
		return results
	}

	found, err := ix.store.FindFingerprints(ctx, misses)
	for _, key := range misses {
		var res CheckResult
		switch fp, ok := found[key]; {
		case err != nil:
			res = ix.failSafe(key, err)
		case ok:
			ix.remember(ctx, key, &fp)
			metrics.DedupCheck(SourceDatabase)
			res = CheckResult{IsDuplicate: true, ExistingEntryID: fp.CanonicalEntryID, NormalizedURL: key, Source: SourceDatabase}
		default:
			metrics.DedupCheck(SourceNone)
			res = CheckResult{NormalizedURL: key, Source: SourceNone}
		}
		for _, raw := range pending[key] {
			results[raw] = res
		}
	}
	return results
}

// RegisterProcessedURL records url as ingested under entryID. Registering an
// already known URL keeps the original canonical entry. Caches are written
// only after the store write succeeds.
func (ix *Index) RegisterProcessedURL(ctx context.Context, rawURL, entryID string, meta Metadata) (*model.ContentFingerprint, error) {
	key := Normalize(rawURL)
	if key == "" {
		return nil, &registrystore.ValidationError{Field: "url", Message: "must not be empty"}
	}
	if strings.TrimSpace(entryID) == "" {
		return nil, &registrystore.ValidationError{Field: "entryId", Message: "must not be empty"}
	}
	now := ix.clock.Now().UTC()
	fp, err := ix.store.UpsertFingerprint(ctx, &model.ContentFingerprint{
		NormalizedURL:    key,
		ContentHash:      meta.ContentHash,
		CanonicalEntryID: entryID,
		OwnerUserID:      meta.OwnerUserID,
		SourceID:         meta.SourceID,
		Title:            meta.Title,
		FirstSeenAt:      now,
		LastAccessedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("register fingerprint: %w", err)
	}
	ix.remember(ctx, key, fp)
	return fp, nil
}

// CacheStats exposes the local cache counters.
func (ix *Index) CacheStats() CacheStats {
	return ix.local.Stats()
}

func (ix *Index) remember(ctx context.Context, key string, fp *model.ContentFingerprint) {
	ix.local.Set(key, fp.CanonicalEntryID)
	if !ix.remoteAvailable() {
		return
	}
	err := ix.remote.Set(ctx, key, registrycache.CachedFingerprint{EntryID: fp.CanonicalEntryID, ContentHash: fp.ContentHash}, ix.remoteTTL)
	if err != nil {
		log.Warn("Fingerprint: remote cache write failed", "url", key, "err", err)
	}
}

func (ix *Index) remoteAvailable() bool {
	return ix.remote != nil && ix.remote.Available()
}

func (ix *Index) failSafe(key string, err error) CheckResult {
	log.Error("Fingerprint: duplicate check failed, treating as duplicate", "url", key, "err", err)
	metrics.DedupCheck(SourceError)
	return CheckResult{IsDuplicate: true, NormalizedURL: key, Source: SourceError, Err: err}
}
