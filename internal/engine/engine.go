// Package engine wires the fingerprint index, the shared content pool, the
// distribution matcher and executor, the storage optimizer and the edit
// isolation guard into the operations callers use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/clock"
	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/distribute"
	"github.com/chirino/contentpool/internal/fingerprint"
	"github.com/chirino/contentpool/internal/guard"
	"github.com/chirino/contentpool/internal/matcher"
	"github.com/chirino/contentpool/internal/model"
	"github.com/chirino/contentpool/internal/optimizer"
	storemetrics "github.com/chirino/contentpool/internal/plugin/store/metrics"
	"github.com/chirino/contentpool/internal/pool"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrycache "github.com/chirino/contentpool/internal/registry/cache"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/google/uuid"
)

// Reasons reported by CheckDuplicateByURL.
const (
	ReasonNew         = "new"
	ReasonDuplicate   = "duplicate_url"
	ReasonCheckFailed = "check_failed"
)

// ContentCheckResult tells the ingestion pipeline whether to process a URL.
type ContentCheckResult struct {
	IsDuplicate     bool   `json:"isDuplicate"`
	ShouldProcess   bool   `json:"shouldProcess"`
	ExistingEntryID string `json:"existingEntryId,omitempty"`
	NormalizedURL   string `json:"normalizedUrl"`
	Reason          string `json:"reason"`
	// AlreadyDelivered is set when the asking user holds a copy of the
	// existing entry.
	AlreadyDelivered bool `json:"alreadyDelivered"`
}

// Metadata describes a registered URL.
type Metadata struct {
	ContentHash string
	SourceID    string
	Title       string
}

// Item is one piece of content as the ingestion pipeline hands it over.
type Item struct {
	Title       string
	Link        string
	RawContent  string
	PublishedAt *time.Time
}

// Analysis is the output of the AI stage for an Item.
type Analysis struct {
	Topics          []string
	Keywords        []string
	ImportanceScore float64
	Sentiment       string
	ContentType     string
	MarkdownContent string
}

// Components are the backends an Engine runs on. Store and Blobs.Hot are
// required.
type Components struct {
	Store       registrystore.ContentStore
	Blobs       registryblob.Tiers
	RemoteCache registrycache.FingerprintCache
	Clock       clock.Clock
}

type Engine struct {
	cfg       *config.Config
	store     registrystore.ContentStore
	index     *fingerprint.Index
	pool      *pool.Pool
	matcher   *matcher.Matcher
	executor  *distribute.Executor
	optimizer *optimizer.Optimizer
	guard     *guard.Guard
	clock     clock.Clock
	closers   []io.Closer
}

// New builds an Engine over already opened backends.
func New(cfg *config.Config, c Components) (*Engine, error) {
	if cfg == nil {
		def := config.DefaultConfig()
		cfg = &def
	}
	if c.Store == nil || c.Blobs.Hot == nil {
		return nil, fmt.Errorf("engine: store and hot blob store are required")
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}

	indexOpts := []fingerprint.Option{
		fingerprint.WithClock(c.Clock),
		fingerprint.WithLocalCache(fingerprint.NewLocalCache(c.Clock, cfg.DedupCacheCapacity, cfg.DedupCacheTTL)),
	}
	if c.RemoteCache != nil && c.RemoteCache.Available() {
		indexOpts = append(indexOpts, fingerprint.WithRemoteCache(c.RemoteCache, cfg.RemoteCacheTTL))
	}

	p := pool.New(c.Store, c.Blobs, pool.ProcessedContentSource{Store: c.Store}, pool.Options{
		Clock:             c.Clock,
		DefaultQuotaBytes: cfg.DefaultQuotaBytes,
		DefaultQuotaFiles: cfg.DefaultQuotaFiles,
		RetryBackoff:      cfg.ConflictRetryBackoff,
	})
	m := matcher.FromConfig(cfg)
	g, err := guard.New(p, guard.Options{CacheSize: cfg.GuardPathCacheSize, CacheTTL: cfg.GuardPathCacheTTL})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		store:   c.Store,
		index:   fingerprint.NewIndex(c.Store, indexOpts...),
		pool:    p,
		matcher: m,
		executor: distribute.New(c.Store, p, m, distribute.Options{
			Concurrency:   cfg.DistributionConcurrency,
			TargetTimeout: cfg.DistributionTargetTimeout,
			Clock:         c.Clock,
		}),
		optimizer: optimizer.New(p, cfg.Optimizer, optimizer.WithClock(c.Clock)),
		guard:     g,
		clock:     c.Clock,
	}, nil
}

func (e *Engine) Config() *config.Config            { return e.cfg }
func (e *Engine) Store() registrystore.ContentStore { return e.store }
func (e *Engine) Index() *fingerprint.Index         { return e.index }
func (e *Engine) Pool() *pool.Pool                  { return e.pool }
func (e *Engine) Matcher() *matcher.Matcher         { return e.matcher }
func (e *Engine) Executor() *distribute.Executor    { return e.executor }
func (e *Engine) Optimizer() *optimizer.Optimizer   { return e.optimizer }
func (e *Engine) Guard() *guard.Guard               { return e.guard }
func (e *Engine) Clock() clock.Clock                { return e.clock }

// Close releases the guard cache and every backend that Open created.
func (e *Engine) Close() error {
	e.guard.Close()
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckDuplicateByURL reports whether url was already ingested. Any failure
// is reported as a duplicate so the item is not processed twice.
func (e *Engine) CheckDuplicateByURL(ctx context.Context, url, userID, sourceID string) ContentCheckResult {
	res := e.index.CheckDuplicate(ctx, url)
	out := ContentCheckResult{
		IsDuplicate:     res.IsDuplicate,
		ShouldProcess:   !res.IsDuplicate,
		ExistingEntryID: res.ExistingEntryID,
		NormalizedURL:   res.NormalizedURL,
		Reason:          ReasonNew,
	}
	switch {
	case res.Err != nil:
		out.Reason = ReasonCheckFailed
		log.Warn("Engine: duplicate check failed, skipping item", "url", url, "source", sourceID, "err", res.Err)
		return out
	case res.IsDuplicate:
		out.Reason = ReasonDuplicate
	}
	if res.IsDuplicate && userID != "" && res.ExistingEntryID != "" {
		if _, err := e.store.GetReference(ctx, userID, res.ExistingEntryID); err == nil {
			out.AlreadyDelivered = true
		} else if !registrystore.IsNotFound(err) {
			log.Debug("Engine: reference lookup failed", "user", userID, "entry", res.ExistingEntryID, "err", err)
		}
	}
	return out
}

// RegisterProcessedURL marks url as ingested under entryID on behalf of userID.
func (e *Engine) RegisterProcessedURL(ctx context.Context, url, entryID, userID string, meta Metadata) error {
	_, err := e.index.RegisterProcessedURL(ctx, url, entryID, fingerprint.Metadata{
		ContentHash: meta.ContentHash,
		OwnerUserID: userID,
		SourceID:    meta.SourceID,
		Title:       meta.Title,
	})
	return err
}

// RecordProcessedContent stores the analyzed form of item. The returned row
// is keyed by the sha256 of its canonical markdown; recording the same
// markdown again returns the existing row.
func (e *Engine) RecordProcessedContent(ctx context.Context, item Item, analysis Analysis) (*model.ProcessedContent, error) {
	markdown := analysis.MarkdownContent
	if strings.TrimSpace(markdown) == "" {
		markdown = item.RawContent
	}
	if strings.TrimSpace(markdown) == "" {
		return nil, &registrystore.ValidationError{Field: "markdownContent", Message: "must not be empty"}
	}
	if analysis.ImportanceScore < 0 || analysis.ImportanceScore > 1 {
		return nil, &registrystore.ValidationError{Field: "importanceScore", Message: "must be between 0 and 1"}
	}
	var published *time.Time
	if item.PublishedAt != nil {
		t := item.PublishedAt.UTC()
		published = &t
	}
	pc, err := e.store.SaveProcessedContent(ctx, &model.ProcessedContent{
		ID:              uuid.New(),
		ContentHash:     pool.HashContent([]byte(markdown)),
		Title:           item.Title,
		Link:            item.Link,
		Markdown:        markdown,
		Topics:          analysis.Topics,
		Keywords:        analysis.Keywords,
		ImportanceScore: analysis.ImportanceScore,
		Sentiment:       analysis.Sentiment,
		ContentType:     analysis.ContentType,
		PublishedAt:     published,
	})
	if err != nil {
		return nil, fmt.Errorf("record processed content: %w", err)
	}
	return pc, nil
}

// FeaturesOf returns the matching features of processed content.
func FeaturesOf(pc *model.ProcessedContent) matcher.Features {
	return matcher.Features{
		Topics:          pc.Topics,
		Keywords:        pc.Keywords,
		ImportanceScore: pc.ImportanceScore,
		ContentType:     pc.ContentType,
	}
}

// DistributeContent gives every admitted user a copy of contentHash as
// entryID. Per-user failures are reported in the results.
func (e *Engine) DistributeContent(ctx context.Context, contentHash string, processedContentID uuid.UUID, entryID string, features matcher.Features) ([]distribute.Result, error) {
	title := ""
	if pc, err := e.store.GetProcessedContentByHash(ctx, contentHash); err == nil {
		title = pc.Title
	}
	return e.executor.Distribute(ctx, distribute.Request{
		ContentHash:        contentHash,
		ProcessedContentID: processedContentID,
		EntryID:            entryID,
		Title:              title,
		Features:           features,
	})
}

// HandleUserContentUpdate applies a user's edit, forking the user off the
// shared object when needed.
func (e *Engine) HandleUserContentUpdate(ctx context.Context, userID, entryID string, newContent []byte) (pool.UpdateResult, error) {
	return e.pool.HandleUserContentUpdate(ctx, userID, entryID, newContent)
}

// ReadUserContent returns the plain bytes of the user's copy of entryID.
func (e *Engine) ReadUserContent(ctx context.Context, userID, entryID string) ([]byte, error) {
	return e.pool.ReadContent(ctx, userID, entryID)
}

// WriteUserFile routes a write at path through the edit isolation guard.
func (e *Engine) WriteUserFile(ctx context.Context, userID, path string, content []byte, write guard.WriteFunc) error {
	return e.guard.Write(ctx, userID, path, content, write)
}

// RunFullOptimization runs every optimizer phase in order.
func (e *Engine) RunFullOptimization(ctx context.Context) optimizer.OptimizationReport {
	return e.optimizer.RunFullOptimization(ctx)
}

// Open builds an Engine from the config in ctx, loading the configured
// store, blob and cache plugins. Plugins must already be registered.
func Open(ctx context.Context) (*Engine, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("engine: missing config in context")
	}
	var closers []io.Closer
	fail := func(err error) (*Engine, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	loadStore, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	rawStore, err := loadStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DatastoreType, err)
	}
	track(rawStore)

	var blobs registryblob.Tiers
	loadHot, err := registryblob.Select(cfg.BlobType)
	if err != nil {
		return fail(err)
	}
	if blobs.Hot, err = loadHot(ctx, model.TierHot); err != nil {
		return fail(fmt.Errorf("open blob store %s: %w", cfg.BlobType, err))
	}
	track(blobs.Hot)
	if cfg.ColdBlobType != "" {
		loadCold, err := registryblob.Select(cfg.ColdBlobType)
		if err != nil {
			return fail(err)
		}
		if blobs.Cold, err = loadCold(ctx, model.TierCold); err != nil {
			return fail(fmt.Errorf("open cold blob store %s: %w", cfg.ColdBlobType, err))
		}
		track(blobs.Cold)
	} else if cfg.Optimizer.TieringEnabled {
		log.Warn("Engine: tiering enabled without a cold blob store; archiving is disabled")
	}

	loadCache, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		return fail(err)
	}
	remote, err := loadCache(ctx)
	if err != nil {
		return fail(fmt.Errorf("open cache %s: %w", cfg.CacheType, err))
	}
	track(remote)

	e, err := New(cfg, Components{
		Store:       storemetrics.Wrap(rawStore),
		Blobs:       blobs,
		RemoteCache: remote,
	})
	if err != nil {
		return fail(err)
	}
	e.closers = closers
	log.Info("Engine ready",
		"store", cfg.DatastoreType,
		"blobs", cfg.BlobType,
		"coldBlobs", cfg.ColdBlobType,
		"cache", cfg.CacheType)
	return e, nil
}
