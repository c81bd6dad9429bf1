// Package guard isolates user edits: every write to a user's copy goes
// through the pool's copy-on-write path before it reaches storage.
package guard

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/metrics"
	"github.com/chirino/contentpool/internal/pool"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/dgraph-io/ristretto/v2"
)

// ReconcileTaskType is the task queued when isolation fails.
const ReconcileTaskType = "isolation_reconcile"

// WriteFunc performs the underlying write at path.
type WriteFunc func(ctx context.Context, path string, content []byte) error

type Options struct {
	// Maximum cached path resolutions. Default 100000.
	CacheSize int64
	// Lifetime of a cached resolution. Default 10m.
	CacheTTL time.Duration
}

type Guard struct {
	pool  *pool.Pool
	store registrystore.ContentStore
	paths *ristretto.Cache[string, string]
	ttl   time.Duration
}

func New(p *pool.Pool, opts Options) (*Guard, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 100000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: opts.CacheSize * 10,
		MaxCost:     opts.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("guard: path cache: %w", err)
	}
	return &Guard{pool: p, store: p.Store(), paths: cache, ttl: opts.CacheTTL}, nil
}

func (g *Guard) Close() {
	g.paths.Close()
}

func pathKey(userID, path string) string {
	return userID + "\x00" + path
}

// ResolveEntry maps a storage path the user writes to onto the entry it
// belongs to.
func (g *Guard) ResolveEntry(ctx context.Context, userID, path string) (string, error) {
	key := pathKey(userID, path)
	if entryID, ok := g.paths.Get(key); ok {
		return entryID, nil
	}
	ref, err := g.store.GetReferenceByPath(ctx, userID, path)
	if registrystore.IsNotFound(err) {
		// A private path names its entry even after later edits moved the reference.
		if owner, entryID, ok := pool.ParsePrivateKey(path); ok && owner == userID {
			if _, rerr := g.store.GetReference(ctx, userID, entryID); rerr == nil {
				g.paths.SetWithTTL(key, entryID, 1, g.ttl)
				return entryID, nil
			}
		}
	}
	if err != nil {
		return "", err
	}
	g.paths.SetWithTTL(key, ref.EntryID, 1, g.ttl)
	return ref.EntryID, nil
}

// Write isolates content for the user's copy at path and then runs write
// against the effective path. Isolation failures never block the write: it
// runs against the original path and a reconcile task is queued.
func (g *Guard) Write(ctx context.Context, userID, path string, content []byte, write WriteFunc) error {
	marker := &CopyMarker{UserID: userID, OriginalPath: path, EffectivePath: path}

	entryID, err := g.ResolveEntry(ctx, userID, path)
	switch {
	case registrystore.IsNotFound(err):
		log.Debug("Guard: path not managed by the pool", "user", userID, "path", path)
	case err != nil:
		g.failOpen(ctx, marker, content, err)
	default:
		marker.EntryID = entryID
		res, err := g.pool.HandleUserContentUpdate(ctx, userID, entryID, content)
		if err != nil {
			g.failOpen(ctx, marker, content, err)
			break
		}
		marker.Isolated = true
		marker.IsNewCopy = res.IsNewCopy
		marker.EffectivePath = res.Path
		marker.ContentHash = res.ContentHash
		if res.Path != path {
			g.paths.SetWithTTL(pathKey(userID, res.Path), entryID, 1, g.ttl)
		}
		if res.IsNewCopy {
			log.Info("Guard: user copy forked", "user", userID, "entry", entryID, "path", res.Path)
		}
	}

	return write(WithCopyMarker(ctx, marker), marker.EffectivePath, content)
}

func (g *Guard) failOpen(ctx context.Context, marker *CopyMarker, content []byte, cause error) {
	metrics.GuardFailure()
	log.Warn("Guard: isolation failed, writing to original path", "user", marker.UserID, "entry", marker.EntryID, "path", marker.OriginalPath, "err", cause)
	body := map[string]interface{}{
		"userId":     marker.UserID,
		"entryId":    marker.EntryID,
		"path":       marker.OriginalPath,
		"contentB64": base64.StdEncoding.EncodeToString(content),
		"error":      cause.Error(),
	}
	if err := g.store.CreateTask(context.WithoutCancel(ctx), ReconcileTaskType, body); err != nil {
		log.Error("Guard: failed to queue isolation reconcile", "user", marker.UserID, "path", marker.OriginalPath, "err", err)
	}
}

// Reconcile replays a failed isolation from a queued task body. A reference
// that no longer exists needs no reconciliation.
func (g *Guard) Reconcile(ctx context.Context, body map[string]interface{}) error {
	userID, _ := body["userId"].(string)
	entryID, _ := body["entryId"].(string)
	path, _ := body["path"].(string)
	encoded, ok := body["contentB64"].(string)
	if userID == "" || !ok || (entryID == "" && path == "") {
		return fmt.Errorf("invalid %s task body", ReconcileTaskType)
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid %s task content: %w", ReconcileTaskType, err)
	}
	if entryID == "" {
		entryID, err = g.ResolveEntry(ctx, userID, path)
		if registrystore.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	res, err := g.pool.HandleUserContentUpdate(ctx, userID, entryID, content)
	if registrystore.IsNotFound(err) {
		log.Info("Guard: reference gone, nothing to reconcile", "user", userID, "entry", entryID)
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("Guard: isolation reconciled", "user", userID, "entry", entryID, "path", res.Path)
	return nil
}
