package blob

import (
	"context"
	"fmt"

	"github.com/chirino/contentpool/internal/model"
)

// BlobStore is a flat key/value store for content bytes. Keys use forward
// slashes, e.g. "shared/ab/abcdef…".
type BlobStore interface {
	// Put writes data under key, replacing any existing blob.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the blob or a *store.NotFoundError.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Loader creates a BlobStore for the given tier from config.
type Loader func(ctx context.Context, tier model.Tier) (BlobStore, error)

// Plugin represents a blob store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a blob store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered blob store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named blob store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown blob store %q; valid: %v", name, Names())
}

// Tiers holds the hot store and, when tiering is configured, the cold one.
type Tiers struct {
	Hot  BlobStore
	Cold BlobStore
}

// For returns the store backing tier. Cold falls back to Hot when no cold
// store is configured.
func (t Tiers) For(tier model.Tier) BlobStore {
	if tier == model.TierCold && t.Cold != nil {
		return t.Cold
	}
	return t.Hot
}
