package cache

import (
	"context"
	"fmt"
	"time"
)

// CachedFingerprint is the part of a fingerprint needed to answer a
// duplicate check without touching the database.
type CachedFingerprint struct {
	EntryID     string `json:"entryId"`
	ContentHash string `json:"contentHash,omitempty"`
}

// FingerprintCache is a shared, cross-process cache of known URLs. It only
// ever holds positive entries.
type FingerprintCache interface {
	Available() bool
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, normalizedURL string) (*CachedFingerprint, error)
	Set(ctx context.Context, normalizedURL string, fp CachedFingerprint, ttl time.Duration) error
	Remove(ctx context.Context, normalizedURL string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (FingerprintCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
