package pool

import (
	"context"
	"fmt"

	registrystore "github.com/chirino/contentpool/internal/registry/store"
)

// ContentSource supplies the canonical bytes for a hash the pool has not
// stored yet.
type ContentSource interface {
	LoadContent(ctx context.Context, contentHash string) ([]byte, error)
}

// ProcessedContentSource reads the canonical markdown recorded for a hash.
type ProcessedContentSource struct {
	Store registrystore.ContentStore
}

func (s ProcessedContentSource) LoadContent(ctx context.Context, contentHash string) ([]byte, error) {
	pc, err := s.Store.GetProcessedContentByHash(ctx, contentHash)
	if err != nil {
		return nil, fmt.Errorf("load processed content: %w", err)
	}
	return []byte(pc.Markdown), nil
}

// StaticSource serves content from memory. Useful for tests and one-off tools.
type StaticSource map[string][]byte

func (s StaticSource) LoadContent(_ context.Context, contentHash string) ([]byte, error) {
	data, ok := s[contentHash]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "content", ID: contentHash}
	}
	return data, nil
}
