package pool

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/metrics"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
)

// UpdateResult describes where a user's write landed.
type UpdateResult struct {
	// IsNewCopy is true when the write forked the user off a shared object.
	IsNewCopy   bool   `json:"isNewCopy"`
	Path        string `json:"path"`
	ContentHash string `json:"contentHash"`
}

// HandleUserContentUpdate applies newContent to the user's copy of entryID.
// Content that hashes the same as the current copy is a no-op. Otherwise the
// bytes are written to a private blob first, then the reference is switched
// to it and, if it was shared, detached from the shared object. Edits are
// never rejected for quota; the size delta is still charged.
func (p *Pool) HandleUserContentUpdate(ctx context.Context, userID, entryID string, newContent []byte) (UpdateResult, error) {
	var res UpdateResult
	err := p.withRetry(ctx, "update", func() error {
		var err error
		res, err = p.handleUpdate(ctx, userID, entryID, newContent)
		return err
	})
	if err != nil {
		return UpdateResult{}, err
	}
	if res.IsNewCopy {
		metrics.ReferenceOp("fork")
	}
	return res, nil
}

func (p *Pool) handleUpdate(ctx context.Context, userID, entryID string, newContent []byte) (UpdateResult, error) {
	ref, err := p.store.GetReference(ctx, userID, entryID)
	if err != nil {
		return UpdateResult{}, err
	}
	newHash := HashContent(newContent)
	if newHash == ref.ContentHash {
		return UpdateResult{Path: ref.StoragePath, ContentHash: newHash}, nil
	}

	unlock := p.locks.lock(ref.ContentHash)
	defer unlock()

	newPath := PrivateKey(userID, entryID, newHash)
	if err := p.blobs.Hot.Put(ctx, newPath, newContent); err != nil {
		return UpdateResult{}, &registrystore.TransientError{Op: "write private copy", Err: err}
	}

	oldPath, wasShared := ref.StoragePath, !ref.IsModified
	newSize := int64(len(newContent))
	err = p.store.Tx(ctx, func(tx registrystore.ContentStore) error {
		if err := verifyReference(ctx, tx, ref); err != nil {
			return err
		}
		updated := *ref
		updated.ContentHash = newHash
		updated.IsModified = true
		updated.StoragePath = newPath
		updated.FileSizeBytes = newSize
		updated.LastAccessedAt = p.now()
		if err := tx.UpdateReference(ctx, &updated); err != nil {
			return err
		}
		if wasShared {
			if err := p.detach(ctx, tx, ref.ContentHash); err != nil {
				return err
			}
		}
		return p.adjustQuota(ctx, tx, userID, newSize-ref.FileSizeBytes, 0)
	})
	if err != nil {
		p.dropUnusedPrivate(ctx, userID, entryID, newPath)
		return UpdateResult{}, err
	}
	if !wasShared && oldPath != newPath && isPrivateKey(oldPath) {
		if err := p.blobs.Hot.Delete(ctx, oldPath); err != nil {
			log.Warn("Pool: failed to delete previous private blob", "path", oldPath, "err", err)
		}
	}
	log.Debug("Pool: user content updated", "user", userID, "entry", entryID, "forked", wasShared, "hash", newHash)
	return UpdateResult{IsNewCopy: wasShared, Path: newPath, ContentHash: newHash}, nil
}

// dropUnusedPrivate removes a private blob written for an update that did not
// commit, unless a concurrent update already points the reference at it.
func (p *Pool) dropUnusedPrivate(ctx context.Context, userID, entryID, path string) {
	cur, err := p.store.GetReference(ctx, userID, entryID)
	if err == nil && cur.StoragePath == path {
		return
	}
	if err != nil && !registrystore.IsNotFound(err) {
		return
	}
	if err := p.blobs.Hot.Delete(ctx, path); err != nil {
		log.Warn("Pool: failed to delete uncommitted private blob", "path", path, "err", err)
	}
}
