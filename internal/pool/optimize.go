package pool

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/metrics"
	"github.com/chirino/contentpool/internal/model"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
)

// OptimizeResult counts what OptimizeReferences changed for one hash.
type OptimizeResult struct {
	Repointed  int   `json:"repointed"`
	Merged     int   `json:"merged"`
	Repaired   bool  `json:"repaired"`
	SavedBytes int64 `json:"savedBytes"`
}

// OptimizeReferences tidies every reference to contentHash: unmodified
// references whose path drifted from the canonical key are pointed back at
// it, modified references whose bytes equal the shared object are folded
// back in, and the stored count is reconciled with the attached references.
// Running it twice changes nothing the second time.
func (p *Pool) OptimizeReferences(ctx context.Context, contentHash string) (OptimizeResult, error) {
	var res OptimizeResult
	unlock := p.locks.lock(contentHash)
	defer unlock()

	obj, err := p.store.GetSharedObject(ctx, contentHash, false)
	if registrystore.IsNotFound(err) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	refs, err := p.store.ListReferences(ctx, registrystore.ReferenceQuery{ContentHash: contentHash})
	if err != nil {
		return res, err
	}

	for i := range refs {
		ref := &refs[i]
		switch {
		case !ref.IsModified && ref.StoragePath != obj.StorageKey:
			stray := ref.StoragePath
			err := p.store.Tx(ctx, func(tx registrystore.ContentStore) error {
				if err := verifyReference(ctx, tx, ref); err != nil {
					return err
				}
				fixed := *ref
				fixed.StoragePath = obj.StorageKey
				return tx.UpdateReference(ctx, &fixed)
			})
			if err != nil {
				return res, err
			}
			if isPrivateKey(stray) {
				if err := p.blobs.Hot.Delete(ctx, stray); err != nil {
					log.Warn("Pool: failed to delete stray blob", "path", stray, "err", err)
				}
			}
			res.Repointed++
		case ref.IsModified:
			private := ref.StoragePath
			err := p.store.Tx(ctx, func(tx registrystore.ContentStore) error {
				if err := verifyReference(ctx, tx, ref); err != nil {
					return err
				}
				if _, err := tx.GetSharedObject(ctx, contentHash, true); err != nil {
					return err
				}
				merged := *ref
				merged.IsModified = false
				merged.StoragePath = obj.StorageKey
				merged.FileSizeBytes = obj.SizeBytes
				if err := tx.UpdateReference(ctx, &merged); err != nil {
					return err
				}
				if _, err := tx.AdjustReferenceCount(ctx, contentHash, 1, p.now()); err != nil {
					return err
				}
				return p.adjustQuota(ctx, tx, ref.UserID, obj.SizeBytes-ref.FileSizeBytes, 0)
			})
			if err != nil {
				return res, err
			}
			if isPrivateKey(private) {
				if err := p.blobs.Hot.Delete(ctx, private); err != nil {
					log.Warn("Pool: failed to delete merged private blob", "path", private, "err", err)
				}
			}
			res.Merged++
			res.SavedBytes += ref.FileSizeBytes
		}
	}

	err = p.store.Tx(ctx, func(tx registrystore.ContentStore) error {
		cur, err := tx.GetSharedObject(ctx, contentHash, true)
		if err != nil {
			return err
		}
		attached, err := tx.CountAttachedReferences(ctx, contentHash)
		if err != nil {
			return err
		}
		if attached == cur.ReferenceCount {
			return nil
		}
		log.Warn("Pool: reference count drift repaired", "hash", contentHash, "stored", cur.ReferenceCount, "attached", attached)
		res.Repaired = true
		_, err = tx.AdjustReferenceCount(ctx, contentHash, attached-cur.ReferenceCount, cur.LastAccessedAt)
		return err
	})
	if err != nil {
		return res, err
	}
	if res.Repointed+res.Merged > 0 || res.Repaired {
		metrics.ReferenceOp("optimize")
	}
	return res, nil
}

// CollectObject deletes an unreferenced shared object and its blob. It takes
// the hash lock and re-checks, inside a transaction, that no reference is
// attached and that eligible still holds. It returns the freed blob bytes
// and whether the object was deleted.
func (p *Pool) CollectObject(ctx context.Context, contentHash string, eligible func(*model.SharedObject) bool) (int64, bool, error) {
	unlock := p.locks.lock(contentHash)
	defer unlock()

	var victim *model.SharedObject
	err := p.store.Tx(ctx, func(tx registrystore.ContentStore) error {
		obj, err := tx.GetSharedObject(ctx, contentHash, true)
		if err != nil {
			return err
		}
		if obj.ReferenceCount != 0 || (eligible != nil && !eligible(obj)) {
			return nil
		}
		attached, err := tx.CountAttachedReferences(ctx, contentHash)
		if err != nil {
			return err
		}
		if attached != 0 {
			log.Warn("Pool: zero count with attached references, skipping collection", "hash", contentHash, "attached", attached)
			return nil
		}
		if err := tx.DeleteSharedObject(ctx, contentHash); err != nil {
			return err
		}
		victim = obj
		return nil
	})
	if registrystore.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil || victim == nil {
		return 0, false, err
	}
	// The row is gone, so no new reference can attach to this blob.
	if err := p.blobs.For(victim.Tier).Delete(ctx, victim.StorageKey); err != nil {
		log.Warn("Pool: failed to delete collected blob", "key", victim.StorageKey, "err", err)
	}
	metrics.ReferenceOp("collect")
	return victim.StoredSize(), true, nil
}

// ReleaseOrphan removes an unmodified reference whose shared object no
// longer exists and credits its size back to the user.
func (p *Pool) ReleaseOrphan(ctx context.Context, ref model.UserReference) error {
	unlock := p.locks.lock(ref.ContentHash)
	defer unlock()
	return p.store.Tx(ctx, func(tx registrystore.ContentStore) error {
		if _, err := tx.GetSharedObject(ctx, ref.ContentHash, false); err == nil {
			return nil
		} else if !registrystore.IsNotFound(err) {
			return err
		}
		if err := tx.DeleteReference(ctx, ref.ID); err != nil {
			if registrystore.IsNotFound(err) {
				return nil
			}
			return err
		}
		log.Warn("Pool: removed orphaned reference", "user", ref.UserID, "entry", ref.EntryID, "hash", ref.ContentHash)
		return p.adjustQuota(ctx, tx, ref.UserID, -ref.FileSizeBytes, -1)
	})
}
