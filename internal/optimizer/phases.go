package optimizer

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/metrics"
	"github.com/chirino/contentpool/internal/model"
	"github.com/chirino/contentpool/internal/pool"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/dustin/go-humanize"
)

// eachSharedObject pages through shared objects matching q, calling fn for
// each one after the rate limiter allows it.
func (o *Optimizer) eachSharedObject(ctx context.Context, q registrystore.SharedObjectQuery, fn func(obj *model.SharedObject)) error {
	q.Limit = o.cfg.BatchSize
	for {
		objs, err := o.store.ListSharedObjects(ctx, q)
		if err != nil {
			return err
		}
		for i := range objs {
			if err := o.wait(ctx); err != nil {
				return err
			}
			fn(&objs[i])
		}
		if len(objs) < q.Limit {
			return nil
		}
		q.AfterHash = objs[len(objs)-1].ContentHash
	}
}

func (o *Optimizer) cleanup(ctx context.Context, rep *PhaseReport) error {
	now := o.now()
	unusedBefore := now.Add(-time.Duration(o.cfg.MaxUnusedDays) * 24 * time.Hour)
	createdBefore := now.Add(-o.cfg.GracePeriod)
	zero := int64(0)
	eligible := func(obj *model.SharedObject) bool {
		return obj.LastAccessedAt.Before(unusedBefore) && obj.CreatedAt.Before(createdBefore)
	}
	return o.eachSharedObject(ctx, registrystore.SharedObjectQuery{
		MaxReferenceCount:  &zero,
		LastAccessedBefore: &unusedBefore,
		CreatedBefore:      &createdBefore,
	}, func(obj *model.SharedObject) {
		freed, deleted, err := o.pool.CollectObject(ctx, obj.ContentHash, eligible)
		if err != nil {
			rep.addError("collect %s: %v", obj.ContentHash, err)
			return
		}
		if deleted {
			rep.Processed++
			rep.SavedSpaceBytes += freed
		}
	})
}

func (o *Optimizer) compress(ctx context.Context, rep *PhaseReport) error {
	uncompressed := false
	return o.eachSharedObject(ctx, registrystore.SharedObjectQuery{
		MinSizeBytes: o.cfg.CompressionThreshold,
		Compressed:   &uncompressed,
	}, func(obj *model.SharedObject) {
		saved, err := o.compressObject(ctx, obj.ContentHash)
		if err != nil {
			rep.addError("compress %s: %v", obj.ContentHash, err)
			return
		}
		if saved > 0 {
			rep.Processed++
			rep.SavedSpaceBytes += saved
		}
	})
}

// compressObject rewrites a shared blob in place with its zstd form when
// that is smaller. It holds the object lock across the blob write and the
// row update, and readers take the same lock before trusting IsCompressed.
func (o *Optimizer) compressObject(ctx context.Context, hash string) (int64, error) {
	unlock := o.pool.Lock(hash)
	defer unlock()

	obj, err := o.store.GetSharedObject(ctx, hash, false)
	if registrystore.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if obj.IsCompressed {
		return 0, nil
	}
	blobs := o.blobs.For(obj.Tier)
	data, err := blobs.Get(ctx, obj.StorageKey)
	if err != nil {
		return 0, err
	}
	packed := pool.Compress(data)
	if len(packed) >= len(data) {
		log.Debug("Optimizer: compression did not help", "hash", hash, "size", len(data))
		return 0, nil
	}
	if err := blobs.Put(ctx, obj.StorageKey, packed); err != nil {
		return 0, err
	}
	obj.IsCompressed, obj.CompressedSizeBytes = true, int64(len(packed))
	if err := o.store.UpdateSharedObject(ctx, obj); err != nil {
		if rerr := blobs.Put(ctx, obj.StorageKey, data); rerr != nil {
			log.Error("Optimizer: failed to restore uncompressed blob", "hash", hash, "err", rerr)
		}
		return 0, err
	}
	log.Debug("Optimizer: compressed shared object", "hash", hash,
		"from", humanize.IBytes(uint64(len(data))), "to", humanize.IBytes(uint64(len(packed))))
	return int64(len(data) - len(packed)), nil
}

func (o *Optimizer) lifecycle(ctx context.Context, rep *PhaseReport) error {
	now := o.now()
	expiredBefore := now.Add(-o.cfg.DefaultTTL)
	zero := int64(0)
	expired := func(obj *model.SharedObject) bool { return obj.CreatedAt.Before(expiredBefore) }
	err := o.eachSharedObject(ctx, registrystore.SharedObjectQuery{
		MaxReferenceCount: &zero,
		CreatedBefore:     &expiredBefore,
	}, func(obj *model.SharedObject) {
		freed, deleted, err := o.pool.CollectObject(ctx, obj.ContentHash, expired)
		if err != nil {
			rep.addError("expire %s: %v", obj.ContentHash, err)
			return
		}
		if deleted {
			rep.Processed++
			rep.SavedSpaceBytes += freed
		}
	})
	if err != nil || !o.cfg.TieringEnabled {
		return err
	}
	if o.blobs.Cold == nil {
		log.Warn("Optimizer: tiering enabled without a cold blob store")
		return nil
	}

	archiveBefore := now.Add(-o.cfg.ArchiveAfter)
	threshold := o.cfg.ArchiveFrequencyThreshold
	return o.eachSharedObject(ctx, registrystore.SharedObjectQuery{
		Tier:               model.TierHot,
		CreatedBefore:      &archiveBefore,
		MaxAccessFrequency: &threshold,
	}, func(obj *model.SharedObject) {
		moved, err := o.archive(ctx, obj.ContentHash, archiveBefore, threshold)
		if err != nil {
			rep.addError("archive %s: %v", obj.ContentHash, err)
			return
		}
		if moved {
			rep.Processed++
		}
	})
}

// archive moves a hot shared object to the cold tier. The cold copy is
// written and recorded before the hot copy is removed.
func (o *Optimizer) archive(ctx context.Context, hash string, createdBefore time.Time, threshold float64) (bool, error) {
	unlock := o.pool.Lock(hash)
	defer unlock()

	obj, err := o.store.GetSharedObject(ctx, hash, false)
	if registrystore.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if obj.Tier != model.TierHot || !obj.CreatedAt.Before(createdBefore) || obj.AccessFrequency >= threshold {
		return false, nil
	}
	data, err := o.blobs.Hot.Get(ctx, obj.StorageKey)
	if err != nil {
		return false, err
	}
	if err := o.blobs.Cold.Put(ctx, obj.StorageKey, data); err != nil {
		return false, err
	}
	obj.Tier = model.TierCold
	if err := o.store.UpdateSharedObject(ctx, obj); err != nil {
		if derr := o.blobs.Cold.Delete(ctx, obj.StorageKey); derr != nil {
			log.Warn("Optimizer: failed to remove cold copy", "hash", hash, "err", derr)
		}
		return false, err
	}
	if err := o.blobs.Hot.Delete(ctx, obj.StorageKey); err != nil {
		log.Warn("Optimizer: failed to remove hot copy after archiving", "hash", hash, "err", err)
	}
	log.Debug("Optimizer: archived shared object", "hash", hash, "accessFrequency", obj.AccessFrequency)
	return true, nil
}

func (o *Optimizer) quotas(ctx context.Context, rep *PhaseReport) error {
	after := ""
	for {
		quotas, err := o.store.ListQuotas(ctx, after, o.cfg.BatchSize)
		if err != nil {
			return err
		}
		for i := range quotas {
			if err := o.wait(ctx); err != nil {
				return err
			}
			q := &quotas[i]
			ratio := q.UsageRatio()
			if ratio > o.cfg.QuotaWarnRatio {
				metrics.QuotaWarning()
				log.Warn("Optimizer: user near storage quota",
					"user", q.UserID,
					"used", humanize.IBytes(uint64(q.UsedStorageBytes)),
					"max", humanize.IBytes(uint64(q.MaxStorageBytes)),
					"ratio", ratio)
			}
			if !o.cfg.QuotaEnforcement || !overQuota(q) {
				continue
			}
			if err := o.enforceQuota(ctx, q, rep); err != nil {
				return err
			}
		}
		if len(quotas) < o.cfg.BatchSize {
			return nil
		}
		after = quotas[len(quotas)-1].UserID
	}
}

func overQuota(q *model.UserQuota) bool {
	return (q.MaxStorageBytes > 0 && q.UsedStorageBytes > q.MaxStorageBytes) ||
		(q.MaxFileCount > 0 && q.UsedFileCount > q.MaxFileCount)
}

// enforceQuota releases the user's least recently accessed references until
// usage is back within the limits. Shared references go first because they
// can be delivered again; private edits only when configured.
func (o *Optimizer) enforceQuota(ctx context.Context, q *model.UserQuota, rep *PhaseReport) error {
	usage := *q
	passes := []bool{false}
	if o.cfg.EvictModifiedReferences {
		passes = append(passes, true)
	}
	for _, modified := range passes {
		for overQuota(&usage) {
			refs, err := o.store.ListReferences(ctx, registrystore.ReferenceQuery{
				UserID:            q.UserID,
				IsModified:        &modified,
				OldestAccessFirst: true,
				Limit:             o.cfg.BatchSize,
			})
			if err != nil {
				return err
			}
			released := 0
			for _, ref := range refs {
				if !overQuota(&usage) {
					break
				}
				if err := o.wait(ctx); err != nil {
					return err
				}
				freed, err := o.pool.ReleaseUserCopy(ctx, ref.UserID, ref.EntryID)
				if err != nil {
					if !registrystore.IsNotFound(err) {
						rep.addError("evict %s/%s: %v", ref.UserID, ref.EntryID, err)
					}
					continue
				}
				released++
				usage.UsedStorageBytes -= freed
				usage.UsedFileCount--
				rep.Processed++
				rep.SavedSpaceBytes += freed
				log.Info("Optimizer: evicted reference for quota", "user", ref.UserID, "entry", ref.EntryID, "modified", modified, "freed", humanize.IBytes(uint64(freed)))
			}
			if released == 0 {
				break
			}
		}
	}
	if overQuota(&usage) {
		log.Warn("Optimizer: user still over quota after eviction", "user", q.UserID,
			"used", humanize.IBytes(uint64(usage.UsedStorageBytes)), "max", humanize.IBytes(uint64(q.MaxStorageBytes)))
	}
	return nil
}

func (o *Optimizer) defrag(ctx context.Context, rep *PhaseReport) error {
	after := ""
	for {
		hashes, err := o.store.ListFragmentedHashes(ctx, after, o.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, hash := range hashes {
			if err := o.wait(ctx); err != nil {
				return err
			}
			res, err := o.pool.OptimizeReferences(ctx, hash)
			if err != nil {
				rep.addError("defragment %s: %v", hash, err)
				continue
			}
			if res.Repointed+res.Merged > 0 || res.Repaired {
				rep.Processed++
				rep.SavedSpaceBytes += res.SavedBytes
			}
		}
		if len(hashes) < o.cfg.BatchSize {
			return nil
		}
		after = hashes[len(hashes)-1]
	}
}

func (o *Optimizer) indexes(ctx context.Context, rep *PhaseReport) error {
	for {
		orphans, err := o.store.ListOrphanedReferences(ctx, o.cfg.BatchSize)
		if err != nil {
			return err
		}
		removed := 0
		for _, ref := range orphans {
			if err := o.wait(ctx); err != nil {
				return err
			}
			if err := o.pool.ReleaseOrphan(ctx, ref); err != nil {
				rep.addError("release orphan %s: %v", ref.ID, err)
				continue
			}
			removed++
			rep.Processed++
		}
		if len(orphans) < o.cfg.BatchSize || removed == 0 {
			break
		}
	}

	now := o.now()
	decayed, err := o.store.DecayAccessFrequency(ctx, now.Add(-o.cfg.RecentAccessWindow), o.cfg.DecayFactor)
	if err != nil {
		return err
	}
	log.Debug("Optimizer: access frequency decayed", "objects", decayed)

	st, err := o.store.Stats(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.stats.Storage = st
	o.stats.RefreshedAt = now
	o.mu.Unlock()
	return nil
}

// RefreshStats reloads the aggregate storage stats without running a phase.
func (o *Optimizer) RefreshStats(ctx context.Context) (*registrystore.Stats, error) {
	st, err := o.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.stats.Storage = st
	o.stats.RefreshedAt = o.now()
	o.mu.Unlock()
	return st, nil
}
