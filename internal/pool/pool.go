package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/clock"
	"github.com/chirino/contentpool/internal/metrics"
	"github.com/chirino/contentpool/internal/model"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
)

// Options configures a Pool. Zero values fall back to the defaults noted.
type Options struct {
	Clock clock.Clock
	// Applied when a user has no quota row yet. Zero means unlimited.
	DefaultQuotaBytes int64
	DefaultQuotaFiles int64
	// Wait before the single retry of a conflicting update. Default 50ms.
	RetryBackoff time.Duration
}

// Pool is the content-addressed shared store. Every user gets a logical copy
// of an entry that shares one blob until the user edits it.
//
// Reference count changes for a hash run while holding that hash's
// in-process lock and inside a store transaction. No operation holds more
// than one hash lock, and a lock is never taken inside a transaction.
type Pool struct {
	store  registrystore.ContentStore
	blobs  registryblob.Tiers
	source ContentSource
	clock  clock.Clock
	locks  *hashLocks

	defaultQuotaBytes int64
	defaultQuotaFiles int64
	retryBackoff      time.Duration
}

func New(store registrystore.ContentStore, blobs registryblob.Tiers, source ContentSource, opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	return &Pool{
		store:             store,
		blobs:             blobs,
		source:            source,
		clock:             opts.Clock,
		locks:             newHashLocks(),
		defaultQuotaBytes: opts.DefaultQuotaBytes,
		defaultQuotaFiles: opts.DefaultQuotaFiles,
		retryBackoff:      opts.RetryBackoff,
	}
}

// Lock takes the in-process lock for contentHash. Callers that change a
// shared object outside the pool must hold it.
func (p *Pool) Lock(contentHash string) (unlock func()) {
	return p.locks.lock(contentHash)
}

func (p *Pool) Store() registrystore.ContentStore { return p.store }

func (p *Pool) Blobs() registryblob.Tiers { return p.blobs }

func (p *Pool) now() time.Time { return p.clock.Now().UTC() }

// CreateUserCopy gives userID a logical copy of contentHash for entryID and
// returns its storage path. The first copy of a hash uploads the canonical
// bytes. Calling it again for the same user, entry and hash returns the
// existing path.
func (p *Pool) CreateUserCopy(ctx context.Context, userID, entryID, contentHash string) (string, error) {
	if err := requireIDs(userID, entryID, contentHash); err != nil {
		return "", err
	}
	var path string
	err := p.withRetry(ctx, "create", func() error {
		var err error
		path, err = p.createUserCopy(ctx, userID, entryID, contentHash)
		return err
	})
	if err != nil {
		return "", err
	}
	metrics.ReferenceOp("create")
	return path, nil
}

func (p *Pool) createUserCopy(ctx context.Context, userID, entryID, contentHash string) (string, error) {
	unlock := p.locks.lock(contentHash)
	defer unlock()

	if existing, err := p.store.GetReference(ctx, userID, entryID); err == nil {
		if !existing.IsModified && existing.ContentHash == contentHash {
			return existing.StoragePath, nil
		}
		return "", &registrystore.ConflictError{
			Message: fmt.Sprintf("user %s already holds entry %s", userID, entryID),
			Code:    registrystore.ConflictReferenceExists,
			Details: map[string]interface{}{"contentHash": existing.ContentHash, "isModified": existing.IsModified},
		}
	} else if !registrystore.IsNotFound(err) {
		return "", err
	}

	obj, err := p.store.GetSharedObject(ctx, contentHash, false)
	if err != nil && !registrystore.IsNotFound(err) {
		return "", err
	}
	var size int64
	if obj != nil {
		size = obj.SizeBytes
	} else {
		data, err := p.source.LoadContent(ctx, contentHash)
		if err != nil {
			return "", err
		}
		if got := HashContent(data); got != contentHash {
			return "", &registrystore.CorruptStateError{Resource: "content", ID: contentHash, Reason: "source bytes hash to " + got}
		}
		size = int64(len(data))
		// Reject before uploading so a full quota does not leave a stray blob.
		if err := p.checkQuota(ctx, p.store, userID, size); err != nil {
			return "", err
		}
		if err := p.blobs.Hot.Put(ctx, SharedKey(contentHash), data); err != nil {
			return "", &registrystore.TransientError{Op: "upload shared object", Err: err}
		}
	}

	now := p.now()
	ref := &model.UserReference{
		UserID:         userID,
		EntryID:        entryID,
		ContentHash:    contentHash,
		FileSizeBytes:  size,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	err = p.store.Tx(ctx, func(tx registrystore.ContentStore) error {
		if err := p.checkQuota(ctx, tx, userID, size); err != nil {
			return err
		}
		if obj == nil {
			fresh := &model.SharedObject{
				ContentHash:     contentHash,
				StorageKey:      SharedKey(contentHash),
				SizeBytes:       size,
				ReferenceCount:  1,
				AccessFrequency: 1,
				Tier:            model.TierHot,
				CreatedAt:       now,
				LastAccessedAt:  now,
			}
			if err := tx.CreateSharedObject(ctx, fresh); err != nil {
				return err
			}
			ref.StoragePath = fresh.StorageKey
		} else {
			locked, err := tx.GetSharedObject(ctx, contentHash, true)
			if err != nil {
				return err
			}
			if _, err := tx.AdjustReferenceCount(ctx, contentHash, 1, now); err != nil {
				return err
			}
			ref.StoragePath = locked.StorageKey
		}
		if err := tx.CreateReference(ctx, ref); err != nil {
			return err
		}
		return tx.AdjustQuota(ctx, userID, size, 1)
	})
	if err != nil {
		if obj == nil && !registrystore.IsConflict(err) {
			log.Warn("Pool: shared blob uploaded but not recorded", "hash", contentHash, "err", err)
		}
		return "", err
	}
	log.Debug("Pool: user copy created", "user", userID, "entry", entryID, "hash", contentHash, "new", obj == nil)
	return ref.StoragePath, nil
}

// ReleaseUserCopy deletes the user's reference to entryID. An unmodified
// reference gives its count back to the shared object, which stays for the
// optimizer to collect. A modified reference deletes its private blob. The
// freed bytes are credited to the user's quota and returned.
func (p *Pool) ReleaseUserCopy(ctx context.Context, userID, entryID string) (int64, error) {
	var freed int64
	err := p.withRetry(ctx, "release", func() error {
		var err error
		freed, err = p.releaseUserCopy(ctx, userID, entryID)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.ReferenceOp("release")
	return freed, nil
}

func (p *Pool) releaseUserCopy(ctx context.Context, userID, entryID string) (int64, error) {
	ref, err := p.store.GetReference(ctx, userID, entryID)
	if err != nil {
		return 0, err
	}
	unlock := p.locks.lock(ref.ContentHash)
	defer unlock()

	err = p.store.Tx(ctx, func(tx registrystore.ContentStore) error {
		if err := verifyReference(ctx, tx, ref); err != nil {
			return err
		}
		if err := tx.DeleteReference(ctx, ref.ID); err != nil {
			return err
		}
		if !ref.IsModified {
			if err := p.detach(ctx, tx, ref.ContentHash); err != nil {
				return err
			}
		}
		return p.adjustQuota(ctx, tx, userID, -ref.FileSizeBytes, -1)
	})
	if err != nil {
		return 0, err
	}
	if ref.IsModified && isPrivateKey(ref.StoragePath) {
		if err := p.blobs.Hot.Delete(ctx, ref.StoragePath); err != nil {
			log.Warn("Pool: failed to delete private blob", "path", ref.StoragePath, "err", err)
		}
	}
	return ref.FileSizeBytes, nil
}

// ReadContent returns the bytes the user currently sees for entryID.
func (p *Pool) ReadContent(ctx context.Context, userID, entryID string) ([]byte, error) {
	ref, err := p.store.GetReference(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}
	now := p.now()
	var data []byte
	if ref.IsModified {
		data, err = p.blobs.Hot.Get(ctx, ref.StoragePath)
		if err != nil {
			return nil, err
		}
	} else {
		var obj *model.SharedObject
		obj, data, err = p.readShared(ctx, ref)
		if err != nil {
			return nil, err
		}
		if err := p.store.TouchSharedObject(ctx, obj.ContentHash, now); err != nil {
			log.Warn("Pool: failed to touch shared object", "hash", obj.ContentHash, "err", err)
		}
	}
	if err := p.store.TouchReference(ctx, ref.ID, now); err != nil {
		log.Warn("Pool: failed to touch reference", "id", ref.ID, "err", err)
	}
	return data, nil
}

// readShared loads the shared bytes behind ref. The object lock keeps the
// row's compression flag and tier in step with the blob it describes.
func (p *Pool) readShared(ctx context.Context, ref *model.UserReference) (*model.SharedObject, []byte, error) {
	unlock := p.Lock(ref.ContentHash)
	defer unlock()

	obj, err := p.store.GetSharedObject(ctx, ref.ContentHash, false)
	if registrystore.IsNotFound(err) {
		return nil, nil, &registrystore.CorruptStateError{Resource: "user reference", ID: ref.ID.String(), Reason: "shared object " + ref.ContentHash + " is missing"}
	}
	if err != nil {
		return nil, nil, err
	}
	data, err := p.blobs.For(obj.Tier).Get(ctx, obj.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	if !obj.IsCompressed {
		return obj, data, nil
	}
	data, err = Decompress(data)
	if err != nil {
		return nil, nil, &registrystore.CorruptStateError{Resource: "shared object", ID: obj.ContentHash, Reason: err.Error()}
	}
	return obj, data, nil
}

// detach drops one count from a shared object. A missing object is logged
// and tolerated: the reference pointed at nothing.
func (p *Pool) detach(ctx context.Context, tx registrystore.ContentStore, contentHash string) error {
	if _, err := tx.GetSharedObject(ctx, contentHash, true); err != nil {
		if registrystore.IsNotFound(err) {
			log.Warn("Pool: detaching from missing shared object", "hash", contentHash)
			return nil
		}
		return err
	}
	_, err := tx.AdjustReferenceCount(ctx, contentHash, -1, p.now())
	return err
}

// verifyReference fails with a ConflictError when ref changed since it was
// read outside the transaction.
func verifyReference(ctx context.Context, tx registrystore.ContentStore, ref *model.UserReference) error {
	cur, err := tx.GetReference(ctx, ref.UserID, ref.EntryID)
	if err != nil {
		if registrystore.IsNotFound(err) {
			return &registrystore.ConflictError{Message: "reference removed concurrently", Code: registrystore.ConflictSerialization}
		}
		return err
	}
	if cur.ID != ref.ID || cur.ContentHash != ref.ContentHash || cur.IsModified != ref.IsModified || cur.StoragePath != ref.StoragePath {
		return &registrystore.ConflictError{Message: "reference changed concurrently", Code: registrystore.ConflictSerialization}
	}
	return nil
}

// withRetry runs op and retries it once after a backoff when it fails with
// a retryable ConflictError.
func (p *Pool) withRetry(ctx context.Context, name string, op func() error) error {
	err := op()
	var ce *registrystore.ConflictError
	if !errors.As(err, &ce) || ce.Code == registrystore.ConflictReferenceExists {
		return err
	}
	log.Debug("Pool: retrying after conflict", "op", name, "err", err)
	metrics.ReferenceOp("conflict_retry")
	t := time.NewTimer(p.retryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return op()
}

func requireIDs(userID, entryID, contentHash string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return &registrystore.ValidationError{Field: "userId", Message: "must not be empty"}
	case strings.TrimSpace(entryID) == "":
		return &registrystore.ValidationError{Field: "entryId", Message: "must not be empty"}
	case strings.TrimSpace(contentHash) == "":
		return &registrystore.ValidationError{Field: "contentHash", Message: "must not be empty"}
	case strings.ContainsAny(userID+entryID, "/\\"):
		return &registrystore.ValidationError{Field: "userId", Message: "user and entry IDs must not contain path separators"}
	}
	return nil
}
