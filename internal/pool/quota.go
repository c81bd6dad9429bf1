package pool

import (
	"context"

	"github.com/chirino/contentpool/internal/model"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
)

// Quota returns the user's quota row, creating it with the configured
// defaults when missing.
func (p *Pool) Quota(ctx context.Context, userID string) (*model.UserQuota, error) {
	return p.ensureQuota(ctx, p.store, userID)
}

func (p *Pool) ensureQuota(ctx context.Context, s registrystore.ContentStore, userID string) (*model.UserQuota, error) {
	q, err := s.GetQuota(ctx, userID)
	if err == nil {
		return q, nil
	}
	if !registrystore.IsNotFound(err) {
		return nil, err
	}
	q = &model.UserQuota{
		UserID:          userID,
		MaxStorageBytes: p.defaultQuotaBytes,
		MaxFileCount:    p.defaultQuotaFiles,
		UpdatedAt:       p.now(),
	}
	if err := s.CreateQuota(ctx, q); err != nil {
		return nil, err
	}
	return s.GetQuota(ctx, userID)
}

// checkQuota fails with a QuotaExceededError when one more file of size
// bytes would exceed either limit. A limit of zero is unlimited.
func (p *Pool) checkQuota(ctx context.Context, s registrystore.ContentStore, userID string, size int64) error {
	q, err := p.ensureQuota(ctx, s, userID)
	if err != nil {
		return err
	}
	if (q.MaxStorageBytes > 0 && q.UsedStorageBytes+size > q.MaxStorageBytes) ||
		(q.MaxFileCount > 0 && q.UsedFileCount+1 > q.MaxFileCount) {
		return &registrystore.QuotaExceededError{
			UserID:    userID,
			Requested: size,
			Used:      q.UsedStorageBytes,
			Limit:     q.MaxStorageBytes,
		}
	}
	return nil
}

// adjustQuota applies usage deltas, creating the row first if needed.
func (p *Pool) adjustQuota(ctx context.Context, s registrystore.ContentStore, userID string, deltaBytes, deltaFiles int64) error {
	if deltaBytes == 0 && deltaFiles == 0 {
		return nil
	}
	err := s.AdjustQuota(ctx, userID, deltaBytes, deltaFiles)
	if !registrystore.IsNotFound(err) {
		return err
	}
	if _, err := p.ensureQuota(ctx, s, userID); err != nil {
		return err
	}
	return s.AdjustQuota(ctx, userID, deltaBytes, deltaFiles)
}
