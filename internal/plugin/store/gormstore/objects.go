package gormstore

import (
	"context"
	"time"

	"github.com/chirino/contentpool/internal/model"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"gorm.io/gorm"
)

func (s *Store) GetSharedObject(ctx context.Context, contentHash string, forUpdate bool) (*model.SharedObject, error) {
	var obj model.SharedObject
	q := s.db.WithContext(ctx)
	if forUpdate {
		q = s.lockingClause(q)
	}
	if err := q.Where("content_hash = ?", contentHash).Take(&obj).Error; err != nil {
		return nil, mapError("shared object", contentHash, err)
	}
	return &obj, nil
}

func (s *Store) CreateSharedObject(ctx context.Context, obj *model.SharedObject) error {
	obj.CreatedAt = obj.CreatedAt.UTC()
	obj.LastAccessedAt = obj.LastAccessedAt.UTC()
	if obj.Tier == "" {
		obj.Tier = model.TierHot
	}
	return mapError("shared object", obj.ContentHash, s.db.WithContext(ctx).Create(obj).Error)
}

func (s *Store) UpdateSharedObject(ctx context.Context, obj *model.SharedObject) error {
	res := s.db.WithContext(ctx).Model(&model.SharedObject{}).
		Where("content_hash = ?", obj.ContentHash).
		Updates(map[string]interface{}{
			"storage_key":           obj.StorageKey,
			"size_bytes":            obj.SizeBytes,
			"is_compressed":         obj.IsCompressed,
			"compressed_size_bytes": obj.CompressedSizeBytes,
			"tier":                  obj.Tier,
		})
	if res.Error != nil {
		return mapError("shared object", obj.ContentHash, res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "shared object", ID: obj.ContentHash}
	}
	return nil
}

func (s *Store) TouchSharedObject(ctx context.Context, contentHash string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.SharedObject{}).
		Where("content_hash = ? AND last_accessed_at < ?", contentHash, at.UTC()).
		Update("last_accessed_at", at.UTC())
	return mapError("shared object", contentHash, res.Error)
}

func (s *Store) AdjustReferenceCount(ctx context.Context, contentHash string, delta int64, accessedAt time.Time) (int64, error) {
	updates := map[string]interface{}{
		"reference_count": gorm.Expr("CASE WHEN reference_count + ? < 0 THEN 0 ELSE reference_count + ? END", delta, delta),
	}
	if delta > 0 {
		updates["last_accessed_at"] = accessedAt.UTC()
	}
	res := s.db.WithContext(ctx).Model(&model.SharedObject{}).
		Where("content_hash = ?", contentHash).
		Updates(updates)
	if res.Error != nil {
		return 0, mapError("shared object", contentHash, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, &registrystore.NotFoundError{Resource: "shared object", ID: contentHash}
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&model.SharedObject{}).
		Where("content_hash = ?", contentHash).
		Pluck("reference_count", &count).Error
	return count, mapError("shared object", contentHash, err)
}

func (s *Store) DeleteSharedObject(ctx context.Context, contentHash string) error {
	res := s.db.WithContext(ctx).Where("content_hash = ?", contentHash).Delete(&model.SharedObject{})
	if res.Error != nil {
		return mapError("shared object", contentHash, res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "shared object", ID: contentHash}
	}
	return nil
}

func (s *Store) ListSharedObjects(ctx context.Context, q registrystore.SharedObjectQuery) ([]model.SharedObject, error) {
	db := s.db.WithContext(ctx).Model(&model.SharedObject{})
	if q.AfterHash != "" {
		db = db.Where("content_hash > ?", q.AfterHash)
	}
	if q.MaxReferenceCount != nil {
		db = db.Where("reference_count <= ?", *q.MaxReferenceCount)
	}
	if q.LastAccessedBefore != nil {
		db = db.Where("last_accessed_at < ?", q.LastAccessedBefore.UTC())
	}
	if q.CreatedBefore != nil {
		db = db.Where("created_at < ?", q.CreatedBefore.UTC())
	}
	if q.MinSizeBytes > 0 {
		db = db.Where("size_bytes > ?", q.MinSizeBytes)
	}
	if q.Compressed != nil {
		db = db.Where("is_compressed = ?", *q.Compressed)
	}
	if q.Tier != "" {
		db = db.Where("tier = ?", q.Tier)
	}
	if q.MaxAccessFrequency != nil {
		db = db.Where("access_frequency < ?", *q.MaxAccessFrequency)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var objs []model.SharedObject
	err := db.Order("content_hash").Find(&objs).Error
	return objs, mapError("shared object", "", err)
}

// DecayAccessFrequency applies an exponential moving average step to every
// shared object: recently accessed objects move toward 1, others toward 0.
func (s *Store) DecayAccessFrequency(ctx context.Context, recentSince time.Time, factor float64) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.SharedObject{}).
		Where("1 = 1").
		Update("access_frequency", gorm.Expr(
			"CASE WHEN last_accessed_at >= ? THEN access_frequency * ? + ? ELSE access_frequency * ? END",
			recentSince.UTC(), factor, 1-factor, factor,
		))
	return res.RowsAffected, mapError("shared object", "", res.Error)
}
