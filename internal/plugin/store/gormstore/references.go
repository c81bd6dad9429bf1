package gormstore

import (
	"context"
	"time"

	"github.com/chirino/contentpool/internal/model"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/google/uuid"
)

func (s *Store) GetReference(ctx context.Context, userID, entryID string) (*model.UserReference, error) {
	var ref model.UserReference
	err := s.db.WithContext(ctx).Where("user_id = ? AND entry_id = ?", userID, entryID).Take(&ref).Error
	if err != nil {
		return nil, mapError("user reference", userID+"/"+entryID, err)
	}
	return &ref, nil
}

func (s *Store) GetReferenceByPath(ctx context.Context, userID, storagePath string) (*model.UserReference, error) {
	var ref model.UserReference
	err := s.db.WithContext(ctx).Where("user_id = ? AND storage_path = ?", userID, storagePath).
		Order("created_at").
		Take(&ref).Error
	if err != nil {
		return nil, mapError("user reference", storagePath, err)
	}
	return &ref, nil
}

func (s *Store) CreateReference(ctx context.Context, ref *model.UserReference) error {
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	ref.CreatedAt = ref.CreatedAt.UTC()
	ref.LastAccessedAt = ref.LastAccessedAt.UTC()
	return mapError("user reference", ref.UserID+"/"+ref.EntryID, s.db.WithContext(ctx).Create(ref).Error)
}

func (s *Store) UpdateReference(ctx context.Context, ref *model.UserReference) error {
	res := s.db.WithContext(ctx).Model(&model.UserReference{}).
		Where("id = ?", ref.ID).
		Updates(map[string]interface{}{
			"content_hash":     ref.ContentHash,
			"is_modified":      ref.IsModified,
			"storage_path":     ref.StoragePath,
			"file_size_bytes":  ref.FileSizeBytes,
			"last_accessed_at": ref.LastAccessedAt.UTC(),
		})
	if res.Error != nil {
		return mapError("user reference", ref.ID.String(), res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "user reference", ID: ref.ID.String()}
	}
	return nil
}

func (s *Store) TouchReference(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.UserReference{}).
		Where("id = ?", id).
		Update("last_accessed_at", at.UTC())
	if res.Error != nil {
		return mapError("user reference", id.String(), res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "user reference", ID: id.String()}
	}
	return nil
}

func (s *Store) DeleteReference(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.UserReference{})
	if res.Error != nil {
		return mapError("user reference", id.String(), res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "user reference", ID: id.String()}
	}
	return nil
}

func (s *Store) ListReferences(ctx context.Context, q registrystore.ReferenceQuery) ([]model.UserReference, error) {
	db := s.db.WithContext(ctx).Model(&model.UserReference{})
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}
	if q.ContentHash != "" {
		db = db.Where("content_hash = ?", q.ContentHash)
	}
	if q.IsModified != nil {
		db = db.Where("is_modified = ?", *q.IsModified)
	}
	if q.OldestAccessFirst {
		db = db.Order("last_accessed_at").Order("id")
	} else {
		db = db.Order("id")
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var refs []model.UserReference
	err := db.Find(&refs).Error
	return refs, mapError("user reference", "", err)
}

func (s *Store) CountAttachedReferences(ctx context.Context, contentHash string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.UserReference{}).
		Where("content_hash = ? AND is_modified = ?", contentHash, false).
		Count(&n).Error
	return n, mapError("user reference", contentHash, err)
}

func (s *Store) UsersWithEntry(ctx context.Context, entryID string, userIDs []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if len(userIDs) == 0 {
		return result, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.UserReference{}).
		Where("entry_id = ? AND user_id IN ?", entryID, userIDs).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, mapError("user reference", entryID, err)
	}
	for _, id := range ids {
		result[id] = true
	}
	return result, nil
}

func (s *Store) ListFragmentedHashes(ctx context.Context, afterHash string, limit int) ([]string, error) {
	db := s.db.WithContext(ctx).Model(&model.UserReference{}).
		Select("content_hash").
		Group("content_hash").
		Having("COUNT(*) > 1").
		Order("content_hash")
	if afterHash != "" {
		db = db.Where("content_hash > ?", afterHash)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	var hashes []string
	err := db.Pluck("content_hash", &hashes).Error
	return hashes, mapError("user reference", "", err)
}

func (s *Store) ListOrphanedReferences(ctx context.Context, limit int) ([]model.UserReference, error) {
	db := s.db.WithContext(ctx).Model(&model.UserReference{}).
		Joins("LEFT JOIN shared_objects ON shared_objects.content_hash = user_references.content_hash").
		Where("user_references.is_modified = ? AND shared_objects.content_hash IS NULL", false).
		Order("user_references.id")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var refs []model.UserReference
	err := db.Select("user_references.*").Find(&refs).Error
	return refs, mapError("user reference", "", err)
}
