package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/chirino/contentpool/internal/model"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) GetQuota(ctx context.Context, userID string) (*model.UserQuota, error) {
	var q model.UserQuota
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&q).Error; err != nil {
		return nil, mapError("user quota", userID, err)
	}
	return &q, nil
}

func (s *Store) CreateQuota(ctx context.Context, q *model.UserQuota) error {
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(q).Error
	return mapError("user quota", q.UserID, err)
}

func (s *Store) AdjustQuota(ctx context.Context, userID string, deltaBytes, deltaFiles int64) error {
	res := s.db.WithContext(ctx).Model(&model.UserQuota{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"used_storage_bytes": gorm.Expr("CASE WHEN used_storage_bytes + ? < 0 THEN 0 ELSE used_storage_bytes + ? END", deltaBytes, deltaBytes),
			"used_file_count":    gorm.Expr("CASE WHEN used_file_count + ? < 0 THEN 0 ELSE used_file_count + ? END", deltaFiles, deltaFiles),
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return mapError("user quota", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "user quota", ID: userID}
	}
	return nil
}

func (s *Store) ListQuotas(ctx context.Context, afterUserID string, limit int) ([]model.UserQuota, error) {
	db := s.db.WithContext(ctx).Order("user_id")
	if afterUserID != "" {
		db = db.Where("user_id > ?", afterUserID)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	var quotas []model.UserQuota
	err := db.Find(&quotas).Error
	return quotas, mapError("user quota", "", err)
}

func (s *Store) Stats(ctx context.Context) (*registrystore.Stats, error) {
	var st registrystore.Stats
	db := s.db.WithContext(ctx)

	type sharedAgg struct {
		Objects      int64
		Bytes        int64
		Stored       int64
		Compressed   int64
		Cold         int64
		Unreferenced int64
	}
	var sa sharedAgg
	err := db.Model(&model.SharedObject{}).Select(`
		COUNT(*) AS objects,
		COALESCE(SUM(size_bytes), 0) AS bytes,
		COALESCE(SUM(CASE WHEN is_compressed AND compressed_size_bytes > 0 THEN compressed_size_bytes ELSE size_bytes END), 0) AS stored,
		COALESCE(SUM(CASE WHEN is_compressed THEN 1 ELSE 0 END), 0) AS compressed,
		COALESCE(SUM(CASE WHEN tier = ? THEN 1 ELSE 0 END), 0) AS cold,
		COALESCE(SUM(CASE WHEN reference_count = 0 THEN 1 ELSE 0 END), 0) AS unreferenced`, model.TierCold).
		Scan(&sa).Error
	if err != nil {
		return nil, mapError("stats", "", err)
	}
	st.SharedObjects, st.SharedBytes, st.StoredBytes = sa.Objects, sa.Bytes, sa.Stored
	st.CompressedObjects, st.ColdObjects, st.UnreferencedShared = sa.Compressed, sa.Cold, sa.Unreferenced

	type refAgg struct {
		Refs     int64
		Modified int64
		Private  int64
	}
	var ra refAgg
	err = db.Model(&model.UserReference{}).Select(`
		COUNT(*) AS refs,
		COALESCE(SUM(CASE WHEN is_modified THEN 1 ELSE 0 END), 0) AS modified,
		COALESCE(SUM(CASE WHEN is_modified THEN file_size_bytes ELSE 0 END), 0) AS private`).
		Scan(&ra).Error
	if err != nil {
		return nil, mapError("stats", "", err)
	}
	st.References, st.ModifiedReferences, st.PrivateBytes = ra.Refs, ra.Modified, ra.Private

	if err := db.Model(&model.ContentFingerprint{}).Count(&st.Fingerprints).Error; err != nil {
		return nil, mapError("stats", "", err)
	}
	if err := db.Model(&model.UserQuota{}).Count(&st.Users).Error; err != nil {
		return nil, mapError("stats", "", err)
	}
	return &st, nil
}

// AcquireLease takes or renews the named lease. It returns false when another
// holder owns an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	now = now.UTC()
	acquired := false
	err := s.Tx(ctx, func(txs registrystore.ContentStore) error {
		tx := txs.(*Store)
		var lease model.JobLease
		err := tx.lockingClause(tx.db.WithContext(ctx)).Where("name = ?", name).Take(&lease).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			res := tx.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
				Create(&model.JobLease{Name: name, Holder: holder, ExpiresAt: now.Add(ttl)})
			if res.Error != nil {
				return res.Error
			}
			acquired = res.RowsAffected == 1
			return nil
		}
		if err != nil {
			return err
		}
		if lease.Holder != holder && lease.ExpiresAt.After(now) {
			return nil
		}
		res := tx.db.WithContext(ctx).Model(&model.JobLease{}).
			Where("name = ? AND holder = ?", name, lease.Holder).
			Updates(map[string]interface{}{"holder": holder, "expires_at": now.Add(ttl)})
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, mapError("job lease", name, err)
	}
	return acquired, nil
}

func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	err := s.db.WithContext(ctx).Where("name = ? AND holder = ?", name, holder).Delete(&model.JobLease{}).Error
	return mapError("job lease", name, err)
}

func (s *Store) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error {
	var taskName *string
	if rawName, ok := taskBody["taskName"].(string); ok && rawName != "" {
		taskName = &rawName
	}
	now := time.Now().UTC()
	task := model.Task{
		ID:        uuid.New(),
		TaskName:  taskName,
		TaskType:  taskType,
		TaskBody:  taskBody,
		CreatedAt: now,
		RetryAt:   now,
	}
	err := mapError("task", taskType, s.db.WithContext(ctx).Create(&task).Error)
	if taskName != nil && registrystore.IsConflict(err) {
		// Singleton task already queued.
		return nil
	}
	return err
}

func (s *Store) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := s.Tx(ctx, func(txs registrystore.ContentStore) error {
		tx := txs.(*Store)
		now := time.Now().UTC()
		q := tx.db.WithContext(ctx)
		if tx.dialect == DialectPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Where("retry_at <= ?", now).Order("retry_at").Order("created_at").Limit(limit).Find(&tasks).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		return tx.db.WithContext(ctx).Model(&model.Task{}).
			Where("id IN ?", ids).
			Update("retry_at", now.Add(5*time.Minute)).Error
	})
	if err != nil {
		return nil, mapError("task", "", err)
	}
	return tasks, nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return mapError("task", taskID.String(), s.db.WithContext(ctx).Where("id = ?", taskID).Delete(&model.Task{}).Error)
}

func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	return mapError("task", taskID.String(), s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
		"retry_at":    time.Now().UTC().Add(retryDelay),
		"last_error":  errMsg,
	}).Error)
}
