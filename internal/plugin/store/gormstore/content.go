package gormstore

import (
	"context"
	"time"

	"github.com/chirino/contentpool/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) GetFingerprint(ctx context.Context, normalizedURL string) (*model.ContentFingerprint, error) {
	var fp model.ContentFingerprint
	err := s.db.WithContext(ctx).Where("normalized_url = ?", normalizedURL).Take(&fp).Error
	if err != nil {
		return nil, mapError("fingerprint", normalizedURL, err)
	}
	return &fp, nil
}

func (s *Store) FindFingerprints(ctx context.Context, normalizedURLs []string) (map[string]model.ContentFingerprint, error) {
	result := make(map[string]model.ContentFingerprint, len(normalizedURLs))
	if len(normalizedURLs) == 0 {
		return result, nil
	}
	var rows []model.ContentFingerprint
	if err := s.db.WithContext(ctx).Where("normalized_url IN ?", normalizedURLs).Find(&rows).Error; err != nil {
		return nil, mapError("fingerprint", "", err)
	}
	for _, r := range rows {
		result[r.NormalizedURL] = r
	}
	return result, nil
}

func (s *Store) UpsertFingerprint(ctx context.Context, fp *model.ContentFingerprint) (*model.ContentFingerprint, error) {
	fp.FirstSeenAt = fp.FirstSeenAt.UTC()
	fp.LastAccessedAt = fp.LastAccessedAt.UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "normalized_url"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_accessed_at"}),
	}).Create(fp).Error
	if err != nil {
		return nil, mapError("fingerprint", fp.NormalizedURL, err)
	}
	return s.GetFingerprint(ctx, fp.NormalizedURL)
}

func (s *Store) SaveProcessedContent(ctx context.Context, pc *model.ProcessedContent) (*model.ProcessedContent, error) {
	if pc.ID == uuid.Nil {
		pc.ID = uuid.New()
	}
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_hash"}},
		DoNothing: true,
	}).Create(pc).Error
	if err != nil {
		return nil, mapError("processed content", pc.ContentHash, err)
	}
	return s.GetProcessedContentByHash(ctx, pc.ContentHash)
}

func (s *Store) GetProcessedContentByHash(ctx context.Context, contentHash string) (*model.ProcessedContent, error) {
	var pc model.ProcessedContent
	if err := s.db.WithContext(ctx).Where("content_hash = ?", contentHash).Take(&pc).Error; err != nil {
		return nil, mapError("processed content", contentHash, err)
	}
	return &pc, nil
}

func (s *Store) ListActivePreferences(ctx context.Context) ([]model.UserPreference, error) {
	var prefs []model.UserPreference
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("user_id").Find(&prefs).Error
	return prefs, mapError("user preference", "", err)
}

func (s *Store) SavePreference(ctx context.Context, p *model.UserPreference) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(p).Error
	return mapError("user preference", p.UserID, err)
}

func (s *Store) GetStorageConfig(ctx context.Context, userID string) (*model.UserStorageConfig, error) {
	var c model.UserStorageConfig
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&c).Error; err != nil {
		return nil, mapError("storage config", userID, err)
	}
	return &c, nil
}

func (s *Store) SaveStorageConfig(ctx context.Context, c *model.UserStorageConfig) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(c).Error
	return mapError("storage config", c.UserID, err)
}

func (s *Store) CreateNote(ctx context.Context, n *model.UserNote) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return mapError("user note", n.UserID+"/"+n.EntryID, s.db.WithContext(ctx).Create(n).Error)
}

func (s *Store) CountNotesSince(ctx context.Context, userIDs []string, since time.Time) (map[string]int64, error) {
	counts := make(map[string]int64, len(userIDs))
	if len(userIDs) == 0 {
		return counts, nil
	}
	type row struct {
		UserID string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&model.UserNote{}).
		Select("user_id, COUNT(*) AS n").
		Where("user_id IN ? AND created_at >= ?", userIDs, since.UTC()).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, mapError("user note", "", err)
	}
	for _, r := range rows {
		counts[r.UserID] = r.N
	}
	return counts, nil
}

// lockingClause returns a row lock for dialects that support it.
func (s *Store) lockingClause(db *gorm.DB) *gorm.DB {
	if s.dialect == DialectPostgres && s.inTx {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}
