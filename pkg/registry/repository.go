package registry

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// StatusUpdate is one guarded status write inside a Transition. The
// FromStatus guard makes the write a compare-and-swap: if another writer
// changed the row in between, zero rows match and the whole transaction
// fails with ErrConcurrentPromotion.
type StatusUpdate struct {
	ModelName  string
	VersionID  string
	FromStatus string
	ToStatus   string
}

// Store is the persistence boundary the registry service works against.
type Store interface {
	CreateVersion(ctx context.Context, v *VersionModel) error
	GetVersion(ctx context.Context, modelName, versionID string) (*VersionModel, error)
	FindByStatus(ctx context.Context, modelName, status string) (*VersionModel, error)
	ListVersions(ctx context.Context, modelName, status string, limit int) ([]VersionModel, error)
	Transition(ctx context.Context, updates []StatusUpdate, records []DeploymentModel) error
	ListDeployments(ctx context.Context, modelName string, limit int) ([]DeploymentModel, error)
	CountByStatus(ctx context.Context, modelName, status string) (int64, error)
	UpdateMetrics(ctx context.Context, modelName, versionID string, metrics map[string]float64) error
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&VersionModel{}, &DeploymentModel{})
}

func (r *Repository) CreateVersion(ctx context.Context, v *VersionModel) error {
	return r.db.WithContext(ctx).Create(v).Error
}

func (r *Repository) GetVersion(ctx context.Context, modelName, versionID string) (*VersionModel, error) {
	var v VersionModel
	result := r.db.WithContext(ctx).
		First(&v, "model_name = ? AND version_id = ?", modelName, versionID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrVersionNotFound
	}
	return &v, result.Error
}

func (r *Repository) FindByStatus(ctx context.Context, modelName, status string) (*VersionModel, error) {
	var v VersionModel
	result := r.db.WithContext(ctx).
		First(&v, "model_name = ? AND status = ?", modelName, status)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrVersionNotFound
	}
	return &v, result.Error
}

func (r *Repository) ListVersions(ctx context.Context, modelName, status string, limit int) ([]VersionModel, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Where("model_name = ?", modelName)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var versions []VersionModel
	result := query.Order("created_at desc").Limit(limit).Find(&versions)
	return versions, result.Error
}

func (r *Repository) Transition(ctx context.Context, updates []StatusUpdate, records []DeploymentModel) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			result := tx.Model(&VersionModel{}).
				Where("model_name = ? AND version_id = ? AND status = ?", u.ModelName, u.VersionID, u.FromStatus).
				Update("status", u.ToStatus)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrConcurrentPromotion
			}
		}
		for i := range records {
			if err := tx.Create(&records[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) ListDeployments(ctx context.Context, modelName string, limit int) ([]DeploymentModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []DeploymentModel
	result := r.db.WithContext(ctx).
		Where("model_name = ?", modelName).
		Order("created_at desc").
		Limit(limit).
		Find(&records)
	return records, result.Error
}

func (r *Repository) UpdateMetrics(ctx context.Context, modelName, versionID string, metrics map[string]float64) error {
	result := r.db.WithContext(ctx).Model(&VersionModel{}).
		Where("model_name = ? AND version_id = ?", modelName, versionID).
		Update("metrics", metricsToJSON(metrics))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionNotFound
	}
	return nil
}

func (r *Repository) CountByStatus(ctx context.Context, modelName, status string) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&VersionModel{}).
		Where("model_name = ? AND status = ?", modelName, status).
		Count(&count)
	return count, result.Error
}
