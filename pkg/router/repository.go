package router

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Store persists test definitions and final counter snapshots. The hot
// routing path never touches it.
type Store interface {
	CreateTest(ctx context.Context, t *TestModel) error
	GetTest(ctx context.Context, testID string) (*TestModel, error)
	ListActive(ctx context.Context) ([]TestModel, error)
	UpdateTest(ctx context.Context, t *TestModel) error
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&TestModel{})
}

func (r *Repository) CreateTest(ctx context.Context, t *TestModel) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repository) GetTest(ctx context.Context, testID string) (*TestModel, error) {
	var t TestModel
	result := r.db.WithContext(ctx).First(&t, "test_id = ?", testID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrTestNotFound
	}
	return &t, result.Error
}

func (r *Repository) ListActive(ctx context.Context) ([]TestModel, error) {
	var tests []TestModel
	result := r.db.WithContext(ctx).Where("ended_at IS NULL").Find(&tests)
	return tests, result.Error
}

func (r *Repository) UpdateTest(ctx context.Context, t *TestModel) error {
	return r.db.WithContext(ctx).Save(t).Error
}
