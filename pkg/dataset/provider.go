package dataset

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrNoLabeledData = errors.New("no labeled records for model")

// heldOutShare controls the deterministic train/held-out split: records
// whose id hashes into the bottom fifth of the key space are held out.
const (
	heldOutBuckets = 5
	defaultWindow  = 1000
)

// LabeledRecord is one inference with its observed outcome attached.
// Records without a label are inference logs only and never reach
// training.
type LabeledRecord struct {
	ID         uuid.UUID         `gorm:"primaryKey;column:id"`
	ModelName  string            `gorm:"column:model_name;index"`
	SubjectID  string            `gorm:"column:subject_id"`
	Features   datatypes.JSONMap `gorm:"column:features"`
	Prediction float64           `gorm:"column:prediction"`
	Label      *float64          `gorm:"column:label"`
	CreatedAt  time.Time         `gorm:"column:created_at;index"`
	LabeledAt  *time.Time        `gorm:"column:labeled_at"`
}

// TableName overrides gorm naming.
func (LabeledRecord) TableName() string {
	return "labeled_records"
}

// Provider serves training and held-out datasets from the labeled record
// log, plus the windows the drift and trigger checks consume.
type Provider struct {
	db     *gorm.DB
	window int
}

func NewProvider(db *gorm.DB) *Provider {
	return &Provider{db: db, window: defaultWindow}
}

func (p *Provider) AutoMigrate() error {
	return p.db.AutoMigrate(&LabeledRecord{})
}

// RecordInference logs a served prediction before any outcome is known.
func (p *Provider) RecordInference(ctx context.Context, modelName, subjectID string, features map[string]interface{}, prediction float64) (uuid.UUID, error) {
	rec := LabeledRecord{
		ID:         uuid.New(),
		ModelName:  modelName,
		SubjectID:  subjectID,
		Features:   datatypes.JSONMap(features),
		Prediction: prediction,
		CreatedAt:  time.Now().UTC(),
	}
	return rec.ID, p.db.WithContext(ctx).Create(&rec).Error
}

// AttachLabel records the ground-truth outcome for an earlier inference.
func (p *Provider) AttachLabel(ctx context.Context, recordID uuid.UUID, label float64) error {
	now := time.Now().UTC()
	result := p.db.WithContext(ctx).
		Model(&LabeledRecord{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{"label": label, "labeled_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("record %s not found", recordID)
	}
	return nil
}

// GetTrainingSet returns the labeled records outside the held-out split.
func (p *Provider) GetTrainingSet(ctx context.Context, modelName string) (models.Dataset, error) {
	return p.split(ctx, modelName, false)
}

// GetHeldOutSet returns the labeled records reserved for evaluation. The
// split is a stable hash of the record id, so a record never migrates
// between sets across retraining runs.
func (p *Provider) GetHeldOutSet(ctx context.Context, modelName string) (models.Dataset, error) {
	return p.split(ctx, modelName, true)
}

func (p *Provider) split(ctx context.Context, modelName string, heldOut bool) (models.Dataset, error) {
	var rows []LabeledRecord
	err := p.db.WithContext(ctx).
		Where("model_name = ? AND label IS NOT NULL", modelName).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return models.Dataset{}, err
	}

	ds := models.Dataset{Ref: snapshotRef(modelName, rows)}
	for i := range rows {
		if isHeldOut(rows[i].ID) != heldOut {
			continue
		}
		ex, ok := toExample(&rows[i])
		if !ok {
			continue
		}
		ds.Examples = append(ds.Examples, ex)
	}
	if len(ds.Examples) == 0 {
		return models.Dataset{}, ErrNoLabeledData
	}
	return ds, nil
}

// CountLabeledSince feeds the retraining volume trigger.
func (p *Provider) CountLabeledSince(ctx context.Context, modelName string, since time.Time) (int, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Model(&LabeledRecord{}).
		Where("model_name = ? AND label IS NOT NULL AND labeled_at > ?", modelName, since).
		Count(&count).Error
	return int(count), err
}

// FeatureWindow pulls one numeric feature's values from the most recent
// records, newest first in the query but returned oldest first.
func (p *Provider) FeatureWindow(ctx context.Context, modelName, feature string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = p.window
	}
	var rows []LabeledRecord
	err := p.db.WithContext(ctx).
		Where("model_name = ?", modelName).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	values := make([]float64, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if v, ok := asFloat(rows[i].Features[feature]); ok {
			values = append(values, v)
		}
	}
	return values, nil
}

// ReferenceWindow pulls feature values from records at or before the
// given cut, typically the production model's training time.
func (p *Provider) ReferenceWindow(ctx context.Context, modelName, feature string, before time.Time, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = p.window
	}
	var rows []LabeledRecord
	err := p.db.WithContext(ctx).
		Where("model_name = ? AND created_at <= ?", modelName, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	values := make([]float64, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if v, ok := asFloat(rows[i].Features[feature]); ok {
			values = append(values, v)
		}
	}
	return values, nil
}

func toExample(r *LabeledRecord) (models.Example, bool) {
	if r.Label == nil {
		return models.Example{}, false
	}
	features := make(map[string]float64, len(r.Features))
	for name, raw := range r.Features {
		v, ok := asFloat(raw)
		if !ok {
			return models.Example{}, false
		}
		features[name] = v
	}
	return models.Example{Features: features, Label: *r.Label}, true
}

func asFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func isHeldOut(id uuid.UUID) bool {
	h := fnv.New32a()
	h.Write(id[:])
	return h.Sum32()%heldOutBuckets == 0
}

// snapshotRef names the dataset by model, row count and the newest
// labeled-at timestamp, so identical pulls share a ref.
func snapshotRef(modelName string, rows []LabeledRecord) string {
	var latest time.Time
	for i := range rows {
		if rows[i].LabeledAt != nil && rows[i].LabeledAt.After(latest) {
			latest = *rows[i].LabeledAt
		}
	}
	return fmt.Sprintf("%s@%d-%d", modelName, len(rows), latest.Unix())
}
