package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"gorm.io/datatypes"
)

type VersionModel struct {
	ModelName       string                        `gorm:"column:model_name;primaryKey"`
	VersionID       string                        `gorm:"column:version_id;primaryKey"`
	Status          string                        `gorm:"column:status;index"`
	DatasetRef      string                        `gorm:"column:dataset_ref"`
	Hyperparams     datatypes.JSONMap             `gorm:"column:hyperparams"`
	FeatureSchema   datatypes.JSONSlice[string]   `gorm:"column:feature_schema"`
	Metrics         datatypes.JSONMap             `gorm:"column:metrics"`
	TrainingSamples int                           `gorm:"column:training_samples"`
	ArtifactHandle  string                        `gorm:"column:artifact_handle"`
	CreatedAt       time.Time                     `gorm:"column:created_at;index"`
}

func (VersionModel) TableName() string {
	return "model_versions"
}

type DeploymentModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey;column:id"`
	ModelName        string    `gorm:"column:model_name;index"`
	VersionID        string    `gorm:"column:version_id"`
	PreviousStatus   string    `gorm:"column:previous_status"`
	NewStatus        string    `gorm:"column:new_status"`
	DemotedVersionID string    `gorm:"column:demoted_version_id"`
	Actor            string    `gorm:"column:actor"`
	Reason           string    `gorm:"column:reason"`
	CreatedAt        time.Time `gorm:"column:created_at;index"`
}

func (DeploymentModel) TableName() string {
	return "deployment_records"
}

// RegisterInput carries the metadata persisted with a new version.
type RegisterInput struct {
	DatasetRef      string
	Hyperparams     map[string]interface{}
	FeatureSchema   []string
	Metrics         map[string]float64
	TrainingSamples int
}

func toDomain(v *VersionModel) models.ModelVersion {
	result := models.ModelVersion{
		ModelName:       v.ModelName,
		VersionID:       v.VersionID,
		Status:          v.Status,
		DatasetRef:      v.DatasetRef,
		FeatureSchema:   []string(v.FeatureSchema),
		TrainingSamples: v.TrainingSamples,
		ArtifactHandle:  v.ArtifactHandle,
		CreatedAt:       v.CreatedAt,
	}
	if v.Hyperparams != nil {
		result.Hyperparams = map[string]interface{}(v.Hyperparams)
	}
	if v.Metrics != nil {
		result.Metrics = make(map[string]float64, len(v.Metrics))
		for name, value := range v.Metrics {
			if f, ok := value.(float64); ok {
				result.Metrics[name] = f
			}
		}
	}
	return result
}

func metricsToJSON(metrics map[string]float64) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(metrics))
	for name, value := range metrics {
		out[name] = value
	}
	return out
}

func deploymentToDomain(d *DeploymentModel) models.DeploymentRecord {
	return models.DeploymentRecord{
		ID:               d.ID,
		ModelName:        d.ModelName,
		VersionID:        d.VersionID,
		PreviousStatus:   d.PreviousStatus,
		NewStatus:        d.NewStatus,
		DemotedVersionID: d.DemotedVersionID,
		Actor:            d.Actor,
		Reason:           d.Reason,
		CreatedAt:        d.CreatedAt,
	}
}
