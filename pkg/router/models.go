package router

import (
	"time"

	"github.com/medtrack-ai/modelops/pkg/common/models"
	"gorm.io/datatypes"
)

type TestModel struct {
	TestID    string                              `gorm:"column:test_id;primaryKey"`
	ModelName string                              `gorm:"column:model_name;index"`
	Strategy  string                              `gorm:"column:strategy"`
	Variants  datatypes.JSONSlice[models.Variant] `gorm:"column:variants"`
	StartedAt time.Time                           `gorm:"column:started_at"`
	EndedAt   *time.Time                          `gorm:"column:ended_at"`
	Winner    string                              `gorm:"column:winner"`
}

func (TestModel) TableName() string {
	return "ab_tests"
}

func toDomain(t *TestModel) models.ABTest {
	return models.ABTest{
		TestID:    t.TestID,
		ModelName: t.ModelName,
		Strategy:  t.Strategy,
		Variants:  []models.Variant(t.Variants),
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
		Winner:    t.Winner,
	}
}

func toModel(t models.ABTest) *TestModel {
	return &TestModel{
		TestID:    t.TestID,
		ModelName: t.ModelName,
		Strategy:  t.Strategy,
		Variants:  datatypes.JSONSlice[models.Variant](t.Variants),
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
		Winner:    t.Winner,
	}
}
