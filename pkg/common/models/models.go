package models

import (
	"time"

	"github.com/google/uuid"
)

// Model lifecycle statuses. ROLLED_BACK is terminal and treated like
// ARCHIVED everywhere except the audit trail.
const (
	StatusRegistered = "REGISTERED"
	StatusStaging    = "STAGING"
	StatusProduction = "PRODUCTION"
	StatusArchived   = "ARCHIVED"
	StatusRolledBack = "ROLLED_BACK"
)

// Canonical metric names stored on every ModelVersion.
const (
	MetricAccuracy  = "accuracy"
	MetricPrecision = "precision"
	MetricRecall    = "recall"
	MetricF1        = "f1"
	MetricROCAUC    = "roc_auc"
	MetricPRAUC     = "pr_auc"
)

// Rollout strategies for traffic splitting.
const (
	StrategyImmediate = "immediate"
	StrategyCanary    = "canary"
	StrategyGradual   = "gradual"
	StrategyAB        = "ab"
)

// ModelVersion is one trained artifact within a model lineage.
type ModelVersion struct {
	ModelName       string                 `json:"model_name"`
	VersionID       string                 `json:"version_id"`
	Status          string                 `json:"status"`
	DatasetRef      string                 `json:"dataset_ref"`
	Hyperparams     map[string]interface{} `json:"hyperparams,omitempty"`
	FeatureSchema   []string               `json:"feature_schema,omitempty"`
	Metrics         map[string]float64     `json:"metrics,omitempty"`
	TrainingSamples int                    `json:"training_samples"`
	ArtifactHandle  string                 `json:"artifact_handle,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// DeploymentRecord is one append-only audit entry for a status change.
// A promotion that displaces the previous production version names it in
// DemotedVersionID; the demotion does not get its own entry.
type DeploymentRecord struct {
	ID               uuid.UUID `json:"id"`
	ModelName        string    `json:"model_name"`
	VersionID        string    `json:"version_id"`
	PreviousStatus   string    `json:"previous_status"`
	NewStatus        string    `json:"new_status"`
	DemotedVersionID string    `json:"demoted_version_id,omitempty"`
	Actor            string    `json:"actor"`
	Reason           string    `json:"reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Drift test identifiers.
const (
	DriftTestKS  = "ks"
	DriftTestPSI = "psi"
)

// DriftReport is the outcome of one statistical test on one feature.
type DriftReport struct {
	ModelName   string    `json:"model_name"`
	FeatureName string    `json:"feature_name"`
	Test        string    `json:"test"`
	Statistic   float64   `json:"statistic"`
	PValue      float64   `json:"p_value,omitempty"`
	Threshold   float64   `json:"threshold"`
	Exceeded    bool      `json:"exceeded"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Trigger reasons recorded on a retraining decision.
const (
	TriggerReasonDrift    = "drift_detected"
	TriggerReasonVolume   = "volume_threshold"
	TriggerReasonSchedule = "schedule_elapsed"
	TriggerReasonForce    = "forced"
)

// TriggerDecision states whether retraining should run and why.
type TriggerDecision struct {
	ModelName    string        `json:"model_name"`
	Triggered    bool          `json:"triggered"`
	Reasons      []string      `json:"reasons,omitempty"`
	NewRecords   int64         `json:"new_records"`
	DriftReports []DriftReport `json:"drift_reports,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// Variant is one arm of a traffic-split test.
type Variant struct {
	VersionID   string  `json:"version_id"`
	Weight      float64 `json:"weight"`
	Requests    int64   `json:"requests"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	MetricSum   float64 `json:"metric_sum"`
	MetricCount int64   `json:"metric_count"`
}

// ABTest is an active or completed traffic-split experiment.
type ABTest struct {
	TestID    string     `json:"test_id"`
	ModelName string     `json:"model_name"`
	Strategy  string     `json:"strategy"`
	Variants  []Variant  `json:"variants"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Winner    string     `json:"winner,omitempty"`
}

// Example is a single labeled observation.
type Example struct {
	Features map[string]float64 `json:"features"`
	Label    float64            `json:"label"`
}

// Dataset is a labeled sample identified by a snapshot reference.
type Dataset struct {
	Ref      string    `json:"ref"`
	Examples []Example `json:"examples"`
}

// TrainedModel is what a Trainer hands back on success.
type TrainedModel struct {
	Artifact        []byte                 `json:"-"`
	Metrics         map[string]float64     `json:"metrics"`
	FeatureNames    []string               `json:"feature_names"`
	TrainingSamples int                    `json:"training_samples"`
	DatasetRef      string                 `json:"dataset_ref"`
	Hyperparams     map[string]interface{} `json:"hyperparams,omitempty"`
}

// Event is the envelope published on the lifecycle topic.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
