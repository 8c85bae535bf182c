package trigger

import (
	"time"

	"github.com/medtrack-ai/modelops/pkg/common/models"
)

const (
	DefaultVolumeThreshold = 1000
	DefaultInterval        = 30 * 24 * time.Hour
)

// Input gathers the signals the evaluator decides on. LastTrainedAt is the
// dataset snapshot timestamp of the model currently serving; a zero value
// means the model has never been trained, which counts as schedule elapsed.
type Input struct {
	ModelName     string
	DriftDetected bool
	DriftReports  []models.DriftReport
	NewRecords    int64
	LastTrainedAt time.Time
	Force         bool
	Now           time.Time
}

// Evaluator is a pure decision function: it composes drift, volume and
// schedule signals into a retrain-or-not verdict and keeps no state of its
// own. A decision with Triggered=false must be treated as a strict no-op by
// callers; spurious retrains are a correctness bug, not an inefficiency.
type Evaluator struct {
	volumeThreshold int64
	interval        time.Duration
}

func NewEvaluator(volumeThreshold int64, interval time.Duration) *Evaluator {
	if volumeThreshold <= 0 {
		volumeThreshold = DefaultVolumeThreshold
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Evaluator{volumeThreshold: volumeThreshold, interval: interval}
}

func (e *Evaluator) Evaluate(in Input) models.TriggerDecision {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var reasons []string
	if in.DriftDetected {
		reasons = append(reasons, models.TriggerReasonDrift)
	}
	if in.NewRecords > e.volumeThreshold {
		reasons = append(reasons, models.TriggerReasonVolume)
	}
	if in.LastTrainedAt.IsZero() || now.Sub(in.LastTrainedAt) >= e.interval {
		reasons = append(reasons, models.TriggerReasonSchedule)
	}
	if in.Force {
		reasons = append(reasons, models.TriggerReasonForce)
	}

	return models.TriggerDecision{
		ModelName:    in.ModelName,
		Triggered:    len(reasons) > 0,
		Reasons:      reasons,
		NewRecords:   in.NewRecords,
		DriftReports: in.DriftReports,
		CheckedAt:    now,
	}
}
