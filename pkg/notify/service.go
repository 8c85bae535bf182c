package notify

import (
	"context"
	"fmt"

	"github.com/medtrack-ai/modelops/pkg/common/logger"
	"github.com/medtrack-ai/modelops/pkg/common/models"
)

// Lifecycle event types published on the notification transport.
const (
	EventRetrainingCompleted = "retraining_completed"
	EventRetrainingFailed    = "retraining_failed"
	EventDriftDetected       = "drift_detected"
	EventModelPromoted       = "model_promoted"
	EventModelRolledBack     = "model_rollback"
)

// Transport delivers a formatted event. Best effort from this package's
// perspective; delivery failures never propagate.
type Transport interface {
	Publish(ctx context.Context, eventType string, data map[string]interface{}) error
}

// Service formats registry state changes into structured summaries and
// hands them to the transport. No business logic lives here.
type Service struct {
	transport Transport
}

func NewService(transport Transport) *Service {
	return &Service{transport: transport}
}

func (s *Service) RetrainingCompleted(ctx context.Context, modelName, versionID, outcome string, improvementPct float64, before, after map[string]float64) {
	summary := fmt.Sprintf("Retraining of %s completed: candidate %s %s (ROC-AUC improvement %.2f%%)",
		modelName, versionID, outcome, improvementPct)
	if before == nil {
		summary = fmt.Sprintf("Retraining of %s completed: candidate %s %s (no prior production baseline)",
			modelName, versionID, outcome)
	}
	s.dispatch(ctx, EventRetrainingCompleted, map[string]interface{}{
		"summary":            summary,
		"model_name":         modelName,
		"version_id":         versionID,
		"outcome":            outcome,
		"improvement_pct":    improvementPct,
		"production_metrics": before,
		"candidate_metrics":  after,
	})
}

func (s *Service) RetrainingFailed(ctx context.Context, modelName, stage string, cause error) {
	s.dispatch(ctx, EventRetrainingFailed, map[string]interface{}{
		"summary":    fmt.Sprintf("Retraining of %s failed during %s: %v", modelName, stage, cause),
		"model_name": modelName,
		"stage":      stage,
		"error":      cause.Error(),
	})
}

func (s *Service) DriftDetected(ctx context.Context, modelName string, reports []models.DriftReport) {
	exceeded := make([]map[string]interface{}, 0, len(reports))
	for _, r := range reports {
		if !r.Exceeded {
			continue
		}
		exceeded = append(exceeded, map[string]interface{}{
			"feature":   r.FeatureName,
			"test":      r.Test,
			"statistic": r.Statistic,
			"threshold": r.Threshold,
		})
	}
	if len(exceeded) == 0 {
		return
	}
	s.dispatch(ctx, EventDriftDetected, map[string]interface{}{
		"summary":    fmt.Sprintf("Drift detected on %s: %d feature test(s) exceeded threshold", modelName, len(exceeded)),
		"model_name": modelName,
		"features":   exceeded,
	})
}

func (s *Service) ModelPromoted(ctx context.Context, modelName, versionID, actor, reason string) {
	s.dispatch(ctx, EventModelPromoted, map[string]interface{}{
		"summary":    fmt.Sprintf("Model %s version %s promoted to production by %s", modelName, versionID, actor),
		"model_name": modelName,
		"version_id": versionID,
		"actor":      actor,
		"reason":     reason,
	})
}

func (s *Service) ModelRolledBack(ctx context.Context, modelName, versionID, actor, reason string) {
	s.dispatch(ctx, EventModelRolledBack, map[string]interface{}{
		"summary":    fmt.Sprintf("Model %s rolled back to version %s by %s: %s", modelName, versionID, actor, reason),
		"model_name": modelName,
		"version_id": versionID,
		"actor":      actor,
		"reason":     reason,
	})
}

// dispatch swallows transport failures: notification is best effort, never
// a correctness dependency of the orchestration run.
func (s *Service) dispatch(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.transport == nil {
		return
	}
	if err := s.transport.Publish(ctx, eventType, data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("Notification dispatch failed")
	}
}
