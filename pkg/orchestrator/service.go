package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medtrack-ai/modelops/pkg/common/logger"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"github.com/medtrack-ai/modelops/pkg/evaluation"
	"github.com/medtrack-ai/modelops/pkg/notify"
	"github.com/medtrack-ai/modelops/pkg/observability/metrics"
	"github.com/medtrack-ai/modelops/pkg/promote"
	"github.com/medtrack-ai/modelops/pkg/registry"
)

var (
	// ErrTrainingFailed wraps any trainer failure surfaced by a run.
	ErrTrainingFailed = errors.New("training failed")

	// ErrRunInFlight means a trigger was coalesced: a run for the model was
	// already active, so the new trigger was dropped, not queued.
	ErrRunInFlight = errors.New("retraining already in flight for model")
)

// Trainer is the external training capability. Calls may take minutes to
// hours; the orchestrator holds no registry lock for their duration.
type Trainer interface {
	Train(ctx context.Context, modelName string, dataset models.Dataset, hyperparams map[string]interface{}) (models.TrainedModel, error)
}

// DatasetProvider resolves dataset snapshots for training and evaluation.
type DatasetProvider interface {
	GetTrainingSet(ctx context.Context, modelName string) (models.Dataset, error)
	GetHeldOutSet(ctx context.Context, modelName string) (models.Dataset, error)
}

// RunResult summarizes one completed retraining run.
type RunResult struct {
	ModelName         string             `json:"model_name"`
	VersionID         string             `json:"version_id"`
	Outcome           promote.Outcome    `json:"outcome"`
	ImprovementPct    float64            `json:"improvement_pct"`
	HasBaseline       bool               `json:"has_baseline"`
	CandidateMetrics  map[string]float64 `json:"candidate_metrics"`
	ProductionMetrics map[string]float64 `json:"production_metrics,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	CompletedAt       time.Time          `json:"completed_at"`
}

// Service sequences a retraining run: train, register, evaluate, promote or
// hold, and notify regardless of outcome. At most one run per model is in
// flight; concurrent triggers are coalesced.
type Service struct {
	registry       *registry.Service
	trainer        Trainer
	datasets       DatasetProvider
	evaluator      *evaluation.Evaluator
	promoter       *promote.Promoter
	notifier       *notify.Service
	trainerTimeout time.Duration
	hyperparams    map[string]interface{}

	mu       sync.Mutex
	inflight map[string]bool
}

func NewService(reg *registry.Service, trainer Trainer, datasets DatasetProvider, evaluator *evaluation.Evaluator, promoter *promote.Promoter, notifier *notify.Service, trainerTimeout time.Duration) *Service {
	if notifier == nil {
		notifier = notify.NewService(nil)
	}
	return &Service{
		registry:       reg,
		trainer:        trainer,
		datasets:       datasets,
		evaluator:      evaluator,
		promoter:       promoter,
		notifier:       notifier,
		trainerTimeout: trainerTimeout,
		inflight:       make(map[string]bool),
	}
}

// SetHyperparams fixes the hyperparameters passed to the trainer on every run.
func (s *Service) SetHyperparams(params map[string]interface{}) {
	s.hyperparams = params
}

// Run executes one retraining run for the decision's model. A decision that
// did not trigger is a strict no-op. Training failures leave the registry
// untouched and always produce a failure notification.
func (s *Service) Run(ctx context.Context, decision models.TriggerDecision) (*RunResult, error) {
	if !decision.Triggered {
		return nil, nil
	}
	modelName := decision.ModelName

	if !s.acquire(modelName) {
		metrics.IncRetrainCoalesced()
		logger.Log.WithField("model_name", modelName).Info("Retraining already in flight, trigger dropped")
		return nil, ErrRunInFlight
	}
	defer s.release(modelName)

	metrics.IncRetrainStarted()
	startedAt := time.Now().UTC()
	logger.Log.WithFields(map[string]interface{}{
		"model_name": modelName,
		"reasons":    decision.Reasons,
	}).Info("Retraining run started")

	dataset, err := s.datasets.GetTrainingSet(ctx, modelName)
	if err != nil {
		return nil, s.fail(ctx, modelName, "dataset resolution", err)
	}

	trainCtx, cancel := context.WithTimeout(ctx, s.trainerTimeout)
	trained, err := s.trainer.Train(trainCtx, modelName, dataset, s.hyperparams)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrTrainingFailed) {
			err = fmt.Errorf("%w: %v", ErrTrainingFailed, err)
		}
		return nil, s.fail(ctx, modelName, "training", err)
	}

	versionID, err := s.registry.Register(ctx, modelName, trained.Artifact, registry.RegisterInput{
		DatasetRef:      trained.DatasetRef,
		Hyperparams:     trained.Hyperparams,
		FeatureSchema:   trained.FeatureNames,
		Metrics:         trained.Metrics,
		TrainingSamples: trained.TrainingSamples,
	})
	if err != nil {
		return nil, s.fail(ctx, modelName, "registration", err)
	}

	candidate, err := s.registry.Get(ctx, modelName, versionID)
	if err != nil {
		return nil, s.fail(ctx, modelName, "registration readback", err)
	}

	heldOut, err := s.datasets.GetHeldOutSet(ctx, modelName)
	if err != nil {
		return nil, s.fail(ctx, modelName, "held-out set resolution", err)
	}

	candidateMetrics, err := s.evaluator.Evaluate(ctx, candidate, heldOut)
	if err != nil {
		return nil, s.fail(ctx, modelName, "evaluation", err)
	}
	if err := s.registry.UpdateMetrics(ctx, modelName, versionID, candidateMetrics); err != nil {
		return nil, s.fail(ctx, modelName, "metrics update", err)
	}

	var productionMetrics map[string]float64
	hasBaseline := false
	production, err := s.registry.GetProduction(ctx, modelName)
	switch {
	case err == nil:
		productionMetrics = production.Metrics
		hasBaseline = true
	case errors.Is(err, registry.ErrNoProduction):
	default:
		return nil, s.fail(ctx, modelName, "production lookup", err)
	}

	improvementPct := 0.0
	if hasBaseline {
		improvementPct, err = evaluation.Compare(candidateMetrics, productionMetrics, "")
		if err != nil {
			return nil, s.fail(ctx, modelName, "comparison", err)
		}
	}

	outcome, err := s.promoter.Apply(ctx, modelName, versionID, improvementPct, hasBaseline, "orchestrator")
	if err != nil {
		return nil, s.fail(ctx, modelName, "promotion", err)
	}

	result := &RunResult{
		ModelName:         modelName,
		VersionID:         versionID,
		Outcome:           outcome,
		ImprovementPct:    improvementPct,
		HasBaseline:       hasBaseline,
		CandidateMetrics:  candidateMetrics,
		ProductionMetrics: productionMetrics,
		StartedAt:         startedAt,
		CompletedAt:       time.Now().UTC(),
	}
	s.notifier.RetrainingCompleted(ctx, modelName, versionID, string(outcome), improvementPct, productionMetrics, candidateMetrics)
	logger.Log.WithFields(map[string]interface{}{
		"model_name": modelName,
		"version_id": versionID,
		"outcome":    outcome,
	}).Info("Retraining run completed")
	return result, nil
}

// fail reports the stage that broke the run. Failure notifications are
// never skipped; the cause keeps its identity so callers can still match
// sentinels like registry.ErrRegistrationTimeout.
func (s *Service) fail(ctx context.Context, modelName, stage string, cause error) error {
	metrics.IncRetrainFailed()
	logger.Log.WithError(cause).WithFields(map[string]interface{}{
		"model_name": modelName,
		"stage":      stage,
	}).Error("Retraining run failed")
	s.notifier.RetrainingFailed(ctx, modelName, stage, cause)
	return fmt.Errorf("retraining %s failed at %s: %w", modelName, stage, cause)
}

func (s *Service) acquire(modelName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[modelName] {
		return false
	}
	s.inflight[modelName] = true
	return true
}

func (s *Service) release(modelName string) {
	s.mu.Lock()
	delete(s.inflight, modelName)
	s.mu.Unlock()
}
