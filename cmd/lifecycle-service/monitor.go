package main

import (
	"context"
	"errors"
	"time"

	"github.com/medtrack-ai/modelops/pkg/common/logger"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"github.com/medtrack-ai/modelops/pkg/drift"
	"github.com/medtrack-ai/modelops/pkg/observability/metrics"
	"github.com/medtrack-ai/modelops/pkg/orchestrator"
	"github.com/medtrack-ai/modelops/pkg/registry"
	"github.com/medtrack-ai/modelops/pkg/trigger"
)

const monitorWindowSize = 1000

// runMonitorLoop periodically checks every monitored model for drift and
// retraining triggers. One cycle runs at startup so a restart never
// pushes the next check a full interval out.
func (s *LifecycleService) runMonitorLoop(ctx context.Context, interval time.Duration) {
	s.runMonitorCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMonitorCycle(ctx)
		}
	}
}

func (s *LifecycleService) runMonitorCycle(ctx context.Context) {
	for _, monitor := range s.monitors.Monitors {
		if err := s.checkModel(ctx, monitor); err != nil {
			logger.Log.WithError(err).WithField("model_name", monitor.ModelName).Error("Monitor cycle failed")
		}
	}
}

// checkModel runs the drift tests and the trigger evaluation for one
// model, and kicks off retraining when the decision says so. Models with
// no production version are skipped: there is nothing to drift from.
func (s *LifecycleService) checkModel(ctx context.Context, monitor drift.Monitor) error {
	production, err := s.registry.GetProduction(ctx, monitor.ModelName)
	if err != nil {
		if errors.Is(err, registry.ErrNoProduction) {
			return nil
		}
		return err
	}

	samples, err := s.collectSamples(ctx, monitor, production.CreatedAt)
	if err != nil {
		return err
	}

	metrics.IncDriftChecks()
	reports, drifted, err := s.detector.Check(monitor.ModelName, samples)
	if err != nil && !errors.Is(err, drift.ErrInsufficientData) {
		return err
	}
	if drifted {
		metrics.IncDriftExceeded()
		s.notifier.DriftDetected(ctx, monitor.ModelName, reports)
	}

	newRecords, err := s.datasets.CountLabeledSince(ctx, monitor.ModelName, production.CreatedAt)
	if err != nil {
		return err
	}

	decision := s.evaluator.Evaluate(trigger.Input{
		ModelName:     monitor.ModelName,
		DriftDetected: drifted,
		DriftReports:  reports,
		NewRecords:    int64(newRecords),
		LastTrainedAt: production.CreatedAt,
		Now:           time.Now().UTC(),
	})
	if !decision.Triggered {
		return nil
	}

	logger.Log.WithFields(map[string]interface{}{
		"model_name": monitor.ModelName,
		"reasons":    decision.Reasons,
	}).Info("Retraining triggered")

	if _, err := s.orchestrator.Run(ctx, decision); err != nil {
		if errors.Is(err, orchestrator.ErrRunInFlight) {
			return nil
		}
		return err
	}
	return nil
}

func (s *LifecycleService) collectSamples(ctx context.Context, monitor drift.Monitor, trainedAt time.Time) ([]drift.FeatureSample, error) {
	samples := make([]drift.FeatureSample, 0, len(monitor.Features))
	for _, feature := range monitor.Features {
		reference, err := s.datasets.ReferenceWindow(ctx, monitor.ModelName, feature.Name, trainedAt, monitorWindowSize)
		if err != nil {
			return nil, err
		}
		recent, err := s.datasets.FeatureWindow(ctx, monitor.ModelName, feature.Name, monitorWindowSize)
		if err != nil {
			return nil, err
		}
		samples = append(samples, drift.FeatureSample{
			Name:              feature.Name,
			Reference:         reference,
			Recent:            recent,
			SignificanceLevel: feature.SignificanceLevel,
			PSIThreshold:      feature.PSIThreshold,
		})
	}
	return samples, nil
}

// checkModelNow is the on-demand variant behind the drift endpoint. It
// reports but never triggers retraining on its own.
func (s *LifecycleService) checkModelNow(ctx context.Context, modelName string) ([]models.DriftReport, bool, error) {
	monitor, ok := s.monitors.ForModel(modelName)
	if !ok {
		return nil, false, errors.New("model has no drift monitors configured")
	}

	production, err := s.registry.GetProduction(ctx, modelName)
	if err != nil {
		return nil, false, err
	}

	samples, err := s.collectSamples(ctx, monitor, production.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	metrics.IncDriftChecks()
	reports, drifted, err := s.detector.Check(modelName, samples)
	if drifted {
		metrics.IncDriftExceeded()
	}
	return reports, drifted, err
}
