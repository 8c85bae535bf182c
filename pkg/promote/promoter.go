package promote

import (
	"context"
	"fmt"

	"github.com/medtrack-ai/modelops/pkg/common/logger"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"github.com/medtrack-ai/modelops/pkg/notify"
	"github.com/medtrack-ai/modelops/pkg/observability/metrics"
)

// DefaultImprovementThresholdPct is the single governing promotion rule: a
// candidate must beat production ROC-AUC by at least this much to
// auto-promote.
const DefaultImprovementThresholdPct = 5.0

// Outcome of applying the promotion policy to an evaluated candidate.
type Outcome string

const (
	// OutcomePromoted means the candidate became PRODUCTION.
	OutcomePromoted Outcome = "promoted"
	// OutcomeStaged means the candidate moved to STAGING for manual review.
	// This is terminal for the run; only a human action promotes it later.
	OutcomeStaged Outcome = "staged"
	// OutcomeHeld means the candidate regressed and stays REGISTERED.
	OutcomeHeld Outcome = "held"
)

// Registry is the slice of the model registry the promoter mutates.
type Registry interface {
	Get(ctx context.Context, modelName, versionID string) (models.ModelVersion, error)
	SetStatus(ctx context.Context, modelName, versionID, newStatus, actor, reason string) error
	Rollback(ctx context.Context, modelName, targetVersionID, actor, reason string) error
}

// Promoter encapsulates the promotion and rollback policy. It is the only
// component that moves versions between lifecycle states.
type Promoter struct {
	registry     Registry
	notifier     *notify.Service
	thresholdPct float64
}

func NewPromoter(registry Registry, notifier *notify.Service, thresholdPct float64) *Promoter {
	if thresholdPct <= 0 {
		thresholdPct = DefaultImprovementThresholdPct
	}
	if notifier == nil {
		notifier = notify.NewService(nil)
	}
	return &Promoter{registry: registry, notifier: notifier, thresholdPct: thresholdPct}
}

// Apply routes an evaluated candidate by its improvement over production.
// With no baseline the candidate is promoted by default, since there is
// nothing to regress against.
func (p *Promoter) Apply(ctx context.Context, modelName, versionID string, improvementPct float64, hasBaseline bool, actor string) (Outcome, error) {
	switch {
	case !hasBaseline:
		reason := "first evaluated candidate, no production baseline"
		if err := p.registry.SetStatus(ctx, modelName, versionID, models.StatusProduction, actor, reason); err != nil {
			return "", err
		}
		metrics.IncPromotions()
		p.notifier.ModelPromoted(ctx, modelName, versionID, actor, reason)
		return OutcomePromoted, nil

	case improvementPct >= p.thresholdPct:
		reason := fmt.Sprintf("auto-promotion: %.2f%% ROC-AUC improvement over production", improvementPct)
		if err := p.registry.SetStatus(ctx, modelName, versionID, models.StatusProduction, actor, reason); err != nil {
			return "", err
		}
		metrics.IncPromotions()
		p.notifier.ModelPromoted(ctx, modelName, versionID, actor, reason)
		return OutcomePromoted, nil

	case improvementPct >= 0:
		reason := fmt.Sprintf("held for review: %.2f%% improvement below %.1f%% threshold", improvementPct, p.thresholdPct)
		if err := p.registry.SetStatus(ctx, modelName, versionID, models.StatusStaging, actor, reason); err != nil {
			return "", err
		}
		return OutcomeStaged, nil

	default:
		logger.Log.WithFields(map[string]interface{}{
			"model_name":      modelName,
			"version_id":      versionID,
			"improvement_pct": improvementPct,
		}).Info("Candidate regressed, leaving as registered")
		return OutcomeHeld, nil
	}
}

// Promote is the manual action that moves a staged candidate to production.
func (p *Promoter) Promote(ctx context.Context, modelName, versionID, actor, reason string) error {
	if err := p.registry.SetStatus(ctx, modelName, versionID, models.StatusProduction, actor, reason); err != nil {
		return err
	}
	metrics.IncPromotions()
	p.notifier.ModelPromoted(ctx, modelName, versionID, actor, reason)
	return nil
}

// Rollback restores a previous version to production. The registry enforces
// atomicity, target existence and the non-empty audit reason.
func (p *Promoter) Rollback(ctx context.Context, modelName, targetVersionID, actor, reason string) error {
	if err := p.registry.Rollback(ctx, modelName, targetVersionID, actor, reason); err != nil {
		return err
	}
	metrics.IncRollbacks()
	p.notifier.ModelRolledBack(ctx, modelName, targetVersionID, actor, reason)
	return nil
}
