package router

import (
	"fmt"
	"time"

	"github.com/medtrack-ai/modelops/pkg/common/models"
)

// DefaultCanaryFraction holds the canary variant at 5% of traffic pending
// manual promotion.
const DefaultCanaryFraction = 0.05

// DefaultGradualSteps is the weight schedule a gradual rollout walks
// through, one step per interval.
var DefaultGradualSteps = []float64{0.10, 0.25, 0.50, 1.0}

// Strategy produces the current variant weights as a function of elapsed
// test time. The router depends only on the weights, not on which strategy
// produced them. The last variant is always the one being rolled out.
type Strategy interface {
	Weights(elapsed time.Duration, base []float64) []float64
}

// NewStrategy builds the strategy for a rollout kind. canaryFraction and
// stepInterval fall back to defaults when zero.
func NewStrategy(kind string, canaryFraction float64, stepInterval time.Duration) (Strategy, error) {
	if canaryFraction <= 0 || canaryFraction >= 1 {
		canaryFraction = DefaultCanaryFraction
	}
	if stepInterval <= 0 {
		stepInterval = 24 * time.Hour
	}
	switch kind {
	case models.StrategyImmediate:
		return immediateStrategy{}, nil
	case models.StrategyCanary:
		return canaryStrategy{fraction: canaryFraction}, nil
	case models.StrategyGradual:
		return gradualStrategy{steps: DefaultGradualSteps, interval: stepInterval}, nil
	case models.StrategyAB:
		return abStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown rollout strategy %q", kind)
}

// immediateStrategy sends all traffic to the new variant from the start.
type immediateStrategy struct{}

func (immediateStrategy) Weights(_ time.Duration, base []float64) []float64 {
	return rolloutWeights(base, 1.0)
}

// canaryStrategy holds the new variant at a fixed small fraction.
type canaryStrategy struct {
	fraction float64
}

func (s canaryStrategy) Weights(_ time.Duration, base []float64) []float64 {
	return rolloutWeights(base, s.fraction)
}

// gradualStrategy increases the new variant's share one step per interval
// and stays at the final step.
type gradualStrategy struct {
	steps    []float64
	interval time.Duration
}

func (s gradualStrategy) Weights(elapsed time.Duration, base []float64) []float64 {
	idx := int(elapsed / s.interval)
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return rolloutWeights(base, s.steps[idx])
}

// abStrategy keeps the configured split until a decision point.
type abStrategy struct{}

func (abStrategy) Weights(_ time.Duration, base []float64) []float64 {
	return base
}

// rolloutWeights gives the new (last) variant the rollout fraction and
// splits the remainder across the others in proportion to their base
// weights.
func rolloutWeights(base []float64, newFraction float64) []float64 {
	n := len(base)
	weights := make([]float64, n)
	if n == 1 {
		weights[0] = 1
		return weights
	}

	var baseSum float64
	for _, w := range base[:n-1] {
		baseSum += w
	}
	remainder := 1 - newFraction
	for i := 0; i < n-1; i++ {
		if baseSum > 0 {
			weights[i] = remainder * base[i] / baseSum
		} else {
			weights[i] = remainder / float64(n-1)
		}
	}
	weights[n-1] = newFraction
	return weights
}
