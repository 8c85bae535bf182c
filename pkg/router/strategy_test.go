package router

import (
	"math"
	"testing"
	"time"

	"github.com/medtrack-ai/modelops/pkg/common/models"
)

func weightsEqual(got, want []float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			return false
		}
	}
	return true
}

func TestImmediateStrategy(t *testing.T) {
	s, err := NewStrategy(models.StrategyImmediate, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := s.Weights(0, []float64{1, 0})
	if !weightsEqual(got, []float64{0, 1}) {
		t.Fatalf("immediate weights = %v, want [0 1]", got)
	}
}

func TestCanaryStrategyHoldsFraction(t *testing.T) {
	s, err := NewStrategy(models.StrategyCanary, 0.05, 0)
	if err != nil {
		t.Fatal(err)
	}

	for _, elapsed := range []time.Duration{0, time.Hour, 30 * 24 * time.Hour} {
		got := s.Weights(elapsed, []float64{1, 0})
		if !weightsEqual(got, []float64{0.95, 0.05}) {
			t.Fatalf("canary weights at %v = %v, want [0.95 0.05]", elapsed, got)
		}
	}
}

func TestGradualStrategySteps(t *testing.T) {
	s, err := NewStrategy(models.StrategyGradual, 0, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		elapsed time.Duration
		want    []float64
	}{
		{0, []float64{0.90, 0.10}},
		{25 * time.Hour, []float64{0.75, 0.25}},
		{49 * time.Hour, []float64{0.50, 0.50}},
		{73 * time.Hour, []float64{0, 1}},
		{300 * time.Hour, []float64{0, 1}},
	}
	for _, tc := range cases {
		got := s.Weights(tc.elapsed, []float64{1, 0})
		if !weightsEqual(got, tc.want) {
			t.Fatalf("gradual weights at %v = %v, want %v", tc.elapsed, got, tc.want)
		}
	}
}

func TestABStrategyKeepsBaseWeights(t *testing.T) {
	s, err := NewStrategy(models.StrategyAB, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	base := []float64{0.5, 0.5}
	got := s.Weights(48*time.Hour, base)
	if !weightsEqual(got, base) {
		t.Fatalf("ab weights = %v, want %v", got, base)
	}
}

func TestUnknownStrategyRejected(t *testing.T) {
	if _, err := NewStrategy("bluegreen", 0, 0); err == nil {
		t.Fatal("expected an error for an unknown strategy")
	}
}

func TestRolloutWeightsSplitRemainderProportionally(t *testing.T) {
	got := rolloutWeights([]float64{0.6, 0.2, 0}, 0.5)
	if !weightsEqual(got, []float64{0.375, 0.125, 0.5}) {
		t.Fatalf("rollout weights = %v, want [0.375 0.125 0.5]", got)
	}
}
