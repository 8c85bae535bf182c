package drift

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/medtrack-ai/modelops/pkg/common/logger"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"gonum.org/v1/gonum/stat"
)

// Named thresholds for the two drift tests. A PSI above 0.2 is a major
// distribution shift; 0.1 to 0.2 is commonly read as moderate.
const (
	DefaultSignificanceLevel = 0.05
	DefaultPSIThreshold      = 0.2
	DefaultMinSampleSize     = 30

	psiBins = 10
	// Floor for bin proportions so that empty bins do not blow up the
	// PSI log term.
	psiEpsilon = 1e-4
)

// ErrInsufficientData means the sample is too small for a statistically
// meaningful verdict. Callers must treat this as "no verdict", not "no drift".
var ErrInsufficientData = errors.New("insufficient data for drift check")

// FeatureSample pairs a training-time reference sample with a recent
// live-traffic window for one feature. Zero-valued thresholds fall back to
// the detector defaults.
type FeatureSample struct {
	Name              string
	Reference         []float64
	Recent            []float64
	SignificanceLevel float64
	PSIThreshold      float64
}

// Detector compares recent inference inputs against reference
// distributions, feature by feature.
type Detector struct {
	significanceLevel float64
	psiThreshold      float64
	minSampleSize     int
}

func NewDetector(significanceLevel, psiThreshold float64, minSampleSize int) *Detector {
	if significanceLevel <= 0 || significanceLevel >= 1 {
		significanceLevel = DefaultSignificanceLevel
	}
	if psiThreshold <= 0 {
		psiThreshold = DefaultPSIThreshold
	}
	if minSampleSize <= 0 {
		minSampleSize = DefaultMinSampleSize
	}
	return &Detector{
		significanceLevel: significanceLevel,
		psiThreshold:      psiThreshold,
		minSampleSize:     minSampleSize,
	}
}

// CheckFeature runs the two-sample Kolmogorov-Smirnov test and the
// Population Stability Index on one feature and returns one report per test.
func (d *Detector) CheckFeature(modelName string, sample FeatureSample) ([]models.DriftReport, error) {
	if len(sample.Recent) < d.minSampleSize || len(sample.Reference) < d.minSampleSize {
		return nil, fmt.Errorf("%w: feature %s has %d recent / %d reference observations, need %d",
			ErrInsufficientData, sample.Name, len(sample.Recent), len(sample.Reference), d.minSampleSize)
	}

	alpha := sample.SignificanceLevel
	if alpha <= 0 {
		alpha = d.significanceLevel
	}
	psiLimit := sample.PSIThreshold
	if psiLimit <= 0 {
		psiLimit = d.psiThreshold
	}

	now := time.Now().UTC()
	ksStat, pValue := ksTwoSample(sample.Reference, sample.Recent)
	psi := populationStabilityIndex(sample.Reference, sample.Recent)

	reports := []models.DriftReport{
		{
			ModelName:   modelName,
			FeatureName: sample.Name,
			Test:        models.DriftTestKS,
			Statistic:   ksStat,
			PValue:      pValue,
			Threshold:   alpha,
			Exceeded:    pValue < alpha,
			CheckedAt:   now,
		},
		{
			ModelName:   modelName,
			FeatureName: sample.Name,
			Test:        models.DriftTestPSI,
			Statistic:   psi,
			Threshold:   psiLimit,
			Exceeded:    psi > psiLimit,
			CheckedAt:   now,
		},
	}
	return reports, nil
}

// Check evaluates every monitored feature. The model-level verdict is an OR
// over features: one severely drifted feature is enough. Features with too
// little data are skipped; if no feature could be tested the whole check
// fails with ErrInsufficientData.
func (d *Detector) Check(modelName string, samples []FeatureSample) ([]models.DriftReport, bool, error) {
	var reports []models.DriftReport
	drifted := false
	tested := 0

	for _, sample := range samples {
		featureReports, err := d.CheckFeature(modelName, sample)
		if err != nil {
			if errors.Is(err, ErrInsufficientData) {
				logger.Log.WithFields(map[string]interface{}{
					"model_name": modelName,
					"feature":    sample.Name,
				}).Debug("Skipping drift check, not enough data")
				continue
			}
			return nil, false, err
		}
		tested++
		for _, r := range featureReports {
			if r.Exceeded {
				drifted = true
			}
		}
		reports = append(reports, featureReports...)
	}

	if tested == 0 && len(samples) > 0 {
		return nil, false, ErrInsufficientData
	}
	return reports, drifted, nil
}

// ksTwoSample computes the two-sample KS statistic by walking both sorted
// samples and tracking the largest gap between empirical CDFs, with the
// asymptotic p-value approximation.
func ksTwoSample(a, b []float64) (statistic, pValue float64) {
	n1, n2 := len(a), len(b)
	sorted1 := make([]float64, n1)
	sorted2 := make([]float64, n2)
	copy(sorted1, a)
	copy(sorted2, b)
	sort.Float64s(sorted1)
	sort.Float64s(sorted2)

	var maxDiff float64
	i1, i2 := 0, 0
	for i1 < n1 || i2 < n2 {
		var x float64
		switch {
		case i1 >= n1:
			x = sorted2[i2]
		case i2 >= n2:
			x = sorted1[i1]
		default:
			x = math.Min(sorted1[i1], sorted2[i2])
		}

		for i1 < n1 && sorted1[i1] <= x {
			i1++
		}
		for i2 < n2 && sorted2[i2] <= x {
			i2++
		}

		diff := math.Abs(float64(i1)/float64(n1) - float64(i2)/float64(n2))
		if diff > maxDiff {
			maxDiff = diff
		}
	}

	m := float64(n1) * float64(n2) / float64(n1+n2)
	lambda := maxDiff * math.Sqrt(m)
	p := 2 * math.Exp(-2*lambda*lambda)
	if p > 1 {
		p = 1
	}
	return maxDiff, p
}

// populationStabilityIndex bins both samples against bin edges derived from
// the reference sample's quantiles and sums the PSI contributions.
func populationStabilityIndex(reference, recent []float64) float64 {
	sortedRef := make([]float64, len(reference))
	copy(sortedRef, reference)
	sort.Float64s(sortedRef)

	edges := make([]float64, 0, psiBins-1)
	for i := 1; i < psiBins; i++ {
		q := stat.Quantile(float64(i)/float64(psiBins), stat.Empirical, sortedRef, nil)
		edges = append(edges, q)
	}

	refPct := binProportions(reference, edges)
	recentPct := binProportions(recent, edges)

	var psi float64
	for i := range refPct {
		r := math.Max(refPct[i], psiEpsilon)
		c := math.Max(recentPct[i], psiEpsilon)
		psi += (c - r) * math.Log(c/r)
	}
	return psi
}

func binProportions(values []float64, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, v := range values {
		idx := sort.SearchFloat64s(edges, v)
		counts[idx]++
	}
	total := float64(len(values))
	for i := range counts {
		counts[i] /= total
	}
	return counts
}
