package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/medtrack-ai/modelops/pkg/common/models"
)

const classificationCutoff = 0.5

var (
	// ErrNoBaseline means no production model exists to compare against.
	// A successfully evaluated candidate is then eligible for promotion by
	// default, since there is nothing to regress.
	ErrNoBaseline = errors.New("no production baseline to compare against")

	ErrEmptyDataset = errors.New("evaluation dataset is empty")
)

// ArtifactGetter resolves artifact handles to bytes.
type ArtifactGetter interface {
	Get(ctx context.Context, handle string) ([]byte, error)
}

// Evaluator scores a model version on a held-out set and computes the
// standard classification metrics. Deterministic for a given artifact and
// dataset.
type Evaluator struct {
	artifacts ArtifactGetter
}

func NewEvaluator(artifacts ArtifactGetter) *Evaluator {
	return &Evaluator{artifacts: artifacts}
}

func (e *Evaluator) Evaluate(ctx context.Context, version models.ModelVersion, dataset models.Dataset) (map[string]float64, error) {
	if len(dataset.Examples) == 0 {
		return nil, ErrEmptyDataset
	}

	data, err := e.artifacts.Get(ctx, version.ArtifactHandle)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact for %s/%s: %w", version.ModelName, version.VersionID, err)
	}
	artifact, err := DecodeArtifact(data)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(dataset.Examples))
	labels := make([]float64, len(dataset.Examples))
	for i, example := range dataset.Examples {
		score, err := artifact.Score(example.Features)
		if err != nil {
			return nil, fmt.Errorf("failed to score example %d: %w", i, err)
		}
		scores[i] = score
		labels[i] = example.Label
	}

	return Metrics(scores, labels), nil
}

// Compare returns the candidate's improvement over production in percent,
// on the given metric (ROC-AUC when empty).
func Compare(candidate, production map[string]float64, metric string) (float64, error) {
	if metric == "" {
		metric = models.MetricROCAUC
	}
	if production == nil {
		return 0, ErrNoBaseline
	}
	candidateValue, ok := candidate[metric]
	if !ok {
		return 0, fmt.Errorf("candidate metrics missing %s", metric)
	}
	productionValue, ok := production[metric]
	if !ok {
		return 0, fmt.Errorf("production metrics missing %s", metric)
	}
	if productionValue == 0 {
		return 0, fmt.Errorf("production %s is zero, cannot compute improvement", metric)
	}
	return (candidateValue - productionValue) / productionValue * 100, nil
}

// Metrics computes accuracy, precision, recall, F1, ROC-AUC and PR-AUC from
// predicted probabilities and binary labels.
func Metrics(scores, labels []float64) map[string]float64 {
	var tp, tn, fp, fn float64
	for i, score := range scores {
		predicted := score >= classificationCutoff
		actual := labels[i] > classificationCutoff
		switch {
		case predicted && actual:
			tp++
		case predicted && !actual:
			fp++
		case !predicted && actual:
			fn++
		default:
			tn++
		}
	}

	total := float64(len(scores))
	accuracy := (tp + tn) / total
	precision := safeDiv(tp, tp+fp)
	recall := safeDiv(tp, tp+fn)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	return map[string]float64{
		models.MetricAccuracy:  accuracy,
		models.MetricPrecision: precision,
		models.MetricRecall:    recall,
		models.MetricF1:        f1,
		models.MetricROCAUC:    rocAUC(scores, labels),
		models.MetricPRAUC:     prAUC(scores, labels),
	}
}

// rocAUC uses the rank formulation of the Mann-Whitney U statistic, with
// average ranks for tied scores.
func rocAUC(scores, labels []float64) float64 {
	n := len(scores)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		avgRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = avgRank
		}
		i = j
	}

	var positives, rankSum float64
	for i, label := range labels {
		if label > classificationCutoff {
			positives++
			rankSum += ranks[i]
		}
	}
	negatives := float64(n) - positives
	if positives == 0 || negatives == 0 {
		return 0
	}
	return (rankSum - positives*(positives+1)/2) / (positives * negatives)
}

// prAUC is the average precision: precision summed at each positive, in
// score-descending order.
func prAUC(scores, labels []float64) float64 {
	n := len(scores)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	var positives float64
	for _, label := range labels {
		if label > classificationCutoff {
			positives++
		}
	}
	if positives == 0 {
		return 0
	}

	var tp, seen, ap float64
	for _, i := range idx {
		seen++
		if labels[i] > classificationCutoff {
			tp++
			ap += tp / seen
		}
	}
	return ap / positives
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
