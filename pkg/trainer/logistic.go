package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/medtrack-ai/modelops/pkg/common/models"
	"github.com/medtrack-ai/modelops/pkg/evaluation"
	"github.com/medtrack-ai/modelops/pkg/orchestrator"
)

// ErrTrainingFailed aliases the orchestration contract error so callers
// match a single sentinel for any trainer failure.
var ErrTrainingFailed = orchestrator.ErrTrainingFailed

const (
	defaultEpochs       = 200
	defaultLearningRate = 0.01
)

// Logistic is the reference Trainer: binary logistic regression fitted by
// batch gradient descent. Hyperparameters "epochs" and "learning_rate"
// override the defaults.
type Logistic struct{}

func NewLogistic() *Logistic {
	return &Logistic{}
}

func (t *Logistic) Train(ctx context.Context, modelName string, dataset models.Dataset, hyperparams map[string]interface{}) (models.TrainedModel, error) {
	if len(dataset.Examples) == 0 {
		return models.TrainedModel{}, fmt.Errorf("%w: dataset %s is empty", ErrTrainingFailed, dataset.Ref)
	}

	featureNames := featureOrder(dataset.Examples[0])
	samples := make([][]float64, len(dataset.Examples))
	labels := make([]float64, len(dataset.Examples))
	for i, example := range dataset.Examples {
		row := make([]float64, len(featureNames))
		for j, name := range featureNames {
			value, ok := example.Features[name]
			if !ok {
				return models.TrainedModel{}, fmt.Errorf("%w: example %d missing feature %s", ErrTrainingFailed, i, name)
			}
			row[j] = value
		}
		samples[i] = row
		labels[i] = example.Label
	}

	epochs := intParam(hyperparams, "epochs", defaultEpochs)
	learningRate := floatParam(hyperparams, "learning_rate", defaultLearningRate)

	weights := make([]float64, len(featureNames))
	var bias float64
	n := float64(len(samples))

	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return models.TrainedModel{}, fmt.Errorf("%w: %v", ErrTrainingFailed, err)
		}
		grad := make([]float64, len(featureNames))
		var biasGrad float64
		for i, sample := range samples {
			prediction := sigmoid(dot(weights, sample) + bias)
			residual := prediction - labels[i]
			for j := range grad {
				grad[j] += residual * sample[j]
			}
			biasGrad += residual
		}
		for j := range weights {
			weights[j] -= learningRate * grad[j] / n
		}
		bias -= learningRate * biasGrad / n
	}

	scores := make([]float64, len(samples))
	for i, sample := range samples {
		scores[i] = sigmoid(dot(weights, sample) + bias)
	}
	trainingMetrics := evaluation.Metrics(scores, labels)

	artifact, err := encodeArtifact(modelName, featureNames, bias, weights)
	if err != nil {
		return models.TrainedModel{}, fmt.Errorf("%w: %v", ErrTrainingFailed, err)
	}

	return models.TrainedModel{
		Artifact:        artifact,
		Metrics:         trainingMetrics,
		FeatureNames:    featureNames,
		TrainingSamples: len(samples),
		DatasetRef:      dataset.Ref,
		Hyperparams: map[string]interface{}{
			"algorithm":     "logistic_regression",
			"epochs":        epochs,
			"learning_rate": learningRate,
		},
	}, nil
}

func encodeArtifact(modelName string, featureNames []string, bias float64, coefficients []float64) ([]byte, error) {
	var artifact evaluation.Artifact
	artifact.Model.Type = modelName
	artifact.Model.Algorithm = "logistic_regression"
	artifact.Model.FeatureNames = featureNames
	artifact.Model.Weights.Bias = bias
	artifact.Model.Weights.Coefficients = coefficients
	return json.MarshalIndent(artifact, "", "  ")
}

// featureOrder fixes the coefficient ordering: sorted feature names of the
// first example.
func featureOrder(example models.Example) []string {
	names := make([]string, 0, len(example.Features))
	for name := range example.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}

func floatParam(params map[string]interface{}, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	if v, ok := params[key].(float64); ok && v > 0 {
		return v
	}
	return fallback
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
