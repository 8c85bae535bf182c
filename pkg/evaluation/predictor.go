package evaluation

import (
	"encoding/json"
	"fmt"
	"math"
)

// Artifact is the serialized form of a trained linear model. The feature
// name order fixes the coefficient order.
type Artifact struct {
	Model struct {
		Type         string   `json:"type"`
		Algorithm    string   `json:"algorithm"`
		FeatureNames []string `json:"feature_names"`
		Weights      struct {
			Bias         float64   `json:"bias"`
			Coefficients []float64 `json:"coefficients"`
		} `json:"weights"`
	} `json:"model"`
}

func DecodeArtifact(data []byte) (Artifact, error) {
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("failed to decode artifact: %w", err)
	}
	if len(artifact.Model.FeatureNames) == 0 {
		return Artifact{}, fmt.Errorf("artifact missing feature names")
	}
	if len(artifact.Model.FeatureNames) != len(artifact.Model.Weights.Coefficients) {
		return Artifact{}, fmt.Errorf("artifact has %d features but %d coefficients",
			len(artifact.Model.FeatureNames), len(artifact.Model.Weights.Coefficients))
	}
	return artifact, nil
}

// Score computes the positive-class probability for one observation.
func (a Artifact) Score(features map[string]float64) (float64, error) {
	sum := a.Model.Weights.Bias
	for i, name := range a.Model.FeatureNames {
		value, ok := features[name]
		if !ok {
			return 0, fmt.Errorf("missing feature %s", name)
		}
		sum += a.Model.Weights.Coefficients[i] * value
	}
	return sigmoid(sum), nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
