package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medtrack-ai/modelops/pkg/common/models"
)

type capturingTransport struct {
	events []string
	data   []map[string]interface{}
	err    error
}

func (c *capturingTransport) Publish(ctx context.Context, eventType string, data map[string]interface{}) error {
	c.events = append(c.events, eventType)
	c.data = append(c.data, data)
	return c.err
}

func TestRetrainingCompletedPublishes(t *testing.T) {
	transport := &capturingTransport{}
	svc := NewService(transport)

	svc.RetrainingCompleted(context.Background(), "risk_classifier", "v2", "promoted", 8.5,
		map[string]float64{models.MetricROCAUC: 0.8}, map[string]float64{models.MetricROCAUC: 0.87})

	if len(transport.events) != 1 || transport.events[0] != EventRetrainingCompleted {
		t.Fatalf("expected one retraining_completed event, got %v", transport.events)
	}
	if transport.data[0]["model_name"] != "risk_classifier" {
		t.Fatalf("unexpected payload %v", transport.data[0])
	}
}

func TestDriftDetectedOnlyReportsExceeded(t *testing.T) {
	transport := &capturingTransport{}
	svc := NewService(transport)
	now := time.Now().UTC()

	svc.DriftDetected(context.Background(), "risk_classifier", []models.DriftReport{
		{FeatureName: "age", Test: models.DriftTestKS, Exceeded: false, CheckedAt: now},
		{FeatureName: "systolic_bp", Test: models.DriftTestPSI, Statistic: 0.4, Threshold: 0.2, Exceeded: true, CheckedAt: now},
	})

	if len(transport.events) != 1 {
		t.Fatalf("expected one event, got %v", transport.events)
	}
	features := transport.data[0]["features"].([]map[string]interface{})
	if len(features) != 1 || features[0]["feature"] != "systolic_bp" {
		t.Fatalf("expected only the exceeded feature, got %v", features)
	}
}

func TestDriftDetectedNothingExceededNoDispatch(t *testing.T) {
	transport := &capturingTransport{}
	svc := NewService(transport)

	svc.DriftDetected(context.Background(), "risk_classifier", []models.DriftReport{
		{FeatureName: "age", Test: models.DriftTestKS, Exceeded: false},
	})

	if len(transport.events) != 0 {
		t.Fatalf("expected no dispatch, got %v", transport.events)
	}
}

func TestTransportFailureIsSwallowed(t *testing.T) {
	transport := &capturingTransport{err: errors.New("broker down")}
	svc := NewService(transport)

	// Must not panic or propagate.
	svc.ModelPromoted(context.Background(), "risk_classifier", "v2", "tester", "manual")
	svc.RetrainingFailed(context.Background(), "risk_classifier", "training", errors.New("diverged"))
}

func TestNilTransportIsNoOp(t *testing.T) {
	svc := NewService(nil)
	svc.ModelRolledBack(context.Background(), "risk_classifier", "v1", "oncall", "regression")
}
