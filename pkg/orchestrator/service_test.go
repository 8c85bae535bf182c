package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medtrack-ai/modelops/pkg/common/models"
	"github.com/medtrack-ai/modelops/pkg/evaluation"
	"github.com/medtrack-ai/modelops/pkg/promote"
	"github.com/medtrack-ai/modelops/pkg/registry"
)

// In-memory registry store, enough to run real registry semantics without
// a database.
type memStore struct {
	mu          sync.Mutex
	versions    map[string]*registry.VersionModel
	deployments []registry.DeploymentModel
}

func newMemStore() *memStore {
	return &memStore{versions: make(map[string]*registry.VersionModel)}
}

func (m *memStore) key(modelName, versionID string) string {
	return modelName + "/" + versionID
}

func (m *memStore) CreateVersion(ctx context.Context, v *registry.VersionModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *v
	m.versions[m.key(v.ModelName, v.VersionID)] = &clone
	return nil
}

func (m *memStore) GetVersion(ctx context.Context, modelName, versionID string) (*registry.VersionModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[m.key(modelName, versionID)]
	if !ok {
		return nil, registry.ErrVersionNotFound
	}
	clone := *v
	return &clone, nil
}

func (m *memStore) FindByStatus(ctx context.Context, modelName, status string) (*registry.VersionModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.ModelName == modelName && v.Status == status {
			clone := *v
			return &clone, nil
		}
	}
	return nil, registry.ErrVersionNotFound
}

func (m *memStore) ListVersions(ctx context.Context, modelName, status string, limit int) ([]registry.VersionModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.VersionModel
	for _, v := range m.versions {
		if v.ModelName == modelName && (status == "" || v.Status == status) {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memStore) Transition(ctx context.Context, updates []registry.StatusUpdate, records []registry.DeploymentModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		v, ok := m.versions[m.key(u.ModelName, u.VersionID)]
		if !ok || v.Status != u.FromStatus {
			return registry.ErrConcurrentPromotion
		}
	}
	for _, u := range updates {
		m.versions[m.key(u.ModelName, u.VersionID)].Status = u.ToStatus
	}
	m.deployments = append(m.deployments, records...)
	return nil
}

func (m *memStore) ListDeployments(ctx context.Context, modelName string, limit int) ([]registry.DeploymentModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]registry.DeploymentModel(nil), m.deployments...), nil
}

func (m *memStore) CountByStatus(ctx context.Context, modelName, status string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, v := range m.versions {
		if v.ModelName == modelName && v.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpdateMetrics(ctx context.Context, modelName, versionID string, metrics map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[m.key(modelName, versionID)]
	if !ok {
		return registry.ErrVersionNotFound
	}
	v.Metrics = make(map[string]interface{}, len(metrics))
	for name, value := range metrics {
		v.Metrics[name] = value
	}
	return nil
}

type memArtifacts struct {
	mu   sync.Mutex
	data map[string][]byte
	n    int
}

func (m *memArtifacts) Put(ctx context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.n++
	handle := fmt.Sprintf("artifact-%d", m.n)
	m.data[handle] = data
	return handle, nil
}

func (m *memArtifacts) Get(ctx context.Context, handle string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[handle]
	if !ok {
		return nil, errors.New("artifact not found")
	}
	return data, nil
}

// testArtifact separates x=1 from x=0 perfectly.
const testArtifact = `{
	"model": {
		"type": "classifier",
		"algorithm": "logistic_regression",
		"feature_names": ["x"],
		"weights": {"bias": -2.5, "coefficients": [5]}
	}
}`

type fakeTrainer struct {
	err     error
	started chan struct{}
	block   chan struct{}
}

func (f *fakeTrainer) Train(ctx context.Context, modelName string, dataset models.Dataset, hyperparams map[string]interface{}) (models.TrainedModel, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return models.TrainedModel{}, f.err
	}
	return models.TrainedModel{
		Artifact:        []byte(testArtifact),
		Metrics:         map[string]float64{models.MetricROCAUC: 1},
		FeatureNames:    []string{"x"},
		TrainingSamples: len(dataset.Examples),
		DatasetRef:      dataset.Ref,
	}, nil
}

type fakeDatasets struct{}

func (fakeDatasets) GetTrainingSet(ctx context.Context, modelName string) (models.Dataset, error) {
	return models.Dataset{
		Ref: "train@1",
		Examples: []models.Example{
			{Features: map[string]float64{"x": 1}, Label: 1},
			{Features: map[string]float64{"x": 0}, Label: 0},
		},
	}, nil
}

func (fakeDatasets) GetHeldOutSet(ctx context.Context, modelName string) (models.Dataset, error) {
	return models.Dataset{
		Ref: "heldout@1",
		Examples: []models.Example{
			{Features: map[string]float64{"x": 1}, Label: 1},
			{Features: map[string]float64{"x": 0}, Label: 0},
		},
	}, nil
}

func newTestOrchestrator(store registry.Store, trainer Trainer) (*Service, *registry.Service) {
	artifacts := &memArtifacts{}
	reg := registry.NewService(store, artifacts, nil, 5*time.Second, time.Minute)
	evaluator := evaluation.NewEvaluator(artifacts)
	promoter := promote.NewPromoter(reg, nil, 5.0)
	return NewService(reg, trainer, fakeDatasets{}, evaluator, promoter, nil, time.Minute), reg
}

func triggered(modelName string) models.TriggerDecision {
	return models.TriggerDecision{
		ModelName: modelName,
		Triggered: true,
		Reasons:   []string{models.TriggerReasonForce},
		CheckedAt: time.Now().UTC(),
	}
}

func TestRunUntriggeredIsNoOp(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestOrchestrator(store, &fakeTrainer{})

	result, err := svc.Run(context.Background(), models.TriggerDecision{ModelName: "risk_classifier"})
	if err != nil || result != nil {
		t.Fatalf("expected strict no-op, got result=%v err=%v", result, err)
	}
	if len(store.versions) != 0 {
		t.Fatal("untriggered decision must not touch the registry")
	}
}

func TestRunPromotesFirstCandidate(t *testing.T) {
	store := newMemStore()
	svc, reg := newTestOrchestrator(store, &fakeTrainer{})

	result, err := svc.Run(context.Background(), triggered("risk_classifier"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Outcome != promote.OutcomePromoted {
		t.Fatalf("expected first candidate promoted, got %s", result.Outcome)
	}
	if result.HasBaseline {
		t.Fatal("first run must have no baseline")
	}

	prod, err := reg.GetProduction(context.Background(), "risk_classifier")
	if err != nil {
		t.Fatalf("get production: %v", err)
	}
	if prod.VersionID != result.VersionID {
		t.Fatalf("expected %s in production, got %s", result.VersionID, prod.VersionID)
	}
	if prod.Metrics[models.MetricROCAUC] != 1 {
		t.Fatalf("expected held-out metrics stored, got %v", prod.Metrics)
	}
}

func TestRunComparesAgainstBaseline(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestOrchestrator(store, &fakeTrainer{})
	ctx := context.Background()

	// Seed a weak production baseline.
	store.CreateVersion(ctx, &registry.VersionModel{
		ModelName: "risk_classifier",
		VersionID: "v0",
		Status:    models.StatusProduction,
		Metrics:   map[string]interface{}{models.MetricROCAUC: 0.5},
	})

	result, err := svc.Run(ctx, triggered("risk_classifier"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.HasBaseline {
		t.Fatal("expected a baseline comparison")
	}
	if result.ImprovementPct != 100 {
		t.Fatalf("expected 100%% improvement over 0.5, got %f", result.ImprovementPct)
	}
	if result.Outcome != promote.OutcomePromoted {
		t.Fatalf("expected promotion, got %s", result.Outcome)
	}

	old, _ := store.GetVersion(ctx, "risk_classifier", "v0")
	if old.Status != models.StatusArchived {
		t.Fatalf("expected old production archived, got %s", old.Status)
	}
}

func TestRunTrainingFailureLeavesRegistryUntouched(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestOrchestrator(store, &fakeTrainer{err: errors.New("diverged")})

	_, err := svc.Run(context.Background(), triggered("risk_classifier"))
	if !errors.Is(err, ErrTrainingFailed) {
		t.Fatalf("expected ErrTrainingFailed, got %v", err)
	}
	if len(store.versions) != 0 {
		t.Fatal("failed training must not register a version")
	}
}

func TestRunCoalescesConcurrentTriggers(t *testing.T) {
	store := newMemStore()
	trainer := &fakeTrainer{started: make(chan struct{}), block: make(chan struct{})}
	svc, _ := newTestOrchestrator(store, trainer)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background(), triggered("risk_classifier"))
		done <- err
	}()
	<-trainer.started

	_, err := svc.Run(context.Background(), triggered("risk_classifier"))
	if !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight while training, got %v", err)
	}

	close(trainer.block)
	if err := <-done; err != nil {
		t.Fatalf("first run should complete: %v", err)
	}

	// Released: a later trigger runs again.
	trainer.started = nil
	trainer.block = nil
	if _, err := svc.Run(context.Background(), triggered("risk_classifier")); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}
