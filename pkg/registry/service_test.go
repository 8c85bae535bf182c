package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medtrack-ai/modelops/pkg/common/models"
)

type memStore struct {
	mu          sync.Mutex
	versions    map[string]*VersionModel
	deployments []DeploymentModel
}

func newMemStore() *memStore {
	return &memStore{versions: make(map[string]*VersionModel)}
}

func key(modelName, versionID string) string {
	return modelName + "/" + versionID
}

func (m *memStore) CreateVersion(ctx context.Context, v *VersionModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(v.ModelName, v.VersionID)
	if _, exists := m.versions[k]; exists {
		return fmt.Errorf("duplicate version %s", k)
	}
	clone := *v
	m.versions[k] = &clone
	return nil
}

func (m *memStore) GetVersion(ctx context.Context, modelName, versionID string) (*VersionModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[key(modelName, versionID)]
	if !ok {
		return nil, ErrVersionNotFound
	}
	clone := *v
	return &clone, nil
}

func (m *memStore) FindByStatus(ctx context.Context, modelName, status string) (*VersionModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.ModelName == modelName && v.Status == status {
			clone := *v
			return &clone, nil
		}
	}
	return nil, ErrVersionNotFound
}

func (m *memStore) ListVersions(ctx context.Context, modelName, status string, limit int) ([]VersionModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []VersionModel
	for _, v := range m.versions {
		if v.ModelName != modelName {
			continue
		}
		if status != "" && v.Status != status {
			continue
		}
		out = append(out, *v)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Transition(ctx context.Context, updates []StatusUpdate, records []DeploymentModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		v, ok := m.versions[key(u.ModelName, u.VersionID)]
		if !ok || v.Status != u.FromStatus {
			return ErrConcurrentPromotion
		}
	}
	for _, u := range updates {
		m.versions[key(u.ModelName, u.VersionID)].Status = u.ToStatus
	}
	m.deployments = append(m.deployments, records...)
	return nil
}

func (m *memStore) ListDeployments(ctx context.Context, modelName string, limit int) ([]DeploymentModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeploymentModel
	for i := len(m.deployments) - 1; i >= 0; i-- {
		if m.deployments[i].ModelName == modelName {
			out = append(out, m.deployments[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
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
	v, ok := m.versions[key(modelName, versionID)]
	if !ok {
		return ErrVersionNotFound
	}
	v.Metrics = metricsToJSON(metrics)
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

func newTestService(store Store) *Service {
	return NewService(store, &memArtifacts{}, nil, 5*time.Second, time.Minute)
}

func register(t *testing.T, svc *Service, modelName string, metrics map[string]float64) string {
	t.Helper()
	versionID, err := svc.Register(context.Background(), modelName, []byte(`{"model":{}}`), RegisterInput{
		DatasetRef: "dataset@1",
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return versionID
}

func TestRegisterAssignsVersionAndStatus(t *testing.T) {
	svc := newTestService(newMemStore())

	versionID := register(t, svc, "risk_classifier", map[string]float64{models.MetricROCAUC: 0.82})

	mv, err := svc.Get(context.Background(), "risk_classifier", versionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mv.Status != models.StatusRegistered {
		t.Fatalf("expected status REGISTERED, got %s", mv.Status)
	}
	if mv.ArtifactHandle == "" {
		t.Fatal("expected an artifact handle")
	}
	if mv.Metrics[models.MetricROCAUC] != 0.82 {
		t.Fatalf("expected roc_auc 0.82, got %v", mv.Metrics)
	}
}

func TestPromotionDemotesPriorProduction(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	first := register(t, svc, "risk_classifier", nil)
	second := register(t, svc, "risk_classifier", nil)

	if err := svc.SetStatus(ctx, "risk_classifier", first, models.StatusProduction, "tester", "initial"); err != nil {
		t.Fatalf("promote first: %v", err)
	}
	if err := svc.SetStatus(ctx, "risk_classifier", second, models.StatusProduction, "tester", "better"); err != nil {
		t.Fatalf("promote second: %v", err)
	}

	n, _ := store.CountByStatus(ctx, "risk_classifier", models.StatusProduction)
	if n != 1 {
		t.Fatalf("expected exactly one PRODUCTION version, got %d", n)
	}

	prod, err := svc.GetProduction(ctx, "risk_classifier")
	if err != nil {
		t.Fatalf("get production: %v", err)
	}
	if prod.VersionID != second {
		t.Fatalf("expected %s in production, got %s", second, prod.VersionID)
	}

	demoted, err := svc.Get(ctx, "risk_classifier", first)
	if err != nil {
		t.Fatalf("get demoted: %v", err)
	}
	if demoted.Status != models.StatusArchived {
		t.Fatalf("expected prior production ARCHIVED, got %s", demoted.Status)
	}
}

func TestOneAuditRecordPerStatusChange(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	first := register(t, svc, "risk_classifier", nil)
	second := register(t, svc, "risk_classifier", nil)
	if err := svc.SetStatus(ctx, "risk_classifier", first, models.StatusProduction, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetStatus(ctx, "risk_classifier", second, models.StatusProduction, "tester", ""); err != nil {
		t.Fatal(err)
	}

	records, err := svc.GetDeploymentHistory(ctx, "risk_classifier", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 deployment records after 2 promotions, got %d", len(records))
	}
	// newest first: the second promotion names the version it displaced
	if records[0].VersionID != second || records[0].DemotedVersionID != first {
		t.Fatalf("expected promotion of %s demoting %s, got %+v", second, first, records[0])
	}
	if records[1].DemotedVersionID != "" {
		t.Fatalf("first promotion displaced nothing, got %+v", records[1])
	}

	if err := svc.Rollback(ctx, "risk_classifier", first, "oncall", "bad scores"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	records, err = svc.GetDeploymentHistory(ctx, "risk_classifier", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 deployment records after rollback, got %d", len(records))
	}
	if records[0].VersionID != first || records[0].DemotedVersionID != second {
		t.Fatalf("expected rollback to %s demoting %s, got %+v", first, second, records[0])
	}
}

func TestRollbackRequiresReason(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	first := register(t, svc, "risk_classifier", nil)
	if err := svc.SetStatus(ctx, "risk_classifier", first, models.StatusProduction, "tester", ""); err != nil {
		t.Fatal(err)
	}

	if err := svc.Rollback(ctx, "risk_classifier", first, "tester", ""); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
}

func TestRollbackMarksDemotedVersionRolledBack(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	first := register(t, svc, "risk_classifier", nil)
	second := register(t, svc, "risk_classifier", nil)
	if err := svc.SetStatus(ctx, "risk_classifier", first, models.StatusProduction, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetStatus(ctx, "risk_classifier", second, models.StatusProduction, "tester", ""); err != nil {
		t.Fatal(err)
	}

	if err := svc.Rollback(ctx, "risk_classifier", first, "oncall", "latency regression"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	prod, err := svc.GetProduction(ctx, "risk_classifier")
	if err != nil {
		t.Fatal(err)
	}
	if prod.VersionID != first {
		t.Fatalf("expected rollback target %s in production, got %s", first, prod.VersionID)
	}

	bad, err := svc.Get(ctx, "risk_classifier", second)
	if err != nil {
		t.Fatal(err)
	}
	if bad.Status != models.StatusRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", bad.Status)
	}
}

func TestRollbackToUnknownVersionLeavesStateUnchanged(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	first := register(t, svc, "risk_classifier", nil)
	if err := svc.SetStatus(ctx, "risk_classifier", first, models.StatusProduction, "tester", ""); err != nil {
		t.Fatal(err)
	}

	err := svc.Rollback(ctx, "risk_classifier", "no-such-version", "oncall", "bad scores")
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}

	prod, err := svc.GetProduction(ctx, "risk_classifier")
	if err != nil {
		t.Fatal(err)
	}
	if prod.VersionID != first {
		t.Fatalf("expected %s still in production, got %s", first, prod.VersionID)
	}
	records, err := svc.GetDeploymentHistory(ctx, "risk_classifier", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("failed rollback must not append a record, got %d", len(records))
	}
}

func TestGetProductionCacheExpiresAndSeesExternalPromotion(t *testing.T) {
	store := newMemStore()
	control := newTestService(store)
	// Second process over the same store, with its own cache.
	reader := NewService(store, &memArtifacts{}, nil, 5*time.Second, 50*time.Millisecond)
	current := time.Now()
	reader.now = func() time.Time { return current }
	ctx := context.Background()

	first := register(t, control, "risk_classifier", nil)
	second := register(t, control, "risk_classifier", nil)
	if err := control.SetStatus(ctx, "risk_classifier", first, models.StatusProduction, "tester", ""); err != nil {
		t.Fatal(err)
	}

	prod, err := reader.GetProduction(ctx, "risk_classifier")
	if err != nil {
		t.Fatal(err)
	}
	if prod.VersionID != first {
		t.Fatalf("expected %s, got %s", first, prod.VersionID)
	}

	if err := control.SetStatus(ctx, "risk_classifier", second, models.StatusProduction, "tester", "better"); err != nil {
		t.Fatal(err)
	}

	// Within the TTL the reader may still serve the old version.
	prod, err = reader.GetProduction(ctx, "risk_classifier")
	if err != nil {
		t.Fatal(err)
	}
	if prod.VersionID != first {
		t.Fatalf("expected cached %s inside the TTL, got %s", first, prod.VersionID)
	}

	current = current.Add(100 * time.Millisecond)
	prod, err = reader.GetProduction(ctx, "risk_classifier")
	if err != nil {
		t.Fatal(err)
	}
	if prod.VersionID != second {
		t.Fatalf("expected %s after cache expiry, got %s", second, prod.VersionID)
	}
}

func TestUpdateMetricsRefreshesCachedProduction(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	v := register(t, svc, "risk_classifier", map[string]float64{models.MetricROCAUC: 0.70})
	if err := svc.SetStatus(ctx, "risk_classifier", v, models.StatusProduction, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetProduction(ctx, "risk_classifier"); err != nil {
		t.Fatal(err)
	}

	if err := svc.UpdateMetrics(ctx, "risk_classifier", v, map[string]float64{models.MetricROCAUC: 0.91}); err != nil {
		t.Fatal(err)
	}

	prod, err := svc.GetProduction(ctx, "risk_classifier")
	if err != nil {
		t.Fatal(err)
	}
	if prod.Metrics[models.MetricROCAUC] != 0.91 {
		t.Fatalf("expected cached production to carry roc_auc 0.91, got %v", prod.Metrics)
	}
}

func TestGetProductionWithNone(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.GetProduction(context.Background(), "risk_classifier")
	if !errors.Is(err, ErrNoProduction) {
		t.Fatalf("expected ErrNoProduction, got %v", err)
	}
}

func TestCompareVersionsSortsByMetric(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	low := register(t, svc, "risk_classifier", map[string]float64{models.MetricROCAUC: 0.71})
	high := register(t, svc, "risk_classifier", map[string]float64{models.MetricROCAUC: 0.88})

	ranked, err := svc.CompareVersions(ctx, "risk_classifier", []string{low, high}, "")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if ranked[0].VersionID != high {
		t.Fatalf("expected %s first, got %s", high, ranked[0].VersionID)
	}

	if _, err := svc.CompareVersions(ctx, "risk_classifier", []string{low}, "lift"); !errors.Is(err, ErrInvalidMetric) {
		t.Fatalf("expected ErrInvalidMetric, got %v", err)
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	svc := newTestService(newMemStore())
	v := register(t, svc, "risk_classifier", nil)

	err := svc.SetStatus(context.Background(), "risk_classifier", v, "SHIPPED", "tester", "")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestConcurrentPromotionsKeepSingleProduction(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = register(t, svc, "risk_classifier", nil)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(versionID string) {
			defer wg.Done()
			// Losers of the race return ErrConcurrentPromotion or succeed
			// after a demote; either way the invariant must hold.
			svc.SetStatus(ctx, "risk_classifier", versionID, models.StatusProduction, "tester", "")
		}(id)
	}
	wg.Wait()

	n, _ := store.CountByStatus(ctx, "risk_classifier", models.StatusProduction)
	if n != 1 {
		t.Fatalf("expected exactly one PRODUCTION version after races, got %d", n)
	}
}
