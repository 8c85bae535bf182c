package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"github.com/medtrack-ai/modelops/pkg/router"
)

type memTestStore struct {
	mu    sync.Mutex
	tests map[string]*router.TestModel
}

func newMemTestStore() *memTestStore {
	return &memTestStore{tests: make(map[string]*router.TestModel)}
}

func (m *memTestStore) CreateTest(ctx context.Context, t *router.TestModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *t
	m.tests[t.TestID] = &clone
	return nil
}

func (m *memTestStore) GetTest(ctx context.Context, testID string) (*router.TestModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tests[testID]
	if !ok {
		return nil, router.ErrTestNotFound
	}
	clone := *t
	return &clone, nil
}

func (m *memTestStore) ListActive(ctx context.Context) ([]router.TestModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []router.TestModel
	for _, t := range m.tests {
		if t.EndedAt == nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTestStore) UpdateTest(ctx context.Context, t *router.TestModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *t
	m.tests[t.TestID] = &clone
	return nil
}

func TestRecordOutcomeOmittedMetricNotCounted(t *testing.T) {
	routerSvc := router.NewService(newMemTestStore(), nil, 1, 0.05, time.Hour)
	test, err := routerSvc.CreateTest(context.Background(), "risk_classifier", models.StrategyAB, []models.Variant{
		{VersionID: "v1", Weight: 0.5},
		{VersionID: "v2", Weight: 0.5},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc := &RoutingService{routerSvc: routerSvc}
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/tests/{id}/outcomes", svc.handleRecordOutcome).Methods("POST")

	post := func(body string) int {
		req := httptest.NewRequest("POST", "/api/v1/tests/"+test.TestID+"/outcomes", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(`{"version_id":"v1","success":true}`); code != http.StatusNoContent {
		t.Fatalf("outcome without metric: expected 204, got %d", code)
	}
	if code := post(`{"version_id":"v1","success":true,"metric":0.8}`); code != http.StatusNoContent {
		t.Fatalf("outcome with metric: expected 204, got %d", code)
	}

	got, err := routerSvc.GetTest(context.Background(), test.TestID)
	if err != nil {
		t.Fatal(err)
	}
	var v1 models.Variant
	for _, v := range got.Variants {
		if v.VersionID == "v1" {
			v1 = v
		}
	}
	if v1.Successes != 2 {
		t.Fatalf("expected 2 successes, got %d", v1.Successes)
	}
	if v1.MetricCount != 1 || v1.MetricSum != 0.8 {
		t.Fatalf("only the explicit metric may count: got sum %v over %d observations", v1.MetricSum, v1.MetricCount)
	}
}
