package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/medtrack-ai/modelops/pkg/artifact"
	"github.com/medtrack-ai/modelops/pkg/common/config"
	"github.com/medtrack-ai/modelops/pkg/common/database"
	"github.com/medtrack-ai/modelops/pkg/common/logger"
	"github.com/medtrack-ai/modelops/pkg/dataset"
	"github.com/medtrack-ai/modelops/pkg/evaluation"
	"github.com/medtrack-ai/modelops/pkg/observability/metrics"
	"github.com/medtrack-ai/modelops/pkg/registry"
	"github.com/medtrack-ai/modelops/pkg/router"
)

// RoutingService is the data-plane side: it resolves which version serves
// a request, scores features against that version's artifact and logs the
// inference for later labeling.
type RoutingService struct {
	registry  *registry.Service
	routerSvc *router.Service
	artifacts *artifact.FileStore
	datasets  *dataset.Provider
}

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to Postgres")
	}
	redisClient := database.GetRedis()

	registryRepo := registry.NewRepository(db)
	routerRepo := router.NewRepository(db)
	datasets := dataset.NewProvider(db)

	artifacts, err := artifact.NewFileStore(cfg.ArtifactDir)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize artifact store")
	}

	registrySvc := registry.NewService(registryRepo, artifacts, redisClient, cfg.RegistrationTimeout, cfg.ProductionCacheTTL)
	// No promoter here: winner selection stays on the control plane.
	routerSvc := router.NewService(routerRepo, nil, cfg.ABMinSamplesPerVariant, cfg.CanaryFraction, cfg.GradualStepInterval)
	if err := routerSvc.LoadActive(context.Background()); err != nil {
		logger.Log.WithError(err).Error("Failed to load active traffic tests")
	}

	service := &RoutingService{
		registry:  registrySvc,
		routerSvc: routerSvc,
		artifacts: artifacts,
		datasets:  datasets,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods("GET")

	r.HandleFunc("/api/v1/route", service.handleRoute).Methods("POST")
	r.HandleFunc("/api/v1/models/{model}/predict", service.handlePredict).Methods("POST")
	r.HandleFunc("/api/v1/models/{model}/production", service.handleGetProduction).Methods("GET")
	r.HandleFunc("/api/v1/tests/{id}/outcomes", service.handleRecordOutcome).Methods("POST")
	r.HandleFunc("/api/v1/inferences/{id}/label", service.handleAttachLabel).Methods("POST")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Routing Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Routing Service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Routing Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// resolveVersion picks the serving version: the active traffic test when
// one exists, otherwise the production pointer.
func (s *RoutingService) resolveVersion(ctx context.Context, modelName, routingKey string) (string, error) {
	versionID, err := s.routerSvc.RouteRequest(ctx, modelName, routingKey)
	if err == nil {
		return versionID, nil
	}
	if !errors.Is(err, router.ErrNoActiveTest) {
		return "", err
	}

	production, err := s.registry.GetProduction(ctx, modelName)
	if err != nil {
		return "", err
	}
	return production.VersionID, nil
}

func (s *RoutingService) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelName  string `json:"model_name"`
		RoutingKey string `json:"routing_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.ModelName == "" || req.RoutingKey == "" {
		http.Error(w, "model_name and routing_key are required", http.StatusBadRequest)
		return
	}

	versionID, err := s.resolveVersion(r.Context(), req.ModelName, req.RoutingKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"model_name": req.ModelName,
		"version_id": versionID,
	})
}

func (s *RoutingService) handlePredict(w http.ResponseWriter, r *http.Request) {
	modelName := mux.Vars(r)["model"]

	var req struct {
		SubjectID string             `json:"subject_id"`
		Features  map[string]float64 `json:"features"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.SubjectID == "" || len(req.Features) == 0 {
		http.Error(w, "subject_id and features are required", http.StatusBadRequest)
		return
	}

	versionID, err := s.resolveVersion(r.Context(), modelName, req.SubjectID)
	if err != nil {
		writeError(w, err)
		return
	}

	version, err := s.registry.Get(r.Context(), modelName, versionID)
	if err != nil {
		writeError(w, err)
		return
	}

	raw, err := s.artifacts.Get(r.Context(), version.ArtifactHandle)
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := evaluation.DecodeArtifact(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	score, err := model.Score(req.Features)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	features := make(map[string]interface{}, len(req.Features))
	for name, value := range req.Features {
		features[name] = value
	}
	recordID, err := s.datasets.RecordInference(r.Context(), modelName, req.SubjectID, features, score)
	if err != nil {
		logger.Log.WithError(err).WithField("model_name", modelName).Error("Failed to log inference")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_name":   modelName,
		"version_id":   versionID,
		"score":        score,
		"inference_id": recordID,
	})
}

func (s *RoutingService) handleGetProduction(w http.ResponseWriter, r *http.Request) {
	version, err := s.registry.GetProduction(r.Context(), mux.Vars(r)["model"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *RoutingService) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	testID := mux.Vars(r)["id"]

	var req struct {
		VersionID string   `json:"version_id"`
		Success   bool     `json:"success"`
		Metric    *float64 `json:"metric"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	// An omitted metric must not count as an observation of zero.
	metricValue := math.NaN()
	if req.Metric != nil {
		metricValue = *req.Metric
	}

	if err := s.routerSvc.RecordOutcome(r.Context(), testID, req.VersionID, req.Success, metricValue); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RoutingService) handleAttachLabel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid inference id", http.StatusBadRequest)
		return
	}

	var req struct {
		Label float64 `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := s.datasets.AttachLabel(r.Context(), id, req.Label); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrVersionNotFound),
		errors.Is(err, registry.ErrNoProduction),
		errors.Is(err, router.ErrTestNotFound),
		errors.Is(err, artifact.ErrArtifactNotFound):
		status = http.StatusNotFound
	case errors.Is(err, router.ErrUnknownVariant):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
