package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"github.com/medtrack-ai/modelops/pkg/orchestrator"
	"github.com/medtrack-ai/modelops/pkg/registry"
	"github.com/medtrack-ai/modelops/pkg/router"
)

func (s *LifecycleService) handleRegister(w http.ResponseWriter, r *http.Request) {
	modelName := mux.Vars(r)["model"]

	var req struct {
		Artifact        json.RawMessage        `json:"artifact"`
		DatasetRef      string                 `json:"dataset_ref"`
		Hyperparams     map[string]interface{} `json:"hyperparams"`
		FeatureSchema   []string               `json:"feature_schema"`
		Metrics         map[string]float64     `json:"metrics"`
		TrainingSamples int                    `json:"training_samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.Artifact) == 0 {
		http.Error(w, "artifact is required", http.StatusBadRequest)
		return
	}

	versionID, err := s.registry.Register(r.Context(), modelName, req.Artifact, registry.RegisterInput{
		DatasetRef:      req.DatasetRef,
		Hyperparams:     req.Hyperparams,
		FeatureSchema:   req.FeatureSchema,
		Metrics:         req.Metrics,
		TrainingSamples: req.TrainingSamples,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"model_name": modelName,
		"version_id": versionID,
		"status":     models.StatusRegistered,
	})
}

func (s *LifecycleService) handleListVersions(w http.ResponseWriter, r *http.Request) {
	modelName := mux.Vars(r)["model"]
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	versions, err := s.registry.ListVersions(r.Context(), modelName, status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *LifecycleService) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := s.registry.Get(r.Context(), vars["model"], vars["version"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *LifecycleService) handleGetProduction(w http.ResponseWriter, r *http.Request) {
	version, err := s.registry.GetProduction(r.Context(), mux.Vars(r)["model"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *LifecycleService) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Status string `json:"status"`
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := s.registry.SetStatus(r.Context(), vars["model"], vars["version"], req.Status, req.Actor, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *LifecycleService) handleUpdateMetrics(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := s.registry.UpdateMetrics(r.Context(), vars["model"], vars["version"], req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *LifecycleService) handlePromote(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := s.promoter.Promote(r.Context(), vars["model"], vars["version"], req.Actor, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusProduction})
}

func (s *LifecycleService) handleRollback(w http.ResponseWriter, r *http.Request) {
	modelName := mux.Vars(r)["model"]

	var req struct {
		VersionID string `json:"version_id"`
		Actor     string `json:"actor"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := s.promoter.Rollback(r.Context(), modelName, req.VersionID, req.Actor, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusProduction, "version_id": req.VersionID})
}

func (s *LifecycleService) handleCompare(w http.ResponseWriter, r *http.Request) {
	modelName := mux.Vars(r)["model"]
	metric := r.URL.Query().Get("metric")

	var versionIDs []string
	if raw := r.URL.Query().Get("versions"); raw != "" {
		versionIDs = strings.Split(raw, ",")
	}

	versions, err := s.registry.CompareVersions(r.Context(), modelName, versionIDs, metric)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *LifecycleService) handleDeploymentHistory(w http.ResponseWriter, r *http.Request) {
	modelName := mux.Vars(r)["model"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := s.registry.GetDeploymentHistory(r.Context(), modelName, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *LifecycleService) handleDriftCheck(w http.ResponseWriter, r *http.Request) {
	modelName := mux.Vars(r)["model"]

	reports, drifted, err := s.checkModelNow(r.Context(), modelName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_name":     modelName,
		"drift_detected": drifted,
		"reports":        reports,
	})
}

// handleRetrain forces a retraining run in the background and returns
// immediately; progress is observable through the version list and the
// lifecycle topic.
func (s *LifecycleService) handleRetrain(w http.ResponseWriter, r *http.Request) {
	modelName := mux.Vars(r)["model"]

	go s.forceRetrain(context.Background(), modelName)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"model_name": modelName,
		"status":     "queued",
	})
}

func (s *LifecycleService) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelName string           `json:"model_name"`
		Strategy  string           `json:"strategy"`
		Variants  []models.Variant `json:"variants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	test, err := s.routerSvc.CreateTest(r.Context(), req.ModelName, req.Strategy, req.Variants)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, test)
}

func (s *LifecycleService) handleGetTest(w http.ResponseWriter, r *http.Request) {
	test, err := s.routerSvc.GetTest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *LifecycleService) handleSelectWinner(w http.ResponseWriter, r *http.Request) {
	winner, err := s.routerSvc.SelectWinner(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"winner": winner})
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
		errors.Is(err, router.ErrNoActiveTest):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidMetric),
		errors.Is(err, registry.ErrInvalidStatus),
		errors.Is(err, registry.ErrReasonRequired),
		errors.Is(err, router.ErrInvalidWeights),
		errors.Is(err, router.ErrUnknownVariant):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrConcurrentPromotion),
		errors.Is(err, router.ErrTestClosed),
		errors.Is(err, orchestrator.ErrRunInFlight):
		status = http.StatusConflict
	case errors.Is(err, router.ErrInsufficientSamples):
		status = http.StatusPreconditionFailed
	case errors.Is(err, registry.ErrRegistrationTimeout):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}
