package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/medtrack-ai/modelops/pkg/artifact"
	"github.com/medtrack-ai/modelops/pkg/common/config"
	"github.com/medtrack-ai/modelops/pkg/common/database"
	"github.com/medtrack-ai/modelops/pkg/common/kafka"
	"github.com/medtrack-ai/modelops/pkg/common/logger"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"github.com/medtrack-ai/modelops/pkg/dataset"
	"github.com/medtrack-ai/modelops/pkg/drift"
	"github.com/medtrack-ai/modelops/pkg/evaluation"
	"github.com/medtrack-ai/modelops/pkg/notify"
	"github.com/medtrack-ai/modelops/pkg/observability/metrics"
	"github.com/medtrack-ai/modelops/pkg/orchestrator"
	"github.com/medtrack-ai/modelops/pkg/promote"
	"github.com/medtrack-ai/modelops/pkg/registry"
	"github.com/medtrack-ai/modelops/pkg/router"
	"github.com/medtrack-ai/modelops/pkg/trainer"
	"github.com/medtrack-ai/modelops/pkg/trigger"
)

// LifecycleService owns the control-plane surface: model registry,
// drift-driven retraining and traffic tests.
type LifecycleService struct {
	registry     *registry.Service
	promoter     *promote.Promoter
	orchestrator *orchestrator.Service
	routerSvc    *router.Service
	detector     *drift.Detector
	evaluator    *trigger.Evaluator
	datasets     *dataset.Provider
	notifier     *notify.Service
	monitors     drift.MonitorConfig
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
	if err := registryRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate registry schema")
	}
	routerRepo := router.NewRepository(db)
	if err := routerRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate router schema")
	}
	datasets := dataset.NewProvider(db)
	if err := datasets.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate dataset schema")
	}

	artifacts, err := artifact.NewFileStore(cfg.ArtifactDir)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize artifact store")
	}

	transport := notify.NewKafkaTransport(cfg.KafkaLifecycleTopic)
	defer transport.Close()
	notifier := notify.NewService(transport)

	registrySvc := registry.NewService(registryRepo, artifacts, redisClient, cfg.RegistrationTimeout, cfg.ProductionCacheTTL)
	promoter := promote.NewPromoter(registrySvc, notifier, cfg.PromotionImprovementPct)
	evaluator := evaluation.NewEvaluator(artifacts)
	orchestratorSvc := orchestrator.NewService(
		registrySvc,
		trainer.NewLogistic(),
		datasets,
		evaluator,
		promoter,
		notifier,
		cfg.TrainerTimeout,
	)
	routerSvc := router.NewService(routerRepo, promoter, cfg.ABMinSamplesPerVariant, cfg.CanaryFraction, cfg.GradualStepInterval)
	if err := routerSvc.LoadActive(context.Background()); err != nil {
		logger.Log.WithError(err).Error("Failed to load active traffic tests")
	}

	monitors, err := drift.LoadMonitors(cfg.DriftMonitorConfigPath)
	if err != nil {
		logger.Log.WithError(err).Warn("Falling back to default drift monitors")
		monitors = drift.DefaultMonitors()
	}

	service := &LifecycleService{
		registry:     registrySvc,
		promoter:     promoter,
		orchestrator: orchestratorSvc,
		routerSvc:    routerSvc,
		detector:     drift.NewDetector(cfg.DriftSignificanceLevel, cfg.DriftPSIThreshold, cfg.DriftMinSampleSize),
		evaluator:    trigger.NewEvaluator(cfg.RetrainVolumeThreshold, cfg.RetrainInterval),
		datasets:     datasets,
		notifier:     notifier,
		monitors:     monitors,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go service.runMonitorLoop(ctx, cfg.DriftCheckInterval)
	go service.consumeRetrainRequests(ctx, cfg.KafkaRetrainTopic)

	r := mux.NewRouter()
	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods("GET")

	r.HandleFunc("/api/v1/models/{model}/versions", service.handleRegister).Methods("POST")
	r.HandleFunc("/api/v1/models/{model}/versions", service.handleListVersions).Methods("GET")
	r.HandleFunc("/api/v1/models/{model}/versions/{version}", service.handleGetVersion).Methods("GET")
	r.HandleFunc("/api/v1/models/{model}/versions/{version}/status", service.handleSetStatus).Methods("POST")
	r.HandleFunc("/api/v1/models/{model}/versions/{version}/metrics", service.handleUpdateMetrics).Methods("PUT")
	r.HandleFunc("/api/v1/models/{model}/versions/{version}/promote", service.handlePromote).Methods("POST")
	r.HandleFunc("/api/v1/models/{model}/production", service.handleGetProduction).Methods("GET")
	r.HandleFunc("/api/v1/models/{model}/rollback", service.handleRollback).Methods("POST")
	r.HandleFunc("/api/v1/models/{model}/compare", service.handleCompare).Methods("GET")
	r.HandleFunc("/api/v1/models/{model}/deployments", service.handleDeploymentHistory).Methods("GET")
	r.HandleFunc("/api/v1/models/{model}/drift", service.handleDriftCheck).Methods("POST")
	r.HandleFunc("/api/v1/models/{model}/retrain", service.handleRetrain).Methods("POST")

	r.HandleFunc("/api/v1/tests", service.handleCreateTest).Methods("POST")
	r.HandleFunc("/api/v1/tests/{id}", service.handleGetTest).Methods("GET")
	r.HandleFunc("/api/v1/tests/{id}/winner", service.handleSelectWinner).Methods("POST")

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
		}).Info("Lifecycle Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Lifecycle Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Lifecycle Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// consumeRetrainRequests forces a retraining run for every message on the
// retrain topic. Payloads carry the model name in event data.
func (s *LifecycleService) consumeRetrainRequests(ctx context.Context, topic string) {
	consumer := kafka.NewConsumer(topic, "")
	defer consumer.Close()

	err := consumer.Consume(ctx, func(ctx context.Context, event models.Event) error {
		modelName, _ := event.Data["model_name"].(string)
		if modelName == "" {
			logger.Log.WithField("event_id", event.ID).Warn("Retrain request without model_name")
			return nil
		}
		s.forceRetrain(ctx, modelName)
		return nil
	})
	if err != nil && err != context.Canceled {
		logger.Log.WithError(err).Error("Retrain consumer stopped")
	}
}

func (s *LifecycleService) forceRetrain(ctx context.Context, modelName string) {
	decision := models.TriggerDecision{
		ModelName: modelName,
		Triggered: true,
		Reasons:   []string{models.TriggerReasonForce},
		CheckedAt: time.Now().UTC(),
	}
	if _, err := s.orchestrator.Run(ctx, decision); err != nil {
		logger.Log.WithError(err).WithField("model_name", modelName).Error("Forced retraining failed")
	}
}
