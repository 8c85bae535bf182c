package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medtrack-ai/modelops/pkg/common/logger"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

// ArtifactStore is the storage collaborator that owns artifact bytes.
type ArtifactStore interface {
	Put(ctx context.Context, data []byte) (string, error)
}

const productionKeyPrefix = "production:"

// Service is the model registry: version bookkeeping, the per-model
// production pointer, and the append-only deployment audit trail.
//
// All status mutations for a model serialize through a per-model mutex, so
// deployment records are ordered by execution, and GetProduction serves
// from an in-process cache refreshed on every transition. Cache entries
// expire after cacheTTL so promotions made by another process (the
// lifecycle service demoting what this process still serves) become
// visible within one TTL.
type Service struct {
	store       Store
	artifacts   ArtifactStore
	redisClient *redis.Client
	regTimeout  time.Duration
	cacheTTL    time.Duration
	now         func() time.Time

	cacheMu    sync.RWMutex
	production map[string]cachedProduction

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type cachedProduction struct {
	version  models.ModelVersion
	cachedAt time.Time
}

// NewService builds a registry. redisClient may be nil; the registry then
// runs with the in-process cache only.
func NewService(store Store, artifacts ArtifactStore, redisClient *redis.Client, registrationTimeout, cacheTTL time.Duration) *Service {
	if registrationTimeout <= 0 {
		registrationTimeout = 5 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Service{
		store:       store,
		artifacts:   artifacts,
		redisClient: redisClient,
		regTimeout:  registrationTimeout,
		cacheTTL:    cacheTTL,
		now:         time.Now,
		production:  make(map[string]cachedProduction),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Register persists the artifact and writes the version row with status
// REGISTERED. The whole operation runs under the registration time budget.
func (s *Service) Register(ctx context.Context, modelName string, artifactBytes []byte, input RegisterInput) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.regTimeout)
	defer cancel()

	handle, err := s.artifacts.Put(ctx, artifactBytes)
	if err != nil {
		return "", asRegistrationError(err)
	}

	versionID := newVersionID()
	row := &VersionModel{
		ModelName:       modelName,
		VersionID:       versionID,
		Status:          models.StatusRegistered,
		DatasetRef:      input.DatasetRef,
		FeatureSchema:   input.FeatureSchema,
		TrainingSamples: input.TrainingSamples,
		ArtifactHandle:  handle,
		CreatedAt:       time.Now().UTC(),
	}
	if input.Hyperparams != nil {
		row.Hyperparams = input.Hyperparams
	}
	if input.Metrics != nil {
		row.Metrics = metricsToJSON(input.Metrics)
	}

	if err := s.store.CreateVersion(ctx, row); err != nil {
		return "", asRegistrationError(err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"model_name": modelName,
		"version_id": versionID,
	}).Info("Model version registered")
	return versionID, nil
}

func (s *Service) Get(ctx context.Context, modelName, versionID string) (models.ModelVersion, error) {
	row, err := s.store.GetVersion(ctx, modelName, versionID)
	if err != nil {
		return models.ModelVersion{}, err
	}
	return toDomain(row), nil
}

// GetProduction serves the production pointer from the in-process cache,
// falling back to Redis and then the store on a miss or an expired entry.
// It is the inference hot path: within one TTL it never touches the
// database.
func (s *Service) GetProduction(ctx context.Context, modelName string) (models.ModelVersion, error) {
	s.cacheMu.RLock()
	cached, ok := s.production[modelName]
	s.cacheMu.RUnlock()
	if ok && s.now().Sub(cached.cachedAt) < s.cacheTTL {
		return cached.version, nil
	}

	if mv, ok := s.productionFromRedis(ctx, modelName); ok {
		s.cacheProduction(mv)
		return mv, nil
	}

	row, err := s.store.FindByStatus(ctx, modelName, models.StatusProduction)
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			s.invalidateProduction(modelName)
			return models.ModelVersion{}, ErrNoProduction
		}
		return models.ModelVersion{}, err
	}
	mv := toDomain(row)
	s.cacheProduction(mv)
	s.materializeProduction(ctx, mv)
	return mv, nil
}

func (s *Service) ListVersions(ctx context.Context, modelName, status string, limit int) ([]models.ModelVersion, error) {
	if status != "" && !validStatus(status) {
		return nil, ErrInvalidStatus
	}
	rows, err := s.store.ListVersions(ctx, modelName, status, limit)
	if err != nil {
		return nil, err
	}
	results := make([]models.ModelVersion, 0, len(rows))
	for i := range rows {
		results = append(results, toDomain(&rows[i]))
	}
	return results, nil
}

// CompareVersions is a pure read: it ranks the named versions by the
// requested metric, descending. The default metric is ROC-AUC.
func (s *Service) CompareVersions(ctx context.Context, modelName string, versionIDs []string, sortMetric string) ([]models.ModelVersion, error) {
	if sortMetric == "" {
		sortMetric = models.MetricROCAUC
	}
	versions := make([]models.ModelVersion, 0, len(versionIDs))
	for _, id := range versionIDs {
		mv, err := s.Get(ctx, modelName, id)
		if err != nil {
			return nil, err
		}
		if _, ok := mv.Metrics[sortMetric]; !ok {
			return nil, fmt.Errorf("%w: %s missing on version %s", ErrInvalidMetric, sortMetric, id)
		}
		versions = append(versions, mv)
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Metrics[sortMetric] > versions[j].Metrics[sortMetric]
	})
	return versions, nil
}

// SetStatus is the only lifecycle mutator. Promoting to PRODUCTION demotes
// the prior production version to ARCHIVED in the same transaction. Every
// successful call appends exactly one deployment record; an implied
// demotion is named on that record, not given an entry of its own.
func (s *Service) SetStatus(ctx context.Context, modelName, versionID, newStatus, actor, reason string) error {
	if !validStatus(newStatus) {
		return ErrInvalidStatus
	}
	return s.transition(ctx, modelName, versionID, newStatus, models.StatusArchived, actor, reason)
}

// Rollback atomically moves the current PRODUCTION version to ROLLED_BACK
// and the target version back to PRODUCTION. A non-empty reason is an audit
// requirement, not a formality.
func (s *Service) Rollback(ctx context.Context, modelName, targetVersionID, actor, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	return s.transition(ctx, modelName, targetVersionID, models.StatusProduction, models.StatusRolledBack, actor, reason)
}

// UpdateMetrics replaces the stored metrics for a version, typically with
// held-out evaluation results after registration. When the version is the
// cached production pointer, the cached copy is refreshed so readers do
// not keep serving the pre-evaluation metrics.
func (s *Service) UpdateMetrics(ctx context.Context, modelName, versionID string, metrics map[string]float64) error {
	if err := s.store.UpdateMetrics(ctx, modelName, versionID, metrics); err != nil {
		return err
	}

	s.cacheMu.RLock()
	cached, ok := s.production[modelName]
	s.cacheMu.RUnlock()
	if ok && cached.version.VersionID == versionID {
		if row, err := s.store.GetVersion(ctx, modelName, versionID); err == nil {
			mv := toDomain(row)
			s.cacheProduction(mv)
			s.materializeProduction(ctx, mv)
		}
	}
	return nil
}

func (s *Service) GetDeploymentHistory(ctx context.Context, modelName string, limit int) ([]models.DeploymentRecord, error) {
	rows, err := s.store.ListDeployments(ctx, modelName, limit)
	if err != nil {
		return nil, err
	}
	records := make([]models.DeploymentRecord, 0, len(rows))
	for i := range rows {
		records = append(records, deploymentToDomain(&rows[i]))
	}
	return records, nil
}

func (s *Service) transition(ctx context.Context, modelName, versionID, newStatus, demoteTo, actor, reason string) error {
	lock := s.modelLock(modelName)
	lock.Lock()
	defer lock.Unlock()

	target, err := s.store.GetVersion(ctx, modelName, versionID)
	if err != nil {
		return err
	}
	if target.Status == newStatus {
		return nil
	}

	now := time.Now().UTC()
	updates := []StatusUpdate{}

	var demoted *VersionModel
	if newStatus == models.StatusProduction {
		current, err := s.store.FindByStatus(ctx, modelName, models.StatusProduction)
		if err != nil && !errors.Is(err, ErrVersionNotFound) {
			return err
		}
		if current != nil && current.VersionID != versionID {
			demoted = current
			updates = append(updates, StatusUpdate{
				ModelName:  modelName,
				VersionID:  current.VersionID,
				FromStatus: models.StatusProduction,
				ToStatus:   demoteTo,
			})
		}
	}

	updates = append(updates, StatusUpdate{
		ModelName:  modelName,
		VersionID:  versionID,
		FromStatus: target.Status,
		ToStatus:   newStatus,
	})
	record := DeploymentModel{
		ID:             uuid.New(),
		ModelName:      modelName,
		VersionID:      versionID,
		PreviousStatus: target.Status,
		NewStatus:      newStatus,
		Actor:          actor,
		Reason:         reason,
		CreatedAt:      now,
	}
	if demoted != nil {
		record.DemotedVersionID = demoted.VersionID
	}

	if err := s.store.Transition(ctx, updates, []DeploymentModel{record}); err != nil {
		return err
	}

	s.refreshCache(ctx, modelName, versionID, newStatus, target)

	logger.Log.WithFields(map[string]interface{}{
		"model_name": modelName,
		"version_id": versionID,
		"new_status": newStatus,
		"actor":      actor,
		"demoted":    demoted != nil,
	}).Info("Model status changed")
	return nil
}

func (s *Service) refreshCache(ctx context.Context, modelName, versionID, newStatus string, target *VersionModel) {
	if newStatus == models.StatusProduction {
		mv := toDomain(target)
		mv.Status = models.StatusProduction
		s.cacheProduction(mv)
		s.materializeProduction(ctx, mv)
		return
	}

	s.cacheMu.Lock()
	if cached, ok := s.production[modelName]; ok && cached.version.VersionID == versionID {
		delete(s.production, modelName)
	}
	s.cacheMu.Unlock()
	s.dropMaterializedProduction(ctx, modelName, versionID)
}

func (s *Service) cacheProduction(mv models.ModelVersion) {
	s.cacheMu.Lock()
	s.production[mv.ModelName] = cachedProduction{version: mv, cachedAt: s.now()}
	s.cacheMu.Unlock()
}

func (s *Service) invalidateProduction(modelName string) {
	s.cacheMu.Lock()
	delete(s.production, modelName)
	s.cacheMu.Unlock()
}

// materializeProduction mirrors the pointer to Redis so other processes
// (the routing service) can warm without a database round-trip. Best effort.
func (s *Service) materializeProduction(ctx context.Context, mv models.ModelVersion) {
	if s.redisClient == nil {
		return
	}
	payload, err := json.Marshal(mv)
	if err != nil {
		return
	}
	key := productionKeyPrefix + mv.ModelName
	if err := s.redisClient.Set(ctx, key, payload, s.cacheTTL).Err(); err != nil {
		logger.Log.WithError(err).WithField("key", key).Warn("Failed to materialize production pointer")
	}
}

func (s *Service) dropMaterializedProduction(ctx context.Context, modelName, versionID string) {
	if s.redisClient == nil {
		return
	}
	key := productionKeyPrefix + modelName
	payload, err := s.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		return
	}
	var mv models.ModelVersion
	if json.Unmarshal(payload, &mv) == nil && mv.VersionID == versionID {
		s.redisClient.Del(ctx, key)
	}
}

func (s *Service) productionFromRedis(ctx context.Context, modelName string) (models.ModelVersion, bool) {
	if s.redisClient == nil {
		return models.ModelVersion{}, false
	}
	payload, err := s.redisClient.Get(ctx, productionKeyPrefix+modelName).Bytes()
	if err != nil {
		return models.ModelVersion{}, false
	}
	var mv models.ModelVersion
	if err := json.Unmarshal(payload, &mv); err != nil {
		return models.ModelVersion{}, false
	}
	return mv, true
}

func (s *Service) modelLock(modelName string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[modelName]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[modelName] = lock
	}
	return lock
}

// newVersionID yields ids that sort by creation time, with a random suffix
// so concurrent registrations in the same second cannot collide.
func newVersionID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405"), uuid.New().String()[:8])
}

func validStatus(status string) bool {
	switch status {
	case models.StatusRegistered, models.StatusStaging, models.StatusProduction,
		models.StatusArchived, models.StatusRolledBack:
		return true
	}
	return false
}

func asRegistrationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRegistrationTimeout
	}
	return err
}
