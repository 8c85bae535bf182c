package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/medtrack-ai/modelops/pkg/common/logger"
	"github.com/medtrack-ai/modelops/pkg/common/models"
	"github.com/medtrack-ai/modelops/pkg/observability/metrics"
)

var (
	ErrTestNotFound = errors.New("ab test not found")
	ErrNoActiveTest = errors.New("no active test for model")
	ErrTestClosed   = errors.New("ab test already closed")

	// ErrInsufficientSamples blocks winner selection until every variant
	// has the minimum number of recorded outcomes.
	ErrInsufficientSamples = errors.New("insufficient samples to select winner")

	ErrUnknownVariant = errors.New("version is not a variant of this test")
	ErrInvalidWeights = errors.New("variant weights must sum to 1.0")
)

const (
	DefaultMinSamplesPerVariant = 100
	hashBuckets                 = 10000
	weightTolerance             = 1e-6
)

// Promoter is the piece of the promotion surface winner selection needs.
type Promoter interface {
	Promote(ctx context.Context, modelName, versionID, actor, reason string) error
}

// variantCounters hold per-variant outcome tallies. Counters are sharded
// per variant; routing needs no cross-variant lock, only per-counter
// atomicity.
type variantCounters struct {
	requests    atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	metricSum   atomicFloat64
	metricCount atomic.Int64
}

func (c *variantCounters) outcomes() int64 {
	return c.successes.Load() + c.failures.Load()
}

type activeTest struct {
	def         models.ABTest
	strategy    Strategy
	baseWeights []float64
	counters    []*variantCounters
}

// Service routes inference requests across test variants and aggregates
// per-variant outcomes. Active tests live in memory; the store only sees
// definitions and final snapshots.
type Service struct {
	store          Store
	promoter       Promoter
	minSamples     int64
	canaryFraction float64
	stepInterval   time.Duration
	now            func() time.Time

	mu      sync.RWMutex
	active  map[string]*activeTest
	byModel map[string]string
}

// NewService builds a router. store and promoter may be nil for callers
// that only route in memory (winner selection then refuses to promote).
func NewService(store Store, promoter Promoter, minSamples int64, canaryFraction float64, stepInterval time.Duration) *Service {
	if minSamples <= 0 {
		minSamples = DefaultMinSamplesPerVariant
	}
	return &Service{
		store:          store,
		promoter:       promoter,
		minSamples:     minSamples,
		canaryFraction: canaryFraction,
		stepInterval:   stepInterval,
		now:            func() time.Time { return time.Now().UTC() },
		active:         make(map[string]*activeTest),
		byModel:        make(map[string]string),
	}
}

// CreateTest starts a traffic split over variants of one model. The last
// variant is the one being rolled out. For the ab strategy the provided
// weights must sum to 1.0; the other strategies derive weights from
// elapsed time.
func (s *Service) CreateTest(ctx context.Context, modelName, strategy string, variants []models.Variant) (models.ABTest, error) {
	if len(variants) == 0 {
		return models.ABTest{}, errors.New("at least one variant required")
	}
	strat, err := NewStrategy(strategy, s.canaryFraction, s.stepInterval)
	if err != nil {
		return models.ABTest{}, err
	}
	if strategy == models.StrategyAB {
		var sum float64
		for _, v := range variants {
			sum += v.Weight
		}
		if math.Abs(sum-1.0) > weightTolerance {
			return models.ABTest{}, fmt.Errorf("%w: got %.4f", ErrInvalidWeights, sum)
		}
	}

	test := models.ABTest{
		TestID:    uuid.New().String(),
		ModelName: modelName,
		Strategy:  strategy,
		Variants:  variants,
		StartedAt: s.now(),
	}

	if s.store != nil {
		if err := s.store.CreateTest(ctx, toModel(test)); err != nil {
			return models.ABTest{}, err
		}
	}

	s.register(test, strat)
	logger.Log.WithFields(map[string]interface{}{
		"test_id":    test.TestID,
		"model_name": modelName,
		"strategy":   strategy,
		"variants":   len(variants),
	}).Info("Traffic test started")
	return test, nil
}

// LoadActive warms the in-memory test set from the store, typically at
// startup.
func (s *Service) LoadActive(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	rows, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range rows {
		test := toDomain(&rows[i])
		strat, err := NewStrategy(test.Strategy, s.canaryFraction, s.stepInterval)
		if err != nil {
			logger.Log.WithError(err).WithField("test_id", test.TestID).Warn("Skipping test with unknown strategy")
			continue
		}
		s.register(test, strat)
	}
	return nil
}

// RouteRequest deterministically assigns a routing key to a variant. The
// same key always lands on the same variant while the test configuration
// and current weights are unchanged.
func (s *Service) RouteRequest(ctx context.Context, modelName, routingKey string) (string, error) {
	s.mu.RLock()
	testID, ok := s.byModel[modelName]
	var t *activeTest
	if ok {
		t = s.active[testID]
	}
	s.mu.RUnlock()
	if t == nil {
		return "", ErrNoActiveTest
	}

	weights := t.strategy.Weights(s.now().Sub(t.def.StartedAt), t.baseWeights)
	bucket := hashBucket(t.def.TestID, routingKey)

	boundary := 0.0
	idx := len(weights) - 1
	for i, w := range weights {
		boundary += w * hashBuckets
		if float64(bucket) < boundary {
			idx = i
			break
		}
	}

	t.counters[idx].requests.Add(1)
	metrics.IncRoutedRequests()
	return t.def.Variants[idx].VersionID, nil
}

// RecordOutcome updates one variant's counters. Safe under concurrent
// calls from many inference requests.
func (s *Service) RecordOutcome(ctx context.Context, testID, versionID string, success bool, metricValue float64) error {
	s.mu.RLock()
	t := s.active[testID]
	s.mu.RUnlock()
	if t == nil {
		return ErrTestNotFound
	}

	idx := t.variantIndex(versionID)
	if idx < 0 {
		return ErrUnknownVariant
	}

	c := t.counters[idx]
	if success {
		c.successes.Add(1)
	} else {
		c.failures.Add(1)
	}
	if !math.IsNaN(metricValue) {
		c.metricSum.Add(metricValue)
		c.metricCount.Add(1)
	}
	metrics.IncRecordedOutcomes()
	return nil
}

// SelectWinner compares per-variant mean metric and success rate, closes
// the test and promotes the winner to production. Every variant needs the
// minimum number of recorded outcomes first.
func (s *Service) SelectWinner(ctx context.Context, testID string) (string, error) {
	s.mu.Lock()
	t := s.active[testID]
	if t == nil {
		s.mu.Unlock()
		return "", ErrTestNotFound
	}

	for i, v := range t.def.Variants {
		if n := t.counters[i].outcomes(); n < s.minSamples {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: variant %s has %d outcomes, need %d", ErrInsufficientSamples, v.VersionID, n, s.minSamples)
		}
	}

	winnerIdx := 0
	for i := 1; i < len(t.def.Variants); i++ {
		if betterVariant(t.counters[i], t.counters[winnerIdx]) {
			winnerIdx = i
		}
	}
	winner := t.def.Variants[winnerIdx].VersionID

	delete(s.active, testID)
	delete(s.byModel, t.def.ModelName)
	s.mu.Unlock()

	snapshot := t.snapshot()
	endedAt := s.now()
	snapshot.EndedAt = &endedAt
	snapshot.Winner = winner
	for i := range snapshot.Variants {
		if i == winnerIdx {
			snapshot.Variants[i].Weight = 1.0
		} else {
			snapshot.Variants[i].Weight = 0.0
		}
	}
	if s.store != nil {
		if err := s.store.UpdateTest(ctx, toModel(snapshot)); err != nil {
			logger.Log.WithError(err).WithField("test_id", testID).Error("Failed to persist closed test")
		}
	}

	if s.promoter != nil {
		reason := fmt.Sprintf("traffic test %s winner", testID)
		if err := s.promoter.Promote(ctx, t.def.ModelName, winner, "traffic-router", reason); err != nil {
			return "", fmt.Errorf("winner selected but promotion failed: %w", err)
		}
	}

	logger.Log.WithFields(map[string]interface{}{
		"test_id":    testID,
		"model_name": t.def.ModelName,
		"winner":     winner,
	}).Info("Traffic test closed")
	return winner, nil
}

// GetTest returns the test definition with live counter values.
func (s *Service) GetTest(ctx context.Context, testID string) (models.ABTest, error) {
	s.mu.RLock()
	t := s.active[testID]
	s.mu.RUnlock()
	if t != nil {
		return t.snapshot(), nil
	}
	if s.store != nil {
		row, err := s.store.GetTest(ctx, testID)
		if err != nil {
			return models.ABTest{}, err
		}
		return toDomain(row), nil
	}
	return models.ABTest{}, ErrTestNotFound
}

// SetClock overrides the time source; used by tests exercising gradual
// rollouts.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) register(test models.ABTest, strat Strategy) {
	base := make([]float64, len(test.Variants))
	counters := make([]*variantCounters, len(test.Variants))
	for i, v := range test.Variants {
		base[i] = v.Weight
		counters[i] = &variantCounters{}
	}
	t := &activeTest{def: test, strategy: strat, baseWeights: base, counters: counters}

	s.mu.Lock()
	s.active[test.TestID] = t
	s.byModel[test.ModelName] = test.TestID
	s.mu.Unlock()
}

func (t *activeTest) variantIndex(versionID string) int {
	for i, v := range t.def.Variants {
		if v.VersionID == versionID {
			return i
		}
	}
	return -1
}

func (t *activeTest) snapshot() models.ABTest {
	out := t.def
	out.Variants = make([]models.Variant, len(t.def.Variants))
	for i, v := range t.def.Variants {
		c := t.counters[i]
		out.Variants[i] = models.Variant{
			VersionID:   v.VersionID,
			Weight:      v.Weight,
			Requests:    c.requests.Load(),
			Successes:   c.successes.Load(),
			Failures:    c.failures.Load(),
			MetricSum:   c.metricSum.Load(),
			MetricCount: c.metricCount.Load(),
		}
	}
	return out
}

// betterVariant prefers the higher mean metric; with no metric data on
// either side, or a dead heat, the higher success rate wins.
func betterVariant(a, b *variantCounters) bool {
	aMean, aOK := meanMetric(a)
	bMean, bOK := meanMetric(b)
	if aOK && bOK && aMean != bMean {
		return aMean > bMean
	}
	if aOK != bOK {
		return aOK
	}
	return successRate(a) > successRate(b)
}

func meanMetric(c *variantCounters) (float64, bool) {
	n := c.metricCount.Load()
	if n == 0 {
		return 0, false
	}
	return c.metricSum.Load() / float64(n), true
}

func successRate(c *variantCounters) float64 {
	total := c.outcomes()
	if total == 0 {
		return 0
	}
	return float64(c.successes.Load()) / float64(total)
}

// hashBucket maps (test, routing key) onto [0, hashBuckets) with a stable
// FNV-1a hash, so assignment survives restarts.
func hashBucket(testID, routingKey string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(testID))
	h.Write([]byte{':'})
	h.Write([]byte(routingKey))
	return h.Sum32() % hashBuckets
}

// atomicFloat64 is a CAS loop over the float's bit pattern; good enough
// for a running sum updated from many goroutines.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (f *atomicFloat64) Add(delta float64) {
	for {
		old := f.bits.Load()
		updated := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, updated) {
			return
		}
	}
}

func (f *atomicFloat64) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}
