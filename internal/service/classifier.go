package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/adaptive-therapy-server/internal/domain"
	"github.com/adaptive-therapy-server/internal/modelstore"
	"github.com/adaptive-therapy-server/pkg/svm"
)

// Bootstrap sampling ranges. Synthetic accuracy is uniform over the full
// percentage scale; synthetic reaction time covers the plausible per-item
// range in milliseconds.
const (
	bootstrapTimeMinMS = 500.0
	bootstrapTimeMaxMS = 3000.0
)

// Prediction is the classifier's answer for a single round.
type Prediction struct {
	Label          domain.DifficultyLabel `json:"prediction"`
	Recommendation string                 `json:"recommendation"`
	Confidence     float64                `json:"confidence"`
}

type predictionKey struct {
	accuracy int64
	timeMS   int64
}

// DifficultyClassifier owns the trainable difficulty model. Predictions load
// the persisted model (bootstrapping one when the slot is empty); Retrain
// refits from scratch over bootstrap plus accumulated real observations and
// atomically replaces the slot.
type DifficultyClassifier struct {
	store modelstore.Store
	log   *logrus.Logger
	cfg   domain.EngineConfig

	// trainMu single-flights bootstrap and retrain; predictions only read.
	trainMu sync.Mutex
	cache   atomic.Pointer[lru.Cache[predictionKey, Prediction]]
}

// NewDifficultyClassifier creates a classifier backed by the given model
// store.
func NewDifficultyClassifier(store modelstore.Store, cfg domain.EngineConfig, logger *logrus.Logger) (*DifficultyClassifier, error) {
	if cfg.BootstrapSamples <= 0 {
		cfg.BootstrapSamples = 300
	}
	if cfg.Oversample <= 0 {
		cfg.Oversample = 3
	}
	if cfg.PredictionCacheSize <= 0 {
		cfg.PredictionCacheSize = 1024
	}

	c := &DifficultyClassifier{
		store: store,
		log:   logger,
		cfg:   cfg,
	}
	cache, err := lru.New[predictionKey, Prediction](cfg.PredictionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating prediction cache: %w", err)
	}
	c.cache.Store(cache)
	return c, nil
}

// Predict runs a single-sample inference for the given accuracy and reaction
// time (milliseconds). If no model has ever been trained it bootstraps one
// from rule-labeled synthetic data first. It never mutates an existing
// model, and it fails closed: when no model can be loaded or trained the
// caller gets an error, not a guessed label.
func (c *DifficultyClassifier) Predict(ctx context.Context, accuracy, avgTimeMS float64) (*Prediction, error) {
	if err := validateFeatures(accuracy, avgTimeMS); err != nil {
		return nil, err
	}

	key := predictionKey{accuracy: quantize(accuracy), timeMS: quantize(avgTimeMS)}
	cache := c.cache.Load()
	if pred, ok := cache.Get(key); ok {
		return &pred, nil
	}

	model, err := c.currentModel(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := model.Predict([]float64{accuracy, avgTimeMS})
	if err != nil {
		return nil, fmt.Errorf("%w: inference failed: %v", domain.ErrModelUnavailable, err)
	}

	label := domain.DifficultyLabel(raw.Class)
	if !label.IsValid() {
		return nil, fmt.Errorf("%w: model produced unknown class %d", domain.ErrModelUnavailable, raw.Class)
	}

	pred := Prediction{
		Label:          label,
		Recommendation: label.Recommendation(),
		Confidence:     raw.Probabilities[raw.Class],
	}
	cache.Add(key, pred)
	return &pred, nil
}

// Retrain performs a full refit: a fresh synthetic bootstrap set anchors the
// decision boundary, every real observation is auto-labeled by the expert
// rule and inserted three times (oversampling) so accumulated user data
// progressively outweighs the anchor, and the resulting model atomically
// replaces the persisted one.
func (c *DifficultyClassifier) Retrain(ctx context.Context, observations []domain.Observation) error {
	c.trainMu.Lock()
	defer c.trainMu.Unlock()

	model, err := c.fit(observations)
	if err != nil {
		return err
	}
	if err := c.store.Save(ctx, model); err != nil {
		return fmt.Errorf("saving retrained model: %w", err)
	}

	// Swap in a fresh cache so stale decisions from the superseded model
	// are never served.
	cache, err := lru.New[predictionKey, Prediction](c.cfg.PredictionCacheSize)
	if err != nil {
		return fmt.Errorf("resetting prediction cache: %w", err)
	}
	c.cache.Store(cache)

	c.log.WithFields(logrus.Fields{
		"observations":    len(observations),
		"samples":         model.Samples,
		"support_vectors": model.SupportVectorCount(),
	}).Info("Classifier retrained")

	return nil
}

// currentModel loads the persisted model, bootstrapping one when the slot is
// empty. A corrupt or unreadable slot is a hard failure.
func (c *DifficultyClassifier) currentModel(ctx context.Context) (*svm.Model, error) {
	model, err := c.store.Load(ctx)
	if err == nil {
		return model, nil
	}
	if !errors.Is(err, domain.ErrModelNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}

	c.trainMu.Lock()
	defer c.trainMu.Unlock()

	// Another caller may have bootstrapped while we waited for the lock.
	if model, err := c.store.Load(ctx); err == nil {
		return model, nil
	} else if !errors.Is(err, domain.ErrModelNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}

	c.log.Info("No trained model found, bootstrapping from synthetic data")

	model, err = c.fit(nil)
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, model); err != nil {
		return nil, fmt.Errorf("%w: saving bootstrapped model: %v", domain.ErrModelUnavailable, err)
	}
	return model, nil
}

// fit builds the combined bootstrap + oversampled real training set and fits
// a fresh model. Callers hold trainMu.
func (c *DifficultyClassifier) fit(observations []domain.Observation) (*svm.Model, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	size := c.cfg.BootstrapSamples + len(observations)*c.cfg.Oversample
	X := make([][]float64, 0, size)
	y := make([]int, 0, size)

	for i := 0; i < c.cfg.BootstrapSamples; i++ {
		acc := rng.Float64() * 100
		ms := bootstrapTimeMinMS + rng.Float64()*(bootstrapTimeMaxMS-bootstrapTimeMinMS)
		X = append(X, []float64{acc, ms})
		y = append(y, int(ExpertLabel(acc, ms)))
	}

	for _, obs := range observations {
		label := int(ExpertLabel(obs.Accuracy, obs.AvgTimeMS))
		for k := 0; k < c.cfg.Oversample; k++ {
			X = append(X, []float64{obs.Accuracy, obs.AvgTimeMS})
			y = append(y, label)
		}
	}

	cfg := svm.DefaultConfig()
	cfg.Seed = rng.Int63()
	model, err := svm.Train(X, y, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: training failed: %v", domain.ErrModelUnavailable, err)
	}
	return model, nil
}

func validateFeatures(accuracy, avgTimeMS float64) error {
	if math.IsNaN(accuracy) || math.IsInf(accuracy, 0) || accuracy < 0 || accuracy > 100 {
		return &domain.ValidationError{Field: "accuracy", Message: "accuracy must be between 0 and 100", Value: accuracy}
	}
	if math.IsNaN(avgTimeMS) || math.IsInf(avgTimeMS, 0) || avgTimeMS < 0 {
		return &domain.ValidationError{Field: "avg_time_ms", Message: "reaction time must be non-negative", Value: avgTimeMS}
	}
	return nil
}

// quantize buckets a feature to a tenth of a unit for cache keying.
func quantize(v float64) int64 {
	return int64(math.Round(v * 10))
}
