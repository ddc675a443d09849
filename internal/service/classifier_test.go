package service

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptive-therapy-server/internal/domain"
	"github.com/adaptive-therapy-server/internal/modelstore"
	"github.com/adaptive-therapy-server/pkg/svm"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// testEngineConfig keeps bootstrap sets small so fits stay fast while still
// covering all three label regions.
func testEngineConfig() domain.EngineConfig {
	return domain.EngineConfig{
		RetrainEvery:        5,
		BootstrapSamples:    150,
		Oversample:          3,
		PredictionCacheSize: 64,
	}
}

func newTestClassifier(t *testing.T, store modelstore.Store) *DifficultyClassifier {
	t.Helper()
	c, err := NewDifficultyClassifier(store, testEngineConfig(), testLogger())
	require.NoError(t, err)
	return c
}

func TestClassifier_BootstrapsOnFirstPredict(t *testing.T) {
	store := modelstore.NewMemStore()
	c := newTestClassifier(t, store)
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, domain.ErrModelNotFound)

	pred, err := c.Predict(ctx, 95, 700)
	require.NoError(t, err)
	assert.True(t, pred.Label.IsValid())

	// The bootstrapped model must now be persisted.
	model, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150, model.Samples)
}

func TestClassifier_PredictTracksExpertRule(t *testing.T) {
	c := newTestClassifier(t, modelstore.NewMemStore())
	ctx := context.Background()

	// Points deep inside each region; a model fit on rule-labeled data must
	// reproduce the rule there.
	tests := []struct {
		accuracy  float64
		avgTimeMS float64
		expected  domain.DifficultyLabel
	}{
		{95, 700, domain.ADVANCE},
		{90, 900, domain.ADVANCE},
		{30, 2800, domain.SUPPORT},
		{40, 1000, domain.SUPPORT},
		{70, 2000, domain.MAINTAIN},
		{72, 1800, domain.MAINTAIN},
	}
	for _, tt := range tests {
		pred, err := c.Predict(ctx, tt.accuracy, tt.avgTimeMS)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, pred.Label, "acc=%v ms=%v", tt.accuracy, tt.avgTimeMS)
		assert.Equal(t, tt.expected.Recommendation(), pred.Recommendation)
		assert.Greater(t, pred.Confidence, 0.0)
		assert.LessOrEqual(t, pred.Confidence, 1.0)
	}
}

func TestClassifier_PredictRejectsInvalidInput(t *testing.T) {
	c := newTestClassifier(t, modelstore.NewMemStore())
	ctx := context.Background()

	for _, in := range [][2]float64{{-1, 1000}, {101, 1000}, {50, -5}} {
		_, err := c.Predict(ctx, in[0], in[1])
		var verr *domain.ValidationError
		assert.ErrorAs(t, err, &verr, "acc=%v ms=%v", in[0], in[1])
	}
}

// brokenStore simulates a corrupt model slot: loads fail with a hard error,
// never with ErrModelNotFound.
type brokenStore struct{}

func (brokenStore) Load(ctx context.Context) (*svm.Model, error) {
	return nil, errors.New("decoding model artifact: unexpected end of input")
}

func (brokenStore) Save(ctx context.Context, model *svm.Model) error {
	return nil
}

func TestClassifier_FailsClosedOnCorruptStore(t *testing.T) {
	c := newTestClassifier(t, brokenStore{})

	_, err := c.Predict(context.Background(), 95, 700)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelUnavailable,
		"a corrupt slot must surface as model-unavailable, not a silent bootstrap")
}

func TestClassifier_RetrainReplacesModel(t *testing.T) {
	store := modelstore.NewMemStore()
	c := newTestClassifier(t, store)
	ctx := context.Background()

	_, err := c.Predict(ctx, 95, 700)
	require.NoError(t, err)
	before, err := store.Load(ctx)
	require.NoError(t, err)

	obs := []domain.Observation{
		{Accuracy: 92, AvgTimeMS: 800},
		{Accuracy: 45, AvgTimeMS: 2900},
		{Accuracy: 70, AvgTimeMS: 2000},
	}
	require.NoError(t, c.Retrain(ctx, obs))

	after, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Samples+len(obs)*3, after.Samples,
		"each observation enters the training set three times on top of the bootstrap")
	assert.NotEqual(t, before.TrainedAt, after.TrainedAt)
}

func TestClassifier_CachedPredictionIsStable(t *testing.T) {
	c := newTestClassifier(t, modelstore.NewMemStore())
	ctx := context.Background()

	first, err := c.Predict(ctx, 85, 1200)
	require.NoError(t, err)
	second, err := c.Predict(ctx, 85, 1200)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
