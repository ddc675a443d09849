package modelstore

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptive-therapy-server/internal/domain"
	"github.com/adaptive-therapy-server/pkg/svm"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func trainedModel(t *testing.T, seed int64) *svm.Model {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	var X [][]float64
	var y []int
	for i := 0; i < 120; i++ {
		acc := rng.Float64() * 100
		ms := 500 + rng.Float64()*2500
		label := 0
		if acc >= 80 && ms <= 1500 {
			label = 1
		} else if acc < 60 || ms > 2500 {
			label = 2
		}
		X = append(X, []float64{acc, ms})
		y = append(y, label)
	}
	model, err := svm.Train(X, y, svm.DefaultConfig())
	require.NoError(t, err)
	return model
}

func TestFileStore_LoadEmptySlot(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "models", "svm.json"), testLogger())
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrModelNotFound)
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svm.json")
	store, err := NewFileStore(path, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	model := trainedModel(t, 1)
	require.NoError(t, store.Save(ctx, model))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Samples, loaded.Samples)
	assert.Equal(t, model.Classes, loaded.Classes)

	pred, err := loaded.Predict([]float64{92, 800})
	require.NoError(t, err)
	want, err := model.Predict([]float64{92, 800})
	require.NoError(t, err)
	assert.Equal(t, want.Class, pred.Class)
}

func TestFileStore_SaveSupersedesPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svm.json")
	store, err := NewFileStore(path, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	first := trainedModel(t, 1)
	second := trainedModel(t, 2)
	second.Samples = first.Samples + 50

	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Samples, loaded.Samples, "second save replaces the first wholesale")
}

func TestFileStore_CorruptSlotIsHardError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svm.json")
	store, err := NewFileStore(path, testLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err = store.Load(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrModelNotFound,
		"corruption must not be mistaken for an empty slot")
}

// Concurrent loads against repeated saves must always decode a complete
// model: the rename-based replace never exposes a torn write.
func TestFileStore_ConcurrentSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svm.json")
	store, err := NewFileStore(path, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	a := trainedModel(t, 1)
	b := trainedModel(t, 2)
	require.NoError(t, store.Save(ctx, a))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				model, err := store.Load(ctx)
				assert.NoError(t, err)
				if model != nil {
					assert.Len(t, model.Classes, 3)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			if i%2 == 0 {
				assert.NoError(t, store.Save(ctx, b))
			} else {
				assert.NoError(t, store.Save(ctx, a))
			}
		}
	}()
	wg.Wait()
}

func TestMemStore(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrModelNotFound)

	model := trainedModel(t, 3)
	require.NoError(t, store.Save(ctx, model))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model, loaded)
}
