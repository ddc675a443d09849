package modelstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/adaptive-therapy-server/internal/domain"
	"github.com/adaptive-therapy-server/pkg/svm"
)

// FileStore keeps the model in a single file on durable storage. Saves write
// to a temp file in the same directory, fsync, then rename over the slot, so
// a concurrent load sees either the old or the new model but never a mix.
type FileStore struct {
	path string
	log  *logrus.Logger
	mu   sync.RWMutex
}

// NewFileStore creates a file-backed model store at the given path, creating
// the parent directory if needed.
func NewFileStore(path string, logger *logrus.Logger) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating model directory: %w", err)
	}
	return &FileStore{path: path, log: logger}, nil
}

// Load reads the current model. An empty slot returns
// domain.ErrModelNotFound; an unreadable or corrupt slot is a hard error so
// the caller never serves a guess off broken state.
func (s *FileStore) Load(ctx context.Context) (*svm.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrModelNotFound
		}
		return nil, fmt.Errorf("reading model file: %w", err)
	}

	var model svm.Model
	if err := model.UnmarshalBinary(data); err != nil {
		s.log.WithFields(logrus.Fields{
			"path":  s.path,
			"error": err,
		}).Error("Model file is corrupt")
		return nil, fmt.Errorf("model file %s: %w", s.path, err)
	}

	return &model, nil
}

// Save atomically replaces the slot with the given model.
func (s *FileStore) Save(ctx context.Context, model *svm.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := model.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding model: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".model-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp model file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp model file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp model file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp model file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing model file: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"path":            s.path,
		"samples":         model.Samples,
		"support_vectors": model.SupportVectorCount(),
	}).Info("Model saved")

	return nil
}
