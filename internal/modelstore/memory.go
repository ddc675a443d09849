package modelstore

import (
	"context"
	"sync"

	"github.com/adaptive-therapy-server/internal/domain"
	"github.com/adaptive-therapy-server/pkg/svm"
)

// MemStore is an in-memory model slot used by tests and single-process
// deployments that opt out of durability.
type MemStore struct {
	mu    sync.RWMutex
	model *svm.Model
}

// NewMemStore creates an empty in-memory model store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Load returns the current model or domain.ErrModelNotFound.
func (s *MemStore) Load(ctx context.Context) (*svm.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return nil, domain.ErrModelNotFound
	}
	return s.model, nil
}

// Save replaces the slot.
func (s *MemStore) Save(ctx context.Context, model *svm.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
	return nil
}
