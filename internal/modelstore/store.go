// Package modelstore persists the trained difficulty classifier. There is a
// single versionless slot: every save permanently supersedes the previous
// model, and a load must never observe a partially written one.
package modelstore

import (
	"context"

	"github.com/adaptive-therapy-server/pkg/svm"
)

// Store is the persistence slot for the classifier model. Load returns
// domain.ErrModelNotFound when the slot is empty and a hard error when the
// slot exists but cannot be decoded; callers bootstrap on the former and must
// fail closed on the latter.
type Store interface {
	Load(ctx context.Context) (*svm.Model, error)
	Save(ctx context.Context, model *svm.Model) error
}
