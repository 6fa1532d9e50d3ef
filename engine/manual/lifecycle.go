package manual

import (
	"context"
	"fmt"

	"github.com/WessleyAI/wessley-companion/engine/domain"
)

// Lifecycle is the read-side view used for gating. It never mutates the store.
type Lifecycle struct {
	store Store
}

// NewLifecycle creates a Lifecycle over store.
func NewLifecycle(store Store) *Lifecycle {
	return &Lifecycle{store: store}
}

// Document returns the vehicle's manual record, nil when absent.
func (l *Lifecycle) Document(ctx context.Context, vehicleID string) (*domain.ManualDocument, error) {
	doc, err := l.store.DocumentFor(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("manual: document for %s: %w", vehicleID, err)
	}
	return doc, nil
}

// Status returns the manual status, StatusAbsent when there is no record.
func (l *Lifecycle) Status(ctx context.Context, vehicleID string) (domain.DocumentStatus, error) {
	doc, err := l.Document(ctx, vehicleID)
	if err != nil {
		return "", err
	}
	return domain.StatusOf(doc), nil
}

// IsReady reports whether the vehicle's manual is ready for grounded queries.
func (l *Lifecycle) IsReady(ctx context.Context, vehicleID string) (bool, error) {
	status, err := l.Status(ctx, vehicleID)
	if err != nil {
		return false, err
	}
	return status == domain.StatusReady, nil
}
