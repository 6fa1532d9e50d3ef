// Package manual tracks the owner's manual attached to each vehicle: its
// lifecycle state for query gating, uploads, and indexer status events.
package manual

import (
	"context"
	"errors"
	"sync"

	"github.com/WessleyAI/wessley-companion/engine/domain"
)

// ErrDocumentNotFound is returned when a status update names an unknown document.
var ErrDocumentNotFound = errors.New("manual: document not found")

// Store persists at most one ManualDocument per vehicle.
type Store interface {
	// DocumentFor returns the vehicle's record, or nil when none exists.
	DocumentFor(ctx context.Context, vehicleID string) (*domain.ManualDocument, error)
	// Save replaces the vehicle's record with doc.
	Save(ctx context.Context, doc domain.ManualDocument) error
	// UpdateStatus sets the status (and error message) of one document.
	UpdateStatus(ctx context.Context, docID string, status domain.DocumentStatus, errMsg string) error
	// Remove drops the vehicle's record, if any.
	Remove(ctx context.Context, vehicleID string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	byVeh map[string]domain.ManualDocument
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byVeh: make(map[string]domain.ManualDocument)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) DocumentFor(_ context.Context, vehicleID string) (*domain.ManualDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.byVeh[vehicleID]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (m *MemoryStore) Save(_ context.Context, doc domain.ManualDocument) error {
	m.mu.Lock()
	m.byVeh[doc.VehicleID] = doc
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, docID string, status domain.DocumentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for vid, doc := range m.byVeh {
		if doc.ID == docID {
			doc.Status = status
			doc.Error = errMsg
			m.byVeh[vid] = doc
			return nil
		}
	}
	return ErrDocumentNotFound
}

func (m *MemoryStore) Remove(_ context.Context, vehicleID string) error {
	m.mu.Lock()
	delete(m.byVeh, vehicleID)
	m.mu.Unlock()
	return nil
}
