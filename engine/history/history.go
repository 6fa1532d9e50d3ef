// Package history records completed queries per vehicle so the user can
// revisit earlier answers.
package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-companion/engine/domain"
)

// DefaultCapacity bounds the entries kept per vehicle.
const DefaultCapacity = 50

// Entry is one completed query.
type Entry struct {
	ID         string           `json:"id"`
	VehicleID  string           `json:"vehicleId"`
	Kind       domain.QueryKind `json:"kind"`
	Input      string           `json:"input"`
	Summary    string           `json:"summary"`
	DocumentID string           `json:"documentId,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

var errNoVehicle = errors.New("history: entry has no vehicle")

// Store persists entries. List returns the newest entries first.
type Store interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, vehicleID string, limit int) ([]Entry, error)
	Clear(ctx context.Context, vehicleID string) error
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string][]Entry // newest last
}

// NewMemoryStore creates a MemoryStore holding up to capacity entries per
// vehicle. A non-positive capacity uses DefaultCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{capacity: capacity, entries: make(map[string][]Entry)}
}

func (m *MemoryStore) Record(_ context.Context, e Entry) error {
	if e.VehicleID == "" {
		return errNoVehicle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.entries[e.VehicleID], e)
	if len(list) > m.capacity {
		list = append([]Entry(nil), list[len(list)-m.capacity:]...)
	}
	m.entries[e.VehicleID] = list
	return nil
}

func (m *MemoryStore) List(_ context.Context, vehicleID string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.entries[vehicleID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Entry, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (m *MemoryStore) Clear(_ context.Context, vehicleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, vehicleID)
	return nil
}
