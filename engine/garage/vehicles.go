// Package garage persists registered vehicles and their manual records.
// Neo4j holds (Vehicle)-[:HAS_MANUAL]->(ManualDocument); in-memory stores
// serve development and tests.
package garage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/pkg/repo"
)

// Store is the vehicle store.
type Store interface {
	Get(ctx context.Context, id string) (domain.Vehicle, error)
	List(ctx context.Context) ([]domain.Vehicle, error)
	Save(ctx context.Context, v domain.Vehicle) (domain.Vehicle, error)
	Delete(ctx context.Context, id string) error
}

// Register validates v, assigns an ID and creation time, and stores it.
func Register(ctx context.Context, store Store, v domain.Vehicle, now time.Time) (domain.Vehicle, error) {
	v.Name = strings.TrimSpace(v.Name)
	if err := domain.ValidateVehicle(v); err != nil {
		return domain.Vehicle{}, err
	}
	v.ID = uuid.NewString()
	v.CreatedAt = now.UTC()
	saved, err := store.Save(ctx, v)
	if err != nil {
		return domain.Vehicle{}, fmt.Errorf("garage: register: %w", err)
	}
	return saved, nil
}

// MemoryStore keeps vehicles in process.
type MemoryStore struct {
	mu       sync.RWMutex
	vehicles map[string]domain.Vehicle
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vehicles: make(map[string]domain.Vehicle)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, id string) (domain.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	if !ok {
		return domain.Vehicle{}, domain.ErrVehicleNotFound
	}
	return v, nil
}

// List returns vehicles newest first.
func (m *MemoryStore) List(_ context.Context) ([]domain.Vehicle, error) {
	m.mu.RLock()
	out := make([]domain.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, v domain.Vehicle) (domain.Vehicle, error) {
	m.mu.Lock()
	m.vehicles[v.ID] = v
	m.mu.Unlock()
	return v, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[id]; !ok {
		return domain.ErrVehicleNotFound
	}
	delete(m.vehicles, id)
	return nil
}

// Neo4jVehicles stores vehicles as :Vehicle nodes.
type Neo4jVehicles struct {
	repo *repo.Neo4jRepo[domain.Vehicle, string]
}

// NewNeo4jVehicles creates a vehicle store on open.
func NewNeo4jVehicles(open repo.SessionOpener) *Neo4jVehicles {
	return &Neo4jVehicles{repo: repo.NewNeo4jRepo[domain.Vehicle, string](open, "Vehicle", vehicleProps, vehicleFromRecord)}
}

var _ Store = (*Neo4jVehicles)(nil)

func vehicleProps(v domain.Vehicle) map[string]any {
	return map[string]any{
		"id":         v.ID,
		"name":       v.Name,
		"brand":      v.Brand,
		"model":      v.Model,
		"year":       v.Year,
		"mileage":    v.Mileage,
		"created_at": v.CreatedAt,
	}
}

func vehicleFromRecord(rec *neo4j.Record) (domain.Vehicle, error) {
	props, err := repo.NodeProps(rec, "n")
	if err != nil {
		return domain.Vehicle{}, err
	}
	return domain.Vehicle{
		ID:        repo.PropString(props, "id"),
		Name:      repo.PropString(props, "name"),
		Brand:     repo.PropString(props, "brand"),
		Model:     repo.PropString(props, "model"),
		Year:      int(repo.PropInt(props, "year")),
		Mileage:   int(repo.PropInt(props, "mileage")),
		CreatedAt: repo.PropTime(props, "created_at"),
	}, nil
}

func notFound(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %w", domain.ErrVehicleNotFound, err)
	}
	return err
}

func (s *Neo4jVehicles) Get(ctx context.Context, id string) (domain.Vehicle, error) {
	v, err := s.repo.Get(ctx, id)
	return v, notFound(err)
}

func (s *Neo4jVehicles) List(ctx context.Context) ([]domain.Vehicle, error) {
	return s.repo.List(ctx, repo.ListOpts{OrderBy: "created_at", Desc: true, Limit: 500})
}

func (s *Neo4jVehicles) Save(ctx context.Context, v domain.Vehicle) (domain.Vehicle, error) {
	return s.repo.Save(ctx, v)
}

// Delete removes the vehicle along with its manual record.
func (s *Neo4jVehicles) Delete(ctx context.Context, id string) error {
	if err := repo.Exec(ctx, s.open(), deleteManualCypher, map[string]any{"vehicle_id": id}); err != nil {
		return fmt.Errorf("garage: delete manual of %s: %w", id, err)
	}
	return notFound(s.repo.Delete(ctx, id))
}

func (s *Neo4jVehicles) open() repo.SessionOpener { return s.repo.Opener() }
