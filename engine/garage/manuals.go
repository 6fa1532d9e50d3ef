package garage

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/engine/manual"
	"github.com/WessleyAI/wessley-companion/pkg/repo"
)

const (
	documentForCypher = `MATCH (:Vehicle {id: $vehicle_id})-[:HAS_MANUAL]->(d:ManualDocument) RETURN d LIMIT 1`

	saveManualCypher = `MATCH (v:Vehicle {id: $vehicle_id})
	                    OPTIONAL MATCH (v)-[:HAS_MANUAL]->(old:ManualDocument)
	                    DETACH DELETE old
	                    WITH DISTINCT v
	                    CREATE (v)-[:HAS_MANUAL]->(d:ManualDocument)
	                    SET d = $props
	                    RETURN d`

	updateStatusCypher = `MATCH (d:ManualDocument {id: $id}) SET d.status = $status, d.error = $error RETURN d`

	deleteManualCypher = `MATCH (:Vehicle {id: $vehicle_id})-[:HAS_MANUAL]->(d:ManualDocument) DETACH DELETE d`
)

// Neo4jManuals implements manual.Store on the vehicle graph.
type Neo4jManuals struct {
	open repo.SessionOpener
}

// NewNeo4jManuals creates a manual store on open.
func NewNeo4jManuals(open repo.SessionOpener) *Neo4jManuals {
	return &Neo4jManuals{open: open}
}

var _ manual.Store = (*Neo4jManuals)(nil)

func manualProps(d domain.ManualDocument) map[string]any {
	return map[string]any{
		"id":          d.ID,
		"vehicle_id":  d.VehicleID,
		"status":      string(d.Status),
		"file_name":   d.FileName,
		"file_size":   d.FileSizeBytes,
		"page_count":  d.PageCount,
		"storage_key": d.StorageKey,
		"error":       d.Error,
		"uploaded_at": d.UploadedAt,
	}
}

func manualFromRecord(rec *neo4j.Record) (domain.ManualDocument, error) {
	props, err := repo.NodeProps(rec, "d")
	if err != nil {
		return domain.ManualDocument{}, err
	}
	status := domain.DocumentStatus(repo.PropString(props, "status"))
	if !status.Stored() {
		return domain.ManualDocument{}, fmt.Errorf("garage: manual %s has invalid status %q", repo.PropString(props, "id"), status)
	}
	return domain.ManualDocument{
		ID:            repo.PropString(props, "id"),
		VehicleID:     repo.PropString(props, "vehicle_id"),
		Status:        status,
		FileName:      repo.PropString(props, "file_name"),
		FileSizeBytes: repo.PropInt(props, "file_size"),
		PageCount:     int(repo.PropInt(props, "page_count")),
		StorageKey:    repo.PropString(props, "storage_key"),
		Error:         repo.PropString(props, "error"),
		UploadedAt:    repo.PropTime(props, "uploaded_at"),
	}, nil
}

func (s *Neo4jManuals) DocumentFor(ctx context.Context, vehicleID string) (*domain.ManualDocument, error) {
	doc, err := repo.Single(ctx, s.open, documentForCypher, map[string]any{"vehicle_id": vehicleID}, manualFromRecord)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("garage: manual for %s: %w", vehicleID, err)
	}
	return &doc, nil
}

// Save replaces the vehicle's manual node. The vehicle must exist.
func (s *Neo4jManuals) Save(ctx context.Context, doc domain.ManualDocument) error {
	_, err := repo.Single(ctx, s.open, saveManualCypher,
		map[string]any{"vehicle_id": doc.VehicleID, "props": manualProps(doc)}, manualFromRecord)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("garage: save manual: %w", domain.ErrVehicleNotFound)
	}
	if err != nil {
		return fmt.Errorf("garage: save manual: %w", err)
	}
	return nil
}

func (s *Neo4jManuals) UpdateStatus(ctx context.Context, docID string, status domain.DocumentStatus, errMsg string) error {
	_, err := repo.Single(ctx, s.open, updateStatusCypher,
		map[string]any{"id": docID, "status": string(status), "error": errMsg}, manualFromRecord)
	if errors.Is(err, repo.ErrNotFound) {
		return manual.ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("garage: update manual %s: %w", docID, err)
	}
	return nil
}

func (s *Neo4jManuals) Remove(ctx context.Context, vehicleID string) error {
	if err := repo.Exec(ctx, s.open, deleteManualCypher, map[string]any{"vehicle_id": vehicleID}); err != nil {
		return fmt.Errorf("garage: remove manual of %s: %w", vehicleID, err)
	}
	return nil
}
