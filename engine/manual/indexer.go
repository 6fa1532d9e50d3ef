package manual

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/pkg/blob"
)

// LocalIndexer settles index requests in process when no external indexer
// is connected. It re-reads the stored file and reports ready when it still
// opens as a PDF, or error otherwise. Chunking and embedding stay with the
// external indexer; manuals settled here carry no vectors.
type LocalIndexer struct {
	blobs    blob.Store
	tracker  *Tracker
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewLocalIndexer creates a LocalIndexer applying its results through store.
func NewLocalIndexer(store Store, blobs blob.Store, logger *slog.Logger) *LocalIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalIndexer{
		blobs:    blobs,
		tracker:  NewTracker(store, logger),
		maxBytes: DefaultMaxBytes,
		logger:   logger,
		now:      time.Now,
	}
}

// PublishIndexRequest indexes ev synchronously. It returns an error only when
// the stored file cannot be read or the result cannot be recorded.
func (x *LocalIndexer) PublishIndexRequest(ctx context.Context, ev StatusEvent) error {
	data, err := x.read(ctx, ev.StorageKey)
	if err != nil {
		return fmt.Errorf("manual: local index %s: %w", ev.DocumentID, err)
	}

	result := StatusEvent{
		DocumentID: ev.DocumentID,
		VehicleID:  ev.VehicleID,
		Status:     domain.StatusReady,
		StorageKey: ev.StorageKey,
		At:         x.now().UTC(),
	}
	pages, err := countPages(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		result.Status = domain.StatusError
		result.Error = "manual could not be read"
		x.logger.Warn("manual: local index rejected file", "doc_id", ev.DocumentID, "err", err)
	}
	result.PageCount = pages

	if err := x.tracker.Apply(ctx, result); err != nil {
		return fmt.Errorf("manual: local index %s: %w", ev.DocumentID, err)
	}
	return nil
}

func (x *LocalIndexer) read(ctx context.Context, key string) ([]byte, error) {
	rc, err := x.blobs.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, x.maxBytes+1))
}
