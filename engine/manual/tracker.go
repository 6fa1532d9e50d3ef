package manual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/pkg/natsutil"
)

var (
	ErrStaleEvent        = errors.New("manual: event for a replaced document")
	ErrInvalidTransition = errors.New("manual: invalid status transition")
)

// StatusEvent is exchanged with the external indexer: index requests go out
// in StatusProcessing, progress comes back as ready or error.
type StatusEvent struct {
	DocumentID string                `json:"document_id"`
	VehicleID  string                `json:"vehicle_id"`
	Status     domain.DocumentStatus `json:"status"`
	StorageKey string                `json:"storage_key,omitempty"`
	PageCount  int                   `json:"page_count,omitempty"`
	Error      string                `json:"error,omitempty"`
	At         time.Time             `json:"at"`
}

// Tracker applies indexer status events to the store.
type Tracker struct {
	store  Store
	logger *slog.Logger
}

// NewTracker creates a Tracker. A nil logger uses slog.Default().
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// Apply moves the vehicle's current manual to the event's status. Events for
// documents that are no longer current, or that would break the lifecycle,
// are rejected.
func (t *Tracker) Apply(ctx context.Context, ev StatusEvent) error {
	doc, err := t.store.DocumentFor(ctx, ev.VehicleID)
	if err != nil {
		return fmt.Errorf("manual: apply event: %w", err)
	}
	if doc == nil || doc.ID != ev.DocumentID {
		return ErrStaleEvent
	}
	if !domain.CanTransition(doc.Status, ev.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.Status, ev.Status)
	}
	msg := ""
	if ev.Status == domain.StatusError {
		msg = ev.Error
		if msg == "" {
			msg = "processing failed"
		}
	}
	if err := t.store.UpdateStatus(ctx, doc.ID, ev.Status, msg); err != nil {
		return fmt.Errorf("manual: apply event: %w", err)
	}
	t.logger.Info("manual status changed", "vehicle_id", ev.VehicleID, "doc_id", doc.ID, "from", doc.Status, "to", ev.Status)
	return nil
}

// Handle applies ev and logs rejections instead of returning them.
func (t *Tracker) Handle(ctx context.Context, ev StatusEvent) {
	if err := t.Apply(ctx, ev); err != nil {
		t.logger.Warn("manual status event ignored", "vehicle_id", ev.VehicleID, "doc_id", ev.DocumentID, "status", ev.Status, "err", err)
	}
}

// Subscribe feeds status events from subject into the tracker.
func (t *Tracker) Subscribe(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, subject, t.logger, t.Handle)
}

// NATSPublisher sends index requests over NATS.
type NATSPublisher struct {
	Conn    natsutil.Conn
	Subject string
}

func (p NATSPublisher) PublishIndexRequest(ctx context.Context, ev StatusEvent) error {
	return natsutil.Publish(ctx, p.Conn, p.Subject, ev)
}
