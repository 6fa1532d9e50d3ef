package manual

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/pkg/blob"
)

// ErrUploadInProgress is returned while the vehicle's manual is still uploading or processing.
var ErrUploadInProgress = errors.New("manual: upload already in progress")

// VectorPurger removes indexed chunks of a replaced manual.
type VectorPurger interface {
	DeleteByDocID(ctx context.Context, docID string) error
}

// EventPublisher announces stored manuals to the indexer.
type EventPublisher interface {
	PublishIndexRequest(ctx context.Context, ev StatusEvent) error
}

// UploadRequest is one manual file handed in by a user.
type UploadRequest struct {
	VehicleID string
	FileName  string
	Size      int64
	Body      io.ReaderAt
}

// Uploader validates, stores and registers manual uploads.
type Uploader struct {
	store     Store
	blobs     blob.Store
	purger    VectorPurger
	publisher EventPublisher
	maxBytes  int64
	abandon   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu      sync.Mutex
	running map[string]bool
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithVectorPurger purges the previous manual's chunks on re-upload.
func WithVectorPurger(p VectorPurger) UploaderOption {
	return func(u *Uploader) { u.purger = p }
}

// WithPublisher announces stored manuals for indexing.
func WithPublisher(p EventPublisher) UploaderOption {
	return func(u *Uploader) { u.publisher = p }
}

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.maxBytes = n
		}
	}
}

// WithProcessingTimeout lets a new upload replace a record that has been
// uploading or processing for longer than d. Zero keeps pending records until
// the indexer settles them.
func WithProcessingTimeout(d time.Duration) UploaderOption {
	return func(u *Uploader) { u.abandon = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) UploaderOption {
	return func(u *Uploader) { u.logger = l }
}

// NewUploader creates an Uploader.
func NewUploader(store Store, blobs blob.Store, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		store:    store,
		blobs:    blobs,
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		running:  make(map[string]bool),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// StorageKey is the object key of a manual file.
func StorageKey(vehicleID, docID string) string {
	return fmt.Sprintf("manuals/%s/%s.pdf", vehicleID, docID)
}

// Upload stores a new manual for the vehicle, replacing any previous one.
// On success the returned document is in StatusProcessing, or already
// settled when the publisher indexes in process. When the bytes cannot be
// stored or the index request cannot be sent, the record is left in
// StatusError so the user can upload again.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (domain.ManualDocument, error) {
	if err := checkFile(req.FileName, req.Size, u.maxBytes); err != nil {
		return domain.ManualDocument{}, err
	}
	pages, err := countPages(req.Body, req.Size)
	if err != nil {
		return domain.ManualDocument{}, domain.NewValidationError("file", req.FileName, err)
	}

	if !u.acquire(req.VehicleID) {
		return domain.ManualDocument{}, ErrUploadInProgress
	}
	defer u.release(req.VehicleID)

	prev, err := u.store.DocumentFor(ctx, req.VehicleID)
	if err != nil {
		return domain.ManualDocument{}, fmt.Errorf("manual: upload: load current: %w", err)
	}
	if prev != nil && prev.Status.Pending() {
		if !u.abandoned(*prev) {
			return domain.ManualDocument{}, ErrUploadInProgress
		}
		u.logger.Warn("manual: replacing stalled upload", "vehicle_id", req.VehicleID, "doc_id", prev.ID,
			"status", prev.Status, "uploaded_at", prev.UploadedAt)
	}

	id := u.newID()
	doc := domain.ManualDocument{
		ID:            id,
		VehicleID:     req.VehicleID,
		Status:        domain.StatusUploading,
		FileName:      req.FileName,
		FileSizeBytes: req.Size,
		PageCount:     pages,
		StorageKey:    StorageKey(req.VehicleID, id),
		UploadedAt:    u.now().UTC(),
	}
	if err := u.store.Save(ctx, doc); err != nil {
		return domain.ManualDocument{}, fmt.Errorf("manual: upload: save: %w", err)
	}
	if prev != nil {
		u.discard(ctx, *prev)
	}

	body := io.NewSectionReader(req.Body, 0, req.Size)
	if err := u.blobs.Put(ctx, doc.StorageKey, body, req.Size, "application/pdf"); err != nil {
		return u.fail(ctx, doc, "upload failed", &domain.TransportError{Request: "blob", Err: err})
	}

	if err := u.store.UpdateStatus(ctx, id, domain.StatusProcessing, ""); err != nil {
		return doc, fmt.Errorf("manual: upload: mark processing: %w", err)
	}
	doc.Status = domain.StatusProcessing

	if u.publisher != nil {
		ev := StatusEvent{
			DocumentID: id,
			VehicleID:  req.VehicleID,
			Status:     domain.StatusProcessing,
			StorageKey: doc.StorageKey,
			PageCount:  pages,
			At:         u.now().UTC(),
		}
		if err := u.publisher.PublishIndexRequest(ctx, ev); err != nil {
			return u.fail(ctx, doc, "index request failed", &domain.TransportError{Request: "index", Err: err})
		}
		if cur, err := u.store.DocumentFor(ctx, req.VehicleID); err == nil && cur != nil && cur.ID == id {
			doc = *cur
		}
	}
	u.logger.Info("manual stored", "vehicle_id", req.VehicleID, "doc_id", id, "pages", pages, "bytes", req.Size)
	return doc, nil
}

// fail moves doc to StatusError with msg and returns cause.
func (u *Uploader) fail(ctx context.Context, doc domain.ManualDocument, msg string, cause error) (domain.ManualDocument, error) {
	doc.Status = domain.StatusError
	doc.Error = msg
	if err := u.store.UpdateStatus(ctx, doc.ID, domain.StatusError, msg); err != nil {
		u.logger.Error("manual: mark upload failed", "doc_id", doc.ID, "err", err)
	}
	u.logger.Warn("manual upload failed", "vehicle_id", doc.VehicleID, "doc_id", doc.ID, "reason", msg, "err", cause)
	return doc, cause
}

func (u *Uploader) abandoned(doc domain.ManualDocument) bool {
	return u.abandon > 0 && !doc.UploadedAt.IsZero() && u.now().Sub(doc.UploadedAt) > u.abandon
}

// discard cleans up after a replaced manual. Failures are logged only.
func (u *Uploader) discard(ctx context.Context, prev domain.ManualDocument) {
	if u.purger != nil {
		if err := u.purger.DeleteByDocID(ctx, prev.ID); err != nil {
			u.logger.Warn("manual: purge previous chunks", "doc_id", prev.ID, "err", err)
		}
	}
	if prev.StorageKey != "" {
		if err := u.blobs.Delete(ctx, prev.StorageKey); err != nil {
			u.logger.Warn("manual: delete previous file", "key", prev.StorageKey, "err", err)
		}
	}
}

func (u *Uploader) acquire(vehicleID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running[vehicleID] {
		return false
	}
	u.running[vehicleID] = true
	return true
}

func (u *Uploader) release(vehicleID string) {
	u.mu.Lock()
	delete(u.running, vehicleID)
	u.mu.Unlock()
}
