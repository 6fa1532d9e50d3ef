package manual

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/engine/manual/manualtest"
	"github.com/WessleyAI/wessley-companion/pkg/blob"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakePurger struct {
	purged []string
	err    error
}

func (f *fakePurger) DeleteByDocID(_ context.Context, docID string) error {
	f.purged = append(f.purged, docID)
	return f.err
}

type fakePublisher struct {
	events []StatusEvent
	err    error
}

func (f *fakePublisher) PublishIndexRequest(_ context.Context, ev StatusEvent) error {
	f.events = append(f.events, ev)
	return f.err
}

type failingBlobs struct{ blob.Store }

func (failingBlobs) Put(context.Context, string, io.Reader, int64, string) error {
	return errors.New("bucket unavailable")
}

func (failingBlobs) Delete(context.Context, string) error { return nil }

func newTestUploader(store Store, blobs blob.Store, opts ...UploaderOption) *Uploader {
	ids := []string{"doc-1", "doc-2", "doc-3"}
	opts = append([]UploaderOption{WithLogger(quiet)}, opts...)
	u := NewUploader(store, blobs, opts...)
	u.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	u.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	return u
}

func pdfRequest(vehicleID string) UploadRequest {
	data := manualtest.PDF(2)
	return UploadRequest{VehicleID: vehicleID, FileName: "manual.pdf", Size: int64(len(data)), Body: bytes.NewReader(data)}
}

func TestLifecycleAbsentByDefault(t *testing.T) {
	lc := NewLifecycle(NewMemoryStore())
	status, err := lc.Status(context.Background(), "v1")
	if err != nil || status != domain.StatusAbsent {
		t.Fatalf("expected absent, got %s %v", status, err)
	}
	ready, _ := lc.IsReady(context.Background(), "v1")
	if ready {
		t.Fatal("absent manual is not ready")
	}
}

func TestLifecycleReady(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, domain.ManualDocument{ID: "d", VehicleID: "v1", Status: domain.StatusReady})
	ready, err := NewLifecycle(store).IsReady(ctx, "v1")
	if err != nil || !ready {
		t.Fatalf("expected ready, got %v %v", ready, err)
	}
}

func TestUploadStoresAndPublishes(t *testing.T) {
	store := NewMemoryStore()
	blobs := blob.NewMemoryStore()
	pub := &fakePublisher{}
	u := newTestUploader(store, blobs, WithPublisher(pub))

	doc, err := u.Upload(context.Background(), pdfRequest("v1"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if doc.Status != domain.StatusProcessing || doc.PageCount != 2 || doc.ID != "doc-1" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
	if doc.StorageKey != "manuals/v1/doc-1.pdf" {
		t.Fatalf("unexpected key %s", doc.StorageKey)
	}
	if _, _, err := blobs.Get(doc.StorageKey); err != nil {
		t.Fatalf("file not stored: %v", err)
	}
	stored, _ := store.DocumentFor(context.Background(), "v1")
	if stored.Status != domain.StatusProcessing {
		t.Fatalf("store should say processing, got %s", stored.Status)
	}
	if len(pub.events) != 1 || pub.events[0].DocumentID != "doc-1" {
		t.Fatalf("unexpected events: %+v", pub.events)
	}
}

func TestUploadRejectsWhilePending(t *testing.T) {
	store := NewMemoryStore()
	u := newTestUploader(store, blob.NewMemoryStore())
	ctx := context.Background()
	if _, err := u.Upload(ctx, pdfRequest("v1")); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Upload(ctx, pdfRequest("v1")); !errors.Is(err, ErrUploadInProgress) {
		t.Fatalf("expected ErrUploadInProgress, got %v", err)
	}
}

func TestReuploadReplacesAndPurges(t *testing.T) {
	store := NewMemoryStore()
	blobs := blob.NewMemoryStore()
	purger := &fakePurger{}
	u := newTestUploader(store, blobs, WithVectorPurger(purger))
	ctx := context.Background()

	first, err := u.Upload(ctx, pdfRequest("v1"))
	if err != nil {
		t.Fatal(err)
	}
	_ = store.UpdateStatus(ctx, first.ID, domain.StatusError, "extraction failed")

	second, err := u.Upload(ctx, pdfRequest("v1"))
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("re-upload must create a new document")
	}
	if len(purger.purged) != 1 || purger.purged[0] != first.ID {
		t.Fatalf("expected purge of %s, got %v", first.ID, purger.purged)
	}
	if blobs.Len() != 1 {
		t.Fatalf("old file should be removed, have %d objects", blobs.Len())
	}
}

func TestUploadBlobFailureMarksError(t *testing.T) {
	store := NewMemoryStore()
	u := newTestUploader(store, failingBlobs{})
	doc, err := u.Upload(context.Background(), pdfRequest("v1"))
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if doc.Status != domain.StatusError {
		t.Fatalf("expected error status, got %s", doc.Status)
	}
	stored, _ := store.DocumentFor(context.Background(), "v1")
	if stored == nil || stored.Status != domain.StatusError {
		t.Fatalf("store should hold error record, got %+v", stored)
	}
}

func TestUploadRejectsInvalidFile(t *testing.T) {
	store := NewMemoryStore()
	u := newTestUploader(store, blob.NewMemoryStore())
	req := pdfRequest("v1")
	req.FileName = "manual.txt"
	if _, err := u.Upload(context.Background(), req); !errors.Is(err, ErrNotPDF) {
		t.Fatalf("expected ErrNotPDF, got %v", err)
	}
	garbage := []byte("not a pdf")
	req = UploadRequest{VehicleID: "v1", FileName: "m.pdf", Size: int64(len(garbage)), Body: bytes.NewReader(garbage)}
	if _, err := u.Upload(context.Background(), req); !errors.Is(err, ErrUnreadablePDF) {
		t.Fatalf("expected ErrUnreadablePDF, got %v", err)
	}
	if doc, _ := store.DocumentFor(context.Background(), "v1"); doc != nil {
		t.Fatal("rejected uploads must not create a record")
	}
}

func TestTrackerApply(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, domain.ManualDocument{ID: "d1", VehicleID: "v1", Status: domain.StatusProcessing})
	tr := NewTracker(store, quiet)

	if err := tr.Apply(ctx, StatusEvent{DocumentID: "old", VehicleID: "v1", Status: domain.StatusReady}); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}
	if err := tr.Apply(ctx, StatusEvent{DocumentID: "d1", VehicleID: "v1", Status: domain.StatusUploading}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := tr.Apply(ctx, StatusEvent{DocumentID: "d1", VehicleID: "v1", Status: domain.StatusReady}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	doc, _ := store.DocumentFor(ctx, "v1")
	if doc.Status != domain.StatusReady {
		t.Fatalf("expected ready, got %s", doc.Status)
	}
	if err := tr.Apply(ctx, StatusEvent{DocumentID: "d1", VehicleID: "v1", Status: domain.StatusError}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatal("ready is terminal")
	}
}

func TestTrackerErrorMessageDefault(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, domain.ManualDocument{ID: "d1", VehicleID: "v1", Status: domain.StatusProcessing})
	NewTracker(store, quiet).Handle(ctx, StatusEvent{DocumentID: "d1", VehicleID: "v1", Status: domain.StatusError})
	doc, _ := store.DocumentFor(ctx, "v1")
	if doc.Status != domain.StatusError || doc.Error != "processing failed" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
}

func TestMemoryStoreUpdateUnknown(t *testing.T) {
	err := NewMemoryStore().UpdateStatus(context.Background(), "nope", domain.StatusReady, "")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestUploadPublishFailureMarksError(t *testing.T) {
	store := NewMemoryStore()
	pub := &fakePublisher{err: errors.New("no connection")}
	u := newTestUploader(store, blob.NewMemoryStore(), WithPublisher(pub))
	ctx := context.Background()

	doc, err := u.Upload(ctx, pdfRequest("v1"))
	var te *domain.TransportError
	if !errors.As(err, &te) || te.Request != "index" {
		t.Fatalf("expected index TransportError, got %v", err)
	}
	if doc.Status != domain.StatusError || doc.Error != "index request failed" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
	stored, _ := store.DocumentFor(ctx, "v1")
	if stored == nil || stored.Status != domain.StatusError {
		t.Fatalf("store should hold error record, got %+v", stored)
	}

	pub.err = nil
	again, err := u.Upload(ctx, pdfRequest("v1"))
	if err != nil {
		t.Fatalf("upload after failed index request: %v", err)
	}
	if again.Status != domain.StatusProcessing || again.ID == doc.ID {
		t.Fatalf("unexpected retry doc: %+v", again)
	}
}

func TestUploadReplacesStalledRecord(t *testing.T) {
	store := NewMemoryStore()
	u := newTestUploader(store, blob.NewMemoryStore(), WithProcessingTimeout(time.Hour))
	ctx := context.Background()

	first, err := u.Upload(ctx, pdfRequest("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := u.Upload(ctx, pdfRequest("v1")); !errors.Is(err, ErrUploadInProgress) {
		t.Fatalf("fresh processing record should block, got %v", err)
	}

	later := first.UploadedAt.Add(2 * time.Hour)
	u.now = func() time.Time { return later }
	second, err := u.Upload(ctx, pdfRequest("v1"))
	if err != nil {
		t.Fatalf("stalled record should be replaceable: %v", err)
	}
	if second.ID == first.ID || second.Status != domain.StatusProcessing {
		t.Fatalf("unexpected replacement: %+v", second)
	}

	// A late event for the replaced document is ignored.
	err = NewTracker(store, quiet).Apply(ctx, StatusEvent{DocumentID: first.ID, VehicleID: "v1", Status: domain.StatusReady})
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}
}

func TestLocalIndexerSettlesUpload(t *testing.T) {
	store := NewMemoryStore()
	blobs := blob.NewMemoryStore()
	u := newTestUploader(store, blobs, WithPublisher(NewLocalIndexer(store, blobs, quiet)))
	ctx := context.Background()

	doc, err := u.Upload(ctx, pdfRequest("v1"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if doc.Status != domain.StatusReady || doc.PageCount != 2 {
		t.Fatalf("expected ready document, got %+v", doc)
	}
	ready, err := NewLifecycle(store).IsReady(ctx, "v1")
	if err != nil || !ready {
		t.Fatalf("lifecycle should report ready: %v %v", ready, err)
	}
}

func TestLocalIndexerRejectsCorruptFile(t *testing.T) {
	store := NewMemoryStore()
	blobs := blob.NewMemoryStore()
	ctx := context.Background()
	key := StorageKey("v1", "d1")
	_ = store.Save(ctx, domain.ManualDocument{ID: "d1", VehicleID: "v1", Status: domain.StatusProcessing, StorageKey: key})
	_ = blobs.Put(ctx, key, bytes.NewReader([]byte("garbage")), 7, "application/pdf")

	x := NewLocalIndexer(store, blobs, quiet)
	if err := x.PublishIndexRequest(ctx, StatusEvent{DocumentID: "d1", VehicleID: "v1", StorageKey: key}); err != nil {
		t.Fatalf("PublishIndexRequest: %v", err)
	}
	doc, _ := store.DocumentFor(ctx, "v1")
	if doc.Status != domain.StatusError || doc.Error != "manual could not be read" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
}

func TestLocalIndexerMissingFile(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, domain.ManualDocument{ID: "d1", VehicleID: "v1", Status: domain.StatusProcessing})

	x := NewLocalIndexer(store, blob.NewMemoryStore(), quiet)
	err := x.PublishIndexRequest(ctx, StatusEvent{DocumentID: "d1", VehicleID: "v1", StorageKey: "manuals/v1/d1.pdf"})
	if !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected blob.ErrNotFound, got %v", err)
	}
}
