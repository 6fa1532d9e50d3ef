package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-companion/engine/dispatch"
	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/engine/garage"
	"github.com/WessleyAI/wessley-companion/engine/manual"
	"github.com/WessleyAI/wessley-companion/engine/query"
	"github.com/WessleyAI/wessley-companion/engine/response"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Health ---

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.deps.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Vehicles ---

// vehicleInput is the JSON body for POST /api/vehicles.
type vehicleInput struct {
	Name    string `json:"name"`
	Brand   string `json:"brand"`
	Model   string `json:"model"`
	Year    int    `json:"year"`
	Mileage int    `json:"current_mileage"`
}

// vehicleView is a vehicle with its manual state.
type vehicleView struct {
	domain.Vehicle
	ManualStatus domain.DocumentStatus `json:"manual_status"`
	Available    []domain.QueryKind    `json:"available_queries"`
}

func (s *server) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	var in vehicleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	v, err := garage.Register(r.Context(), s.deps.vehicles, domain.Vehicle{
		Name:    in.Name,
		Brand:   in.Brand,
		Model:   in.Model,
		Year:    in.Year,
		Mileage: in.Mileage,
	}, s.now())
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	case err != nil:
		s.logger.Error("register vehicle failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.deps.vehicles.List(r.Context())
	if err != nil {
		s.logger.Error("list vehicles failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if vehicles == nil {
		vehicles = []domain.Vehicle{}
	}
	writeJSON(w, http.StatusOK, vehicles)
}

// vehicle loads the path vehicle, writing the error response when it fails.
func (s *server) vehicle(w http.ResponseWriter, r *http.Request) (domain.Vehicle, bool) {
	v, err := s.deps.vehicles.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrVehicleNotFound):
		writeError(w, http.StatusNotFound, "vehicle not found")
		return v, false
	case err != nil:
		s.logger.Error("get vehicle failed", "vehicle_id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return v, false
	}
	return v, true
}

func (s *server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	v, ok := s.vehicle(w, r)
	if !ok {
		return
	}
	doc, err := s.lifecycle.Document(r.Context(), v.ID)
	if err != nil {
		s.logger.Error("load manual failed", "vehicle_id", v.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, vehicleView{
		Vehicle:      v,
		ManualStatus: domain.StatusOf(doc),
		Available:    nonNilKinds(query.Available(doc)),
	})
}

func (s *server) handleDeleteVehicle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	doc, err := s.lifecycle.Document(ctx, id)
	if err != nil {
		s.logger.Error("load manual failed", "vehicle_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := s.deps.vehicles.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrVehicleNotFound) {
			writeError(w, http.StatusNotFound, "vehicle not found")
			return
		}
		s.logger.Error("delete vehicle failed", "vehicle_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// The vehicle is gone; leftovers are cleaned up best effort.
	if err := s.deps.manuals.Remove(ctx, id); err != nil {
		s.logger.Warn("remove manual record failed", "vehicle_id", id, "err", err)
	}
	if doc != nil && doc.StorageKey != "" {
		if err := s.deps.blobs.Delete(ctx, doc.StorageKey); err != nil {
			s.logger.Warn("delete manual file failed", "vehicle_id", id, "key", doc.StorageKey, "err", err)
		}
	}
	if s.deps.vectors != nil {
		if err := s.deps.vectors.DeleteByVehicle(ctx, id); err != nil {
			s.logger.Warn("purge manual chunks failed", "vehicle_id", id, "err", err)
		}
	}
	if err := s.deps.history.Clear(ctx, id); err != nil {
		s.logger.Warn("clear history failed", "vehicle_id", id, "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNilKinds(kinds []domain.QueryKind) []domain.QueryKind {
	if kinds == nil {
		return []domain.QueryKind{}
	}
	return kinds
}

// --- Manual ---

// manualView is the JSON response for the manual endpoints.
type manualView struct {
	Status      domain.DocumentStatus  `json:"status"`
	Document    *domain.ManualDocument `json:"document"`
	Available   []domain.QueryKind     `json:"available_queries"`
	DownloadURL string                 `json:"download_url,omitempty"`
}

func (s *server) manualView(ctx context.Context, doc *domain.ManualDocument) manualView {
	view := manualView{
		Status:    domain.StatusOf(doc),
		Document:  doc,
		Available: nonNilKinds(query.Available(doc)),
	}
	if doc != nil && doc.StorageKey != "" && doc.Status != domain.StatusUploading {
		url, err := s.deps.blobs.PresignGet(ctx, doc.StorageKey, manualLinkTTL)
		if err != nil {
			s.logger.Warn("presign manual failed", "doc_id", doc.ID, "err", err)
		} else {
			view.DownloadURL = url
		}
	}
	return view
}

func (s *server) handleGetManual(w http.ResponseWriter, r *http.Request) {
	v, ok := s.vehicle(w, r)
	if !ok {
		return
	}
	doc, err := s.lifecycle.Document(r.Context(), v.ID)
	if err != nil {
		s.logger.Error("load manual failed", "vehicle_id", v.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, s.manualView(r.Context(), doc))
}

func (s *server) handleUploadManual(w http.ResponseWriter, r *http.Request) {
	v, ok := s.vehicle(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	doc, err := s.uploader.Upload(r.Context(), manual.UploadRequest{
		VehicleID: v.ID,
		FileName:  header.Filename,
		Size:      header.Size,
		Body:      file,
	})
	var ve *domain.ValidationError
	var te *domain.TransportError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.manualView(r.Context(), &doc))
	case errors.Is(err, manual.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, manual.ErrUploadInProgress):
		writeError(w, http.StatusConflict, "a manual upload is already in progress for this vehicle")
	case errors.As(err, &te):
		s.logger.Error("manual upload failed", "vehicle_id", v.ID, "err", err)
		writeError(w, http.StatusBadGateway, "the manual could not be stored, please try again")
	default:
		s.logger.Error("manual upload failed", "vehicle_id", v.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// --- Queries ---

// queryInput is the JSON body for POST /api/vehicles/{id}/queries/{kind}.
type queryInput struct {
	Input string `json:"input"`
}

// outcomeView is the JSON response for a dispatched query.
type outcomeView struct {
	State      dispatch.State      `json:"state"`
	Kind       domain.QueryKind    `json:"kind"`
	VehicleID  string              `json:"vehicle_id"`
	DocumentID string              `json:"document_id,omitempty"`
	Reason     domain.GatingReason `json:"reason,omitempty"`
	Message    string              `json:"message,omitempty"`
	Response   response.Payload    `json:"response,omitempty"`
	Markdown   string              `json:"markdown,omitempty"`
	HTML       string              `json:"html,omitempty"`
	DurationMS int64               `json:"duration_ms"`
}

func outcomeStatus(out dispatch.Outcome) int {
	switch out.State {
	case dispatch.StateSucceeded:
		return http.StatusOK
	case dispatch.StateFailed:
		return http.StatusBadGateway
	case dispatch.StateDiscarded:
		return http.StatusConflict
	}
	if errors.Is(out.Err, domain.ErrVehicleNotFound) {
		return http.StatusNotFound
	}
	if reason, _ := domain.GatingReasonOf(out.Err); reason == domain.ReasonInvalidInput {
		return http.StatusUnprocessableEntity
	}
	return http.StatusConflict
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var in queryInput
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	d := s.sessions.forRequest(r)
	out := d.Dispatch(r.Context(), domain.QueryKind(r.PathValue("kind")), r.PathValue("id"), in.Input)

	view := outcomeView{
		State:      out.State,
		Kind:       out.Kind,
		VehicleID:  out.VehicleID,
		DocumentID: out.DocumentID,
		Message:    out.Message(),
		DurationMS: out.Duration.Milliseconds(),
	}
	view.Reason, _ = domain.GatingReasonOf(out.Err)
	if out.OK() {
		view.Response = out.Payload
		view.Markdown = response.Markdown(out.Payload)
		html, err := response.HTML(out.Payload)
		if err != nil {
			s.logger.Warn("render html failed", "kind", out.Kind, "err", err)
		}
		view.HTML = html
	}
	writeJSON(w, outcomeStatus(out), view)
}

// --- Chat, history, navigation ---

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	turns := s.sessions.forRequest(r).Session().TurnsFor(r.PathValue("id"))
	if turns == nil {
		turns = []domain.ChatTurn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicle_id": r.PathValue("id"), "turns": turns})
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Query.HistoryEntries
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, limit)
	}
	entries, err := s.deps.history.List(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.logger.Error("list history failed", "vehicle_id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicle_id": r.PathValue("id"), "entries": entries})
}

// navigateInput is the JSON body for POST /api/session/navigate.
type navigateInput struct {
	VehicleID string `json:"vehicle_id"`
}

func (s *server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var in navigateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	in.VehicleID = strings.TrimSpace(in.VehicleID)
	if in.VehicleID == "" {
		writeError(w, http.StatusBadRequest, "vehicle_id is required")
		return
	}
	s.sessions.forRequest(r).Navigate(in.VehicleID)
	w.WriteHeader(http.StatusNoContent)
}
