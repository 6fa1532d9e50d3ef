package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/wessley-companion/engine/dispatch"
	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/engine/garage"
	"github.com/WessleyAI/wessley-companion/engine/history"
	"github.com/WessleyAI/wessley-companion/engine/manual"
	"github.com/WessleyAI/wessley-companion/engine/manual/manualtest"
	"github.com/WessleyAI/wessley-companion/pkg/blob"
	"github.com/WessleyAI/wessley-companion/pkg/config"
	"github.com/WessleyAI/wessley-companion/pkg/metrics"
	"github.com/WessleyAI/wessley-companion/pkg/mid"
)

type stubBackend struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]string
}

func (b *stubBackend) Invoke(_ context.Context, name string, _ map[string]any) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, name)
	return []byte(b.replies[name]), nil
}

type testEnv struct {
	srv     *httptest.Server
	backend *stubBackend
	manuals *manual.MemoryStore
	blobs   *blob.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		backend: &stubBackend{replies: map[string]string{
			"diagnosis":        `{"sections":[{"type":"list","title":"Hipóteses","content":["Vela de ignição","Bobina de ignição"]},{"type":"checklist","title":"Checklist","content":["Verifique velas","Verifique bobinas"]}]}`,
			"obd_lookup":       `{"sections":[{"type":"text","title":"P0301","content":"Falha de ignição no cilindro 1"}],"base_used":"manual"}`,
			"maintenance_chat": `{"content":"Use óleo 5W30."}`,
		}},
		manuals: manual.NewMemoryStore(),
		blobs:   blob.NewMemoryStore(),
	}
	d := &deps{
		vehicles: garage.NewMemoryStore(),
		manuals:  env.manuals,
		blobs:    env.blobs,
		history:  history.NewMemoryStore(10),
		backend:  env.backend,
		checks:   map[string]func(context.Context) error{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.srv = httptest.NewServer(newServer(config.Default(), d, logger).handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, session string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if session != "" {
		req.Header.Set(mid.HeaderSessionID, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

func (e *testEnv) createVehicle(t *testing.T) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/vehicles", "", map[string]any{
		"name": "Civic", "brand": "Honda", "model": "EXL", "year": 2018, "current_mileage": 52000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (e *testEnv) uploadManual(t *testing.T, vehicleID, name string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.srv.URL+"/api/vehicles/"+vehicleID+"/manual", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, resp.Header.Get(mid.HeaderRequestID))
}

func TestVehicleCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/vehicles", "", map[string]any{"name": "  "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "name")

	id := env.createVehicle(t)

	resp, body = env.do(t, http.MethodGet, "/api/vehicles/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Civic", body["name"])
	require.Equal(t, "absent", body["manual_status"])
	require.ElementsMatch(t, []any{"obd_lookup", "diagnosis", "maintenance_recommendations"}, body["available_queries"])

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/vehicles", nil)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var list []domain.Vehicle
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	listResp.Body.Close()
	require.Len(t, list, 1)

	resp, _ = env.do(t, http.MethodDelete, "/api/vehicles/"+id, "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/vehicles/"+id, "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/vehicles/"+id, "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManualUploadAndGating(t *testing.T) {
	env := newTestEnv(t)
	id := env.createVehicle(t)
	ctx := context.Background()

	resp, body := env.uploadManual(t, id, "manual.txt", []byte("hello"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "not a PDF")

	resp, _ = env.do(t, http.MethodPost, "/api/vehicles/"+id+"/queries/obd_lookup", "s1", map[string]string{"input": "P0301"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Without NATS the manual is indexed in process and settles before the response.
	resp, body = env.uploadManual(t, id, "manual.pdf", manualtest.PDF(2))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "ready", body["status"])
	require.NotEmpty(t, body["download_url"])
	require.Len(t, body["available_queries"], 4)
	require.Equal(t, 1, env.blobs.Len())

	resp, body = env.do(t, http.MethodPost, "/api/vehicles/"+id+"/queries/obd_lookup", "s1", map[string]string{"input": "P0301"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc, err := env.manuals.DocumentFor(ctx, id)
	require.NoError(t, err)
	require.Equal(t, doc.ID, body["document_id"])

	// While a manual is being indexed, grounded queries wait for it.
	pending := *doc
	pending.Status = domain.StatusProcessing
	pending.UploadedAt = time.Now().UTC()
	require.NoError(t, env.manuals.Save(ctx, pending))
	calls := len(env.backend.calls)

	resp, body = env.do(t, http.MethodPost, "/api/vehicles/"+id+"/queries/diagnosis", "s1",
		map[string]string{"input": "O carro apresenta falha ao acelerar e consumo alto."})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "blocked", body["state"])
	require.Equal(t, "document_not_ready", body["reason"])
	require.NotEmpty(t, body["message"])

	resp, _ = env.uploadManual(t, id, "manual.pdf", manualtest.PDF(2))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Len(t, env.backend.calls, calls)

	// An indexer that never answers does not hold the vehicle forever.
	pending.UploadedAt = time.Now().Add(-2 * config.Default().Manual.ProcessingTimeout).UTC()
	require.NoError(t, env.manuals.Save(ctx, pending))
	resp, body = env.uploadManual(t, id, "manual.pdf", manualtest.PDF(3))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "ready", body["status"])

	resp, body = env.do(t, http.MethodGet, "/api/vehicles/"+id+"/manual", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", body["status"])
	require.Len(t, body["available_queries"], 4)
}

func TestDiagnosisQuery(t *testing.T) {
	env := newTestEnv(t)
	id := env.createVehicle(t)
	env.uploadManual(t, id, "manual.pdf", manualtest.PDF(1))
	doc, _ := env.manuals.DocumentFor(context.Background(), id)

	resp, body := env.do(t, http.MethodPost, "/api/vehicles/"+id+"/queries/diagnosis", "s1",
		map[string]string{"input": "O carro apresenta falha ao acelerar e consumo alto."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "succeeded", body["state"])
	require.Equal(t, doc.ID, body["document_id"])
	sections := body["response"].(map[string]any)["sections"].([]any)
	require.Len(t, sections, 2)
	require.Contains(t, body["markdown"], "## Hipóteses")
	require.Contains(t, body["html"], "<h2>Checklist</h2>")

	resp, body = env.do(t, http.MethodPost, "/api/vehicles/"+id+"/queries/diagnosis", "s1",
		map[string]string{"input": "faz barulho"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "invalid_input", body["reason"])

	resp, body = env.do(t, http.MethodGet, "/api/vehicles/"+id+"/history", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["entries"], 1)
	require.Equal(t, []string{"diagnosis"}, env.backend.calls)

	resp, _ = env.do(t, http.MethodGet, "/api/vehicles/"+id+"/history?limit=zero", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/vehicles/missing/queries/obd_lookup", "s1",
		map[string]string{"input": "P0301"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "blocked", body["state"])
}

func TestChatSessions(t *testing.T) {
	env := newTestEnv(t)
	id := env.createVehicle(t)
	resp, _ := env.do(t, http.MethodPost, "/api/session/navigate", "s1", map[string]string{"vehicle_id": id})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/vehicles/"+id+"/queries/maintenance_chat", "s1",
		map[string]string{"input": "Qual óleo devo usar?"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "document_required", body["reason"])

	resp, _ = env.uploadManual(t, id, "manual.pdf", manualtest.PDF(1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/vehicles/"+id+"/queries/maintenance_chat", "s1",
		map[string]string{"input": "Qual óleo devo usar?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Use óleo 5W30.", body["response"].(map[string]any)["content"])

	_, body = env.do(t, http.MethodGet, "/api/vehicles/"+id+"/chat", "s1", nil)
	require.Len(t, body["turns"], 2)

	// Sessions are isolated.
	_, body = env.do(t, http.MethodGet, "/api/vehicles/"+id+"/chat", "s2", nil)
	require.Len(t, body["turns"], 0)

	resp, _ = env.do(t, http.MethodPost, "/api/session/navigate", "s1", map[string]string{"vehicle_id": "other"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, body = env.do(t, http.MethodGet, "/api/vehicles/"+id+"/chat", "s1", nil)
	require.Len(t, body["turns"], 0)

	resp, _ = env.do(t, http.MethodPost, "/api/session/navigate", "s1", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.createVehicle(t)
	env.do(t, http.MethodPost, "/api/vehicles/"+id+"/queries/obd_lookup", "", map[string]string{"input": "p0301"})

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(data), `companion_dispatch_total{kind="obd_lookup",outcome="succeeded"} 1`)
}

func TestSessionsEvictIdle(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	reg := metrics.New()
	s := newSessions(10*time.Minute, 100, reg, func() *dispatch.Dispatcher { return dispatch.New(dispatch.Deps{}) })
	s.now = func() time.Time { return now }

	first := s.get("a")
	s.get("b")
	require.Same(t, first, s.get("a"))
	require.Equal(t, 2, s.count())

	now = now.Add(8 * time.Minute)
	s.get("a")
	now = now.Add(8 * time.Minute)
	s.get("c")
	require.Equal(t, 2, s.count(), "b idled out")
	require.Same(t, first, s.get("a"))
	require.Contains(t, reg.Render(), "companion_sessions 2")
}

func TestSessionsCapEvictsLeastRecentlyUsed(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := newSessions(time.Hour, 2, metrics.New(), func() *dispatch.Dispatcher { return dispatch.New(dispatch.Deps{}) })
	s.now = func() time.Time { return now }

	a := s.get("a")
	now = now.Add(time.Second)
	b := s.get("b")
	now = now.Add(time.Second)
	s.get("a")
	now = now.Add(time.Second)
	s.get("c")

	require.Equal(t, 2, s.count())
	require.Same(t, a, s.get("a"))
	require.NotSame(t, b, s.get("b"), "b was evicted and recreated")
}
