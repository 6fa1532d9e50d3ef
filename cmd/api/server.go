package main

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-companion/engine/dispatch"
	"github.com/WessleyAI/wessley-companion/engine/manual"
	"github.com/WessleyAI/wessley-companion/engine/query"
	"github.com/WessleyAI/wessley-companion/engine/response"
	"github.com/WessleyAI/wessley-companion/pkg/config"
	"github.com/WessleyAI/wessley-companion/pkg/metrics"
	"github.com/WessleyAI/wessley-companion/pkg/mid"
)

// manualLinkTTL is how long a manual download link stays valid.
const manualLinkTTL = 15 * time.Minute

// defaultSession serves requests without an X-Session-ID header.
const defaultSession = "default"

type server struct {
	cfg       config.Config
	logger    *slog.Logger
	deps      *deps
	lifecycle *manual.Lifecycle
	uploader  *manual.Uploader
	metrics   *metrics.Registry
	sessions  *sessions
	now       func() time.Time
}

func newServer(cfg config.Config, d *deps, logger *slog.Logger) *server {
	reg := d.metrics
	if reg == nil {
		reg = metrics.New()
	}
	lifecycle := manual.NewLifecycle(d.manuals)
	builder := query.NewBuilder(cfg.Query.ChatHistoryTurns)
	parser := response.NewParser(logger)

	opts := []manual.UploaderOption{
		manual.WithMaxBytes(cfg.Manual.MaxBytes),
		manual.WithProcessingTimeout(cfg.Manual.ProcessingTimeout),
		manual.WithPublisher(indexPublisher(cfg, d, logger)),
		manual.WithLogger(logger),
	}
	if d.vectors != nil {
		opts = append(opts, manual.WithVectorPurger(d.vectors))
	}

	return &server{
		cfg:       cfg,
		logger:    logger,
		deps:      d,
		lifecycle: lifecycle,
		uploader:  manual.NewUploader(d.manuals, d.blobs, opts...),
		metrics:   reg,
		sessions: newSessions(cfg.HTTP.SessionIdleTimeout, cfg.HTTP.MaxSessions, reg, func() *dispatch.Dispatcher {
			return dispatch.New(dispatch.Deps{
				Vehicles:  d.vehicles,
				Documents: lifecycle,
				Builder:   builder,
				Backend:   d.backend,
				Parser:    parser,
				History:   d.history,
				Metrics:   reg,
				Logger:    logger,
			})
		}),
		now: time.Now,
	}
}

// indexPublisher sends uploaded manuals to the external indexer over NATS,
// or indexes them in process when NATS is not configured.
func indexPublisher(cfg config.Config, d *deps, logger *slog.Logger) manual.EventPublisher {
	if d.nc != nil {
		return manual.NATSPublisher{Conn: d.nc, Subject: cfg.Manual.IndexSubject}
	}
	return manual.NewLocalIndexer(d.manuals, d.blobs, logger)
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/vehicles", s.handleCreateVehicle)
	mux.HandleFunc("GET /api/vehicles", s.handleListVehicles)
	mux.HandleFunc("GET /api/vehicles/{id}", s.handleGetVehicle)
	mux.HandleFunc("DELETE /api/vehicles/{id}", s.handleDeleteVehicle)

	mux.HandleFunc("GET /api/vehicles/{id}/manual", s.handleGetManual)
	mux.HandleFunc("POST /api/vehicles/{id}/manual", s.handleUploadManual)

	mux.HandleFunc("POST /api/vehicles/{id}/queries/{kind}", s.handleQuery)
	mux.HandleFunc("GET /api/vehicles/{id}/chat", s.handleChat)
	mux.HandleFunc("GET /api/vehicles/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /api/session/navigate", s.handleNavigate)

	mux.Handle("GET /metrics", s.metrics.Handler())

	return mid.Chain(mux,
		mid.Recover(s.logger),
		mid.RequestID(),
		mid.Logger(s.logger),
		mid.CORS(s.cfg.HTTP.CORSOrigin),
		mid.BodyLimit(s.cfg.HTTP.MaxBodyBytes),
		mid.OTel(s.cfg.Service.Name),
	)
}

// sessions holds one dispatcher per client session; navigating in one
// session never discards answers in another. Sessions idle longer than idle
// are swept, and the least recently used one makes room once limit is reached.
// Sessions with a query in flight are never evicted.
type sessions struct {
	mu        sync.Mutex
	byID      map[string]*sessionEntry
	create    func() *dispatch.Dispatcher
	idle      time.Duration
	limit     int
	lastSweep time.Time
	live      *metrics.Gauge
	now       func() time.Time
}

type sessionEntry struct {
	d        *dispatch.Dispatcher
	lastUsed time.Time
}

func newSessions(idle time.Duration, limit int, reg *metrics.Registry, mk func() *dispatch.Dispatcher) *sessions {
	return &sessions{
		byID:   make(map[string]*sessionEntry),
		create: mk,
		idle:   idle,
		limit:  limit,
		live:   reg.Gauge("companion_sessions", "Client sessions holding a dispatcher."),
		now:    time.Now,
	}
}

func (s *sessions) get(id string) *dispatch.Dispatcher {
	if id == "" {
		id = defaultSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) >= s.idle/2 {
		s.sweep(now)
	}
	e, ok := s.byID[id]
	if !ok {
		if len(s.byID) >= s.limit {
			s.evictOldest()
		}
		e = &sessionEntry{d: s.create()}
		s.byID[id] = e
	}
	e.lastUsed = now
	s.live.Set(int64(len(s.byID)))
	return e.d
}

// sweep drops idle sessions. Callers hold mu.
func (s *sessions) sweep(now time.Time) {
	s.lastSweep = now
	for id, e := range s.byID {
		if now.Sub(e.lastUsed) > s.idle && !e.d.Busy() {
			delete(s.byID, id)
		}
	}
}

// evictOldest drops the least recently used idle session. Callers hold mu.
func (s *sessions) evictOldest() {
	var oldest string
	var at time.Time
	for id, e := range s.byID {
		if e.d.Busy() {
			continue
		}
		if oldest == "" || e.lastUsed.Before(at) {
			oldest, at = id, e.lastUsed
		}
	}
	if oldest != "" {
		delete(s.byID, oldest)
	}
}

func (s *sessions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *sessions) forRequest(r *http.Request) *dispatch.Dispatcher {
	return s.get(r.Header.Get(mid.HeaderSessionID))
}
