// Package dispatch runs grounded queries against the AI backend: one request
// in flight per vehicle and kind, gating before any network call, and
// responses dropped once the user has navigated elsewhere.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/WessleyAI/wessley-companion/engine/chat"
	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/engine/history"
	"github.com/WessleyAI/wessley-companion/engine/query"
	"github.com/WessleyAI/wessley-companion/engine/response"
	"github.com/WessleyAI/wessley-companion/pkg/fn"
	"github.com/WessleyAI/wessley-companion/pkg/metrics"
)

// VehicleReader looks up vehicles.
type VehicleReader interface {
	Get(ctx context.Context, id string) (domain.Vehicle, error)
}

// DocumentSource reports a vehicle's manual record, nil when absent.
type DocumentSource interface {
	Document(ctx context.Context, vehicleID string) (*domain.ManualDocument, error)
}

// Backend invokes a named AI handler and returns its raw data.
type Backend interface {
	Invoke(ctx context.Context, name string, body map[string]any) ([]byte, error)
}

// Deps are the collaborators of a Dispatcher. History, Metrics and Logger are optional.
type Deps struct {
	Vehicles  VehicleReader
	Documents DocumentSource
	Builder   *query.Builder
	Backend   Backend
	Parser    *response.Parser
	Session   *chat.Session
	History   history.Store
	Metrics   *metrics.Registry
	Logger    *slog.Logger
}

type flightKey struct {
	vehicleID string
	kind      domain.QueryKind
}

// Dispatcher serves one user session.
type Dispatcher struct {
	deps Deps

	mu       sync.Mutex
	inflight map[flightKey]struct{}

	// navMu orders Navigate against the commit step of in-flight dispatches.
	navMu      sync.RWMutex
	generation atomic.Uint64
	current    string

	inflightGauge *metrics.Gauge

	now   func() time.Time
	newID func() string
}

// New creates a Dispatcher.
func New(deps Deps) *Dispatcher {
	if deps.Builder == nil {
		deps.Builder = query.NewBuilder(query.DefaultHistoryLimit)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Parser == nil {
		deps.Parser = response.NewParser(deps.Logger)
	}
	if deps.Session == nil {
		deps.Session = chat.NewSession()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Dispatcher{
		deps:          deps,
		inflight:      make(map[flightKey]struct{}),
		inflightGauge: deps.Metrics.Gauge("companion_dispatch_inflight", "Queries waiting on the AI backend."),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Session returns the chat session the dispatcher appends to.
func (d *Dispatcher) Session() *chat.Session { return d.deps.Session }

// Current returns the vehicle last navigated to.
func (d *Dispatcher) Current() string {
	d.navMu.RLock()
	defer d.navMu.RUnlock()
	return d.current
}

// Navigate records that the user is now looking at vehicleID. Responses to
// queries started before the call are discarded, and leaving a vehicle
// clears its chat transcript.
func (d *Dispatcher) Navigate(vehicleID string) {
	d.navMu.Lock()
	defer d.navMu.Unlock()
	d.generation.Add(1)
	if d.current != "" && d.current != vehicleID {
		d.deps.Session.Reset(d.current)
	}
	d.current = vehicleID
}

// Pending reports whether a query of kind is in flight for vehicleID.
func (d *Dispatcher) Pending(vehicleID string, kind domain.QueryKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[flightKey{vehicleID, kind}]
	return ok
}

// Busy reports whether any query is in flight.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight) > 0
}

func (d *Dispatcher) acquire(k flightKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[k]; busy {
		return false
	}
	d.inflight[k] = struct{}{}
	return true
}

func (d *Dispatcher) release(k flightKey) {
	d.mu.Lock()
	delete(d.inflight, k)
	d.mu.Unlock()
}

// Dispatch runs one query and reports its outcome. It never panics and
// makes at most one backend call.
func (d *Dispatcher) Dispatch(ctx context.Context, kind domain.QueryKind, vehicleID, input string) (out Outcome) {
	start := d.now()
	gen := d.generation.Load()
	out = Outcome{Kind: kind, VehicleID: vehicleID}

	defer func() {
		if r := recover(); r != nil {
			d.deps.Logger.Error("dispatch panic", "kind", kind, "vehicle", vehicleID, "panic", r)
			out.State, out.Payload = StateFailed, nil
			out.Err = fmt.Errorf("dispatch: %s: panic: %v", kind, r)
		}
		out.Duration = d.now().Sub(start)
		d.deps.Metrics.Counter("companion_dispatch_total", "Dispatched queries by kind and outcome.",
			"kind", string(kind), "outcome", string(out.State)).Inc()
		d.logOutcome(out)
	}()

	key := flightKey{vehicleID, kind}
	if !d.acquire(key) {
		return blocked(out, domain.ErrAlreadyPending)
	}
	defer d.release(key)

	req, err := d.build(ctx, kind, vehicleID, input)
	if err != nil {
		var ge *domain.GatingError
		if errors.As(err, &ge) {
			return blocked(out, err)
		}
		out.State, out.Err = StateFailed, err
		return out
	}
	out.DocumentID = req.DocumentID

	payload, err := d.call(ctx, req)

	out.State, out.Err = d.settle(gen, req, payload, err)
	if out.State != StateSucceeded {
		return out
	}
	d.record(ctx, req, payload)
	out.Payload = payload
	return out
}

// settle decides under navMu whether a resolved call still belongs to the
// vehicle in view, and appends chat exchanges before Navigate can reset them.
// A call is stale when the user navigated after it started, or when it was
// made for a vehicle other than the current one.
func (d *Dispatcher) settle(gen uint64, req query.Request, payload response.Payload, err error) (State, error) {
	d.navMu.RLock()
	defer d.navMu.RUnlock()
	if d.generation.Load() != gen || (d.current != "" && d.current != req.VehicleID) {
		return StateDiscarded, domain.ErrStaleResponse
	}
	if err != nil {
		return StateFailed, err
	}
	if req.Kind == domain.KindMaintenanceChat {
		d.appendExchange(req.VehicleID, req.Input, payload)
	}
	return StateSucceeded, nil
}

func blocked(out Outcome, err error) Outcome {
	out.State, out.Err = StateBlocked, err
	return out
}

// build loads the request context and applies gating.
func (d *Dispatcher) build(ctx context.Context, kind domain.QueryKind, vehicleID, input string) (query.Request, error) {
	if !kind.Valid() {
		return query.Request{}, domain.NewGatingError(kind, domain.ReasonInvalidInput, domain.ErrUnknownKind)
	}
	vehicle, err := d.deps.Vehicles.Get(ctx, vehicleID)
	if errors.Is(err, domain.ErrVehicleNotFound) {
		return query.Request{}, domain.NewGatingError(kind, domain.ReasonInvalidInput, err)
	}
	if err != nil {
		return query.Request{}, &domain.TransportError{Request: "vehicles", Err: err}
	}
	doc, err := d.deps.Documents.Document(ctx, vehicleID)
	if err != nil {
		return query.Request{}, &domain.TransportError{Request: "documents", Err: err}
	}

	qc := query.Context{Vehicle: vehicle, Document: doc}
	if kind == domain.KindMaintenanceChat {
		qc.History = d.deps.Session.TurnsFor(vehicleID)
	}
	return d.deps.Builder.Build(kind, qc, input)
}

func (d *Dispatcher) call(ctx context.Context, req query.Request) (response.Payload, error) {
	d.inflightGauge.Inc()
	defer d.inflightGauge.Dec()
	return d.pipeline(req)(ctx, req).Unwrap()
}

// pipeline is invoke then parse, each traced.
func (d *Dispatcher) pipeline(req query.Request) fn.Stage[query.Request, response.Payload] {
	attrs := []attribute.KeyValue{
		attribute.String("query.kind", string(req.Kind)),
		attribute.String("vehicle.id", req.VehicleID),
	}
	latency := d.deps.Metrics.Histogram("companion_backend_latency_seconds",
		"AI backend call latency.", metrics.LatencyBuckets, "kind", string(req.Kind))

	invoke := fn.StageFunc(func(ctx context.Context, r query.Request) ([]byte, error) {
		body, err := r.Body()
		if err != nil {
			return nil, err
		}
		started := d.now()
		raw, err := d.deps.Backend.Invoke(ctx, r.Name, body)
		latency.Observe(d.now().Sub(started).Seconds())
		if err != nil {
			var te *domain.TransportError
			if !errors.As(err, &te) {
				err = &domain.TransportError{Request: r.Name, Err: err}
			}
			return nil, err
		}
		return raw, nil
	})
	parse := fn.StageFunc(func(_ context.Context, raw []byte) (response.Payload, error) {
		return d.deps.Parser.Parse(raw)
	})

	return fn.Then(
		fn.TracedStage("dispatch.invoke", invoke, attrs...),
		fn.TracedStage("dispatch.parse", parse, attrs...),
	)
}

func (d *Dispatcher) appendExchange(vehicleID, message string, payload response.Payload) {
	err := d.deps.Session.AppendExchange(vehicleID,
		domain.ChatTurn{Role: domain.RoleUser, Text: message},
		domain.ChatTurn{Role: domain.RoleAssistant, Text: response.Markdown(payload)},
	)
	if err != nil {
		d.deps.Logger.Error("dispatch: append chat exchange", "vehicle", vehicleID, "err", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, req query.Request, payload response.Payload) {
	if d.deps.History == nil {
		return
	}
	entry := history.Entry{
		ID:         d.newID(),
		VehicleID:  req.VehicleID,
		Kind:       req.Kind,
		Input:      req.Input,
		Summary:    response.Summary(payload),
		DocumentID: req.DocumentID,
		CreatedAt:  d.now().UTC(),
	}
	if err := d.deps.History.Record(ctx, entry); err != nil {
		d.deps.Logger.Warn("dispatch: record history", "vehicle", req.VehicleID, "kind", req.Kind, "err", err)
	}
}

func (d *Dispatcher) logOutcome(out Outcome) {
	attrs := []any{"kind", out.Kind, "vehicle", out.VehicleID, "state", out.State, "duration", out.Duration}
	var pe *domain.ParseError
	switch {
	case out.State == StateSucceeded:
		d.deps.Logger.Info("dispatch succeeded", attrs...)
	case errors.As(out.Err, &pe):
		d.deps.Logger.Error("dispatch: unrecognized backend response", append(attrs, "reason", pe.Reason)...)
	case out.State == StateFailed:
		d.deps.Logger.Error("dispatch failed", append(attrs, "err", out.Err)...)
	default:
		d.deps.Logger.Info("dispatch "+string(out.State), append(attrs, "err", out.Err)...)
	}
}
