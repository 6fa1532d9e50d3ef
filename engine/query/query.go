// Package query shapes outgoing AI backend requests per query kind and
// applies document gating before anything leaves the process.
package query

import (
	"encoding/json"
	"fmt"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/pkg/fn"
)

// DefaultHistoryLimit bounds the chat turns sent with a maintenance chat message.
const DefaultHistoryLimit = 10

// Context is what the builder knows about the target vehicle.
type Context struct {
	Vehicle  domain.Vehicle
	Document *domain.ManualDocument
	// History is the vehicle's chat session in chronological order.
	History []domain.ChatTurn
}

// Request is one outgoing AI backend call.
type Request struct {
	Kind domain.QueryKind
	// Name selects the backend handler.
	Name      string
	VehicleID string
	// DocumentID is empty when the query runs without a manual.
	DocumentID string
	// Input is the normalized user input, "" for kinds without one.
	Input   string
	Vehicle VehicleInfo
	Payload any
}

// VehicleInfo is the vehicle context sent with every request.
type VehicleInfo struct {
	Name    string `json:"name"`
	Brand   string `json:"brand,omitempty"`
	Model   string `json:"model,omitempty"`
	Year    int    `json:"year,omitempty"`
	Mileage int    `json:"currentMileage,omitempty"`
}

// OBDLookup is the payload of an obd_lookup request.
type OBDLookup struct {
	Code string `json:"code"`
	// Standard reports whether Code follows the SAE layout; the backend decides either way.
	Standard bool `json:"standardFormat"`
}

// Diagnosis is the payload of a diagnosis request.
type Diagnosis struct {
	Symptoms string `json:"symptoms"`
}

// Recommendations is the payload of a maintenance_recommendations request.
type Recommendations struct {
	Year    int `json:"year,omitempty"`
	Mileage int `json:"currentMileage"`
}

// Turn is a prior chat turn as sent to the backend.
type Turn struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// MaintenanceChat is the payload of a maintenance_chat request.
type MaintenanceChat struct {
	Message string `json:"message"`
	History []Turn `json:"history"`
}

// Body is the JSON object handed to the backend: the kind payload plus
// vehicleId, documentId (null without a manual) and vehicle.
func (r Request) Body() (map[string]any, error) {
	body := map[string]any{}
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("query: encode %s payload: %w", r.Kind, err)
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("query: %s payload is not an object: %w", r.Kind, err)
		}
	}
	body["vehicleId"] = r.VehicleID
	if r.DocumentID != "" {
		body["documentId"] = r.DocumentID
	} else {
		body["documentId"] = nil
	}
	body["vehicle"] = r.Vehicle
	return body, nil
}

// Builder builds requests.
type Builder struct {
	historyLimit int
}

// NewBuilder creates a Builder sending at most historyLimit prior chat
// turns. Non-positive limits use DefaultHistoryLimit.
func NewBuilder(historyLimit int) *Builder {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Builder{historyLimit: historyLimit}
}

// Build gates and shapes a request. Gating failures are *domain.GatingError.
func (b *Builder) Build(kind domain.QueryKind, qc Context, input string) (Request, error) {
	req := Request{
		Kind:      kind,
		Name:      string(kind),
		VehicleID: qc.Vehicle.ID,
		Vehicle: VehicleInfo{
			Name:    qc.Vehicle.Name,
			Brand:   qc.Vehicle.Brand,
			Model:   qc.Vehicle.Model,
			Year:    qc.Vehicle.Year,
			Mileage: qc.Vehicle.Mileage,
		},
	}

	switch kind {
	case domain.KindOBDLookup:
		docID, err := advisory(kind, qc.Document)
		if err != nil {
			return Request{}, err
		}
		code, standard, err := domain.NormalizeOBDCode(input)
		if err != nil {
			return Request{}, domain.NewGatingError(kind, domain.ReasonInvalidInput, err)
		}
		req.DocumentID, req.Input = docID, code
		req.Payload = OBDLookup{Code: code, Standard: standard}

	case domain.KindDiagnosis:
		docID, err := advisory(kind, qc.Document)
		if err != nil {
			return Request{}, err
		}
		symptoms, err := domain.ValidateSymptoms(input)
		if err != nil {
			return Request{}, domain.NewGatingError(kind, domain.ReasonInvalidInput, err)
		}
		req.DocumentID, req.Input = docID, symptoms
		req.Payload = Diagnosis{Symptoms: symptoms}

	case domain.KindRecommendations:
		docID, err := advisory(kind, qc.Document)
		if err != nil {
			return Request{}, err
		}
		req.DocumentID = docID
		req.Payload = Recommendations{Year: qc.Vehicle.Year, Mileage: qc.Vehicle.Mileage}

	case domain.KindMaintenanceChat:
		if domain.StatusOf(qc.Document) != domain.StatusReady {
			return Request{}, domain.NewGatingError(kind, domain.ReasonDocumentRequired, nil)
		}
		msg, err := domain.ValidateChatMessage(input)
		if err != nil {
			return Request{}, domain.NewGatingError(kind, domain.ReasonInvalidInput, err)
		}
		req.DocumentID, req.Input = qc.Document.ID, msg
		req.Payload = MaintenanceChat{
			Message: msg,
			History: fn.Map(fn.Last(qc.History, b.historyLimit), func(t domain.ChatTurn) Turn {
				return Turn{Role: t.Role, Content: t.Text}
			}),
		}

	default:
		return Request{}, domain.NewGatingError(kind, domain.ReasonInvalidInput, domain.ErrUnknownKind)
	}
	return req, nil
}

// advisory applies document gating for kinds that can run without a manual.
// A ready manual grounds the request; a failed one is ignored; a manual still
// on its way blocks the request.
func advisory(kind domain.QueryKind, doc *domain.ManualDocument) (string, error) {
	switch domain.StatusOf(doc) {
	case domain.StatusReady:
		return doc.ID, nil
	case domain.StatusUploading, domain.StatusProcessing:
		return "", domain.NewGatingError(kind, domain.ReasonDocumentNotReady, nil)
	default:
		return "", nil
	}
}

// Available lists the kinds that would pass document gating for doc.
func Available(doc *domain.ManualDocument) []domain.QueryKind {
	status := domain.StatusOf(doc)
	return fn.Filter(domain.QueryKinds, func(k domain.QueryKind) bool {
		if k.RequiresManual() {
			return status == domain.StatusReady
		}
		return !status.Pending()
	})
}
