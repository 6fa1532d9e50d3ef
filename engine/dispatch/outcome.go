package dispatch

import (
	"errors"
	"time"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/engine/response"
)

// State is the terminal state of one dispatch.
type State string

const (
	// StateBlocked means the query never left the process.
	StateBlocked State = "blocked"
	// StateSucceeded means the backend answered and the answer was applied.
	StateSucceeded State = "succeeded"
	// StateFailed means the backend call or its response was unusable.
	StateFailed State = "failed"
	// StateDiscarded means the answer arrived after the user moved on.
	StateDiscarded State = "discarded"
)

// Outcome is the discriminated result of Dispatch. Payload is set only when
// State is StateSucceeded; Err is set for every other state.
type Outcome struct {
	State      State
	Kind       domain.QueryKind
	VehicleID  string
	DocumentID string
	Payload    response.Payload
	Err        error
	Duration   time.Duration
}

// OK reports whether the dispatch succeeded.
func (o Outcome) OK() bool { return o.State == StateSucceeded }

// Message returns guidance for the user, "" on success.
func (o Outcome) Message() string {
	switch o.State {
	case StateSucceeded:
		return ""
	case StateDiscarded:
		return "The answer arrived after you left this vehicle and was discarded."
	case StateFailed:
		return "The assistant could not answer right now. Please try again in a moment."
	}

	if errors.Is(o.Err, domain.ErrAlreadyPending) {
		return "A query of this kind is already running for this vehicle."
	}
	reason, _ := domain.GatingReasonOf(o.Err)
	switch reason {
	case domain.ReasonDocumentNotReady:
		return "The vehicle manual is still being processed. Try again once it is ready."
	case domain.ReasonDocumentRequired:
		return "Upload the vehicle manual and wait for it to be processed to use the maintenance chat."
	}

	switch {
	case errors.Is(o.Err, domain.ErrVehicleNotFound):
		return "This vehicle no longer exists."
	case errors.Is(o.Err, domain.ErrEmptyOBDCode):
		return "Enter an OBD code, for example P0301."
	case errors.Is(o.Err, domain.ErrQueryTooShort):
		return "Describe the symptoms in a bit more detail (at least 20 characters)."
	case errors.Is(o.Err, domain.ErrEmptyMessage):
		return "Type a message before sending."
	case errors.Is(o.Err, domain.ErrUnknownKind):
		return "This kind of query is not supported."
	}
	return "Check your input and try again."
}
