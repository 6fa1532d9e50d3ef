// Package domain defines core domain types, constants, and validation for the
// Wessley companion. It acts as the validation gate in front of the AI backend.
package domain

import "time"

// Vehicle is a user-registered vehicle. The record is owned by the vehicle
// store; the query pipeline only reads it for request context and display.
type Vehicle struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Brand     string    `json:"brand,omitempty"`
	Model     string    `json:"model,omitempty"`
	Year      int       `json:"year,omitempty"`
	Mileage   int       `json:"current_mileage,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryKind selects the kind of grounded query and the backend handler serving it.
type QueryKind string

const (
	KindOBDLookup       QueryKind = "obd_lookup"
	KindDiagnosis       QueryKind = "diagnosis"
	KindMaintenanceChat QueryKind = "maintenance_chat"
	KindRecommendations QueryKind = "maintenance_recommendations"
)

// QueryKinds lists every supported kind in display order.
var QueryKinds = []QueryKind{KindOBDLookup, KindDiagnosis, KindRecommendations, KindMaintenanceChat}

// Valid reports whether k is a known query kind.
func (k QueryKind) Valid() bool {
	switch k {
	case KindOBDLookup, KindDiagnosis, KindMaintenanceChat, KindRecommendations:
		return true
	}
	return false
}

// RequiresManual reports whether the kind can only run against a ready manual.
func (k QueryKind) RequiresManual() bool { return k == KindMaintenanceChat }

// Role identifies the author of a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatTurn is one message of a maintenance chat.
type ChatTurn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
