package domain

import "time"

// DocumentStatus is the lifecycle state of an uploaded owner's manual.
type DocumentStatus string

const (
	// StatusAbsent is derived for vehicles without a manual record; it is never stored.
	StatusAbsent     DocumentStatus = "absent"
	StatusUploading  DocumentStatus = "uploading"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusError      DocumentStatus = "error"
)

// Stored reports whether s may appear on a persisted ManualDocument.
func (s DocumentStatus) Stored() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusReady, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition can happen without a re-upload.
func (s DocumentStatus) Terminal() bool { return s == StatusReady || s == StatusError }

// Pending reports whether the manual is on its way to ready.
func (s DocumentStatus) Pending() bool { return s == StatusUploading || s == StatusProcessing }

var transitions = map[DocumentStatus][]DocumentStatus{
	StatusUploading:  {StatusProcessing, StatusError},
	StatusProcessing: {StatusReady, StatusError},
}

// CanTransition reports whether a stored manual may move from one status to another.
// Re-uploads are not transitions: they replace the record with a new one in StatusUploading.
func CanTransition(from, to DocumentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ManualDocument is the single owner's manual attached to a vehicle.
type ManualDocument struct {
	ID            string         `json:"id"`
	VehicleID     string         `json:"vehicle_id"`
	Status        DocumentStatus `json:"status"`
	FileName      string         `json:"file_name"`
	FileSizeBytes int64          `json:"file_size"`
	PageCount     int            `json:"page_count,omitempty"`
	StorageKey    string         `json:"-"`
	Error         string         `json:"error,omitempty"`
	UploadedAt    time.Time      `json:"uploaded_at"`
}

// StatusOf returns the status of doc, StatusAbsent when there is no record.
func StatusOf(doc *ManualDocument) DocumentStatus {
	if doc == nil {
		return StatusAbsent
	}
	return doc.Status
}
