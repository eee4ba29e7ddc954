package domain

// Status is the lifecycle state of a service request.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInProgress        Status = "in_progress"
	StatusAwaitingDocuments Status = "awaiting_documents"
	StatusValidated         Status = "validated"
	StatusRejected          Status = "rejected"
	StatusCompleted         Status = "completed"
)

// Statuses lists every status in display order.
var Statuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusAwaitingDocuments,
	StatusValidated,
	StatusRejected,
	StatusCompleted,
}

// Service is an entry of the administrative services catalog.
type Service struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Category          string   `json:"category"`
	RequiredDocuments []string `json:"required_documents,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
}

// ServiceRef is the joined service identity carried on a request snapshot.
type ServiceRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Document is a reference to an uploaded piece; storage itself lives elsewhere.
type Document struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url,omitempty"`
	UploadedAt string `json:"uploaded_at" format:"date-time"`
}

// ServiceRequest is a citizen's submitted case for an administrative service.
// The store is the only writer of UpdatedAt; RejectionReason is present if and
// only if the request is rejected. Wire names keep the portal's original
// French field names.
type ServiceRequest struct {
	ID              string     `json:"id"`
	CaseNumber      string     `json:"numero_dossier,omitempty"`
	CitizenID       string     `json:"citizen_id"`
	CitizenName     string     `json:"citizen_name"`
	CitizenEmail    string     `json:"citizen_email,omitempty"`
	ServiceRef      ServiceRef `json:"service_ref"`
	Status          Status     `json:"status" enum:"pending,in_progress,awaiting_documents,validated,rejected,completed"`
	RejectionReason *string    `json:"motif_rejet,omitempty"`
	Documents       []Document `json:"attached_documents,omitempty"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
}

// EventType classifies a change-feed entry.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one row-level change on the request collection. Previous is
// nil for inserts. Feed ids are assigned in commit order and serve as the
// subscription cursor.
type ChangeEvent struct {
	ID       int64           `json:"id"`
	TS       string          `json:"ts" format:"date-time"`
	Type     EventType       `json:"type" enum:"insert,update,delete"`
	ActorID  string          `json:"actor_id,omitempty"`
	Previous *ServiceRequest `json:"previous,omitempty"`
	Current  ServiceRequest  `json:"current"`
}

// APIKey authenticates a non-interactive caller of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
