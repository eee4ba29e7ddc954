package server

import (
	"guichet/internal/domain"
)

// Request payloads

type SubmitRequestBody struct {
	CitizenID    string         `json:"citizen_id"`
	CitizenName  string         `json:"citizen_name"`
	CitizenEmail string         `json:"citizen_email,omitempty"`
	ServiceID    string         `json:"service_id"`
	Documents    []DocumentBody `json:"attached_documents,omitempty"`
}

type DocumentBody struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type UpdateStatusBody struct {
	Status string `json:"status" enum:"pending,in_progress,awaiting_documents,validated,rejected,completed"`
}

type RejectBody struct {
	Reason string `json:"motif_rejet"`
}

// Response payloads

type RequestListResponse struct {
	Items []domain.ServiceRequest `json:"items"`
}

type ServiceListResponse struct {
	Items []domain.Service `json:"items"`
}

type FeedResponse struct {
	Events []domain.ChangeEvent `json:"events"`
	Cursor int64                `json:"cursor"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type MeResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
	Source  string   `json:"source"`
}

type TokenResponse struct {
	Token string `json:"token"`
}
