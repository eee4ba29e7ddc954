// Package server exposes the request lifecycle engine over HTTP: request
// reads and mutations, the change-feed cursor endpoint, and dev auth.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"guichet/internal/domain"
	"guichet/internal/engine"
	"guichet/internal/lifecycle"
	"guichet/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid request status transition pending -> validated"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Guichet API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Guichet API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerServices(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerFeed(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

// handleError converts engine and lifecycle errors into the envelope. An
// invalid transition is a conflict between the caller's view of the record
// and the store's, not a malformed request.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ite *lifecycle.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(),
			map[string]any{"from": string(ite.From), "to": string(ite.To)})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrReasonRequired) || errors.Is(err, engine.ErrReasonWithoutRejection) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

func registerServices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/services",
		Summary:     "List the services catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ServiceListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListServices(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ServiceListResponse `json:"body"`
		}{Body: ServiceListResponse{Items: items}}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		CitizenID string `query:"citizen_id" required:"false"`
	}) (*struct {
		Body RequestListResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		var (
			items []domain.ServiceRequest
			err   error
		)
		switch {
		case p.Source == "jwt" && !p.HasRole("agent"):
			// Citizens only ever see their own ledger.
			items, err = e.GetForCitizen(ctx, p.ActorID)
		case input.CitizenID != "":
			items, err = e.GetForCitizen(ctx, input.CitizenID)
		default:
			items, err = e.GetAll(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestListResponse `json:"body"`
		}{Body: RequestListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get one request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ServiceRequest `json:"body"`
	}, error) {
		req, err := e.GetByID(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a new request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequestBody `json:"body"`
	}) (*struct {
		Body domain.ServiceRequest `json:"body"`
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		docs := make([]domain.Document, 0, len(input.Body.Documents))
		for _, d := range input.Body.Documents {
			docs = append(docs, domain.Document{Name: d.Name, URL: d.URL})
		}
		req, err := e.Submit(ctx, engine.SubmitOptions{
			CitizenID:    input.Body.CitizenID,
			CitizenName:  input.Body.CitizenName,
			CitizenEmail: input.Body.CitizenEmail,
			ServiceID:    input.Body.ServiceID,
			Documents:    docs,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-request-status",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/status",
		Summary:     "Move a request along its lifecycle",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body UpdateStatusBody `json:"body"`
	}) (*struct {
		Body domain.ServiceRequest `json:"body"`
	}, error) {
		if herr := requireAgent(ctx); herr != nil {
			return nil, herr
		}
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		req, err := e.UpdateStatus(ctx, input.ID, domain.Status(input.Body.Status), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/reject",
		Summary:     "Reject a request with its motif",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body RejectBody `json:"body"`
	}) (*struct {
		Body domain.ServiceRequest `json:"body"`
	}, error) {
		if herr := requireAgent(ctx); herr != nil {
			return nil, herr
		}
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		status := domain.StatusRejected
		reason := input.Body.Reason
		req, err := e.Update(ctx, input.ID, engine.Patch{Status: &status, RejectionReason: &reason}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-document",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/documents",
		Summary:     "Attach a document reference",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body DocumentBody `json:"body"`
	}) (*struct {
		Body domain.ServiceRequest `json:"body"`
	}, error) {
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		req, err := e.AttachDocument(ctx, input.ID, domain.Document{Name: input.Body.Name, URL: input.Body.URL}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceRequest `json:"body"`
		}{Body: req}, nil
	})
}

func registerFeed(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "poll-feed",
		Method:      http.MethodGet,
		Path:        "/feed",
		Summary:     "Poll change events after a cursor",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" required:"false"`
		Limit int   `query:"limit" required:"false"`
	}) (*struct {
		Body FeedResponse `json:"body"`
	}, error) {
		events, err := e.Repo.EventsAfter(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		cursor := input.After
		if len(events) > 0 {
			cursor = events[len(events)-1].ID
		}
		return &struct {
			Body FeedResponse `json:"body"`
		}{Body: FeedResponse{Events: events, Cursor: cursor}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "feed-head",
		Method:      http.MethodGet,
		Path:        "/feed/head",
		Summary:     "Current feed cursor",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Cursor int64 `json:"cursor"`
		} `json:"body"`
	}, error) {
		head, err := e.Repo.LatestEventID(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Cursor int64 `json:"cursor"`
			} `json:"body"`
		}{}
		out.Body.Cursor = head
		return out, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ActorID: p.ActorID, Roles: p.Roles, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev-token",
		Summary:     "Issue a development bearer token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID string   `json:"actor_id"`
			Roles   []string `json:"roles,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := IssueToken(auth.JWTSecret, input.Body.ActorID, input.Body.Roles, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token}}, nil
	})
}
