// Package guichetsdk is a typed HTTP client for the Guichet API. It also
// adapts the remote feed endpoint to the change-feed Source contract, so a
// view model running out of process subscribes the same way as one sharing
// the store.
package guichetsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"guichet/internal/domain"
)

// Client is a Guichet HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitOptions carries a citizen submission.
type SubmitOptions struct {
	CitizenID    string            `json:"citizen_id"`
	CitizenName  string            `json:"citizen_name"`
	CitizenEmail string            `json:"citizen_email,omitempty"`
	ServiceID    string            `json:"service_id"`
	Documents    []domain.Document `json:"attached_documents,omitempty"`
}

// Submit creates a new request in pending status.
func (c *Client) Submit(ctx context.Context, opts SubmitOptions) (domain.ServiceRequest, error) {
	var resp domain.ServiceRequest
	err := c.do(ctx, http.MethodPost, "v0/requests", opts, &resp)
	return resp, err
}

// Requests lists all requests the caller may see.
func (c *Client) Requests(ctx context.Context) ([]domain.ServiceRequest, error) {
	var resp struct {
		Items []domain.ServiceRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/requests", nil, &resp)
	return resp.Items, err
}

// RequestsForCitizen lists one citizen's requests.
func (c *Client) RequestsForCitizen(ctx context.Context, citizenID string) ([]domain.ServiceRequest, error) {
	var resp struct {
		Items []domain.ServiceRequest `json:"items"`
	}
	endpoint := "v0/requests?citizen_id=" + url.QueryEscape(citizenID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Request fetches one request by id.
func (c *Client) Request(ctx context.Context, id string) (domain.ServiceRequest, error) {
	var resp domain.ServiceRequest
	err := c.do(ctx, http.MethodGet, "v0/requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateStatus moves a request along its lifecycle.
func (c *Client) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.ServiceRequest, error) {
	var resp domain.ServiceRequest
	body := map[string]any{"status": string(status)}
	err := c.do(ctx, http.MethodPost, "v0/requests/"+url.PathEscape(id)+"/status", body, &resp)
	return resp, err
}

// Reject rejects a request with its motif.
func (c *Client) Reject(ctx context.Context, id, reason string) (domain.ServiceRequest, error) {
	var resp domain.ServiceRequest
	body := map[string]any{"motif_rejet": reason}
	err := c.do(ctx, http.MethodPost, "v0/requests/"+url.PathEscape(id)+"/reject", body, &resp)
	return resp, err
}

// AttachDocument appends a document reference.
func (c *Client) AttachDocument(ctx context.Context, id string, doc domain.Document) (domain.ServiceRequest, error) {
	var resp domain.ServiceRequest
	err := c.do(ctx, http.MethodPost, "v0/requests/"+url.PathEscape(id)+"/documents", doc, &resp)
	return resp, err
}

// Services lists the catalog.
func (c *Client) Services(ctx context.Context) ([]domain.Service, error) {
	var resp struct {
		Items []domain.Service `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/services", nil, &resp)
	return resp.Items, err
}

// EventsAfter polls change events past the cursor. Together with
// LatestEventID it satisfies the change-feed Source contract.
func (c *Client) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.ChangeEvent, error) {
	var resp struct {
		Events []domain.ChangeEvent `json:"events"`
	}
	endpoint := fmt.Sprintf("v0/feed?after=%d", cursor)
	if limit > 0 {
		endpoint += fmt.Sprintf("&limit=%d", limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// LatestEventID returns the current feed cursor.
func (c *Client) LatestEventID(ctx context.Context) (int64, error) {
	var resp struct {
		Cursor int64 `json:"cursor"`
	}
	err := c.do(ctx, http.MethodGet, "v0/feed/head", nil, &resp)
	return resp.Cursor, err
}

// IssueDevToken requests a development bearer token.
func (c *Client) IssueDevToken(ctx context.Context, actorID string, roles []string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID, "roles": roles}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev-token", body, &resp)
	return resp.Token, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
