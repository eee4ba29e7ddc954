package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guichet/internal/config"
	"guichet/internal/db"
	"guichet/internal/domain"
	"guichet/internal/engine"
	"guichet/internal/migrate"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("guichet-test")
	e := engine.New(conn, cfg)
	require.NoError(t, e.Repo.SeedServices(context.Background(), cfg.Services))

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

type header map[string]string

func agentHeaders() header { return header{"X-Actor-Id": "agent-1"} }

func do(t *testing.T, srv *httptest.Server, method, path string, h header, body any) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return out
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func submitRequest(t *testing.T, srv *httptest.Server, citizenID, citizenName string) domain.ServiceRequest {
	t.Helper()
	status, raw := do(t, srv, http.MethodPost, "/v0/requests", agentHeaders(), SubmitRequestBody{
		CitizenID:   citizenID,
		CitizenName: citizenName,
		ServiceID:   "passeport",
	})
	require.Equal(t, http.StatusCreated, status, "body: %s", raw)
	return decode[domain.ServiceRequest](t, raw)
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t)
	status, _ := do(t, srv, http.MethodGet, "/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t)
	status, raw := do(t, srv, http.MethodGet, "/v0/requests", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	env := decode[errEnvelope](t, raw)
	assert.Equal(t, "unauthorized", env.Error.Code)

	status, _ = do(t, srv, http.MethodGet, "/v0/requests", header{"Authorization": "Bearer garbage"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSubmitAndAdvance(t *testing.T) {
	srv := newTestServer(t)
	created := submitRequest(t, srv, "cit-1", "Marie Dupont")
	assert.Equal(t, "REQ", created.CaseNumber[:3])
	assert.Equal(t, domain.StatusPending, created.Status)

	status, raw := do(t, srv, http.MethodPost, "/v0/requests/"+created.ID+"/status", agentHeaders(),
		UpdateStatusBody{Status: "in_progress"})
	require.Equal(t, http.StatusOK, status, "body: %s", raw)
	updated := decode[domain.ServiceRequest](t, raw)
	assert.Equal(t, domain.StatusInProgress, updated.Status)
	assert.NotEqual(t, created.UpdatedAt, updated.UpdatedAt)
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv := newTestServer(t)
	created := submitRequest(t, srv, "cit-1", "Marie Dupont")

	status, raw := do(t, srv, http.MethodPost, "/v0/requests/"+created.ID+"/status", agentHeaders(),
		UpdateStatusBody{Status: "validated"})
	require.Equal(t, http.StatusConflict, status, "body: %s", raw)
	env := decode[errEnvelope](t, raw)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, "pending", env.Error.Details["from"])
	assert.Equal(t, "validated", env.Error.Details["to"])

	// The failed call must not have mutated the record.
	status, raw = do(t, srv, http.MethodGet, "/v0/requests/"+created.ID, agentHeaders(), nil)
	require.Equal(t, http.StatusOK, status)
	stored := decode[domain.ServiceRequest](t, raw)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestRejectCarriesMotif(t *testing.T) {
	srv := newTestServer(t)
	created := submitRequest(t, srv, "cit-1", "Marie Dupont")
	status, _ := do(t, srv, http.MethodPost, "/v0/requests/"+created.ID+"/status", agentHeaders(),
		UpdateStatusBody{Status: "in_progress"})
	require.Equal(t, http.StatusOK, status)

	status, raw := do(t, srv, http.MethodPost, "/v0/requests/"+created.ID+"/reject", agentHeaders(),
		RejectBody{Reason: "dossier incomplet"})
	require.Equal(t, http.StatusOK, status, "body: %s", raw)
	rejected := decode[domain.ServiceRequest](t, raw)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "dossier incomplet", *rejected.RejectionReason)
}

func TestRejectWithoutReason(t *testing.T) {
	srv := newTestServer(t)
	created := submitRequest(t, srv, "cit-1", "Marie Dupont")
	status, _ := do(t, srv, http.MethodPost, "/v0/requests/"+created.ID+"/status", agentHeaders(),
		UpdateStatusBody{Status: "in_progress"})
	require.Equal(t, http.StatusOK, status)

	status, raw := do(t, srv, http.MethodPost, "/v0/requests/"+created.ID+"/reject", agentHeaders(),
		RejectBody{Reason: ""})
	require.Equal(t, http.StatusBadRequest, status, "body: %s", raw)
}

func TestRequestNotFound(t *testing.T) {
	srv := newTestServer(t)
	status, raw := do(t, srv, http.MethodGet, "/v0/requests/missing", agentHeaders(), nil)
	require.Equal(t, http.StatusNotFound, status)
	env := decode[errEnvelope](t, raw)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestCitizenScopedToOwnLedger(t *testing.T) {
	srv := newTestServer(t)
	submitRequest(t, srv, "cit-1", "Marie Dupont")
	submitRequest(t, srv, "cit-2", "Jean Martin")

	status, raw := do(t, srv, http.MethodPost, "/v0/auth/dev-token", agentHeaders(),
		map[string]any{"actor_id": "cit-1"})
	require.Equal(t, http.StatusOK, status, "body: %s", raw)
	token := decode[TokenResponse](t, raw).Token
	citizen := header{"Authorization": "Bearer " + token}

	status, raw = do(t, srv, http.MethodGet, "/v0/requests", citizen, nil)
	require.Equal(t, http.StatusOK, status, "body: %s", raw)
	list := decode[RequestListResponse](t, raw)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "cit-1", list.Items[0].CitizenID)

	// Even an explicit citizen_id query cannot widen the scope.
	status, raw = do(t, srv, http.MethodGet, "/v0/requests?citizen_id=cit-2", citizen, nil)
	require.Equal(t, http.StatusOK, status)
	list = decode[RequestListResponse](t, raw)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "cit-1", list.Items[0].CitizenID)

	// And status changes stay agent-only.
	target := list.Items[0].ID
	status, raw = do(t, srv, http.MethodPost, "/v0/requests/"+target+"/status", citizen,
		UpdateStatusBody{Status: "in_progress"})
	require.Equal(t, http.StatusForbidden, status, "body: %s", raw)
}

func TestFeedEndpoints(t *testing.T) {
	srv := newTestServer(t)
	created := submitRequest(t, srv, "cit-1", "Marie Dupont")
	status, _ := do(t, srv, http.MethodPost, "/v0/requests/"+created.ID+"/status", agentHeaders(),
		UpdateStatusBody{Status: "in_progress"})
	require.Equal(t, http.StatusOK, status)

	status, raw := do(t, srv, http.MethodGet, "/v0/feed?after=0&limit=10", agentHeaders(), nil)
	require.Equal(t, http.StatusOK, status, "body: %s", raw)
	feed := decode[FeedResponse](t, raw)
	require.Len(t, feed.Events, 2)
	assert.Equal(t, domain.EventInsert, feed.Events[0].Type)
	assert.Equal(t, domain.EventUpdate, feed.Events[1].Type)
	assert.Equal(t, feed.Events[1].ID, feed.Cursor)

	status, raw = do(t, srv, http.MethodGet, "/v0/feed/head", agentHeaders(), nil)
	require.Equal(t, http.StatusOK, status)
	var head struct {
		Cursor int64 `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(raw, &head))
	assert.Equal(t, feed.Cursor, head.Cursor)

	// Polling past the head is empty, not an error.
	status, raw = do(t, srv, http.MethodGet, "/v0/feed?after=999", agentHeaders(), nil)
	require.Equal(t, http.StatusOK, status)
	feed = decode[FeedResponse](t, raw)
	assert.Empty(t, feed.Events)
}

func TestMe(t *testing.T) {
	srv := newTestServer(t)
	status, raw := do(t, srv, http.MethodGet, "/v0/me", agentHeaders(), nil)
	require.Equal(t, http.StatusOK, status)
	me := decode[MeResponse](t, raw)
	assert.Equal(t, "agent-1", me.ActorID)
	assert.Equal(t, "legacy_header", me.Source)
}

func TestAttachDocumentOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	created := submitRequest(t, srv, "cit-1", "Marie Dupont")

	status, raw := do(t, srv, http.MethodPost, "/v0/requests/"+created.ID+"/documents", agentHeaders(),
		DocumentBody{Name: "justificatif_domicile", URL: "https://docs.example/1"})
	require.Equal(t, http.StatusOK, status, "body: %s", raw)
	updated := decode[domain.ServiceRequest](t, raw)
	require.Len(t, updated.Documents, 1)
	assert.Equal(t, "justificatif_domicile", updated.Documents[0].Name)
}
