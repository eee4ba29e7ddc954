package citizenledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guichet/internal/domain"
	"guichet/internal/notify"
)

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func stamp(step int) string {
	return testBase.Add(time.Duration(step) * time.Second).Format(time.RFC3339Nano)
}

type fakeStore struct {
	items []domain.ServiceRequest
	loads int
}

func (s *fakeStore) GetForCitizen(ctx context.Context, citizenID string) ([]domain.ServiceRequest, error) {
	s.loads++
	var out []domain.ServiceRequest
	for _, req := range s.items {
		if req.CitizenID == citizenID {
			out = append(out, req)
		}
	}
	return out, nil
}

func fixture(id, citizenID string, status domain.Status, step int) domain.ServiceRequest {
	return domain.ServiceRequest{
		ID:          id,
		CaseNumber:  "REQ-2024-" + id,
		CitizenID:   citizenID,
		CitizenName: "Marie Dupont",
		ServiceRef:  domain.ServiceRef{ID: "passeport", Name: "Demande de passeport"},
		Status:      status,
		UpdatedAt:   stamp(step),
	}
}

func TestLoadScopesToOwner(t *testing.T) {
	store := &fakeStore{items: []domain.ServiceRequest{
		fixture("00001", "cit-1", domain.StatusPending, 1),
		fixture("00002", "cit-2", domain.StatusPending, 2),
		fixture("00003", "cit-1", domain.StatusValidated, 3),
	}}
	l := New(store, &notify.Recorder{}, "cit-1")
	require.NoError(t, l.Load(context.Background()))

	got := l.Requests()
	require.Len(t, got, 2)
	for _, req := range got {
		assert.Equal(t, "cit-1", req.CitizenID)
	}
}

func TestForeignEventsIgnored(t *testing.T) {
	store := &fakeStore{items: []domain.ServiceRequest{fixture("00001", "cit-1", domain.StatusPending, 1)}}
	rec := &notify.Recorder{}
	l := New(store, rec, "cit-1")
	require.NoError(t, l.Load(context.Background()))
	loads := store.loads

	other := fixture("00002", "cit-2", domain.StatusPending, 2)
	l.OnRemoteEvent(context.Background(), domain.ChangeEvent{Type: domain.EventInsert, Current: other})
	l.OnRemoteEvent(context.Background(), domain.ChangeEvent{Type: domain.EventUpdate, Current: other})

	assert.Equal(t, loads, store.loads, "foreign events must not trigger fetches")
	assert.Len(t, l.Requests(), 1)
	assert.Empty(t, rec.Entries())
}

func TestUpdateEventMergesAndNotifies(t *testing.T) {
	store := &fakeStore{items: []domain.ServiceRequest{fixture("00001", "cit-1", domain.StatusInProgress, 1)}}
	rec := &notify.Recorder{}
	l := New(store, rec, "cit-1")
	require.NoError(t, l.Load(context.Background()))

	reason := "dossier incomplet"
	updated := fixture("00001", "cit-1", domain.StatusRejected, 10)
	updated.RejectionReason = &reason
	l.OnRemoteEvent(context.Background(), domain.ChangeEvent{Type: domain.EventUpdate, Current: updated})

	got := l.Requests()
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusRejected, got[0].Status)
	require.NotNil(t, got[0].RejectionReason)
	assert.Equal(t, reason, *got[0].RejectionReason)

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "info", entries[0].Kind)
	assert.Contains(t, entries[0].Message, "REQ-2024-00001")
	assert.Contains(t, entries[0].Message, "Rejetée")
}

func TestStaleUpdateIgnored(t *testing.T) {
	store := &fakeStore{items: []domain.ServiceRequest{fixture("00001", "cit-1", domain.StatusValidated, 10)}}
	l := New(store, &notify.Recorder{}, "cit-1")
	require.NoError(t, l.Load(context.Background()))

	stale := fixture("00001", "cit-1", domain.StatusInProgress, 2)
	l.OnRemoteEvent(context.Background(), domain.ChangeEvent{Type: domain.EventUpdate, Current: stale})

	got := l.Requests()
	assert.Equal(t, domain.StatusValidated, got[0].Status)
	assert.Equal(t, stamp(10), got[0].UpdatedAt)
}

func TestOwnInsertRefetches(t *testing.T) {
	store := &fakeStore{items: []domain.ServiceRequest{fixture("00001", "cit-1", domain.StatusPending, 1)}}
	l := New(store, &notify.Recorder{}, "cit-1")
	require.NoError(t, l.Load(context.Background()))

	inserted := fixture("00002", "cit-1", domain.StatusPending, 2)
	store.items = append(store.items, inserted)
	l.OnRemoteEvent(context.Background(), domain.ChangeEvent{Type: domain.EventInsert, Current: inserted})

	assert.Len(t, l.Requests(), 2)
}

func TestResyncRefetches(t *testing.T) {
	store := &fakeStore{items: []domain.ServiceRequest{fixture("00001", "cit-1", domain.StatusPending, 1)}}
	l := New(store, &notify.Recorder{}, "cit-1")
	require.NoError(t, l.Load(context.Background()))

	store.items[0].Status = domain.StatusCompleted
	store.items[0].UpdatedAt = stamp(20)
	l.OnResync(context.Background())

	got := l.Requests()
	assert.Equal(t, domain.StatusCompleted, got[0].Status)
}

func TestStatusBadges(t *testing.T) {
	cases := map[domain.Status]Badge{
		domain.StatusPending:           {Label: "En attente", Tone: "neutral"},
		domain.StatusInProgress:        {Label: "En cours de traitement", Tone: "info"},
		domain.StatusAwaitingDocuments: {Label: "Documents attendus", Tone: "warning"},
		domain.StatusValidated:         {Label: "Validée", Tone: "success"},
		domain.StatusRejected:          {Label: "Rejetée", Tone: "danger"},
		domain.StatusCompleted:         {Label: "Terminée", Tone: "success"},
	}
	for status, want := range cases {
		assert.Equal(t, want, StatusBadge(status))
	}
	assert.Equal(t, Badge{Label: "bizarre", Tone: "neutral"}, StatusBadge(domain.Status("bizarre")))
}
