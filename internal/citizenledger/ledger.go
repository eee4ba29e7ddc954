// Package citizenledger is the read-only projection of one citizen's own
// requests. It performs no mutation: agents act on the queue side and the
// ledger follows over the change feed.
package citizenledger

import (
	"context"
	"sync"
	"time"

	"guichet/internal/domain"
	"guichet/internal/notify"
)

// Store is the scoped read interface; the server-side filter by citizen id
// lives behind it.
type Store interface {
	GetForCitizen(ctx context.Context, citizenID string) ([]domain.ServiceRequest, error)
}

// Badge is the display classification of a status.
type Badge struct {
	Label string
	Tone  string // "neutral", "info", "warning", "success", "danger"
}

// StatusBadge maps a status to its display badge. Pure.
func StatusBadge(s domain.Status) Badge {
	switch s {
	case domain.StatusPending:
		return Badge{Label: "En attente", Tone: "neutral"}
	case domain.StatusInProgress:
		return Badge{Label: "En cours de traitement", Tone: "info"}
	case domain.StatusAwaitingDocuments:
		return Badge{Label: "Documents attendus", Tone: "warning"}
	case domain.StatusValidated:
		return Badge{Label: "Validée", Tone: "success"}
	case domain.StatusRejected:
		return Badge{Label: "Rejetée", Tone: "danger"}
	case domain.StatusCompleted:
		return Badge{Label: "Terminée", Tone: "success"}
	default:
		return Badge{Label: string(s), Tone: "neutral"}
	}
}

// Ledger caches the citizen's requests. Unlike the original portal page it
// subscribes to the change feed, so an agent's decision shows up without a
// page reload.
type Ledger struct {
	store     Store
	notifier  notify.Notifier
	citizenID string

	mu       sync.Mutex
	requests []domain.ServiceRequest
}

func New(store Store, notifier notify.Notifier, citizenID string) *Ledger {
	if notifier == nil {
		notifier = notify.Log{}
	}
	return &Ledger{store: store, notifier: notifier, citizenID: citizenID}
}

// Load replaces the cache with the scoped snapshot.
func (l *Ledger) Load(ctx context.Context) error {
	items, err := l.store.GetForCitizen(ctx, l.citizenID)
	if err != nil {
		l.notifier.Error("chargement de vos demandes impossible", err)
		return err
	}
	l.mu.Lock()
	l.requests = items
	l.mu.Unlock()
	return nil
}

// OnRemoteEvent folds an inbound event into the cache when it concerns this
// citizen. Updates obey the same updated_at precedence as the agent queue;
// inserts of the citizen's own requests re-fetch the scoped list.
func (l *Ledger) OnRemoteEvent(ctx context.Context, ev domain.ChangeEvent) {
	if ev.Current.CitizenID != l.citizenID {
		return
	}
	switch ev.Type {
	case domain.EventInsert:
		_ = l.Load(ctx)
	case domain.EventUpdate:
		l.merge(ev.Current)
		badge := StatusBadge(ev.Current.Status)
		l.notifier.Info("votre demande " + ev.Current.CaseNumber + " est passée à: " + badge.Label)
	}
}

// OnResync re-fetches after a channel gap.
func (l *Ledger) OnResync(ctx context.Context) {
	_ = l.Load(ctx)
}

func (l *Ledger) merge(rec domain.ServiceRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.requests {
		if l.requests[i].ID != rec.ID {
			continue
		}
		if !newerThan(rec.UpdatedAt, l.requests[i].UpdatedAt) {
			return
		}
		l.requests[i].Status = rec.Status
		l.requests[i].RejectionReason = rec.RejectionReason
		l.requests[i].Documents = rec.Documents
		l.requests[i].UpdatedAt = rec.UpdatedAt
		return
	}
}

func newerThan(candidate, cached string) bool {
	ct, err1 := time.Parse(time.RFC3339Nano, candidate)
	pt, err2 := time.Parse(time.RFC3339Nano, cached)
	if err1 != nil || err2 != nil {
		return true
	}
	return ct.After(pt)
}

// Requests returns a copy of the cached ledger.
func (l *Ledger) Requests() []domain.ServiceRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ServiceRequest, len(l.requests))
	copy(out, l.requests)
	return out
}
