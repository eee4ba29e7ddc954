// Package agentqueue is the agent-facing view model over the request store.
// It holds a local cache of the full queue, applies optimistic mutations when
// the agent acts, and reconciles inbound change-feed events against the
// cache. The cache is always subordinate to store state: on conflict the
// store's committed updated_at wins.
package agentqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"guichet/internal/domain"
	"guichet/internal/engine"
	"guichet/internal/lifecycle"
	"guichet/internal/notify"
)

// Store is the request access interface the queue mediates. engine.Engine
// satisfies it; tests plug in fakes.
type Store interface {
	GetAll(ctx context.Context) ([]domain.ServiceRequest, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, actorID string) (domain.ServiceRequest, error)
	Update(ctx context.Context, id string, patch engine.Patch, actorID string) (domain.ServiceRequest, error)
}

// Tab is the coarse queue partition shown to the agent.
type Tab string

const (
	TabAll        Tab = "all"
	TabToProcess  Tab = "to_process"
	TabProcessing Tab = "processing"
	TabProcessed  Tab = "processed"
)

// FilterOptions compose client-side; all active filters are ANDed. Filtering
// never triggers a re-fetch.
type FilterOptions struct {
	Term    string
	Service string
	Status  domain.Status
	Tab     Tab
}

// Stats is a pure fold over the current cache, recomputed on demand so counts
// can never drift from the list.
type Stats struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
}

// Config wires a queue.
type Config struct {
	Store           Store
	Notifier        notify.Notifier
	ActorID         string
	ActionTimeout   time.Duration
	HighlightWindow time.Duration
}

// Queue is the agent queue view model. All state changes funnel through
// apply() with a closed set of messages, so the merge rules live in exactly
// one place.
type Queue struct {
	store           Store
	notifier        notify.Notifier
	actorID         string
	actionTimeout   time.Duration
	highlightWindow time.Duration

	now      func() time.Time
	schedule func(d time.Duration, f func())

	mu       sync.Mutex
	requests []domain.ServiceRequest
	recent   map[string]time.Time
	reject   *rejectDraft

	loadMu      sync.Mutex
	loadRunning bool
	loadDirty   bool
}

type rejectDraft struct {
	id     string
	reason string
}

func New(cfg Config) *Queue {
	q := &Queue{
		store:           cfg.Store,
		notifier:        cfg.Notifier,
		actorID:         cfg.ActorID,
		actionTimeout:   cfg.ActionTimeout,
		highlightWindow: cfg.HighlightWindow,
		now:             time.Now,
		recent:          map[string]time.Time{},
	}
	if q.notifier == nil {
		q.notifier = notify.Log{}
	}
	if q.actionTimeout <= 0 {
		q.actionTimeout = 10 * time.Second
	}
	if q.highlightWindow <= 0 {
		q.highlightWindow = 5 * time.Second
	}
	q.schedule = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	return q
}

// message is the closed set of state mutations.
type message interface{ isMessage() }

type loadCompleted struct{ items []domain.ServiceRequest }
type actionApplied struct {
	id     string
	status domain.Status
	reason *string
}
type actionConfirmed struct{ req domain.ServiceRequest }
type actionFailed struct{ snapshot domain.ServiceRequest }
type remoteUpdate struct{ req domain.ServiceRequest }
type highlightExpired struct {
	id       string
	markedAt time.Time
}

func (loadCompleted) isMessage()    {}
func (actionApplied) isMessage()    {}
func (actionConfirmed) isMessage()  {}
func (actionFailed) isMessage()     {}
func (remoteUpdate) isMessage()     {}
func (highlightExpired) isMessage() {}

func (q *Queue) apply(msg message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch m := msg.(type) {
	case loadCompleted:
		q.requests = m.items
	case actionApplied:
		if i := q.index(m.id); i >= 0 {
			q.requests[i].Status = m.status
			if m.reason != nil {
				reason := *m.reason
				q.requests[i].RejectionReason = &reason
			}
		}
	case actionConfirmed:
		q.mergeLocked(m.req, false)
	case actionFailed:
		// Roll back the optimistic guess, but only if nothing newer landed
		// in the meantime: a remote event carrying a committed updated_at
		// outranks the snapshot.
		if i := q.index(m.snapshot.ID); i >= 0 && q.requests[i].UpdatedAt == m.snapshot.UpdatedAt {
			q.requests[i] = m.snapshot
		}
	case remoteUpdate:
		q.mergeLocked(m.req, true)
	case highlightExpired:
		if marked, ok := q.recent[m.id]; ok && marked.Equal(m.markedAt) {
			delete(q.recent, m.id)
		}
	}
}

func (q *Queue) index(id string) int {
	for i := range q.requests {
		if q.requests[i].ID == id {
			return i
		}
	}
	return -1
}

// mergeLocked folds a store snapshot into the cache. Stale or equal
// updated_at never regresses the cached record. Merging is field-level: only
// the fields the store mutates are copied, so locally derived state survives.
func (q *Queue) mergeLocked(rec domain.ServiceRequest, markRecent bool) {
	i := q.index(rec.ID)
	if i < 0 {
		return
	}
	if !newerThan(rec.UpdatedAt, q.requests[i].UpdatedAt) {
		return
	}
	cached := &q.requests[i]
	cached.Status = rec.Status
	cached.RejectionReason = rec.RejectionReason
	cached.Documents = rec.Documents
	cached.UpdatedAt = rec.UpdatedAt
	if rec.CaseNumber != "" {
		cached.CaseNumber = rec.CaseNumber
	}
	if markRecent {
		marked := q.now()
		q.recent[rec.ID] = marked
		q.schedule(q.highlightWindow, func() {
			q.apply(highlightExpired{id: rec.ID, markedAt: marked})
		})
	}
}

// newerThan reports whether candidate is strictly newer than cached. Unparsable
// timestamps defer to the candidate: the store is the source of truth.
func newerThan(candidate, cached string) bool {
	ct, err1 := time.Parse(time.RFC3339Nano, candidate)
	pt, err2 := time.Parse(time.RFC3339Nano, cached)
	if err1 != nil || err2 != nil {
		return true
	}
	return ct.After(pt)
}

// Load fetches the full queue and replaces the cache wholesale. Called on
// construction and on every inbound insert event, because inserted records
// carry joined fields the change payload alone cannot refresh reliably.
func (q *Queue) Load(ctx context.Context) error {
	items, err := q.store.GetAll(ctx)
	if err != nil {
		q.notifier.Error("chargement des demandes impossible", err)
		return err
	}
	q.apply(loadCompleted{items: items})
	return nil
}

// reload coalesces concurrent insert-triggered loads: one running load plus
// at most one queued rerun, so a burst of inserts costs two fetches, not one
// per event.
func (q *Queue) reload(ctx context.Context) {
	q.loadMu.Lock()
	if q.loadRunning {
		q.loadDirty = true
		q.loadMu.Unlock()
		return
	}
	q.loadRunning = true
	q.loadMu.Unlock()

	for {
		_ = q.Load(ctx)
		q.loadMu.Lock()
		if !q.loadDirty {
			q.loadRunning = false
			q.loadMu.Unlock()
			return
		}
		q.loadDirty = false
		q.loadMu.Unlock()
	}
}

// Process takes a pending request into handling.
func (q *Queue) Process(ctx context.Context, id string) error {
	return q.act(ctx, id, domain.StatusInProgress, "demande prise en charge")
}

// Validate approves a request under handling.
func (q *Queue) Validate(ctx context.Context, id string) error {
	return q.act(ctx, id, domain.StatusValidated, "demande validée")
}

// RequestDocuments sends a request back to the citizen for missing pieces.
func (q *Queue) RequestDocuments(ctx context.Context, id string) error {
	return q.act(ctx, id, domain.StatusAwaitingDocuments, "documents complémentaires demandés")
}

// act applies the optimistic local mutation first, then confirms against the
// store under a bounded timeout. On failure the optimistic entry is rolled
// back and the error surfaced as a toast.
func (q *Queue) act(ctx context.Context, id string, target domain.Status, successMsg string) error {
	snapshot, err := q.beginAction(id, target, nil)
	if err != nil {
		q.notifier.Error("action impossible", err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, q.actionTimeout)
	defer cancel()
	updated, err := q.store.UpdateStatus(ctx, id, target, q.actorID)
	if err != nil {
		q.apply(actionFailed{snapshot: snapshot})
		q.notifier.Error("action impossible", err)
		return err
	}
	q.apply(actionConfirmed{req: updated})
	q.notifier.Success(updated.CaseNumber, successMsg)
	return nil
}

// beginAction snapshots the cached record and applies the optimistic guess in
// one critical section, so a UI read immediately after the call already sees
// the new status. The lifecycle guard runs here too: an illegal move from a
// button that should have been disabled is a programming bug and must not
// even reach the wire.
func (q *Queue) beginAction(id string, target domain.Status, reason *string) (domain.ServiceRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.index(id)
	if i < 0 {
		return domain.ServiceRequest{}, fmt.Errorf("request %s not in queue", id)
	}
	snapshot := q.requests[i]
	if err := lifecycle.EnsureTransition(snapshot.Status, target); err != nil {
		return domain.ServiceRequest{}, err
	}
	q.requests[i].Status = target
	if reason != nil {
		r := *reason
		q.requests[i].RejectionReason = &r
	}
	return snapshot, nil
}

// OpenRejectModal starts a rejection draft for the given request. The UI owns
// the text entry; the queue owns the atomic write.
func (q *Queue) OpenRejectModal(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.index(id) < 0 {
		return fmt.Errorf("request %s not in queue", id)
	}
	if q.reject == nil || q.reject.id != id {
		q.reject = &rejectDraft{id: id}
	}
	return nil
}

// RejectionDraft exposes the open draft, if any, so the dialog can re-render
// retained text after a failure.
func (q *Queue) RejectionDraft() (id, reason string, open bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reject == nil {
		return "", "", false
	}
	return q.reject.id, q.reject.reason, true
}

// SubmitRejection writes the rejection for the open draft. On success the
// draft is cleared and the dialog closes; on failure it stays open with the
// entered reason retained so the agent does not retype it.
func (q *Queue) SubmitRejection(ctx context.Context, reason string) error {
	q.mu.Lock()
	draft := q.reject
	if draft != nil {
		draft.reason = reason
	}
	q.mu.Unlock()
	if draft == nil {
		return fmt.Errorf("no rejection in progress")
	}
	if err := q.Reject(ctx, draft.id, reason); err != nil {
		return err
	}
	q.mu.Lock()
	if q.reject == draft {
		q.reject = nil
	}
	q.mu.Unlock()
	return nil
}

// Reject moves a request to rejected with its motif in one atomic write.
func (q *Queue) Reject(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(reason) == "" {
		err := engine.ErrReasonRequired
		q.notifier.Error("rejet impossible", err)
		return err
	}
	status := domain.StatusRejected
	snapshot, err := q.beginAction(id, status, &reason)
	if err != nil {
		q.notifier.Error("rejet impossible", err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, q.actionTimeout)
	defer cancel()
	updated, err := q.store.Update(ctx, id, engine.Patch{Status: &status, RejectionReason: &reason}, q.actorID)
	if err != nil {
		q.apply(actionFailed{snapshot: snapshot})
		q.notifier.Error("rejet impossible", err)
		return err
	}
	q.apply(actionConfirmed{req: updated})
	q.notifier.Success(updated.CaseNumber, "demande rejetée")
	return nil
}

// OnRemoteEvent reconciles one change-feed event into the cache. Updates
// merge field-wise keyed by updated_at and mark the record recently changed;
// inserts trigger a full (deduplicated) re-fetch plus an info toast.
func (q *Queue) OnRemoteEvent(ctx context.Context, ev domain.ChangeEvent) {
	switch ev.Type {
	case domain.EventUpdate:
		q.apply(remoteUpdate{req: ev.Current})
	case domain.EventInsert:
		q.notifier.Info(fmt.Sprintf("nouvelle demande reçue: %s", ev.Current.CaseNumber))
		q.reload(ctx)
	case domain.EventDelete:
		// The lifecycle has no delete operation; drop silently.
	}
}

// OnResync re-fetches the queue after the channel recovered from a gap.
func (q *Queue) OnResync(ctx context.Context) {
	q.reload(ctx)
}

// RecentlyChanged reports whether id is inside its highlight window.
func (q *Queue) RecentlyChanged(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.recent[id]
	return ok
}

// Requests returns a copy of the cached queue.
func (q *Queue) Requests() []domain.ServiceRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.ServiceRequest, len(q.requests))
	copy(out, q.requests)
	return out
}

// Get returns the cached record for id.
func (q *Queue) Get(id string) (domain.ServiceRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.index(id); i >= 0 {
		return q.requests[i], true
	}
	return domain.ServiceRequest{}, false
}

// Filter applies the composed predicate to the cached snapshot. Matching is
// case-insensitive substring over case number, service name and citizen name.
func (q *Queue) Filter(opts FilterOptions) []domain.ServiceRequest {
	term := strings.ToLower(strings.TrimSpace(opts.Term))
	var out []domain.ServiceRequest
	for _, req := range q.Requests() {
		if term != "" && !matchesTerm(req, term) {
			continue
		}
		if opts.Service != "" && !strings.EqualFold(opts.Service, req.ServiceRef.ID) && !strings.EqualFold(opts.Service, req.ServiceRef.Name) {
			continue
		}
		if opts.Status != "" && req.Status != opts.Status {
			continue
		}
		if opts.Tab != "" && opts.Tab != TabAll && tabFor(req.Status) != opts.Tab {
			continue
		}
		out = append(out, req)
	}
	return out
}

func matchesTerm(req domain.ServiceRequest, term string) bool {
	return strings.Contains(strings.ToLower(req.CaseNumber), term) ||
		strings.Contains(strings.ToLower(req.ServiceRef.Name), term) ||
		strings.Contains(strings.ToLower(req.CitizenName), term)
}

func tabFor(s domain.Status) Tab {
	switch s {
	case domain.StatusPending:
		return TabToProcess
	case domain.StatusInProgress, domain.StatusAwaitingDocuments:
		return TabProcessing
	default:
		return TabProcessed
	}
}

// StatsNow folds the cached snapshot into counters. Never cached separately:
// recomputing keeps a single source of truth for counts.
func (q *Queue) StatsNow() Stats {
	var st Stats
	for _, req := range q.Requests() {
		st.Total++
		switch req.Status {
		case domain.StatusPending:
			st.Pending++
		case domain.StatusInProgress, domain.StatusAwaitingDocuments:
			st.InProgress++
		case domain.StatusValidated, domain.StatusRejected, domain.StatusCompleted:
			st.Completed++
		}
	}
	return st
}
