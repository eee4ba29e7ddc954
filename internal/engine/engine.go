// Package engine implements the request access interface: every read and
// write on the request store goes through here. Writes are validated against
// the lifecycle table, persisted transactionally, and mirrored onto the
// change feed in the same transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"guichet/internal/changefeed"
	"guichet/internal/config"
	"guichet/internal/domain"
	"guichet/internal/lifecycle"
	"guichet/internal/repo"
)

// ErrReasonRequired is returned when a rejection is attempted without a
// motif_rejet. The status and the reason are written atomically or not at all.
var ErrReasonRequired = errors.New("rejection requires a non-empty motif_rejet")

// ErrReasonWithoutRejection is returned when a patch carries a motif_rejet
// but does not enter the rejected status.
var ErrReasonWithoutRejection = errors.New("motif_rejet may only be set when entering rejected")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Feed   changefeed.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Feed:   changefeed.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// nextUpdatedAt returns a timestamp strictly greater than prev. The store is
// the sole writer of updated_at and the merge precedence of every cache hangs
// on it never standing still.
func (e Engine) nextUpdatedAt(prev string) string {
	next := e.now().UTC()
	if prevT, err := time.Parse(time.RFC3339Nano, prev); err == nil && !next.After(prevT) {
		next = prevT.Add(time.Nanosecond)
	}
	return next.Format(time.RFC3339Nano)
}

// GetAll returns the full joined snapshot, newest first.
func (e Engine) GetAll(ctx context.Context) ([]domain.ServiceRequest, error) {
	return e.Repo.ListRequests(ctx)
}

// GetByID returns one joined request or repo.ErrNotFound.
func (e Engine) GetByID(ctx context.Context, id string) (domain.ServiceRequest, error) {
	return e.Repo.GetRequest(ctx, id)
}

// GetForCitizen returns the requests owned by one citizen.
func (e Engine) GetForCitizen(ctx context.Context, citizenID string) ([]domain.ServiceRequest, error) {
	if citizenID == "" {
		return nil, errors.New("citizen id required")
	}
	return e.Repo.ListRequestsForCitizen(ctx, citizenID)
}

// SubmitOptions are parameters of a citizen submission.
type SubmitOptions struct {
	CitizenID    string
	CitizenName  string
	CitizenEmail string
	ServiceID    string
	Documents    []domain.Document
	ActorID      string
}

// Submit creates a request in pending status, issues its case number and
// emits an insert event.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.ServiceRequest, error) {
	if opts.CitizenID == "" || opts.CitizenName == "" {
		return domain.ServiceRequest{}, errors.New("citizen id and name are required")
	}
	svc, err := e.Repo.GetService(ctx, opts.ServiceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ServiceRequest{}, fmt.Errorf("unknown service %s", opts.ServiceID)
		}
		return domain.ServiceRequest{}, err
	}
	now := e.now().UTC()
	docs := make([]domain.Document, 0, len(opts.Documents))
	for _, doc := range opts.Documents {
		if doc.ID == "" {
			doc.ID = uuid.New().String()
		}
		if doc.UploadedAt == "" {
			doc.UploadedAt = now.Format(time.RFC3339Nano)
		}
		docs = append(docs, doc)
	}
	req := domain.ServiceRequest{
		ID:           uuid.New().String(),
		CitizenID:    opts.CitizenID,
		CitizenName:  opts.CitizenName,
		CitizenEmail: opts.CitizenEmail,
		ServiceRef:   domain.ServiceRef{ID: svc.ID, Name: svc.Name, Category: svc.Category},
		Status:       domain.StatusPending,
		Documents:    docs,
		CreatedAt:    now.Format(time.RFC3339Nano),
		UpdatedAt:    now.Format(time.RFC3339Nano),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()

	seq, err := e.Repo.NextCaseNumberTx(ctx, tx, now.Year())
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	req.CaseNumber = fmt.Sprintf("REQ-%d-%05d", now.Year(), seq)
	if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Feed.Append(ctx, tx, domain.EventInsert, opts.ActorID, nil, req); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	return req, nil
}

// Patch is a partial update of the mutable request fields. A rejection sets
// Status and RejectionReason together; everything else leaves the reason
// untouched so a prior rejection stays auditable across reprocessing.
type Patch struct {
	Status          *domain.Status
	RejectionReason *string
}

// UpdateStatus moves a request along the lifecycle table. Rejections must go
// through Update so the motif travels in the same write.
func (e Engine) UpdateStatus(ctx context.Context, id string, status domain.Status, actorID string) (domain.ServiceRequest, error) {
	return e.Update(ctx, id, Patch{Status: &status}, actorID)
}

// Update applies a patch: lifecycle-guarded, committed in one transaction
// with its feed event. No partial effect survives a validation failure.
func (e Engine) Update(ctx context.Context, id string, patch Patch, actorID string) (domain.ServiceRequest, error) {
	prev, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	next := prev

	if patch.Status != nil {
		if err := lifecycle.EnsureTransition(prev.Status, *patch.Status); err != nil {
			return domain.ServiceRequest{}, err
		}
		next.Status = *patch.Status
		if *patch.Status == domain.StatusRejected {
			if patch.RejectionReason == nil || *patch.RejectionReason == "" {
				return domain.ServiceRequest{}, ErrReasonRequired
			}
			reason := *patch.RejectionReason
			next.RejectionReason = &reason
		} else if patch.RejectionReason != nil {
			return domain.ServiceRequest{}, ErrReasonWithoutRejection
		}
	} else if patch.RejectionReason != nil {
		return domain.ServiceRequest{}, ErrReasonWithoutRejection
	}

	next.UpdatedAt = e.nextUpdatedAt(prev.UpdatedAt)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRequestTx(ctx, tx, next); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Feed.Append(ctx, tx, domain.EventUpdate, actorID, &prev, next); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	return next, nil
}

// AttachDocument appends a document reference to a request. Documents are
// append-only from the lifecycle engine's perspective.
func (e Engine) AttachDocument(ctx context.Context, id string, doc domain.Document, actorID string) (domain.ServiceRequest, error) {
	if doc.Name == "" {
		return domain.ServiceRequest{}, errors.New("document name required")
	}
	prev, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.UploadedAt == "" {
		doc.UploadedAt = e.now().UTC().Format(time.RFC3339Nano)
	}
	next := prev
	next.Documents = append(append([]domain.Document(nil), prev.Documents...), doc)
	next.UpdatedAt = e.nextUpdatedAt(prev.UpdatedAt)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRequestTx(ctx, tx, next); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Feed.Append(ctx, tx, domain.EventUpdate, actorID, &prev, next); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	return next, nil
}
