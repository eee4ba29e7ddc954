package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"guichet/internal/config"
	"guichet/internal/domain"
)

// Repo is the persistence layer over the request store. It owns no lifecycle
// logic; the engine validates before calling any writer here.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const requestColumns = `r.id, COALESCE(r.numero_dossier,''), r.citizen_id, r.citizen_name,
	COALESCE(r.citizen_email,''), s.id, s.name, s.category, r.status, r.motif_rejet,
	r.documents_json, r.created_at, r.updated_at`

const requestFrom = `FROM requests r JOIN services s ON s.id = r.service_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.ServiceRequest, error) {
	var (
		req      domain.ServiceRequest
		motif    sql.NullString
		docsJSON sql.NullString
	)
	err := row.Scan(&req.ID, &req.CaseNumber, &req.CitizenID, &req.CitizenName, &req.CitizenEmail,
		&req.ServiceRef.ID, &req.ServiceRef.Name, &req.ServiceRef.Category,
		&req.Status, &motif, &docsJSON, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if motif.Valid && motif.String != "" {
		req.RejectionReason = &motif.String
	}
	if docsJSON.Valid && docsJSON.String != "" {
		if err := json.Unmarshal([]byte(docsJSON.String), &req.Documents); err != nil {
			return req, fmt.Errorf("documents for request %s: %w", req.ID, err)
		}
	}
	return req, nil
}

// GetRequest returns the joined snapshot for one request.
func (r Repo) GetRequest(ctx context.Context, id string) (domain.ServiceRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` `+requestFrom+` WHERE r.id=?`, id)
	return scanRequest(row)
}

// ListRequests returns all requests with joined service identity, newest first.
func (r Repo) ListRequests(ctx context.Context) ([]domain.ServiceRequest, error) {
	return r.listRequests(ctx, ``)
}

// ListRequestsForCitizen returns the requests owned by one citizen, newest
// first. This is the server-side scoping the citizen ledger relies on.
func (r Repo) ListRequestsForCitizen(ctx context.Context, citizenID string) ([]domain.ServiceRequest, error) {
	return r.listRequests(ctx, `WHERE r.citizen_id=?`, citizenID)
}

func (r Repo) listRequests(ctx context.Context, where string, args ...any) ([]domain.ServiceRequest, error) {
	query := `SELECT ` + requestColumns + ` ` + requestFrom
	if where != "" {
		query += ` ` + where
	}
	query += ` ORDER BY r.created_at DESC, r.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// InsertRequestTx writes a new request row. The caller sets created_at and
// updated_at; documents are marshaled to the JSON column.
func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.ServiceRequest) error {
	docsJSON, err := marshalDocuments(req.Documents)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO requests(id,numero_dossier,citizen_id,citizen_name,citizen_email,service_id,status,motif_rejet,documents_json,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, nullable(req.CaseNumber), req.CitizenID, req.CitizenName, nullable(req.CitizenEmail),
		req.ServiceRef.ID, string(req.Status), nullableReason(req.RejectionReason), docsJSON,
		req.CreatedAt, req.UpdatedAt)
	return err
}

// UpdateRequestTx persists the mutable fields of a request in one statement:
// status, motif_rejet, documents and updated_at together, so a rejection can
// never land without its reason.
func (r Repo) UpdateRequestTx(ctx context.Context, tx *sql.Tx, req domain.ServiceRequest) error {
	docsJSON, err := marshalDocuments(req.Documents)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, motif_rejet=?, documents_json=?, updated_at=? WHERE id=?`,
		string(req.Status), nullableReason(req.RejectionReason), docsJSON, req.UpdatedAt, req.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextCaseNumberTx issues the next sequence value for the given year.
func (r Repo) NextCaseNumberTx(ctx context.Context, tx *sql.Tx, year int) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `INSERT INTO case_counters(year, seq) VALUES (?, 1)
		ON CONFLICT(year) DO UPDATE SET seq = seq + 1
		RETURNING seq`, year).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("case counter for %d: %w", year, err)
	}
	return seq, nil
}

// SeedServices upserts the configured services catalog. Existing ids keep
// their created_at.
func (r Repo) SeedServices(ctx context.Context, entries []config.ServiceEntry) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, svc := range entries {
		var docsJSON any
		if len(svc.RequiredDocuments) > 0 {
			data, err := json.Marshal(svc.RequiredDocuments)
			if err != nil {
				return err
			}
			docsJSON = string(data)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO services(id,name,category,required_documents_json,created_at) VALUES (?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category, required_documents_json=excluded.required_documents_json`,
			svc.ID, svc.Name, svc.Category, docsJSON, now); err != nil {
			return fmt.Errorf("seed service %s: %w", svc.ID, err)
		}
	}
	return tx.Commit()
}

// GetService returns one catalog service.
func (r Repo) GetService(ctx context.Context, id string) (domain.Service, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,category,required_documents_json,created_at FROM services WHERE id=?`, id)
	return scanService(row)
}

// ListServices returns the catalog ordered by category then name.
func (r Repo) ListServices(ctx context.Context) ([]domain.Service, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,category,required_documents_json,created_at FROM services ORDER BY category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func scanService(row rowScanner) (domain.Service, error) {
	var svc domain.Service
	var docsJSON sql.NullString
	err := row.Scan(&svc.ID, &svc.Name, &svc.Category, &docsJSON, &svc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return svc, ErrNotFound
	}
	if err != nil {
		return svc, err
	}
	if docsJSON.Valid && docsJSON.String != "" {
		if err := json.Unmarshal([]byte(docsJSON.String), &svc.RequiredDocuments); err != nil {
			return svc, fmt.Errorf("required documents for service %s: %w", svc.ID, err)
		}
	}
	return svc, nil
}

// EventsAfter returns up to limit change events with id greater than cursor,
// in commit order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,event_type,actor_id,previous_json,current_json
		FROM request_events WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestEventID returns the current feed cursor, 0 when the feed is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM request_events`).Scan(&id)
	return id, err
}

func scanEvent(row rowScanner) (domain.ChangeEvent, error) {
	var (
		ev       domain.ChangeEvent
		actor    sql.NullString
		prevJSON sql.NullString
		curJSON  string
	)
	if err := row.Scan(&ev.ID, &ev.TS, &ev.Type, &actor, &prevJSON, &curJSON); err != nil {
		return ev, err
	}
	if actor.Valid {
		ev.ActorID = actor.String
	}
	if prevJSON.Valid && prevJSON.String != "" {
		var prev domain.ServiceRequest
		if err := json.Unmarshal([]byte(prevJSON.String), &prev); err != nil {
			return ev, fmt.Errorf("event %d previous snapshot: %w", ev.ID, err)
		}
		ev.Previous = &prev
	}
	if err := json.Unmarshal([]byte(curJSON), &ev.Current); err != nil {
		return ev, fmt.Errorf("event %d current snapshot: %w", ev.ID, err)
	}
	return ev, nil
}

func marshalDocuments(docs []domain.Document) (any, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullableReason(reason *string) any {
	if reason == nil || *reason == "" {
		return nil
	}
	return *reason
}
