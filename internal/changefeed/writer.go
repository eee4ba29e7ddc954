// Package changefeed is the change-notification channel for the request
// collection: a transactional writer that appends row-level events alongside
// each mutation, and a polling subscriber that delivers them to listeners.
package changefeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"guichet/internal/domain"
)

// Writer appends change events inside the same transaction as the mutation
// they describe, so the feed never shows a change that did not commit.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records one event. Previous is nil for inserts.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evType domain.EventType, actorID string, previous *domain.ServiceRequest, current domain.ServiceRequest) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	curJSON, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal event current: %w", err)
	}
	var prevJSON any
	if previous != nil {
		data, err := json.Marshal(previous)
		if err != nil {
			return fmt.Errorf("marshal event previous: %w", err)
		}
		prevJSON = string(data)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO request_events(ts,event_type,request_id,actor_id,previous_json,current_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), string(evType), current.ID, actor, prevJSON, string(curJSON))
	return err
}
