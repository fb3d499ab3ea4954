package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the log.
const (
	DocumentIngested  = "document.ingested"
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskStatus        = "task.status"
	DependencyAdded   = "task.dependency.added"
	DependencyRemoved = "task.dependency.removed"
)

// Types lists every event type, used to validate webhook subscriptions.
var Types = []string{DocumentIngested, TaskCreated, TaskUpdated, TaskStatus, DependencyAdded, DependencyRemoved}

// Entity kinds.
const (
	KindTask     = "task"
	KindDocument = "document"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx so it commits or rolls back with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
