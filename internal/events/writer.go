package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the store and fanned out to gateway subscribers.
const (
	TypeCreated   = "created"
	TypeUpdated   = "updated"
	TypeProgress  = "progress"
	TypeCompleted = "completed"
	TypeBlocked   = "blocked"
	TypeStarted   = "started"
	TypeHeartbeat = "heartbeat"
	TypeArchived  = "archived"
)

// Entity kinds used in topics (`kind:id`).
const (
	KindInitiative = "initiative"
	KindPRD        = "prd"
	KindTask       = "task"
	KindStream     = "stream"
	KindAgent      = "agent"
	KindCheckpoint = "checkpoint"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event row inside the caller's transaction so the event
// log and the mutation commit or roll back together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, initiativeID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,initiative_id,payload) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), nullable(initiativeID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
