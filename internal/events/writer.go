package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TaskCreated       = "task.created"
	TaskClaimed       = "task.claimed"
	TaskStatus        = "task.status"
	TaskPlanned       = "task.planned"
	TaskDeleted       = "task.deleted"
	ShotPromptUpdated = "shot.prompt_updated"
	ShotQCUpdated     = "shot.qc_updated"
	ShotRenderFailed  = "shot.render_failed"
	VersionAdded      = "shot.version_added"
	VersionSelected   = "shot.version_selected"
	CreditCharged     = "credit.charged"
	CreditRefunded    = "credit.refunded"
	CreditAdjusted    = "credit.adjusted"
	ProfileChanged    = "profile.changed"
)

// Writer appends audit events inside the caller's transaction so the trail
// commits or rolls back with the change it describes.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, taskID, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(taskID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
