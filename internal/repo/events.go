package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/events"
)

// RecordEvent appends one event in its own transaction, for changes that
// are not part of a task write.
func (r Repo) RecordEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload map[string]any) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := (events.Writer{}).Append(ctx, tx, evtType, "", entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskEvents returns the audit trail of a task in append order.
func (r Repo) TaskEvents(ctx context.Context, taskID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,task_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE task_id=? ORDER BY id`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// LatestEvents returns the most recent events, optionally filtered by type.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,task_id,entity_kind,entity_id,actor_id,payload_json FROM events`
	var args []any
	if evtType != "" {
		query += ` WHERE type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var taskID, entityID sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &taskID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.EntityID = entityID.String
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with an id greater than afterID.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,task_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
