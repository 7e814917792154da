package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
)

const taskColumns = `id,status,workflow_kind,owner_id,claim_token_hash,inputs_json,plan_json,error,charged_amount,revision,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	inputs, err := json.Marshal(t.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Status, t.WorkflowKind, nullableStringPtr(t.OwnerID), nullableStringPtr(t.ClaimTokenHash),
		string(inputs), nullableStringPtr(t.PlanJSON), nullableStringPtr(t.Error), t.ChargedAmount, t.Revision,
		t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var owner, claimHash, plan, errMsg sql.NullString
	var inputs string
	err := row.Scan(&t.ID, &t.Status, &t.WorkflowKind, &owner, &claimHash, &inputs, &plan, &errMsg,
		&t.ChargedAmount, &t.Revision, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(inputs), &t.Inputs); err != nil {
		return t, fmt.Errorf("decode inputs for task %s: %w", t.ID, err)
	}
	t.OwnerID = stringPtr(owner)
	t.ClaimTokenHash = stringPtr(claimHash)
	t.PlanJSON = stringPtr(plan)
	t.Error = stringPtr(errMsg)
	return t, nil
}

// GetTask loads the task aggregate including shots and versions.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	shots, err := listShots(ctx, q, id)
	if err != nil {
		return t, err
	}
	t.Shots = shots
	return t, nil
}

type TaskFilters struct {
	OwnerID string
	Status  string
	Limit   int
}

// ListTasks returns task headers without shots, newest first.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListStaleTasks returns ids of tasks in one of the given statuses whose
// last update is older than the cutoff.
func (r Repo) ListStaleTasks(ctx context.Context, statuses []domain.TaskStatus, cutoff string) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, cutoff)
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE status IN (`+placeholders+`) AND updated_at < ? ORDER BY updated_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompareAndSetStatus moves a task from one status to another. errMsg
// replaces the stored error when non-nil.
func (r Repo) CompareAndSetStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.TaskStatus, errMsg *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, error=COALESCE(?, error), revision=revision+1, updated_at=? WHERE id=? AND status=?`,
		to, nullableStringPtr(errMsg), now, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (r Repo) SetTaskPlan(ctx context.Context, tx *sql.Tx, id, planJSON, now string) error {
	return affectedOne(tx.ExecContext(ctx, `UPDATE tasks SET plan_json=?, revision=revision+1, updated_at=? WHERE id=?`, planJSON, now, id))
}

func (r Repo) SetTaskError(ctx context.Context, tx *sql.Tx, id string, errMsg *string, now string) error {
	return affectedOne(tx.ExecContext(ctx, `UPDATE tasks SET error=?, revision=revision+1, updated_at=? WHERE id=?`, nullableStringPtr(errMsg), now, id))
}

func (r Repo) SetChargedAmount(ctx context.Context, tx *sql.Tx, id string, amount int64, now string) error {
	return affectedOne(tx.ExecContext(ctx, `UPDATE tasks SET charged_amount=?, updated_at=? WHERE id=?`, amount, now, id))
}

// TouchTask bumps updated_at so the stuck-task sweep sees progress.
func (r Repo) TouchTask(ctx context.Context, tx *sql.Tx, id, now string) error {
	return affectedOne(tx.ExecContext(ctx, `UPDATE tasks SET revision=revision+1, updated_at=? WHERE id=?`, now, id))
}

// BindOwner sets the owner of an unclaimed task whose stored claim hash
// matches. It returns ErrNotFound when no row qualifies.
func (r Repo) BindOwner(ctx context.Context, tx *sql.Tx, id, ownerID, claimHash, now string) error {
	return affectedOne(tx.ExecContext(ctx, `UPDATE tasks SET owner_id=?, claim_token_hash=NULL, revision=revision+1, updated_at=? WHERE id=? AND owner_id IS NULL AND claim_token_hash=?`,
		ownerID, now, id, claimHash))
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	return affectedOne(tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id))
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
