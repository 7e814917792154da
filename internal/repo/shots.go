package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
)

const shotColumns = `id,task_id,idx,shot_code,type,prompt,qc_status,render_status,last_error,current_version_id,created_at,updated_at`

func (r Repo) InsertShot(ctx context.Context, tx *sql.Tx, s domain.Shot) error {
	if s.QCStatus == "" {
		s.QCStatus = domain.QCPending
	}
	if s.RenderStatus == "" {
		s.RenderStatus = domain.RenderPending
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO shots(`+shotColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.Index, s.ShotCode, s.Type, s.Prompt, s.QCStatus, s.RenderStatus,
		nullableStringPtr(s.LastError), nullableIntPtr(s.CurrentVersionID), s.CreatedAt, s.UpdatedAt)
	return err
}

func scanShot(row interface{ Scan(...any) error }) (domain.Shot, error) {
	var s domain.Shot
	var lastErr sql.NullString
	var current sql.NullInt64
	err := row.Scan(&s.ID, &s.TaskID, &s.Index, &s.ShotCode, &s.Type, &s.Prompt, &s.QCStatus, &s.RenderStatus,
		&lastErr, &current, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.LastError = stringPtr(lastErr)
	if current.Valid {
		v := int(current.Int64)
		s.CurrentVersionID = &v
	}
	return s, nil
}

func listShots(ctx context.Context, q querier, taskID string) ([]domain.Shot, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+shotColumns+` FROM shots WHERE task_id=? ORDER BY idx`, taskID)
	if err != nil {
		return nil, err
	}
	var shots []domain.Shot
	for rows.Next() {
		s, err := scanShot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		shots = append(shots, s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range shots {
		versions, err := listVersions(ctx, q, shots[i].ID)
		if err != nil {
			return nil, err
		}
		shots[i].Versions = versions
	}
	return shots, nil
}

func (r Repo) GetShot(ctx context.Context, shotID string) (domain.Shot, error) {
	return getShot(ctx, r.DB, shotID)
}

func (r Repo) GetShotTx(ctx context.Context, tx *sql.Tx, shotID string) (domain.Shot, error) {
	return getShot(ctx, tx, shotID)
}

func getShot(ctx context.Context, q querier, shotID string) (domain.Shot, error) {
	s, err := scanShot(q.QueryRowContext(ctx, `SELECT `+shotColumns+` FROM shots WHERE id=?`, shotID))
	if err != nil {
		return s, err
	}
	s.Versions, err = listVersions(ctx, q, shotID)
	return s, err
}

func (r Repo) UpdateShotPrompt(ctx context.Context, tx *sql.Tx, shotID, prompt, now string) error {
	return affectedOne(tx.ExecContext(ctx, `UPDATE shots SET prompt=?, updated_at=? WHERE id=?`, prompt, now, shotID))
}

func (r Repo) UpdateShotPlan(ctx context.Context, tx *sql.Tx, shotID, code, prompt, now string) error {
	return affectedOne(tx.ExecContext(ctx, `UPDATE shots SET shot_code=?, prompt=?, updated_at=? WHERE id=?`, code, prompt, now, shotID))
}

func (r Repo) SetQCStatus(ctx context.Context, tx *sql.Tx, shotID string, status domain.QCStatus, now string) error {
	return affectedOne(tx.ExecContext(ctx, `UPDATE shots SET qc_status=?, updated_at=? WHERE id=?`, status, now, shotID))
}

// SetRenderStatus records the outcome of a render attempt. lastErr is
// cleared when nil.
func (r Repo) SetRenderStatus(ctx context.Context, tx *sql.Tx, shotID string, status domain.RenderStatus, lastErr *string, now string) error {
	return affectedOne(tx.ExecContext(ctx, `UPDATE shots SET render_status=?, last_error=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(lastErr), now, shotID))
}

// SetCurrentVersion points the shot at one of its existing versions.
func (r Repo) SetCurrentVersion(ctx context.Context, tx *sql.Tx, shotID string, versionID int, now string) error {
	return affectedOne(tx.ExecContext(ctx, `UPDATE shots SET current_version_id=?, updated_at=?
		WHERE id=? AND EXISTS (SELECT 1 FROM versions WHERE shot_id=? AND version_id=?)`,
		versionID, now, shotID, shotID, versionID))
}

func (r Repo) DeleteShot(ctx context.Context, tx *sql.Tx, shotID string) error {
	return affectedOne(tx.ExecContext(ctx, `DELETE FROM shots WHERE id=?`, shotID))
}
