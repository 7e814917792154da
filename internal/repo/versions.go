package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
)

// AppendVersion allocates the next version id from the shot's counter and
// inserts the immutable version row. The counter increment and insert run
// in the caller's transaction, so ids stay monotonic under concurrent
// renders of the same shot.
func (r Repo) AppendVersion(ctx context.Context, tx *sql.Tx, v domain.Version) (domain.Version, error) {
	var next int
	err := tx.QueryRowContext(ctx, `UPDATE shots SET next_version=next_version+1, updated_at=? WHERE id=? RETURNING next_version`,
		v.CreatedAt, v.ShotID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.VersionID = next
	_, err = tx.ExecContext(ctx, `INSERT INTO versions(shot_id,version_id,image_path,prompt_used,profile_id,created_at) VALUES (?,?,?,?,?,?)`,
		v.ShotID, v.VersionID, v.ImagePath, v.PromptUsed, nullable(v.ProfileID), v.CreatedAt)
	if err != nil {
		return v, err
	}
	return v, nil
}

func listVersions(ctx context.Context, q querier, shotID string) ([]domain.Version, error) {
	rows, err := q.QueryContext(ctx, `SELECT shot_id,version_id,image_path,prompt_used,COALESCE(profile_id,''),created_at FROM versions WHERE shot_id=? ORDER BY version_id`, shotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	versions := []domain.Version{}
	for rows.Next() {
		var v domain.Version
		if err := rows.Scan(&v.ShotID, &v.VersionID, &v.ImagePath, &v.PromptUsed, &v.ProfileID, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// CountTaskVersions returns the number of versions across all shots of a task.
func (r Repo) CountTaskVersions(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM versions v JOIN shots s ON s.id=v.shot_id WHERE s.task_id=?`, taskID).Scan(&n)
	return n, err
}

// ListTaskImages returns every stored image path of a task.
func (r Repo) ListTaskImages(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT v.image_path FROM versions v JOIN shots s ON s.id=v.shot_id WHERE s.task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
