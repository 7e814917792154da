package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
)

// InsertProfile stores a profile. Secret must already be sealed.
func (r Repo) InsertProfile(ctx context.Context, p domain.ModelProfile) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO model_profiles(id,kind,name,gateway,model,secret_enc,disabled,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Kind, nullable(p.Name), p.Gateway, p.Model, p.Secret, boolInt(p.Disabled), p.CreatedAt)
	return err
}

func scanProfile(row interface{ Scan(...any) error }) (domain.ModelProfile, error) {
	var p domain.ModelProfile
	var disabled int
	err := row.Scan(&p.ID, &p.Kind, &p.Name, &p.Gateway, &p.Model, &p.Secret, &disabled, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	p.Disabled = disabled == 1
	return p, err
}

const profileColumns = `id,kind,COALESCE(name,''),gateway,model,secret_enc,disabled,created_at`

func (r Repo) GetProfile(ctx context.Context, id string) (domain.ModelProfile, error) {
	return scanProfile(r.DB.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM model_profiles WHERE id=?`, id))
}

func (r Repo) ListProfiles(ctx context.Context, kind domain.ProfileKind) ([]domain.ModelProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM model_profiles`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ModelProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetProfileDisabled(ctx context.Context, id string, disabled bool) error {
	return affectedOne(r.DB.ExecContext(ctx, `UPDATE model_profiles SET disabled=? WHERE id=?`, boolInt(disabled), id))
}

func (r Repo) DeleteProfile(ctx context.Context, id string) error {
	return affectedOne(r.DB.ExecContext(ctx, `DELETE FROM model_profiles WHERE id=?`, id))
}

// ReplacePool rewrites the ordered pool of a kind.
func (r Repo) ReplacePool(ctx context.Context, kind domain.ProfileKind, profileIDs []string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM model_pools WHERE kind=?`, kind); err != nil {
		return err
	}
	for i, id := range profileIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO model_pools(kind,position,profile_id) VALUES (?,?,?)`, kind, i, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PoolProfiles returns the pool of a kind in rotation order.
func (r Repo) PoolProfiles(ctx context.Context, kind domain.ProfileKind) ([]domain.ModelProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.id,p.kind,COALESCE(p.name,''),p.gateway,p.model,p.secret_enc,p.disabled,p.created_at
		FROM model_pools mp JOIN model_profiles p ON p.id=mp.profile_id WHERE mp.kind=? ORDER BY mp.position`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ModelProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetPrimary(ctx context.Context, kind domain.ProfileKind, profileID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO model_primaries(kind,profile_id) VALUES (?,?) ON CONFLICT(kind) DO UPDATE SET profile_id=excluded.profile_id`, kind, profileID)
	return err
}

func (r Repo) PrimaryProfile(ctx context.Context, kind domain.ProfileKind) (domain.ModelProfile, error) {
	return scanProfile(r.DB.QueryRowContext(ctx, `SELECT p.id,p.kind,COALESCE(p.name,''),p.gateway,p.model,p.secret_enc,p.disabled,p.created_at
		FROM model_primaries mp JOIN model_profiles p ON p.id=mp.profile_id WHERE mp.kind=?`, kind))
}
