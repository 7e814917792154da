package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
)

// EnsureUser creates a zero-balance user row if missing.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,balance,is_admin,created_at) VALUES (?,0,0,?) ON CONFLICT(id) DO NOTHING`, id, now)
	return err
}

func (r Repo) SetUserAdmin(ctx context.Context, id string, admin bool) error {
	return affectedOne(r.DB.ExecContext(ctx, `UPDATE users SET is_admin=? WHERE id=?`, boolInt(admin), id))
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	var u domain.User
	var admin int
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,balance,is_admin,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Balance, &admin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	u.Admin = admin == 1
	return u, err
}

// DebitBalance subtracts amount only when the balance covers it. It
// reports false without error when funds are short.
func (r Repo) DebitBalance(ctx context.Context, tx *sql.Tx, userID string, amount int64) (int64, bool, error) {
	var after int64
	err := tx.QueryRowContext(ctx, `UPDATE users SET balance=balance-? WHERE id=? AND balance>=? RETURNING balance`,
		amount, userID, amount).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return after, true, nil
}

func (r Repo) CreditBalance(ctx context.Context, tx *sql.Tx, userID string, amount int64) (int64, error) {
	var after int64
	err := tx.QueryRowContext(ctx, `UPDATE users SET balance=balance+? WHERE id=? RETURNING balance`, amount, userID).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return after, err
}

// InsertTransaction appends a ledger row with the next per-user sequence.
func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, c domain.CreditTransaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO credit_transactions(id,seq,user_id,type,amount,balance_after,related_task_id,reason,note,created_at)
		VALUES (?,(SELECT COALESCE(MAX(seq),0)+1 FROM credit_transactions WHERE user_id=?),?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.UserID, c.Type, c.Amount, c.BalanceAfter, nullableStringPtr(c.RelatedTaskID), c.Reason, nullable(c.Note), c.CreatedAt)
	return err
}

// FindTaskTransaction returns the ledger row for a task and reason code.
func (r Repo) FindTaskTransaction(ctx context.Context, tx *sql.Tx, taskID, reason string) (domain.CreditTransaction, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT id,user_id,type,amount,balance_after,related_task_id,reason,COALESCE(note,''),created_at
		FROM credit_transactions WHERE related_task_id=? AND reason=?`, taskID, reason)
	return scanTransaction(row)
}

func scanTransaction(row interface{ Scan(...any) error }) (domain.CreditTransaction, error) {
	var c domain.CreditTransaction
	var related sql.NullString
	err := row.Scan(&c.ID, &c.UserID, &c.Type, &c.Amount, &c.BalanceAfter, &related, &c.Reason, &c.Note, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	c.RelatedTaskID = stringPtr(related)
	return c, err
}

type LedgerFilters struct {
	UserID string
	TaskID string
	// Limit keeps the most recent rows.
	Limit int
}

// ListTransactions returns ledger rows in creation order.
func (r Repo) ListTransactions(ctx context.Context, f LedgerFilters) ([]domain.CreditTransaction, error) {
	const cols = `id,user_id,type,amount,balance_after,related_task_id,reason,COALESCE(note,'') AS note,created_at`
	where := ` WHERE 1=1`
	var args []any
	if f.UserID != "" {
		where += ` AND user_id=?`
		args = append(args, f.UserID)
	}
	if f.TaskID != "" {
		where += ` AND related_task_id=?`
		args = append(args, f.TaskID)
	}
	query := `SELECT ` + cols + ` FROM credit_transactions` + where + ` ORDER BY user_id, seq`
	if f.Limit > 0 {
		newest := ` ORDER BY created_at DESC, seq DESC`
		if f.UserID != "" {
			newest = ` ORDER BY seq DESC`
		}
		query = `SELECT id,user_id,type,amount,balance_after,related_task_id,reason,note,created_at FROM (SELECT ` + cols +
			`,seq FROM credit_transactions` + where + newest + ` LIMIT ?) ORDER BY user_id, seq`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CreditTransaction
	for rows.Next() {
		c, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
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
