// Package billing settles credit balances against task outcomes. Every
// balance mutation writes a ledger row in the same transaction, so the
// ledger sum always reproduces the balance.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/events"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

var (
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrInvalidAmount      = errors.New("amount must be positive")
	// ErrAlreadyCharged guards against a second charge for the same task.
	ErrAlreadyCharged = errors.New("task already charged")
)

// Settlement performs charges, refunds and administrative adjustments.
type Settlement struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func (s Settlement) now() string {
	if s.Now == nil {
		return repo.FormatTime(time.Now())
	}
	return repo.FormatTime(s.Now())
}

// Charge debits amount for a task inside tx. The caller commits the status
// change in the same transaction.
func (s Settlement) Charge(ctx context.Context, tx *sql.Tx, userID, taskID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	if _, err := s.Repo.FindTaskTransaction(ctx, tx, taskID, domain.ReasonTaskCharge); err == nil {
		return "", ErrAlreadyCharged
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	now := s.now()
	if err := s.Repo.EnsureUser(ctx, tx, userID, now); err != nil {
		return "", err
	}
	after, ok, err := s.Repo.DebitBalance(ctx, tx, userID, amount)
	if err != nil {
		return "", fmt.Errorf("debit balance: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %d credits required", ErrInsufficientCredit, amount)
	}
	txn := domain.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          domain.TransactionSpend,
		Amount:        amount,
		BalanceAfter:  after,
		RelatedTaskID: &taskID,
		Reason:        domain.ReasonTaskCharge,
		CreatedAt:     now,
	}
	if err := s.Repo.InsertTransaction(ctx, tx, txn); err != nil {
		return "", fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := s.Events.Append(ctx, tx, events.CreditCharged, taskID, "user", userID, userID, events.Payload{
		"transaction_id": txn.ID, "amount": amount, "balance_after": after,
	}); err != nil {
		return "", err
	}
	return txn.ID, nil
}

// Refund credits a task's charge back exactly once. A repeated refund
// returns the id of the existing ledger row.
func (s Settlement) Refund(ctx context.Context, tx *sql.Tx, userID, taskID string, amount int64, note string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	existing, err := s.Repo.FindTaskTransaction(ctx, tx, taskID, domain.ReasonTaskRefund)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	after, err := s.Repo.CreditBalance(ctx, tx, userID, amount)
	if err != nil {
		return "", fmt.Errorf("credit balance: %w", err)
	}
	txn := domain.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          domain.TransactionEarn,
		Amount:        amount,
		BalanceAfter:  after,
		RelatedTaskID: &taskID,
		Reason:        domain.ReasonTaskRefund,
		Note:          note,
		CreatedAt:     s.now(),
	}
	if err := s.Repo.InsertTransaction(ctx, tx, txn); err != nil {
		return "", fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := s.Events.Append(ctx, tx, events.CreditRefunded, taskID, "user", userID, "system", events.Payload{
		"transaction_id": txn.ID, "amount": amount, "balance_after": after, "note": note,
	}); err != nil {
		return "", err
	}
	return txn.ID, nil
}

// Adjust applies an administrative EARN or SPEND that is not tied to a task.
func (s Settlement) Adjust(ctx context.Context, actorID, userID string, typ domain.TransactionType, amount int64, note string) (domain.CreditTransaction, error) {
	if amount <= 0 {
		return domain.CreditTransaction{}, ErrInvalidAmount
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	defer tx.Rollback()
	now := s.now()
	if err := s.Repo.EnsureUser(ctx, tx, userID, now); err != nil {
		return domain.CreditTransaction{}, err
	}
	var after int64
	switch typ {
	case domain.TransactionEarn:
		after, err = s.Repo.CreditBalance(ctx, tx, userID, amount)
		if err != nil {
			return domain.CreditTransaction{}, err
		}
	case domain.TransactionSpend:
		var ok bool
		after, ok, err = s.Repo.DebitBalance(ctx, tx, userID, amount)
		if err != nil {
			return domain.CreditTransaction{}, err
		}
		if !ok {
			return domain.CreditTransaction{}, ErrInsufficientCredit
		}
	default:
		return domain.CreditTransaction{}, fmt.Errorf("invalid transaction type %q", typ)
	}
	txn := domain.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: after,
		Reason:       domain.ReasonAdminAdjust,
		Note:         note,
		CreatedAt:    now,
	}
	if err := s.Repo.InsertTransaction(ctx, tx, txn); err != nil {
		return domain.CreditTransaction{}, err
	}
	if err := s.Events.Append(ctx, tx, events.CreditAdjusted, "", "user", userID, actorID, events.Payload{
		"transaction_id": txn.ID, "type": typ, "amount": amount, "balance_after": after,
	}); err != nil {
		return domain.CreditTransaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CreditTransaction{}, err
	}
	return txn, nil
}

// Balance returns the current balance, zero for unknown users.
func (s Settlement) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := s.Repo.GetUser(ctx, nil, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return u.Balance, nil
}

func (s Settlement) Ledger(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	return s.Repo.ListTransactions(ctx, repo.LedgerFilters{UserID: userID, Limit: limit})
}

// Mismatch describes a user whose ledger does not reproduce the balance.
type Mismatch struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledger_sum"`
	Reason    string `json:"reason"`
}

// Verify replays every ledger in order and reports users whose running sum
// diverges from a balance snapshot or from the stored balance.
func (s Settlement) Verify(ctx context.Context) ([]Mismatch, error) {
	ids, err := s.Repo.ListUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	var res []Mismatch
	for _, id := range ids {
		u, err := s.Repo.GetUser(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		txns, err := s.Repo.ListTransactions(ctx, repo.LedgerFilters{UserID: id})
		if err != nil {
			return nil, err
		}
		var sum int64
		reason := ""
		for _, t := range txns {
			sum += t.Signed()
			if sum != t.BalanceAfter && reason == "" {
				reason = fmt.Sprintf("snapshot mismatch at transaction %s", t.ID)
			}
			if sum < 0 && reason == "" {
				reason = fmt.Sprintf("negative balance after transaction %s", t.ID)
			}
		}
		if sum != u.Balance && reason == "" {
			reason = "ledger sum differs from balance"
		}
		if reason != "" {
			res = append(res, Mismatch{UserID: id, Balance: u.Balance, LedgerSum: sum, Reason: reason})
		}
	}
	return res, nil
}
