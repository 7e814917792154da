package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/billing"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

const defaultSweepThreshold = 15 * time.Minute

func registerCredits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "credit-balance",
		Method:      http.MethodGet,
		Path:        "/credits/balance",
		Summary:     "Current balance",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bal, err := e.Billing.Balance(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{UserID: p.UserID, Balance: bal}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "credit-ledger",
		Method:      http.MethodGet,
		Path:        "/credits/ledger",
		Summary:     "Credit ledger",
		Description: "Transactions in the order they were applied.",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"0" minimum:"0"`
	}) (*struct {
		Body []domain.CreditTransaction `json:"body"`
	}, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Billing.Ledger(ctx, p.UserID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CreditTransaction `json:"body"`
		}{Body: items}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "adjust-credits",
		Method:        http.MethodPost,
		Path:          "/admin/credits",
		Summary:       "Grant or deduct credits",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusPaymentRequired},
	}, func(ctx context.Context, input *struct {
		Body AdjustCreditsRequest `json:"body"`
	}) (*struct {
		Body domain.CreditTransaction `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.UserID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		txn, err := e.Billing.Adjust(ctx, p.UserID, input.Body.UserID, domain.TransactionType(input.Body.Type), input.Body.Amount, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CreditTransaction `json:"body"`
		}{Body: txn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-ledgers",
		Method:      http.MethodGet,
		Path:        "/admin/credits/verify",
		Summary:     "Reconcile balances against ledgers",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []billing.Mismatch `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Billing.Verify(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []billing.Mismatch `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-stuck",
		Method:      http.MethodPost,
		Path:        "/admin/sweep",
		Summary:     "Fail tasks stuck in a busy state",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SweepRequest `json:"body" required:"false"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		threshold := defaultSweepThreshold
		if input.Body.OlderThan != "" {
			d, err := time.ParseDuration(input.Body.OlderThan)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "older_than must be a duration such as 15m", nil)
			}
			threshold = d
		}
		failed, err := e.SweepStuck(ctx, threshold)
		if err != nil {
			return nil, handleError(err)
		}
		if failed == nil {
			failed = []string{}
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Failed: failed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-events",
		Method:      http.MethodGet,
		Path:        "/admin/events",
		Summary:     "Latest audit events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
		Type  string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-stats",
		Method:      http.MethodGet,
		Path:        "/admin/stats",
		Summary:     "Task counts by status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := e.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: counts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-admin",
		Method:      http.MethodPut,
		Path:        "/admin/users/{user_id}/admin",
		Summary:     "Grant or revoke the administrator role",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Body   struct {
			Admin bool `json:"admin"`
		} `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.EnsureUser(ctx, nil, input.UserID, repo.FormatTime(time.Now())); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.SetUserAdmin(ctx, input.UserID, input.Body.Admin); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"user_id": input.UserID, "admin": input.Body.Admin}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-api-key",
		Method:        http.MethodPost,
		Path:          "/admin/users/{user_id}/api-keys",
		Summary:       "Issue API key",
		Description:   "The plaintext key is returned once.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Body   struct {
			Name string `json:"name,omitempty"`
		} `json:"body" required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		key, plain, err := IssueAPIKey(ctx, e.Repo, input.UserID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, UserID: key.UserID, Name: key.Name, Key: plain, CreatedAt: key.CreatedAt}}, nil
	})
}
