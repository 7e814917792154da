package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/keypool"
)

type profileOutput struct {
	Body domain.ModelProfile `json:"body"`
}

type KindParams struct {
	Kind string `path:"kind" enum:"PLANNER,RENDERER"`
}

type ProfileTestResponse struct {
	ProfileID string `json:"profile_id"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// registerProfiles exposes key pool administration. Secrets are write-only.
func registerProfiles(api huma.API, keys *keypool.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/admin/profiles",
		Summary:     "List model profiles",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind" enum:"PLANNER,RENDERER"`
	}) (*struct {
		Body []domain.ModelProfile `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := keys.Profiles(ctx, domain.ProfileKind(input.Kind))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ModelProfile `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-profile",
		Method:        http.MethodPost,
		Path:          "/admin/profiles",
		Summary:       "Add model profile",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateProfileRequest `json:"body"`
	}) (*profileOutput, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := keys.AddProfile(ctx, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &profileOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-profile",
		Method:      http.MethodDelete,
		Path:        "/admin/profiles/{profile_id}",
		Summary:     "Delete model profile",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProfileID string `path:"profile_id"`
	}) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := keys.DeleteProfile(ctx, input.ProfileID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-profile-disabled",
		Method:      http.MethodPut,
		Path:        "/admin/profiles/{profile_id}/disabled",
		Summary:     "Disable or enable a profile",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProfileID string `path:"profile_id"`
		Body      struct {
			Disabled bool `json:"disabled"`
		} `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := keys.SetDisabled(ctx, input.ProfileID, input.Body.Disabled); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"profile_id": input.ProfileID, "disabled": input.Body.Disabled}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-profile",
		Method:      http.MethodPost,
		Path:        "/admin/profiles/{profile_id}/test",
		Summary:     "Probe a profile",
		Description: "A failed probe is reported in the body; rotation and cooldown state are not touched.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProfileID string `path:"profile_id"`
	}) (*struct {
		Body ProfileTestResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := keys.Test(ctx, input.ProfileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileTestResponse `json:"body"`
		}{Body: ProfileTestResponse{ProfileID: res.ProfileID, OK: res.OK, LatencyMS: res.Latency.Milliseconds(), Error: res.Error}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-pool",
		Method:      http.MethodPut,
		Path:        "/admin/pools/{kind}",
		Summary:     "Replace the ordered pool",
		Description: "An empty list clears the pool so selection falls back to the primary.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KindParams
		Body PoolRequest `json:"body"`
	}) (*struct {
		Body []domain.ModelProfile `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		kind := domain.ProfileKind(input.Kind)
		if err := keys.SetPool(ctx, kind, input.Body.ProfileIDs); err != nil {
			return nil, handleError(err)
		}
		items, err := keys.Store.PoolProfiles(ctx, kind)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range items {
			items[i].Secret = ""
		}
		return &struct {
			Body []domain.ModelProfile `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-primary",
		Method:      http.MethodPut,
		Path:        "/admin/pools/{kind}/primary",
		Summary:     "Set the fallback profile",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KindParams
		Body PrimaryRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := keys.SetPrimary(ctx, domain.ProfileKind(input.Kind), input.Body.ProfileID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"kind": input.Kind, "profile_id": input.Body.ProfileID}}, nil
	})
}
