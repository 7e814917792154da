package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

type ShotParams struct {
	TaskID string `path:"task_id"`
	Shot   string `path:"shot" doc:"Shot index in plan order, or shot id"`
}

type shotOutput struct {
	Body domain.Shot `json:"body"`
}

type versionOutput struct {
	Body domain.Version `json:"body"`
}

// resolveShot accepts either a numeric plan index or a shot id.
func resolveShot(ctx context.Context, e engine.Engine, viewer engine.Viewer, taskID, ref string) (domain.Shot, error) {
	t, err := e.GetTask(ctx, viewer, taskID)
	if err != nil {
		return domain.Shot{}, err
	}
	if idx, convErr := strconv.Atoi(ref); convErr == nil {
		if s, ok := t.ShotByIndex(idx); ok {
			return s, nil
		}
	}
	if s, ok := t.ShotByID(ref); ok {
		return s, nil
	}
	return domain.Shot{}, repo.ErrNotFound
}

func registerShots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "render-shot",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/shots/{shot}/render",
		Summary:       "Render another version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *ShotParams) (*versionOutput, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := resolveShot(ctx, e, p.viewer(), input.TaskID, input.Shot)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.RenderShot(ctx, p.viewer(), input.TaskID, s.Index)
		if err != nil {
			return nil, handleError(err)
		}
		return &versionOutput{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-version",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/shots/{shot}/current",
		Summary:     "Select current version",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShotParams
		Body SelectVersionRequest `json:"body"`
	}) (*taskOutput, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := resolveShot(ctx, e, p.viewer(), input.TaskID, input.Shot)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.SelectShotVersion(ctx, p.viewer(), input.TaskID, s.Index, input.Body.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-shot-prompt",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/shots/{shot}/prompt",
		Summary:     "Edit shot prompt",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ShotParams
		Body UpdatePromptRequest `json:"body"`
	}) (*shotOutput, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := resolveShot(ctx, e, p.viewer(), input.TaskID, input.Shot)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.UpdateShotPrompt(ctx, p.viewer(), input.TaskID, s.ID, input.Body.Prompt)
		if err != nil {
			return nil, handleError(err)
		}
		return &shotOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-shot-qc",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/shots/{shot}/qc",
		Summary:     "Set QC status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShotParams
		Body QCRequest `json:"body"`
	}) (*shotOutput, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := resolveShot(ctx, e, p.viewer(), input.TaskID, input.Shot)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.SetQCStatus(ctx, p.viewer(), input.TaskID, s.ID, domain.QCStatus(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &shotOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-shot",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/shots/{shot}/retry",
		Summary:       "Re-render with feedback",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ShotParams
		Body RetryShotRequest `json:"body" required:"false"`
	}) (*versionOutput, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := resolveShot(ctx, e, p.viewer(), input.TaskID, input.Shot)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.RetryShot(ctx, p.viewer(), input.TaskID, s.ID, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &versionOutput{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "edit-shot",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/shots/{shot}/edit",
		Summary:       "Edit current image",
		Description:   "Sends the current version back to the model with an instruction and an optional mask.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ShotParams
		Body EditShotRequest `json:"body"`
	}) (*versionOutput, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := resolveShot(ctx, e, p.viewer(), input.TaskID, input.Shot)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.EditShot(ctx, p.viewer(), input.TaskID, s.ID, input.Body.Instruction, input.Body.Mask)
		if err != nil {
			return nil, handleError(err)
		}
		return &versionOutput{Body: v}, nil
	})
}
