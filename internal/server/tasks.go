package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

type taskPath struct {
	TaskID string `path:"task_id"`
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		Description:   "Anonymous submissions receive a one-time claim token and stay in CREATED until claimed.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusPaymentRequired},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body engine.CreateResult `json:"body"`
	}, error) {
		p := principalFromContext(ctx)
		if p.UserID == "" && !auth.AllowAnonymous {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		res, err := e.CreateTask(ctx, input.Body.options(p.UserID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CreateResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTasks(ctx, p.viewer(), repo.TaskFilters{Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Description: "Returns the task with its shots and every rendered version. Images are served under /images/{image_path}.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		t, err := e.GetTask(ctx, principalFromContext(ctx).viewer(), input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deleted, err := e.DeleteTask(ctx, p.viewer(), input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: deleted}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/events",
		Summary:     "Task audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Limit  int    `query:"limit" default:"0" minimum:"0"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.TaskEvents(ctx, principalFromContext(ctx).viewer(), input.TaskID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/claim",
		Summary:     "Claim anonymous task",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusPaymentRequired},
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"task_id"`
		Body   ClaimTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ClaimTask(ctx, p.viewer(), input.TaskID, input.Body.ClaimToken)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	registerTaskAction(api, "start-task", "/tasks/{task_id}/start", "Start planning", e.StartTask)
	registerTaskAction(api, "confirm-hero", "/tasks/{task_id}/hero/confirm", "Confirm hero and plan storyboard", e.ConfirmHero)
	registerTaskAction(api, "regenerate-hero", "/tasks/{task_id}/hero/regenerate", "Render another hero", e.RegenerateHero)
	registerTaskAction(api, "replan-storyboard", "/tasks/{task_id}/storyboard/replan", "Replan storyboard", e.ReplanStoryboard)

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/approve",
		Summary:     "Approve plan",
		Description: "Charges the task and starts rendering. edited_prompts replaces planned prompts by shot index.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusPaymentRequired},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   ApproveTaskRequest `json:"body" required:"false"`
	}) (*taskOutput, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prompts, err := input.Body.prompts()
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.ApproveTask(ctx, p.viewer(), input.TaskID, prompts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-failed-shots",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/retry-failed",
		Summary:     "Re-render failed shots",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   RetryFailedRequest `json:"body" required:"false"`
	}) (*taskOutput, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RetryFailedShots(ctx, p.viewer(), input.TaskID, input.Body.ShotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})
}

// registerTaskAction wires a body-less POST that drives one workflow event.
func registerTaskAction(api huma.API, id, path, summary string, fn func(context.Context, engine.Viewer, string) (domain.Task, error)) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusPaymentRequired},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := fn(ctx, p.viewer(), input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})
}
