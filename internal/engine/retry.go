package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/gateway"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/imagestore"
)

// retryable reports whether per-shot rendering may run outside the
// automatic pipeline.
func retryable(s domain.TaskStatus) bool {
	switch s {
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusStoryboardReady:
		return true
	}
	return false
}

func (e Engine) retryTarget(ctx context.Context, viewer Viewer, taskID string) (domain.Task, error) {
	t, err := e.owned(ctx, viewer, taskID)
	if err != nil {
		return t, err
	}
	if !retryable(t.Status) {
		return t, fmt.Errorf("%w: shots cannot be rendered while the task is %s", ErrInvalidTransition, t.Status)
	}
	// A failed task without output has been refunded.
	if t.Status == domain.StatusFailed && t.VersionCount() == 0 {
		return t, fmt.Errorf("%w: task failed without output; create a new task", ErrInvalidTransition)
	}
	return t, nil
}

// RenderShot renders one more version of the shot at shotIndex from its
// stored prompt. Storyboard panels are rendered this way once the
// storyboard is ready.
func (e Engine) RenderShot(ctx context.Context, viewer Viewer, taskID string, shotIndex int) (domain.Version, error) {
	t, err := e.retryTarget(ctx, viewer, taskID)
	if err != nil {
		return domain.Version{}, err
	}
	s, ok := t.ShotByIndex(shotIndex)
	if !ok {
		return domain.Version{}, validationf("no shot at index %d", shotIndex)
	}
	if s.Type == domain.ShotHero {
		return domain.Version{}, validationf("the hero is re-rendered with regenerate-hero")
	}
	req, err := e.renderRequest(ctx, t, s, s.Prompt)
	if err != nil {
		return domain.Version{}, err
	}
	return e.renderAndSettle(ctx, t, s, req)
}

// RetryShot appends a version rendered from the shot prompt plus optional
// feedback. The feedback applies to this request only.
func (e Engine) RetryShot(ctx context.Context, viewer Viewer, taskID, shotID, feedback string) (domain.Version, error) {
	t, err := e.retryTarget(ctx, viewer, taskID)
	if err != nil {
		return domain.Version{}, err
	}
	s, ok := t.ShotByID(shotID)
	if !ok {
		return domain.Version{}, ErrAccessDenied
	}
	prompt := s.Prompt
	if fb := strings.TrimSpace(feedback); fb != "" {
		prompt += "\n\nRevision notes: " + fb
	}
	req, err := e.renderRequest(ctx, t, s, prompt)
	if err != nil {
		return domain.Version{}, err
	}
	return e.renderAndSettle(ctx, t, s, req)
}

// EditShot asks the renderer to alter the current version according to
// instruction, optionally limited to a mask.
func (e Engine) EditShot(ctx context.Context, viewer Viewer, taskID, shotID, instruction, mask string) (domain.Version, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return domain.Version{}, validationf("an edit instruction is required")
	}
	t, err := e.retryTarget(ctx, viewer, taskID)
	if err != nil {
		return domain.Version{}, err
	}
	s, ok := t.ShotByID(shotID)
	if !ok {
		return domain.Version{}, ErrAccessDenied
	}
	cur, ok := s.Current()
	if !ok {
		return domain.Version{}, validationf("shot %d has no version to edit", s.Index)
	}
	prior, err := imagestore.DataURI(ctx, e.Images, cur.ImagePath)
	if err != nil {
		return domain.Version{}, fmt.Errorf("load current version: %w", err)
	}
	req, err := e.renderRequest(ctx, t, s, instruction)
	if err != nil {
		return domain.Version{}, err
	}
	req.PriorImage = prior
	req.Mask = strings.TrimSpace(mask)
	return e.renderAndSettle(ctx, t, s, req)
}

// RetryFailedShots re-renders every shot without usable output, or only
// shotID when it is set. Shots that already have output are left alone.
func (e Engine) RetryFailedShots(ctx context.Context, viewer Viewer, taskID, shotID string) (domain.Task, error) {
	t, err := e.retryTarget(ctx, viewer, taskID)
	if err != nil {
		return t, err
	}
	if shotID != "" {
		if _, ok := t.ShotByID(shotID); !ok {
			return t, ErrAccessDenied
		}
	}
	if err := e.renderPending(ctx, t, shotID); err != nil {
		return t, err
	}
	if err := e.settle(ctx, t.ID); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, t.ID)
}

func (e Engine) renderAndSettle(ctx context.Context, t domain.Task, s domain.Shot, req gateway.RenderRequest) (domain.Version, error) {
	v, err := e.renderShot(ctx, t, s, req, false)
	if err != nil {
		return v, err
	}
	if err := e.settle(ctx, t.ID); err != nil {
		return v, err
	}
	return v, nil
}

// settle completes the task once every deliverable shot has output: a
// failed task recovers, a ready storyboard completes.
func (e Engine) settle(ctx context.Context, taskID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	var ev Event
	switch t.Status {
	case domain.StatusFailed:
		ev = EventRecovered
	case domain.StatusStoryboardReady:
		ev = EventShotsCompleted
	default:
		return nil
	}
	if !deliverablesDone(t) {
		return nil
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		_, err := e.transition(ctx, tx, t, ev, "system", nil)
		return err
	})
	if IsConflict(err) {
		return nil
	}
	if err != nil {
		return err
	}
	e.Log.Info().Str("task_id", t.ID).Str("event", string(ev)).Msg("task completed")
	return nil
}

// deliverablesDone reports whether every shot the task owes has a version.
// For hero_storyboard tasks those are the storyboard panels.
func deliverablesDone(t domain.Task) bool {
	n := 0
	for _, s := range t.Shots {
		if t.WorkflowKind == domain.WorkflowHeroStoryboard && s.Type != domain.ShotStoryboard {
			continue
		}
		if len(s.Versions) == 0 {
			return false
		}
		n++
	}
	return n > 0
}
