package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/billing"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/claim"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/events"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

const (
	defaultShotCount = 4
	maxShotCount     = 12
	maxReferences    = 8
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Kind   domain.WorkflowKind
	Inputs domain.TaskInputs
	// OwnerID is empty for anonymous submissions, which get a claim token.
	OwnerID string
}

type CreateResult struct {
	Task domain.Task `json:"task"`
	// ClaimToken is returned once and never stored in plaintext.
	ClaimToken string `json:"claim_token,omitempty"`
}

func normalizeInputs(kind domain.WorkflowKind, in domain.TaskInputs) (domain.TaskInputs, error) {
	if !kind.Valid() {
		return in, validationf("unknown workflow kind %q", kind)
	}
	if in.Resolution == "" {
		in.Resolution = domain.Resolution2K
	}
	if !in.Resolution.Valid() {
		return in, validationf("resolution must be 1K, 2K or 4K")
	}
	var refs []string
	for _, r := range in.ReferenceImages {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	in.ReferenceImages = refs
	if len(in.ReferenceImages) == 0 {
		return in, validationf("at least one reference image is required")
	}
	if len(in.ReferenceImages) > maxReferences {
		return in, validationf("at most %d reference images are allowed", maxReferences)
	}
	switch kind {
	case domain.WorkflowDirect:
		in.ShotCount = 1
	default:
		if in.ShotCount == 0 {
			in.ShotCount = defaultShotCount
		}
		if in.ShotCount < 1 || in.ShotCount > maxShotCount {
			return in, validationf("shot count must be between 1 and %d", maxShotCount)
		}
	}
	if kind == domain.WorkflowHeroStoryboard && strings.TrimSpace(in.Requirements) == "" && strings.TrimSpace(in.DirectPrompt) == "" {
		return in, validationf("requirements are needed to render a hero image")
	}
	return in, nil
}

// estimatedOutputs is the output count the create-time credit check uses.
func estimatedOutputs(kind domain.WorkflowKind, in domain.TaskInputs) int {
	switch kind {
	case domain.WorkflowDirect:
		return 1
	case domain.WorkflowHeroStoryboard:
		return 1 + in.ShotCount
	}
	return in.ShotCount
}

// billedOutputs is the output count charged at the billing trigger.
func billedOutputs(t domain.Task) int {
	switch t.WorkflowKind {
	case domain.WorkflowDirect:
		return 1
	case domain.WorkflowHeroStoryboard:
		return 1 + t.Inputs.ShotCount
	}
	return len(t.Shots)
}

func (e Engine) precheckCredit(ctx context.Context, userID string, amount int64) error {
	u, err := e.Repo.GetUser(ctx, nil, userID)
	if errors.Is(err, repo.ErrNotFound) {
		u.Balance = 0
	} else if err != nil {
		return err
	}
	if u.Balance < amount {
		return fmt.Errorf("%w: %d credits required, %d available", billing.ErrInsufficientCredit, amount, u.Balance)
	}
	return nil
}

// CreateTask validates inputs and stores a task in CREATED. Owned tasks
// start immediately; anonymous tasks wait for a claim.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (CreateResult, error) {
	inputs, err := normalizeInputs(opts.Kind, opts.Inputs)
	if err != nil {
		return CreateResult{}, err
	}
	owner := strings.TrimSpace(opts.OwnerID)
	if owner != "" {
		if err := e.precheckCredit(ctx, owner, e.Price(inputs.Resolution, estimatedOutputs(opts.Kind, inputs))); err != nil {
			return CreateResult{}, err
		}
	}
	now := e.stamp()
	t := domain.Task{
		ID:           uuid.NewString(),
		Status:       domain.StatusCreated,
		WorkflowKind: opts.Kind,
		Inputs:       inputs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var res CreateResult
	if owner != "" {
		t.OwnerID = &owner
	} else {
		token, hash, err := claim.New()
		if err != nil {
			return CreateResult{}, err
		}
		t.ClaimTokenHash = &hash
		res.ClaimToken = token
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if owner != "" {
			if err := e.Repo.EnsureUser(ctx, tx, owner, now); err != nil {
				return err
			}
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return e.Events.Append(ctx, tx, events.TaskCreated, t.ID, "task", t.ID, owner, events.Payload{
			"workflow_kind": t.WorkflowKind, "resolution": inputs.Resolution, "shot_count": inputs.ShotCount, "anonymous": owner == "",
		})
	})
	if err != nil {
		return CreateResult{}, err
	}
	e.Log.Info().Str("task_id", t.ID).Str("workflow", string(t.WorkflowKind)).Bool("anonymous", owner == "").Msg("task created")
	if owner != "" {
		if _, err := e.start(ctx, t, owner); err != nil {
			return CreateResult{}, err
		}
	}
	res.Task, err = e.Repo.GetTask(ctx, t.ID)
	if err != nil {
		return CreateResult{}, err
	}
	return res, nil
}

// visible loads a task the viewer may see. Everything else looks missing.
func (e Engine) visible(ctx context.Context, viewer Viewer, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return t, ErrAccessDenied
	}
	if err != nil {
		return t, err
	}
	if viewer.Admin {
		return t, nil
	}
	if viewer.UserID == "" || !t.Owned() || *t.OwnerID != viewer.UserID {
		return domain.Task{}, ErrAccessDenied
	}
	return t, nil
}

// owned is visible plus the requirement that the task has an owner, which
// every billable or rendering operation needs.
func (e Engine) owned(ctx context.Context, viewer Viewer, taskID string) (domain.Task, error) {
	t, err := e.visible(ctx, viewer, taskID)
	if err != nil {
		return t, err
	}
	if !t.Owned() {
		return t, validationf("task %s has not been claimed", taskID)
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, viewer Viewer, taskID string) (domain.Task, error) {
	return e.visible(ctx, viewer, taskID)
}

// ListTasks returns task headers. Non-admin viewers only see their own.
func (e Engine) ListTasks(ctx context.Context, viewer Viewer, f repo.TaskFilters) ([]domain.Task, error) {
	if !viewer.Admin {
		if viewer.UserID == "" {
			return nil, ErrAccessDenied
		}
		f.OwnerID = viewer.UserID
	}
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) TaskEvents(ctx context.Context, viewer Viewer, taskID string, limit int) ([]domain.Event, error) {
	if _, err := e.visible(ctx, viewer, taskID); err != nil {
		return nil, err
	}
	return e.Repo.TaskEvents(ctx, taskID, limit)
}

// ClaimTask binds an anonymous task to the viewer when the presented token
// matches. Claiming an already owned task is idempotent for its owner.
func (e Engine) ClaimTask(ctx context.Context, viewer Viewer, taskID, token string) (domain.Task, error) {
	if viewer.UserID == "" {
		return domain.Task{}, validationf("claiming requires an authenticated user")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, ErrAccessDenied
	}
	if err != nil {
		return domain.Task{}, err
	}
	if t.Owned() {
		if *t.OwnerID == viewer.UserID || viewer.Admin {
			return t, nil
		}
		return domain.Task{}, ErrAccessDenied
	}
	if err := claim.Validate(token); err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if t.ClaimTokenHash == nil || !claim.Match(token, *t.ClaimTokenHash) {
		return domain.Task{}, ErrAccessDenied
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		if err := e.Repo.EnsureUser(ctx, tx, viewer.UserID, now); err != nil {
			return err
		}
		if err := e.Repo.BindOwner(ctx, tx, t.ID, viewer.UserID, *t.ClaimTokenHash, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrAccessDenied
			}
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskClaimed, t.ID, "task", t.ID, viewer.UserID, nil)
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.Log.Info().Str("task_id", t.ID).Str("owner_id", viewer.UserID).Msg("task claimed")
	return e.Repo.GetTask(ctx, t.ID)
}

// StartTask moves a claimed task out of CREATED.
func (e Engine) StartTask(ctx context.Context, viewer Viewer, taskID string) (domain.Task, error) {
	t, err := e.owned(ctx, viewer, taskID)
	if err != nil {
		return t, err
	}
	if err := e.precheckCredit(ctx, *t.OwnerID, e.Price(t.Inputs.Resolution, estimatedOutputs(t.WorkflowKind, t.Inputs))); err != nil {
		return t, err
	}
	if _, err := e.start(ctx, t, viewer.actor()); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

func (e Engine) start(ctx context.Context, t domain.Task, actor string) (domain.TaskStatus, error) {
	var to domain.TaskStatus
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		to, err = e.transition(ctx, tx, t, EventStart, actor, nil)
		return err
	})
	if err != nil {
		return "", err
	}
	if to == domain.StatusHeroRendering {
		e.dispatch(ctx, t.ID, StageHero)
	} else {
		e.dispatch(ctx, t.ID, StagePlan)
	}
	return to, nil
}

// ApproveTask is the billing trigger for legacy and direct tasks. Edited
// prompts are keyed by shot index and applied before rendering starts.
func (e Engine) ApproveTask(ctx context.Context, viewer Viewer, taskID string, editedPrompts map[int]string) (domain.Task, error) {
	t, err := e.owned(ctx, viewer, taskID)
	if err != nil {
		return t, err
	}
	if !Allowed(t, EventApprove) {
		return t, fmt.Errorf("%w: cannot approve a %s task", ErrInvalidTransition, t.Status)
	}
	for idx, prompt := range editedPrompts {
		if _, ok := t.ShotByIndex(idx); !ok {
			return t, validationf("no shot at index %d", idx)
		}
		if strings.TrimSpace(prompt) == "" {
			return t, validationf("edited prompt for shot %d is empty", idx)
		}
	}
	if err := e.approve(ctx, t, viewer.actor(), editedPrompts); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// approve charges the owner and enters RENDERING in one transaction. On
// insufficient credit nothing changes and the task keeps waiting.
func (e Engine) approve(ctx context.Context, t domain.Task, actor string, editedPrompts map[int]string) error {
	amount := e.Price(t.Inputs.Resolution, billedOutputs(t))
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		for idx, prompt := range editedPrompts {
			s, _ := t.ShotByIndex(idx)
			if err := e.Repo.UpdateShotPrompt(ctx, tx, s.ID, strings.TrimSpace(prompt), now); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, events.ShotPromptUpdated, t.ID, "shot", s.ID, actor, events.Payload{"index": idx}); err != nil {
				return err
			}
		}
		if _, err := e.Billing.Charge(ctx, tx, *t.OwnerID, t.ID, amount); err != nil {
			return err
		}
		if err := e.Repo.SetChargedAmount(ctx, tx, t.ID, amount, now); err != nil {
			return err
		}
		_, err := e.transition(ctx, tx, t, EventApprove, actor, nil)
		return err
	})
	if err != nil {
		return err
	}
	e.Log.Info().Str("task_id", t.ID).Int64("amount", amount).Msg("task approved and charged")
	e.dispatch(ctx, t.ID, StageRender)
	return nil
}

// ConfirmHero is the billing trigger for hero_storyboard tasks. The charge
// covers the hero and every storyboard panel.
func (e Engine) ConfirmHero(ctx context.Context, viewer Viewer, taskID string) (domain.Task, error) {
	t, err := e.owned(ctx, viewer, taskID)
	if err != nil {
		return t, err
	}
	if !Allowed(t, EventConfirmHero) {
		return t, fmt.Errorf("%w: cannot confirm the hero of a %s task", ErrInvalidTransition, t.Status)
	}
	amount := e.Price(t.Inputs.Resolution, billedOutputs(t))
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Billing.Charge(ctx, tx, *t.OwnerID, t.ID, amount); err != nil {
			return err
		}
		if err := e.Repo.SetChargedAmount(ctx, tx, t.ID, amount, e.stamp()); err != nil {
			return err
		}
		_, err := e.transition(ctx, tx, t, EventConfirmHero, viewer.actor(), nil)
		return err
	})
	if err != nil {
		return t, err
	}
	e.dispatch(ctx, t.ID, StageStoryboard)
	return e.Repo.GetTask(ctx, taskID)
}

// RegenerateHero renders another hero version; it becomes current.
func (e Engine) RegenerateHero(ctx context.Context, viewer Viewer, taskID string) (domain.Task, error) {
	return e.simpleEvent(ctx, viewer, taskID, EventRegenerateHero, StageHero)
}

// ReplanStoryboard re-plans the panels without touching the hero. A
// confirmed task whose storyboard planning failed before any panel existed
// is replanned out of FAILED.
func (e Engine) ReplanStoryboard(ctx context.Context, viewer Viewer, taskID string) (domain.Task, error) {
	t, err := e.owned(ctx, viewer, taskID)
	if err != nil {
		return t, err
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetTaskTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status == domain.StatusFailed {
			if err := replannable(cur); err != nil {
				return err
			}
			if err := e.Repo.SetTaskError(ctx, tx, cur.ID, nil, e.stamp()); err != nil {
				return err
			}
		}
		_, err = e.transition(ctx, tx, cur, EventReplan, viewer.actor(), nil)
		return err
	})
	if err != nil {
		return t, err
	}
	e.dispatch(ctx, t.ID, StageStoryboard)
	return e.Repo.GetTask(ctx, taskID)
}

func replannable(t domain.Task) error {
	if t.ChargedAmount <= 0 || t.VersionCount() == 0 {
		return fmt.Errorf("%w: the hero was never confirmed", ErrInvalidTransition)
	}
	for _, s := range t.Shots {
		if s.Type == domain.ShotStoryboard {
			return fmt.Errorf("%w: the storyboard has panels; render them to recover", ErrInvalidTransition)
		}
	}
	return nil
}

func (e Engine) simpleEvent(ctx context.Context, viewer Viewer, taskID string, ev Event, stage Stage) (domain.Task, error) {
	t, err := e.owned(ctx, viewer, taskID)
	if err != nil {
		return t, err
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		_, err := e.transition(ctx, tx, t, ev, viewer.actor(), nil)
		return err
	})
	if err != nil {
		return t, err
	}
	e.dispatch(ctx, t.ID, stage)
	return e.Repo.GetTask(ctx, taskID)
}

// busy reports statuses in which a background job owns the shots.
func busy(s domain.TaskStatus) bool {
	switch s {
	case domain.StatusPlanning, domain.StatusRendering, domain.StatusHeroRendering, domain.StatusStoryboardPlanning:
		return true
	}
	return false
}

func (e Engine) UpdateShotPrompt(ctx context.Context, viewer Viewer, taskID, shotID, prompt string) (domain.Shot, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return domain.Shot{}, validationf("prompt is required")
	}
	t, err := e.visible(ctx, viewer, taskID)
	if err != nil {
		return domain.Shot{}, err
	}
	if busy(t.Status) {
		return domain.Shot{}, fmt.Errorf("%w: task is %s", ErrInvalidTransition, t.Status)
	}
	s, ok := t.ShotByID(shotID)
	if !ok {
		return domain.Shot{}, ErrAccessDenied
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateShotPrompt(ctx, tx, s.ID, prompt, e.stamp()); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ShotPromptUpdated, t.ID, "shot", s.ID, viewer.actor(), events.Payload{"index": s.Index})
	})
	if err != nil {
		return domain.Shot{}, err
	}
	return e.Repo.GetShot(ctx, s.ID)
}

// SetQCStatus records a reviewer verdict. It never triggers rendering.
func (e Engine) SetQCStatus(ctx context.Context, viewer Viewer, taskID, shotID string, status domain.QCStatus) (domain.Shot, error) {
	if !status.Valid() {
		return domain.Shot{}, validationf("qc status must be PENDING, APPROVED or NEEDS_FIX")
	}
	t, err := e.visible(ctx, viewer, taskID)
	if err != nil {
		return domain.Shot{}, err
	}
	s, ok := t.ShotByID(shotID)
	if !ok {
		return domain.Shot{}, ErrAccessDenied
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SetQCStatus(ctx, tx, s.ID, status, e.stamp()); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ShotQCUpdated, t.ID, "shot", s.ID, viewer.actor(), events.Payload{
			"from": s.QCStatus, "to": status,
		})
	})
	if err != nil {
		return domain.Shot{}, err
	}
	return e.Repo.GetShot(ctx, s.ID)
}

// SelectShotVersion makes an existing version current. Versions are never
// altered.
func (e Engine) SelectShotVersion(ctx context.Context, viewer Viewer, taskID string, shotIndex, versionID int) (domain.Task, error) {
	t, err := e.visible(ctx, viewer, taskID)
	if err != nil {
		return t, err
	}
	s, ok := t.ShotByIndex(shotIndex)
	if !ok {
		return t, validationf("no shot at index %d", shotIndex)
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SetCurrentVersion(ctx, tx, s.ID, versionID, e.stamp()); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return validationf("shot %d has no version %d", shotIndex, versionID)
			}
			return err
		}
		return e.Events.Append(ctx, tx, events.VersionSelected, t.ID, "shot", s.ID, viewer.actor(), events.Payload{
			"index": shotIndex, "version_id": versionID,
		})
	})
	if err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// DeleteTask removes the aggregate. It is not a billing event.
func (e Engine) DeleteTask(ctx context.Context, viewer Viewer, taskID string) (bool, error) {
	t, err := e.visible(ctx, viewer, taskID)
	if err != nil {
		return false, err
	}
	images, err := e.Repo.ListTaskImages(ctx, t.ID)
	if err != nil {
		return false, err
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteTask(ctx, tx, t.ID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskDeleted, t.ID, "task", t.ID, viewer.actor(), events.Payload{
			"status": t.Status, "versions": t.VersionCount(),
		})
	})
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.Images != nil {
		for _, key := range images {
			if err := e.Images.Delete(ctx, key); err != nil {
				e.Log.Warn().Err(err).Str("task_id", t.ID).Str("image", key).Msg("delete image")
			}
		}
	}
	return true, nil
}
