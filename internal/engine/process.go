package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/events"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/gateway"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/imagestore"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

var stageStatus = map[Stage]domain.TaskStatus{
	StagePlan:       domain.StatusPlanning,
	StageRender:     domain.StatusRendering,
	StageHero:       domain.StatusHeroRendering,
	StageStoryboard: domain.StatusStoryboardPlanning,
}

// Process executes one background job. Model failures are recorded on the
// task; the returned error is reserved for infrastructure problems.
func (e Engine) Process(ctx context.Context, job Job) error {
	want, ok := stageStatus[job.Stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", job.Stage)
	}
	t, err := e.Repo.GetTask(ctx, job.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		e.Log.Debug().Str("task_id", job.TaskID).Msg("job for deleted task dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status != want {
		e.Log.Debug().Str("task_id", t.ID).Str("stage", string(job.Stage)).Str("status", string(t.Status)).
			Msg("stale job skipped")
		return nil
	}
	switch job.Stage {
	case StagePlan:
		return e.runPlan(ctx, t)
	case StageRender:
		return e.runRender(ctx, t)
	case StageHero:
		return e.runHero(ctx, t)
	default:
		return e.runStoryboard(ctx, t)
	}
}

func (e Engine) runPlan(ctx context.Context, t domain.Task) error {
	req := gateway.PlanRequest{
		Mode:            gateway.PlanShots,
		Requirements:    t.Inputs.Requirements,
		DirectPrompt:    t.Inputs.DirectPrompt,
		ReferenceImages: t.Inputs.ReferenceImages,
		ShotCount:       t.Inputs.ShotCount,
		Resolution:      t.Inputs.Resolution,
		AspectRatio:     t.Inputs.AspectRatio,
		LayoutMode:      t.Inputs.LayoutMode,
	}
	shotType := domain.ShotPlanned
	if t.WorkflowKind == domain.WorkflowDirect {
		req.Mode = gateway.PlanPrompt
		req.ShotCount = 1
		shotType = domain.ShotDirect
	}
	plan, err := e.Planner.Plan(ctx, req)
	if err != nil {
		return e.fail(ctx, t, fmt.Sprintf("planning failed: %v", err))
	}
	shots := plan.Shots
	if len(shots) > req.ShotCount {
		shots = shots[:req.ShotCount]
	}
	if len(shots) == 0 {
		return e.fail(ctx, t, "planner returned no shots")
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		if err := e.Repo.SetTaskPlan(ctx, tx, t.ID, string(planJSON), now); err != nil {
			return err
		}
		for i, ps := range shots {
			code := ps.Code
			if code == "" {
				code = fmt.Sprintf("S%02d", i+1)
			}
			if err := e.Repo.InsertShot(ctx, tx, domain.Shot{
				ID: uuid.NewString(), TaskID: t.ID, Index: i, ShotCode: code, Type: shotType,
				Prompt: ps.Prompt, CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return fmt.Errorf("insert shot: %w", err)
			}
		}
		if err := e.Events.Append(ctx, tx, events.TaskPlanned, t.ID, "task", t.ID, "system", events.Payload{
			"shots": len(shots), "profile_id": plan.ProfileID,
		}); err != nil {
			return err
		}
		_, err := e.transition(ctx, tx, t, EventPlanned, "system", nil)
		return err
	})
	if err != nil {
		return err
	}
	e.Log.Info().Str("task_id", t.ID).Int("shots", len(shots)).Str("profile_id", plan.ProfileID).Msg("task planned")
	if !t.Inputs.AutoApprove {
		return nil
	}
	t, err = e.Repo.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if err := e.approve(ctx, t, "system", nil); err != nil {
		// The task keeps waiting for a manual approval.
		e.Log.Warn().Err(err).Str("task_id", t.ID).Msg("auto-approve failed")
	}
	return nil
}

// runRender renders every shot without output, then settles the task.
func (e Engine) runRender(ctx context.Context, t domain.Task) error {
	if err := e.renderPending(ctx, t, ""); err != nil {
		return err
	}
	t, err := e.Repo.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if t.Status != domain.StatusRendering {
		return nil
	}
	rendered, total := 0, len(t.Shots)
	for _, s := range t.Shots {
		if len(s.Versions) > 0 {
			rendered++
		}
	}
	if total > 0 && rendered == total {
		err := e.inTx(ctx, func(tx *sql.Tx) error {
			_, err := e.transition(ctx, tx, t, EventRendered, "system", nil)
			return err
		})
		if err != nil && !IsConflict(err) {
			return err
		}
		e.Log.Info().Str("task_id", t.ID).Int("shots", total).Msg("task completed")
		return nil
	}
	return e.fail(ctx, t, fmt.Sprintf("%d of %d shots failed to render", total-rendered, total))
}

// renderPending renders, concurrently, each shot that has no usable
// output. With onlyShot set only that shot is considered.
func (e Engine) renderPending(ctx context.Context, t domain.Task, onlyShot string) error {
	g, gctx := errgroup.WithContext(ctx)
	limit := e.RenderConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, s := range t.Shots {
		if onlyShot != "" && s.ID != onlyShot {
			continue
		}
		if !s.NeedsRender() || s.Type == domain.ShotHero {
			continue
		}
		g.Go(func() error {
			req, err := e.renderRequest(gctx, t, s, s.Prompt)
			if err != nil {
				return err
			}
			_, err = e.renderShot(gctx, t, s, req, false)
			if errors.Is(err, ErrUpstream) {
				// Recorded on the shot; other shots keep going.
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// renderRequest builds the request shared by first renders and retries.
// Storyboard panels also see the confirmed hero so the look stays
// consistent.
func (e Engine) renderRequest(ctx context.Context, t domain.Task, s domain.Shot, prompt string) (gateway.RenderRequest, error) {
	req := gateway.RenderRequest{
		Prompt:          prompt,
		ReferenceImages: append([]string(nil), t.Inputs.ReferenceImages...),
		Resolution:      t.Inputs.Resolution,
		AspectRatio:     t.Inputs.AspectRatio,
	}
	if s.Type == domain.ShotStoryboard {
		hero, err := e.heroImage(ctx, t)
		if err != nil {
			return req, err
		}
		if hero != "" {
			req.ReferenceImages = append(req.ReferenceImages, hero)
		}
	}
	return req, nil
}

func (e Engine) heroImage(ctx context.Context, t domain.Task) (string, error) {
	for _, s := range t.Shots {
		if s.Type != domain.ShotHero {
			continue
		}
		v, ok := s.Current()
		if !ok {
			return "", nil
		}
		return imagestore.DataURI(ctx, e.Images, v.ImagePath)
	}
	return "", nil
}

// renderShot performs one render of a shot and appends the resulting
// version. The first version of a shot becomes current; makeCurrent forces
// it for later versions. A model failure marks the shot FAILED and is
// returned wrapped in ErrUpstream.
func (e Engine) renderShot(ctx context.Context, t domain.Task, s domain.Shot, req gateway.RenderRequest, makeCurrent bool) (domain.Version, error) {
	log := e.Log.With().Str("task_id", t.ID).Str("shot_id", s.ID).Int("index", s.Index).Logger()
	if err := e.inTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.SetRenderStatus(ctx, tx, s.ID, domain.RenderRunning, nil, e.stamp())
	}); err != nil {
		return domain.Version{}, err
	}
	res, err := e.Renderer.Render(ctx, req)
	if err != nil {
		msg := err.Error()
		log.Warn().Err(err).Str("class", gateway.ClassOf(err).String()).Msg("shot render failed")
		if serr := e.inTx(context.WithoutCancel(ctx), func(tx *sql.Tx) error {
			if err := e.Repo.SetRenderStatus(ctx, tx, s.ID, domain.RenderFailed, &msg, e.stamp()); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.ShotRenderFailed, t.ID, "shot", s.ID, "system", events.Payload{"error": msg})
		}); serr != nil {
			return domain.Version{}, serr
		}
		return domain.Version{}, fmt.Errorf("%w: shot %d: %w", ErrUpstream, s.Index, err)
	}
	key := imagestore.NewKey(t.ID, s.ID, res.ContentType)
	if err := e.Images.Save(ctx, key, res.Image, res.ContentType); err != nil {
		return domain.Version{}, fmt.Errorf("store image: %w", err)
	}
	var v domain.Version
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		var err error
		v, err = e.Repo.AppendVersion(ctx, tx, domain.Version{
			ShotID: s.ID, ImagePath: key, PromptUsed: req.Prompt, ProfileID: res.ProfileID, CreatedAt: now,
		})
		if err != nil {
			return err
		}
		cur, err := e.Repo.GetShotTx(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		if makeCurrent || cur.CurrentVersionID == nil {
			if err := e.Repo.SetCurrentVersion(ctx, tx, s.ID, v.VersionID, now); err != nil {
				return err
			}
		}
		if err := e.Repo.SetRenderStatus(ctx, tx, s.ID, domain.RenderSucceeded, nil, now); err != nil {
			return err
		}
		if err := e.Repo.TouchTask(ctx, tx, t.ID, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.VersionAdded, t.ID, "shot", s.ID, "system", events.Payload{
			"index": s.Index, "version_id": v.VersionID, "profile_id": res.ProfileID,
		})
	})
	if err != nil {
		_ = e.Images.Delete(context.WithoutCancel(ctx), key)
		return domain.Version{}, err
	}
	log.Info().Int("version_id", v.VersionID).Str("profile_id", res.ProfileID).Msg("shot rendered")
	return v, nil
}

func heroPrompt(in domain.TaskInputs) string {
	if p := strings.TrimSpace(in.DirectPrompt); p != "" {
		return p
	}
	return strings.TrimSpace(in.Requirements)
}

// runHero renders a hero version, creating the hero shot on first entry.
func (e Engine) runHero(ctx context.Context, t domain.Task) error {
	hero, ok := t.ShotByIndex(0)
	if !ok {
		now := e.stamp()
		hero = domain.Shot{
			ID: uuid.NewString(), TaskID: t.ID, Index: 0, ShotCode: "HERO", Type: domain.ShotHero,
			Prompt: heroPrompt(t.Inputs), CreatedAt: now, UpdatedAt: now,
		}
		if err := e.inTx(ctx, func(tx *sql.Tx) error { return e.Repo.InsertShot(ctx, tx, hero) }); err != nil {
			return fmt.Errorf("insert hero shot: %w", err)
		}
	}
	req, err := e.renderRequest(ctx, t, hero, hero.Prompt)
	if err != nil {
		return err
	}
	if _, err := e.renderShot(ctx, t, hero, req, true); err != nil {
		if errors.Is(err, ErrUpstream) {
			return e.fail(ctx, t, fmt.Sprintf("hero render failed: %v", err))
		}
		return err
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		_, err := e.transition(ctx, tx, t, EventHeroRendered, "system", nil)
		return err
	})
}

// runStoryboard plans the panels from the confirmed hero. On replan,
// panels are updated in place by index, new ones are appended, and surplus
// panels without versions are dropped; panels that already have versions
// are kept.
func (e Engine) runStoryboard(ctx context.Context, t domain.Task) error {
	hero, err := e.heroImage(ctx, t)
	if err != nil {
		return err
	}
	plan, err := e.Planner.Plan(ctx, gateway.PlanRequest{
		Mode:            gateway.PlanStoryboard,
		Requirements:    t.Inputs.Requirements,
		DirectPrompt:    t.Inputs.DirectPrompt,
		ReferenceImages: t.Inputs.ReferenceImages,
		HeroImage:       hero,
		ShotCount:       t.Inputs.ShotCount,
		Resolution:      t.Inputs.Resolution,
		AspectRatio:     t.Inputs.AspectRatio,
		LayoutMode:      t.Inputs.LayoutMode,
	})
	if err != nil {
		return e.fail(ctx, t, fmt.Sprintf("storyboard planning failed: %v", err))
	}
	panels := plan.Shots
	if len(panels) > t.Inputs.ShotCount {
		panels = panels[:t.Inputs.ShotCount]
	}
	if len(panels) == 0 {
		return e.fail(ctx, t, "planner returned no panels")
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	existing := map[int]domain.Shot{}
	for _, s := range t.Shots {
		if s.Type == domain.ShotStoryboard {
			existing[s.Index] = s
		}
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		if err := e.Repo.SetTaskPlan(ctx, tx, t.ID, string(planJSON), now); err != nil {
			return err
		}
		for i, p := range panels {
			idx := i + 1
			code := p.Code
			if code == "" {
				code = fmt.Sprintf("P%02d", idx)
			}
			if s, ok := existing[idx]; ok {
				if err := e.Repo.UpdateShotPlan(ctx, tx, s.ID, code, p.Prompt, now); err != nil {
					return err
				}
				delete(existing, idx)
				continue
			}
			if err := e.Repo.InsertShot(ctx, tx, domain.Shot{
				ID: uuid.NewString(), TaskID: t.ID, Index: idx, ShotCode: code, Type: domain.ShotStoryboard,
				Prompt: p.Prompt, CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return fmt.Errorf("insert panel: %w", err)
			}
		}
		for _, s := range existing {
			if len(s.Versions) > 0 {
				continue
			}
			if err := e.Repo.DeleteShot(ctx, tx, s.ID); err != nil {
				return err
			}
		}
		if err := e.Events.Append(ctx, tx, events.TaskPlanned, t.ID, "task", t.ID, "system", events.Payload{
			"panels": len(panels), "profile_id": plan.ProfileID,
		}); err != nil {
			return err
		}
		_, err := e.transition(ctx, tx, t, EventStoryboardPlanned, "system", nil)
		return err
	})
}

// fail moves the task to FAILED. A charged task with no rendered version
// is refunded in the same transaction.
func (e Engine) fail(ctx context.Context, t domain.Task, msg string) error {
	_, err := e.failTask(ctx, t, msg)
	return err
}

// failTask reports whether this call performed the transition; losing the
// compare-and-set to a concurrent writer is not an error.
func (e Engine) failTask(ctx context.Context, t domain.Task, msg string) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	refunded := false
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.transition(ctx, tx, t, EventFail, "system", &msg); err != nil {
			return err
		}
		if t.ChargedAmount <= 0 || !t.Owned() {
			return nil
		}
		n, err := e.Repo.CountTaskVersions(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if _, err := e.Billing.Refund(ctx, tx, *t.OwnerID, t.ID, t.ChargedAmount, "no output produced"); err != nil {
			return fmt.Errorf("refund: %w", err)
		}
		refunded = true
		return nil
	})
	if IsConflict(err) {
		e.Log.Debug().Str("task_id", t.ID).Msg("task moved on before it could be failed")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.Log.Warn().Str("task_id", t.ID).Str("from", string(t.Status)).Bool("refunded", refunded).Str("error", msg).
		Msg("task failed")
	return true, nil
}
