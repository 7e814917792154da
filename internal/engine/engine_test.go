package engine_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/billing"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/config"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/db"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/gateway"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/imagestore"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/migrate"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/queue"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

const (
	alice = "user-alice"
	bob   = "user-bob"
	// 2K costs base 10 x 2 per output with the default price table.
	unit2K = 20
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake-image-body")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePlanner struct {
	mu     sync.Mutex
	reqs   []gateway.PlanRequest
	panels int
	// empty makes the planner answer with no shots at all.
	empty bool
	err   error
}

func (p *fakePlanner) Plan(_ context.Context, req gateway.PlanRequest) (gateway.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return gateway.Plan{}, p.err
	}
	if p.empty {
		return gateway.Plan{ProfileID: "brain-1"}, nil
	}
	n, label := req.ShotCount, "look"
	if req.Mode == gateway.PlanStoryboard {
		label = "panel"
		if p.panels > 0 {
			n = p.panels
		}
	}
	plan := gateway.Plan{ProfileID: "brain-1"}
	for i := 1; i <= n; i++ {
		plan.Shots = append(plan.Shots, gateway.PlannedShot{Code: fmt.Sprintf("L%d", i), Prompt: fmt.Sprintf("%s %d", label, i)})
	}
	return plan, nil
}

func (p *fakePlanner) last() gateway.PlanRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[len(p.reqs)-1]
}

type fakeRenderer struct {
	mu   sync.Mutex
	reqs []gateway.RenderRequest
	fail func(req gateway.RenderRequest) error
}

func (r *fakeRenderer) Render(_ context.Context, req gateway.RenderRequest) (gateway.RenderResult, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		if err := fail(req); err != nil {
			return gateway.RenderResult{}, err
		}
	}
	return gateway.RenderResult{Image: pngBytes, ContentType: "image/png", ProfileID: "painter-1"}, nil
}

func (r *fakeRenderer) setFail(fn func(req gateway.RenderRequest) error) {
	r.mu.Lock()
	r.fail = fn
	r.mu.Unlock()
}

func (r *fakeRenderer) calls() []gateway.RenderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gateway.RenderRequest(nil), r.reqs...)
}

func failPrompt(substr string, err error) func(gateway.RenderRequest) error {
	return func(req gateway.RenderRequest) error {
		if strings.Contains(req.Prompt, substr) {
			return err
		}
		return nil
	}
}

type testEnv struct {
	ctx      context.Context
	eng      engine.Engine
	planner  *fakePlanner
	renderer *fakeRenderer
	images   *imagestore.LocalStore
	clock    *fakeClock
	// drop holds stages the dispatcher swallows, simulating a lost job.
	drop map[engine.Stage]bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	images, err := imagestore.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)

	env := &testEnv{
		ctx:      context.Background(),
		planner:  &fakePlanner{},
		renderer: &fakeRenderer{},
		images:   images,
		clock:    &fakeClock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)},
		drop:     map[engine.Stage]bool{},
	}
	eng := engine.New(conn, config.Default())
	eng.Now = env.clock.Now
	eng.Planner = env.planner
	eng.Renderer = env.renderer
	eng.Images = images
	eng.Log = zerolog.Nop()
	eng.Dispatcher = &queue.Inline{Handler: func(ctx context.Context, job engine.Job) error {
		if env.drop[job.Stage] {
			return nil
		}
		return env.eng.Process(ctx, job)
	}}
	env.eng = eng
	return env
}

func (env *testEnv) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := env.eng.Billing.Adjust(env.ctx, "admin", userID, domain.TransactionEarn, amount, "seed")
	require.NoError(t, err)
}

func (env *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := env.eng.Billing.Balance(env.ctx, userID)
	require.NoError(t, err)
	return b
}

func (env *testEnv) taskLedger(t *testing.T, taskID string) []domain.CreditTransaction {
	t.Helper()
	txns, err := env.eng.Repo.ListTransactions(env.ctx, repo.LedgerFilters{TaskID: taskID})
	require.NoError(t, err)
	return txns
}

func (env *testEnv) create(t *testing.T, kind domain.WorkflowKind, owner string, in domain.TaskInputs) domain.Task {
	t.Helper()
	if len(in.ReferenceImages) == 0 {
		in.ReferenceImages = []string{"https://cdn.example.com/garment.png"}
	}
	res, err := env.eng.CreateTask(env.ctx, engine.TaskCreateOptions{Kind: kind, Inputs: in, OwnerID: owner})
	require.NoError(t, err)
	return res.Task
}

func (env *testEnv) task(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.eng.Repo.GetTask(env.ctx, id)
	require.NoError(t, err)
	return task
}

func count(txns []domain.CreditTransaction, typ domain.TransactionType) int {
	n := 0
	for _, c := range txns {
		if c.Type == typ {
			n++
		}
	}
	return n
}

func ledgerConsistent(t *testing.T, env *testEnv) {
	t.Helper()
	mismatches, err := env.eng.Billing.Verify(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestDirectTaskWithAutoApproveCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 100)

	task := env.create(t, domain.WorkflowDirect, alice, domain.TaskInputs{
		DirectPrompt: "model in linen dress on a beach",
		Resolution:   domain.Resolution2K,
		AutoApprove:  true,
	})

	assert.Equal(t, domain.StatusCompleted, task.Status)
	require.Len(t, task.Shots, 1)
	assert.Equal(t, domain.ShotDirect, task.Shots[0].Type)
	require.Len(t, task.Shots[0].Versions, 1)
	require.NotNil(t, task.Shots[0].CurrentVersionID)
	assert.Equal(t, 1, *task.Shots[0].CurrentVersionID)
	assert.Equal(t, gateway.PlanPrompt, env.planner.last().Mode)

	txns := env.taskLedger(t, task.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, domain.TransactionSpend, txns[0].Type)
	assert.EqualValues(t, unit2K, txns[0].Amount)
	assert.EqualValues(t, 100-unit2K, env.balance(t, alice))
	assert.EqualValues(t, unit2K, task.ChargedAmount)

	rc, err := env.images.Open(env.ctx, task.Shots[0].Versions[0].ImagePath)
	require.NoError(t, err)
	rc.Close()
	ledgerConsistent(t, env)
}

func TestLegacyTaskWaitsForApprovalAndChargesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)

	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "autumn knitwear", ShotCount: 4})
	assert.Equal(t, domain.StatusAwaitingApproval, task.Status)
	require.Len(t, task.Shots, 4)
	assert.EqualValues(t, 1000, env.balance(t, alice), "nothing is charged before approval")
	assert.Empty(t, env.renderer.calls())

	viewer := engine.Viewer{UserID: alice}
	task, err := env.eng.ApproveTask(env.ctx, viewer, task.ID, map[int]string{0: "close-up of the collar"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, "close-up of the collar", task.Shots[0].Prompt)
	for _, s := range task.Shots {
		assert.Len(t, s.Versions, 1, "shot %d", s.Index)
		assert.Equal(t, domain.RenderSucceeded, s.RenderStatus)
	}

	_, err = env.eng.ApproveTask(env.ctx, viewer, task.ID, nil)
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))

	txns := env.taskLedger(t, task.ID)
	assert.Equal(t, 1, count(txns, domain.TransactionSpend))
	assert.Equal(t, 0, count(txns, domain.TransactionEarn))
	assert.EqualValues(t, 1000-4*unit2K, env.balance(t, alice))
	ledgerConsistent(t, env)
}

func TestApproveRejectsEmptyEditedPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "denim", ShotCount: 2})

	_, err := env.eng.ApproveTask(env.ctx, engine.Viewer{UserID: alice}, task.ID, map[int]string{1: "  "})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.eng.ApproveTask(env.ctx, engine.Viewer{UserID: alice}, task.ID, map[int]string{7: "x"})
	assert.ErrorIs(t, err, engine.ErrValidation)
	assert.EqualValues(t, 1000, env.balance(t, alice))
}

func TestFlakyShotIsRetriedAutomatically(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)

	backend := &flakyBackend{failures: map[string]int{"look 3": 1}}
	env.eng.Renderer = gateway.PooledRenderer{
		Pool:    staticPool{},
		Backend: backend,
		Policy:  gateway.RetryPolicy{MaxAttempts: 3, Timeout: time.Second},
		Log:     zerolog.Nop(),
	}

	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "tailoring", ShotCount: 4, AutoApprove: true})
	assert.Equal(t, domain.StatusCompleted, task.Status)
	for _, s := range task.Shots {
		assert.Len(t, s.Versions, 1)
	}
	assert.Equal(t, 2, backend.calls("look 3"))
	assert.Equal(t, 0, count(env.taskLedger(t, task.ID), domain.TransactionEarn))
}

func TestPartialRenderFailureIsRecoveredByManualRetry(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	env.renderer.setFail(failPrompt("look 3", gateway.StatusError(500, "model overloaded")))

	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "tailoring", ShotCount: 4, AutoApprove: true})
	assert.Equal(t, domain.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	failed, ok := task.ShotByIndex(2)
	require.True(t, ok)
	assert.Equal(t, domain.RenderFailed, failed.RenderStatus)
	assert.Empty(t, failed.Versions)
	assert.Equal(t, 0, count(env.taskLedger(t, task.ID), domain.TransactionEarn), "partial output is not refunded")
	assert.EqualValues(t, 1000-4*unit2K, env.balance(t, alice))

	env.renderer.setFail(nil)
	before := len(env.renderer.calls())
	task, err := env.eng.RetryFailedShots(env.ctx, engine.Viewer{UserID: alice}, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Len(t, env.renderer.calls(), before+1, "only the failed shot is re-rendered")
	for _, s := range task.Shots {
		assert.Len(t, s.Versions, 1, "shot %d", s.Index)
	}
	ledgerConsistent(t, env)
}

func TestRetryFailedShotsSkipsShotsWithOutput(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "scarves", ShotCount: 2, AutoApprove: true})
	require.Equal(t, domain.StatusCompleted, task.Status)
	viewer := engine.Viewer{UserID: alice}
	shot, _ := task.ShotByIndex(0)

	env.renderer.setFail(failPrompt("look 1", gateway.StatusError(400, "content_policy_violation")))
	_, err := env.eng.RetryShot(env.ctx, viewer, task.ID, shot.ID, "")
	require.ErrorIs(t, err, engine.ErrUpstream)
	shot, _ = env.task(t, task.ID).ShotByIndex(0)
	assert.Equal(t, domain.RenderFailed, shot.RenderStatus)
	require.Len(t, shot.Versions, 1)

	env.renderer.setFail(nil)
	before := len(env.renderer.calls())
	task, err = env.eng.RetryFailedShots(env.ctx, viewer, task.ID, "")
	require.NoError(t, err)
	assert.Len(t, env.renderer.calls(), before, "a shot with a usable version is not re-rendered")
	shot, _ = task.ShotByIndex(0)
	assert.Len(t, shot.Versions, 1)
	assert.Equal(t, domain.StatusCompleted, task.Status)
}

func TestTotalRenderFailureRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	env.renderer.setFail(func(gateway.RenderRequest) error {
		return gateway.StatusError(400, "content_policy_violation")
	})

	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "swimwear", ShotCount: 3, AutoApprove: true})
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Zero(t, task.VersionCount())

	txns := env.taskLedger(t, task.ID)
	assert.Equal(t, 1, count(txns, domain.TransactionSpend))
	require.Equal(t, 1, count(txns, domain.TransactionEarn))
	assert.EqualValues(t, 1000, env.balance(t, alice))

	// A refunded task cannot be rendered for free.
	_, err := env.eng.RetryFailedShots(env.ctx, engine.Viewer{UserID: alice}, task.ID, "")
	assert.True(t, engine.IsConflict(err))

	env.clock.Advance(time.Hour)
	swept, err := env.eng.SweepStuck(env.ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, swept)
	assert.Equal(t, 1, count(env.taskLedger(t, task.ID), domain.TransactionEarn))
	ledgerConsistent(t, env)
}

func TestRetryAppendsVersionsAndSelectionIsExplicit(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "evening wear", ShotCount: 2, AutoApprove: true})
	require.Equal(t, domain.StatusCompleted, task.Status)
	viewer := engine.Viewer{UserID: alice}
	shot := task.Shots[0]

	v2, err := env.eng.RetryShot(env.ctx, viewer, task.ID, shot.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionID)
	first := env.task(t, task.ID).Shots[0].Versions

	v3, err := env.eng.RetryShot(env.ctx, viewer, task.ID, shot.ID, "brighter lighting")
	require.NoError(t, err)
	assert.Equal(t, 3, v3.VersionID)
	assert.Contains(t, v3.PromptUsed, "Revision notes: brighter lighting")

	got := env.task(t, task.ID)
	s := got.Shots[0]
	require.Len(t, s.Versions, 3)
	assert.Equal(t, first, s.Versions[:2], "earlier versions are untouched")
	assert.Equal(t, shot.Prompt, s.Prompt, "feedback is not written back")
	require.NotNil(t, s.CurrentVersionID)
	assert.Equal(t, 1, *s.CurrentVersionID, "a retry does not move the current version")
	assert.Equal(t, domain.StatusCompleted, got.Status)

	got, err = env.eng.SelectShotVersion(env.ctx, viewer, task.ID, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, *got.Shots[0].CurrentVersionID)
	assert.Equal(t, s.Versions, got.Shots[0].Versions)

	_, err = env.eng.SelectShotVersion(env.ctx, viewer, task.ID, 0, 9)
	assert.ErrorIs(t, err, engine.ErrValidation)

	// Retries are not billed.
	assert.Equal(t, 1, count(env.taskLedger(t, task.ID), domain.TransactionSpend))
}

func TestEditShotSendsCurrentImageAndMask(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "outerwear", ShotCount: 1, AutoApprove: true})
	require.Equal(t, domain.StatusCompleted, task.Status)

	v, err := env.eng.EditShot(env.ctx, engine.Viewer{UserID: alice}, task.ID, task.Shots[0].ID, "remove the belt", "data:image/png;base64,bWFzaw==")
	require.NoError(t, err)
	assert.Equal(t, 2, v.VersionID)
	assert.Equal(t, "remove the belt", v.PromptUsed)

	calls := env.renderer.calls()
	last := calls[len(calls)-1]
	assert.True(t, strings.HasPrefix(last.PriorImage, "data:image/png;base64,"))
	assert.Equal(t, "data:image/png;base64,bWFzaw==", last.Mask)

	_, err = env.eng.EditShot(env.ctx, engine.Viewer{UserID: alice}, task.ID, task.Shots[0].ID, " ", "")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestRetryIsRejectedWhileRendering(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	env.drop[engine.StageRender] = true
	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "knit", ShotCount: 2, AutoApprove: true})
	require.Equal(t, domain.StatusRendering, task.Status)

	_, err := env.eng.RetryShot(env.ctx, engine.Viewer{UserID: alice}, task.ID, task.Shots[0].ID, "")
	assert.True(t, engine.IsConflict(err))
	_, err = env.eng.UpdateShotPrompt(env.ctx, engine.Viewer{UserID: alice}, task.ID, task.Shots[0].ID, "new")
	assert.True(t, engine.IsConflict(err))
}

func TestClaimRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)

	res, err := env.eng.CreateTask(env.ctx, engine.TaskCreateOptions{
		Kind:   domain.WorkflowLegacy,
		Inputs: domain.TaskInputs{Requirements: "linen", ReferenceImages: []string{"ref.png"}, ShotCount: 2},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ClaimToken)
	assert.Equal(t, domain.StatusCreated, res.Task.Status)
	assert.False(t, res.Task.Owned())
	id := res.Task.ID

	task, err := env.eng.ClaimTask(env.ctx, engine.Viewer{UserID: alice}, id, res.ClaimToken)
	require.NoError(t, err)
	require.True(t, task.Owned())
	assert.Equal(t, alice, *task.OwnerID)

	_, err = env.eng.ClaimTask(env.ctx, engine.Viewer{UserID: bob}, id, res.ClaimToken)
	assert.ErrorIs(t, err, engine.ErrAccessDenied)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	again, err := env.eng.ClaimTask(env.ctx, engine.Viewer{UserID: alice}, id, res.ClaimToken)
	require.NoError(t, err)
	assert.Equal(t, alice, *again.OwnerID)

	// The owner re-claims without a usable token.
	again, err = env.eng.ClaimTask(env.ctx, engine.Viewer{UserID: alice}, id, "")
	require.NoError(t, err)
	assert.Equal(t, alice, *again.OwnerID)
	_, err = env.eng.ClaimTask(env.ctx, engine.Viewer{UserID: bob}, id, "short")
	assert.ErrorIs(t, err, engine.ErrAccessDenied)

	_, err = env.eng.GetTask(env.ctx, engine.Viewer{UserID: bob}, id)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	task, err = env.eng.StartTask(env.ctx, engine.Viewer{UserID: alice}, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingApproval, task.Status)
}

func TestClaimWithWrongTokenLooksMissing(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.eng.CreateTask(env.ctx, engine.TaskCreateOptions{
		Kind:   domain.WorkflowDirect,
		Inputs: domain.TaskInputs{DirectPrompt: "studio shot", ReferenceImages: []string{"ref.png"}},
	})
	require.NoError(t, err)
	other, err := env.eng.CreateTask(env.ctx, engine.TaskCreateOptions{
		Kind:   domain.WorkflowDirect,
		Inputs: domain.TaskInputs{DirectPrompt: "studio shot", ReferenceImages: []string{"ref.png"}},
	})
	require.NoError(t, err)

	_, err = env.eng.ClaimTask(env.ctx, engine.Viewer{UserID: alice}, res.Task.ID, "short")
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.eng.ClaimTask(env.ctx, engine.Viewer{UserID: alice}, res.Task.ID, other.ClaimToken)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// Unclaimed tasks cannot be started.
	_, err = env.eng.StartTask(env.ctx, engine.Viewer{Admin: true}, res.Task.ID)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestCreateRequiresCredit(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 3*unit2K)

	_, err := env.eng.CreateTask(env.ctx, engine.TaskCreateOptions{
		Kind:    domain.WorkflowLegacy,
		OwnerID: alice,
		Inputs:  domain.TaskInputs{Requirements: "coats", ReferenceImages: []string{"ref.png"}, ShotCount: 4},
	})
	assert.ErrorIs(t, err, billing.ErrInsufficientCredit)

	tasks, err := env.eng.ListTasks(env.ctx, engine.Viewer{Admin: true}, repo.TaskFilters{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.EqualValues(t, 3*unit2K, env.balance(t, alice))
}

func TestAutoApproveWithoutCreditLeavesTaskWaiting(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 2*unit2K)
	env.drop[engine.StagePlan] = true
	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "hats", ShotCount: 2, AutoApprove: true})
	require.Equal(t, domain.StatusPlanning, task.Status)

	// The balance drops between the pre-check and the approval.
	_, err := env.eng.Billing.Adjust(env.ctx, "admin", alice, domain.TransactionSpend, unit2K, "manual")
	require.NoError(t, err)
	require.NoError(t, env.eng.Process(env.ctx, engine.Job{TaskID: task.ID, Stage: engine.StagePlan}))

	task = env.task(t, task.ID)
	assert.Equal(t, domain.StatusAwaitingApproval, task.Status)
	assert.Empty(t, env.taskLedger(t, task.ID))

	_, err = env.eng.ApproveTask(env.ctx, engine.Viewer{UserID: alice}, task.ID, nil)
	assert.ErrorIs(t, err, billing.ErrInsufficientCredit)
	assert.Equal(t, domain.StatusAwaitingApproval, env.task(t, task.ID).Status)
}

func TestValidationOnCreate(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	cases := map[string]engine.TaskCreateOptions{
		"unknown kind":     {Kind: "collage", Inputs: domain.TaskInputs{ReferenceImages: []string{"r"}}},
		"no references":    {Kind: domain.WorkflowLegacy, Inputs: domain.TaskInputs{Requirements: "x"}},
		"bad resolution":   {Kind: domain.WorkflowLegacy, Inputs: domain.TaskInputs{ReferenceImages: []string{"r"}, Resolution: "8K"}},
		"too many shots":   {Kind: domain.WorkflowLegacy, Inputs: domain.TaskInputs{ReferenceImages: []string{"r"}, ShotCount: 50}},
		"hero needs brief": {Kind: domain.WorkflowHeroStoryboard, Inputs: domain.TaskInputs{ReferenceImages: []string{"r"}}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			opts.OwnerID = alice
			_, err := env.eng.CreateTask(env.ctx, opts)
			assert.ErrorIs(t, err, engine.ErrValidation)
		})
	}
}

func TestPlanningFailureFailsTaskWithoutCharge(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	env.planner.err = &gateway.Error{Class: gateway.ClassTerminal, Message: "model refused"}

	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "suits", ShotCount: 2, AutoApprove: true})
	assert.Equal(t, domain.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Contains(t, *task.Error, "planning failed")
	assert.Empty(t, env.taskLedger(t, task.ID))
}

func TestEmptyPlanFailsTaskBeforeApproval(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	env.planner.empty = true

	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "gloves", ShotCount: 4})
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Empty(t, task.Shots)
	require.NotNil(t, task.Error)
	assert.Contains(t, *task.Error, "no shots")

	_, err := env.eng.ApproveTask(env.ctx, engine.Viewer{UserID: alice}, task.ID, nil)
	assert.True(t, engine.IsConflict(err))
	assert.Empty(t, env.taskLedger(t, task.ID))
	assert.EqualValues(t, 1000, env.balance(t, alice))
}

func TestLostChargeRaceIsAConflict(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	task := env.create(t, domain.WorkflowLegacy, alice, domain.TaskInputs{Requirements: "belts", ShotCount: 2})
	require.Equal(t, domain.StatusAwaitingApproval, task.Status)

	// Another approval charged the task but has not moved it yet.
	tx, err := env.eng.DB.BeginTx(env.ctx, nil)
	require.NoError(t, err)
	_, err = env.eng.Billing.Charge(env.ctx, tx, alice, task.ID, 2*unit2K)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = env.eng.ApproveTask(env.ctx, engine.Viewer{UserID: alice}, task.ID, nil)
	assert.ErrorIs(t, err, billing.ErrAlreadyCharged)
	assert.True(t, engine.IsConflict(err))
	assert.Equal(t, domain.StatusAwaitingApproval, env.task(t, task.ID).Status)
	assert.Equal(t, 1, count(env.taskLedger(t, task.ID), domain.TransactionSpend))
}

func TestStaleJobIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	task := env.create(t, domain.WorkflowDirect, alice, domain.TaskInputs{DirectPrompt: "p", AutoApprove: true})
	require.Equal(t, domain.StatusCompleted, task.Status)
	before := len(env.renderer.calls())

	require.NoError(t, env.eng.Process(env.ctx, engine.Job{TaskID: task.ID, Stage: engine.StageRender}))
	require.NoError(t, env.eng.Process(env.ctx, engine.Job{TaskID: "missing", Stage: engine.StagePlan}))
	assert.Len(t, env.renderer.calls(), before)
	assert.Error(t, env.eng.Process(env.ctx, engine.Job{TaskID: task.ID, Stage: "publish"}))
}

func TestDeleteTaskRemovesImages(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	task := env.create(t, domain.WorkflowDirect, alice, domain.TaskInputs{DirectPrompt: "p", AutoApprove: true})
	key := task.Shots[0].Versions[0].ImagePath

	_, err := env.eng.DeleteTask(env.ctx, engine.Viewer{UserID: bob}, task.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	ok, err := env.eng.DeleteTask(env.ctx, engine.Viewer{UserID: alice}, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = env.images.Open(env.ctx, key)
	assert.ErrorIs(t, err, imagestore.ErrNotFound)
	_, err = env.eng.GetTask(env.ctx, engine.Viewer{UserID: alice}, task.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// The charge stands.
	assert.EqualValues(t, 1000-unit2K, env.balance(t, alice))
}

func TestListTasksScopesToViewer(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	env.grant(t, bob, 1000)
	env.create(t, domain.WorkflowDirect, alice, domain.TaskInputs{DirectPrompt: "a"})
	env.create(t, domain.WorkflowDirect, bob, domain.TaskInputs{DirectPrompt: "b"})

	mine, err := env.eng.ListTasks(env.ctx, engine.Viewer{UserID: alice}, repo.TaskFilters{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, alice, *mine[0].OwnerID)

	all, err := env.eng.ListTasks(env.ctx, engine.Viewer{Admin: true}, repo.TaskFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = env.eng.ListTasks(env.ctx, engine.Viewer{}, repo.TaskFilters{})
	assert.Error(t, err)
}

func TestTaskEventsRecordTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, alice, 1000)
	task := env.create(t, domain.WorkflowDirect, alice, domain.TaskInputs{DirectPrompt: "p", AutoApprove: true})

	evts, err := env.eng.TaskEvents(env.ctx, engine.Viewer{UserID: alice}, task.ID, 0)
	require.NoError(t, err)
	var moves []string
	for _, e := range evts {
		if e.Type == "task.status" {
			moves = append(moves, fmt.Sprint(e.Payload["from"], "->", e.Payload["to"]))
		}
	}
	assert.Equal(t, []string{
		"CREATED->PLANNING",
		"PLANNING->AWAITING_APPROVAL",
		"AWAITING_APPROVAL->RENDERING",
		"RENDERING->COMPLETED",
	}, moves)
}
