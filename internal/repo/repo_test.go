package repo_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/db"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/migrate"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

var fixedNow = repo.FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func withTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit())
}

func seedTask(t *testing.T, r repo.Repo, shots int) domain.Task {
	t.Helper()
	ctx := context.Background()
	owner := "user-1"
	task := domain.Task{
		ID:           "task-1",
		Status:       domain.StatusRendering,
		WorkflowKind: domain.WorkflowLegacy,
		OwnerID:      &owner,
		Inputs:       domain.TaskInputs{Requirements: "linen summer dress", ReferenceImages: []string{"ref/a.png"}, Resolution: domain.Resolution2K, ShotCount: shots},
		CreatedAt:    fixedNow,
		UpdatedAt:    fixedNow,
	}
	withTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertTask(ctx, tx, task); err != nil {
			return err
		}
		for i := 0; i < shots; i++ {
			if err := r.InsertShot(ctx, tx, domain.Shot{
				ID: fmt.Sprintf("shot-%d", i), TaskID: task.ID, Index: i, ShotCode: fmt.Sprintf("S%02d", i+1),
				Type: domain.ShotPlanned, Prompt: "front view", CreatedAt: fixedNow, UpdatedAt: fixedNow,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return task
}

func TestGetTaskLoadsAggregate(t *testing.T) {
	r := openRepo(t)
	seedTask(t, r, 3)

	task, err := r.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRendering, task.Status)
	assert.Equal(t, domain.Resolution2K, task.Inputs.Resolution)
	require.Len(t, task.Shots, 3)
	assert.Equal(t, "S01", task.Shots[0].ShotCode)
	assert.Equal(t, domain.QCPending, task.Shots[0].QCStatus)
	assert.Empty(t, task.Shots[0].Versions)

	_, err = r.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCompareAndSetStatus(t *testing.T) {
	r := openRepo(t)
	seedTask(t, r, 1)
	ctx := context.Background()

	withTx(t, r, func(tx *sql.Tx) error {
		return r.CompareAndSetStatus(ctx, tx, "task-1", domain.StatusRendering, domain.StatusCompleted, nil, fixedNow)
	})

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	err = r.CompareAndSetStatus(ctx, tx, "task-1", domain.StatusRendering, domain.StatusFailed, nil, fixedNow)
	assert.ErrorIs(t, err, repo.ErrStatusConflict)
	err = r.CompareAndSetStatus(ctx, tx, "nope", domain.StatusRendering, domain.StatusFailed, nil, fixedNow)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAppendVersionIsMonotonicUnderConcurrency(t *testing.T) {
	r := openRepo(t)
	seedTask(t, r, 1)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := r.DB.BeginTx(ctx, nil)
			if err != nil {
				errs <- err
				return
			}
			defer tx.Rollback()
			if _, err := r.AppendVersion(ctx, tx, domain.Version{
				ShotID: "shot-0", ImagePath: fmt.Sprintf("img/%d.png", i), PromptUsed: "p", CreatedAt: fixedNow,
			}); err != nil {
				errs <- err
				return
			}
			errs <- tx.Commit()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	shot, err := r.GetShot(ctx, "shot-0")
	require.NoError(t, err)
	require.Len(t, shot.Versions, writers)
	for i, v := range shot.Versions {
		assert.Equal(t, i+1, v.VersionID)
	}
}

func TestSetCurrentVersionRequiresExistingVersion(t *testing.T) {
	r := openRepo(t)
	seedTask(t, r, 1)
	ctx := context.Background()

	withTx(t, r, func(tx *sql.Tx) error {
		_, err := r.AppendVersion(ctx, tx, domain.Version{ShotID: "shot-0", ImagePath: "a.png", PromptUsed: "p", CreatedAt: fixedNow})
		return err
	})

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.ErrorIs(t, r.SetCurrentVersion(ctx, tx, "shot-0", 7, fixedNow), repo.ErrNotFound)
	require.NoError(t, r.SetCurrentVersion(ctx, tx, "shot-0", 1, fixedNow))
	shot, err := r.GetShotTx(ctx, tx, "shot-0")
	require.NoError(t, err)
	require.NotNil(t, shot.CurrentVersionID)
	assert.Equal(t, 1, *shot.CurrentVersionID)
}

func TestDeleteTaskCascades(t *testing.T) {
	r := openRepo(t)
	seedTask(t, r, 2)
	ctx := context.Background()
	withTx(t, r, func(tx *sql.Tx) error {
		_, err := r.AppendVersion(ctx, tx, domain.Version{ShotID: "shot-1", ImagePath: "b.png", PromptUsed: "p", CreatedAt: fixedNow})
		return err
	})
	withTx(t, r, func(tx *sql.Tx) error { return r.DeleteTask(ctx, tx, "task-1") })

	_, err := r.GetShot(ctx, "shot-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	n, err := r.CountTaskVersions(ctx, nil, "task-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
