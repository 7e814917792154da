package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

var stuckStatuses = []domain.TaskStatus{
	domain.StatusPlanning,
	domain.StatusRendering,
	domain.StatusHeroRendering,
	domain.StatusStoryboardPlanning,
}

// SweepStuck fails tasks whose background stage has not progressed for
// olderThan, refunding those that were charged and produced nothing. It
// returns the ids of the tasks it failed.
func (e Engine) SweepStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		return nil, validationf("sweep threshold must be positive")
	}
	cutoff := repo.FormatTime(e.now().Add(-olderThan))
	ids, err := e.Repo.ListStaleTasks(ctx, stuckStatuses, cutoff)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, id := range ids {
		t, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			e.Log.Warn().Err(err).Str("task_id", id).Msg("sweep: load task")
			continue
		}
		if !busy(t.Status) || t.UpdatedAt >= cutoff {
			continue
		}
		ok, err := e.failTask(ctx, t, fmt.Sprintf("stuck in %s for more than %s", t.Status, olderThan))
		if err != nil {
			return failed, err
		}
		if ok {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		e.Log.Info().Int("count", len(failed)).Dur("threshold", olderThan).Msg("swept stuck tasks")
	}
	return failed, nil
}

// RunSweeper calls SweepStuck every interval until ctx is done.
func (e Engine) RunSweeper(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SweepStuck(ctx, threshold); err != nil {
				e.Log.Error().Err(err).Msg("sweep")
			}
		}
	}
}
