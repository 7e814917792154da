package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/events"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

type Event string

const (
	EventStart             Event = "start"
	EventPlanned           Event = "planned"
	EventApprove           Event = "approve"
	EventRendered          Event = "rendered"
	EventHeroRendered      Event = "hero_rendered"
	EventConfirmHero       Event = "confirm_hero"
	EventRegenerateHero    Event = "regenerate_hero"
	EventStoryboardPlanned Event = "storyboard_planned"
	EventReplan            Event = "replan"
	EventShotsCompleted    Event = "shots_completed"
	EventRecovered         Event = "recovered"
	EventFail              Event = "fail"
)

type edge struct {
	from  domain.TaskStatus
	event Event
}

type table map[edge]domain.TaskStatus

var (
	singlePass = table{
		{domain.StatusCreated, EventStart}:            domain.StatusPlanning,
		{domain.StatusPlanning, EventPlanned}:         domain.StatusAwaitingApproval,
		{domain.StatusAwaitingApproval, EventApprove}: domain.StatusRendering,
		{domain.StatusRendering, EventRendered}:       domain.StatusCompleted,
		{domain.StatusFailed, EventRecovered}:         domain.StatusCompleted,
		{domain.StatusCreated, EventFail}:             domain.StatusFailed,
		{domain.StatusPlanning, EventFail}:            domain.StatusFailed,
		{domain.StatusAwaitingApproval, EventFail}:    domain.StatusFailed,
		{domain.StatusRendering, EventFail}:           domain.StatusFailed,
	}
	heroStoryboard = table{
		{domain.StatusCreated, EventStart}:                        domain.StatusHeroRendering,
		{domain.StatusHeroRendering, EventHeroRendered}:           domain.StatusAwaitingHeroApproval,
		{domain.StatusAwaitingHeroApproval, EventRegenerateHero}:  domain.StatusHeroRendering,
		{domain.StatusAwaitingHeroApproval, EventConfirmHero}:     domain.StatusStoryboardPlanning,
		{domain.StatusStoryboardPlanning, EventStoryboardPlanned}: domain.StatusStoryboardReady,
		{domain.StatusStoryboardReady, EventReplan}:               domain.StatusStoryboardPlanning,
		{domain.StatusFailed, EventReplan}:                        domain.StatusStoryboardPlanning,
		{domain.StatusStoryboardReady, EventShotsCompleted}:       domain.StatusCompleted,
		{domain.StatusFailed, EventRecovered}:                     domain.StatusCompleted,
		{domain.StatusCreated, EventFail}:                         domain.StatusFailed,
		{domain.StatusHeroRendering, EventFail}:                   domain.StatusFailed,
		{domain.StatusAwaitingHeroApproval, EventFail}:            domain.StatusFailed,
		{domain.StatusStoryboardPlanning, EventFail}:              domain.StatusFailed,
		{domain.StatusStoryboardReady, EventFail}:                 domain.StatusFailed,
	}
	workflows = map[domain.WorkflowKind]table{
		domain.WorkflowLegacy:         singlePass,
		domain.WorkflowDirect:         singlePass,
		domain.WorkflowHeroStoryboard: heroStoryboard,
	}
)

// Next returns the status an event moves a task of the given kind to.
func Next(kind domain.WorkflowKind, from domain.TaskStatus, ev Event) (domain.TaskStatus, error) {
	t, ok := workflows[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown workflow %q", ErrValidation, kind)
	}
	to, ok := t[edge{from, ev}]
	if !ok {
		return "", fmt.Errorf("%w: %s cannot %s from %s", ErrInvalidTransition, kind, ev, from)
	}
	return to, nil
}

// Allowed reports whether ev is accepted from the task's current status.
func Allowed(t domain.Task, ev Event) bool {
	_, err := Next(t.WorkflowKind, t.Status, ev)
	return err == nil
}

// transition applies ev with a compare-and-set on the status t was loaded
// with and records the change in the audit trail. It returns the new status.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, t domain.Task, ev Event, actor string, errMsg *string) (domain.TaskStatus, error) {
	to, err := Next(t.WorkflowKind, t.Status, ev)
	if err != nil {
		return "", err
	}
	if err := e.Repo.CompareAndSetStatus(ctx, tx, t.ID, t.Status, to, errMsg, e.stamp()); err != nil {
		if errors.Is(err, repo.ErrStatusConflict) {
			return "", fmt.Errorf("%w: task %s is no longer %s", repo.ErrStatusConflict, t.ID, t.Status)
		}
		return "", err
	}
	payload := events.Payload{"from": t.Status, "to": to, "event": ev}
	if errMsg != nil {
		payload["error"] = *errMsg
	}
	if err := e.Events.Append(ctx, tx, events.TaskStatus, t.ID, "task", t.ID, actor, payload); err != nil {
		return "", err
	}
	return to, nil
}
