// Package controller is the public face of the scheduling core: task CRUD,
// manual completion and retry, pause/resume, and recovery sweeps. It glues
// the pure engines, the store and the orchestrator together.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"planflow/internal/calendar"
	"planflow/internal/domain"
	"planflow/internal/orchestrator"
	"planflow/internal/scheduler"
	"planflow/internal/store"
)

// ErrAlreadyDone is returned by MarkDone when the occurrence's execution has
// already reached a terminal state.
var ErrAlreadyDone = errors.New("occurrence already done")

type Controller struct {
	repo store.Repository
	cal  calendar.Provider
	orch *orchestrator.Service
	now  func() time.Time
}

func New(repo store.Repository, cal calendar.Provider, orch *orchestrator.Service) *Controller {
	return &Controller{repo: repo, cal: cal, orch: orch, now: time.Now}
}

// WithClock overrides the controller's clock, for tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Start arms timers for persisted occurrences and begins the missed-task sweep.
func (c *Controller) Start(ctx context.Context) error {
	return c.orch.Start(ctx)
}

// Pause stops all firing until Resume.
func (c *Controller) Pause() {
	c.orch.Pause()
}

// Resume restarts the orchestrator from persisted state.
func (c *Controller) Resume(ctx context.Context) error {
	return c.orch.Start(ctx)
}

func (c *Controller) Paused() bool { return c.orch.Paused() }

// Stop shuts the orchestrator down.
func (c *Controller) Stop() { c.orch.Stop() }

// priorityIndex maps a task priority onto the slot-rotation offset used for
// one-off placement. High priority scans from the earliest slot; lower
// priorities start further into the pool, leaving early slots free.
func priorityIndex(p domain.Priority) int {
	switch p {
	case domain.PriorityHigh:
		return 0
	case domain.PriorityLow:
		return 2
	default:
		return 1
	}
}

// AddTask persists the task and schedules its first occurrence. A pinned or
// recurring task is placed by the recurrence engine; a plain one-off lands in
// the next free calendar slot for its priority. Returns the task id and the
// scheduled occurrence, which is nil when no placement exists.
func (c *Controller) AddTask(ctx context.Context, task domain.TaskDefinition) (string, *domain.TaskOccurrence, error) {
	if task.Title == "" {
		return "", nil, fmt.Errorf("task title is required")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = c.now()
	}
	id, err := c.repo.AddTask(ctx, task)
	if err != nil {
		return "", nil, fmt.Errorf("add task: %w", err)
	}
	task.ID = id

	occ, ok, err := c.placeFirst(ctx, task)
	if err != nil {
		return id, nil, err
	}
	if !ok {
		log.Warn().Str("task_id", id).Msg("no placement found for new task")
		return id, nil, nil
	}
	if err := c.repo.AddOccurrence(ctx, occ); err != nil {
		return id, nil, fmt.Errorf("persist occurrence: %w", err)
	}
	c.orch.ScheduleOccurrence(ctx, occ)
	log.Info().Str("task_id", id).Str("occurrence_id", occ.ID).
		Time("at", occ.ScheduledFor).Msg("task scheduled")
	return id, &occ, nil
}

func (c *Controller) placeFirst(ctx context.Context, task domain.TaskDefinition) (domain.TaskOccurrence, bool, error) {
	cfg := c.cal.GetConfig()
	occs, err := c.repo.ListOccurrences(ctx)
	if err != nil {
		return domain.TaskOccurrence{}, false, fmt.Errorf("list occurrences: %w", err)
	}
	now := c.now()

	if task.PinnedTime != nil || task.Recurrence > 0 {
		occ, ok := scheduler.NextOccurrence(task, now, occs, cfg.WorkingHours, cfg.SlotPool, cfg.MaxPerDay)
		return occ, ok, nil
	}

	at, ok := calendar.NextAvailableSlot(now, cfg.SlotPool, occs, cfg.WorkingHours, cfg.MaxPerDay, priorityIndex(task.Priority))
	if !ok {
		return domain.TaskOccurrence{}, false, nil
	}
	occ := domain.TaskOccurrence{
		ID:           fmt.Sprintf("%s:%d", task.ID, at.Unix()),
		TaskID:       task.ID,
		ScheduledFor: at,
	}
	for _, slot := range cfg.SlotPool {
		if slot.Start.Matches(at) {
			name := slot.Name
			occ.SlotName = &name
			break
		}
	}
	return occ, true, nil
}

func (c *Controller) GetTask(ctx context.Context, id string) (domain.TaskDefinition, error) {
	return c.repo.GetTask(ctx, id)
}

func (c *Controller) ListTasks(ctx context.Context) ([]domain.TaskDefinition, error) {
	return c.repo.ListTasks(ctx)
}

// RemoveTask deletes the task and drops the timers of its occurrences. The
// occurrence and execution records stay behind as history.
func (c *Controller) RemoveTask(ctx context.Context, id string) error {
	if err := c.repo.RemoveTask(ctx, id); err != nil {
		return err
	}
	occs, err := c.repo.ListOccurrences(ctx)
	if err != nil {
		return fmt.Errorf("list occurrences: %w", err)
	}
	for _, occ := range occs {
		if occ.TaskID == id {
			c.orch.Cancel(occ.ID)
		}
	}
	log.Info().Str("task_id", id).Msg("task removed")
	return nil
}

func (c *Controller) ListOccurrences(ctx context.Context) ([]domain.TaskOccurrence, error) {
	return c.repo.ListOccurrences(ctx)
}

// ScheduledOccurrences lists the occurrences with an armed timer.
func (c *Controller) ScheduledOccurrences() []domain.TaskOccurrence {
	return c.orch.ScheduledOccurrences()
}

// MarkDone settles an occurrence by hand: the done execution is recorded and
// the trigger handler's retry-then-recurrence chaining runs, so completing a
// recurring task schedules its next occurrence. ErrNotFound when the
// occurrence is unknown, ErrAlreadyDone when it was already completed.
func (c *Controller) MarkDone(ctx context.Context, occID string) error {
	occ, err := c.repo.GetOccurrence(ctx, occID)
	if err != nil {
		return err
	}
	execs, err := c.repo.ListExecutions(ctx)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}
	for _, exec := range execs {
		if exec.OccurrenceID == occID && exec.State == domain.StateDone {
			return ErrAlreadyDone
		}
	}
	return c.orch.Complete(ctx, occ)
}

// RetryOccurrence reschedules an occurrence on demand. Returns nil with no
// error when no retry is possible: the execution is already done, the policy
// has no budget left, or no slot fits within the retry window.
func (c *Controller) RetryOccurrence(ctx context.Context, occID string) (*domain.TaskOccurrence, error) {
	occ, err := c.repo.GetOccurrence(ctx, occID)
	if err != nil {
		return nil, err
	}
	task, err := c.repo.GetTask(ctx, occ.TaskID)
	if err != nil {
		return nil, err
	}

	var budget *int
	execs, err := c.repo.ListExecutions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var prev *domain.TaskExecution
	for i, exec := range execs {
		if exec.OccurrenceID == occID {
			if exec.State == domain.StateDone || exec.State == domain.StateCancelled {
				return nil, nil
			}
			prev = &execs[i]
			budget = &execs[i].RetriesRemaining
			break
		}
	}

	cfg := c.cal.GetConfig()
	scheduled, err := c.repo.ListOccurrences(ctx)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	now := c.now()
	retry, ok := scheduler.RescheduleRetry(occ, task.Retry, now, scheduled, cfg.WorkingHours, cfg.SlotPool, cfg.MaxPerDay, budget)
	if !ok {
		return nil, nil
	}
	if err := c.repo.AddOccurrence(ctx, retry); err != nil {
		return nil, fmt.Errorf("persist retry: %w", err)
	}
	if prev != nil {
		if prev.RetriesRemaining > 0 {
			prev.RetriesRemaining--
		}
		prev.History = append(prev.History, domain.TaskEvent{Kind: domain.EventRescheduled, At: now})
		if err := c.repo.AddExecution(ctx, *prev); err != nil {
			return nil, fmt.Errorf("record reschedule: %w", err)
		}
	}
	c.orch.ScheduleOccurrence(ctx, retry)
	log.Info().Str("occurrence_id", occID).Str("retry_id", retry.ID).
		Time("at", retry.ScheduledFor).Msg("occurrence retried")
	return &retry, nil
}

// RecoverMissedTasks runs one missed-task sweep immediately.
func (c *Controller) RecoverMissedTasks(ctx context.Context) {
	c.orch.CheckForMissedTasks(ctx)
}
