// Package orchestrator runs the real-time side of scheduling: it arms one
// timer per future occurrence, fires them, records executions, and chains
// retries and recurrences. All state transitions happen under a single
// mutex; timer callbacks that lose a race against Pause or a re-arm are
// detected via per-occurrence generation counters and dropped.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"planflow/internal/calendar"
	"planflow/internal/domain"
	"planflow/internal/recovery"
	"planflow/internal/scheduler"
	"planflow/internal/store"
)

// DefaultGrace is how far past its instant an occurrence may still fire
// inline instead of going through missed-task recovery.
const DefaultGrace = 30 * time.Second

// DefaultSweepInterval is how often the background sweep re-checks for
// occurrences whose timers never fired.
const DefaultSweepInterval = 30 * time.Second

// Options tune a Service. Zero values select defaults.
type Options struct {
	// Now overrides the clock, for tests.
	Now func() time.Time
	// Grace is the missed-fire tolerance window.
	Grace time.Duration
	// SweepInterval is the cadence of the background missed-task sweep.
	SweepInterval time.Duration
	// OnFire is invoked for every occurrence that triggers. It runs with
	// the service lock held; keep it fast. A panic is contained.
	OnFire func(domain.TaskOccurrence)
}

type armed struct {
	timer *time.Timer
	occ   domain.TaskOccurrence
}

// Service owns the timers. Create with New, then Start.
type Service struct {
	repo store.Repository
	cal  calendar.Provider

	now    func() time.Time
	grace  time.Duration
	onFire func(domain.TaskOccurrence)

	cron    *cron.Cron
	sweepID cron.EntryID
	sweep   time.Duration

	mu     sync.Mutex
	timers map[string]armed
	gen    map[string]uint64
	paused bool
}

func New(repo store.Repository, cal calendar.Provider, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Service{
		repo:   repo,
		cal:    cal,
		now:    opts.Now,
		grace:  opts.Grace,
		onFire: opts.OnFire,
		cron:   cron.New(),
		sweep:  opts.SweepInterval,
		timers: map[string]armed{},
		gen:    map[string]uint64{},
	}
}

// Start unpauses the service, re-arms every persisted occurrence from a
// clean slate, runs one missed-task check, and kicks off the periodic sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.paused = false
	s.cancelAllLocked()
	if err := s.scheduleAllLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.checkForMissedLocked(ctx)
	s.mu.Unlock()

	if s.sweepID == 0 {
		id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.sweep), func() {
			s.CheckForMissedTasks(context.Background())
		})
		if err != nil {
			return fmt.Errorf("register sweep: %w", err)
		}
		s.sweepID = id
	}
	s.cron.Start()
	log.Info().Dur("sweep_interval", s.sweep).Msg("orchestrator started")
	return nil
}

// Pause cancels every armed timer and blocks all firing until the next
// Start. A callback already holding the lock completes first; one still
// waiting on the lock finds its generation stale and drops out.
func (s *Service) Pause() {
	s.mu.Lock()
	s.paused = true
	s.cancelAllLocked()
	s.mu.Unlock()
	s.cron.Stop()
	log.Info().Msg("orchestrator paused")
}

// cancelAllLocked stops every timer and bumps every generation, so callbacks
// already queued behind the lock become no-ops. Caller holds s.mu.
func (s *Service) cancelAllLocked() {
	for id, a := range s.timers {
		a.timer.Stop()
		s.gen[id]++
		delete(s.timers, id)
	}
}

// Paused reports whether the service is currently paused.
func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// ScheduleAll re-arms timers for every persisted occurrence that has no
// completed execution. Existing timers are replaced.
func (s *Service) ScheduleAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleAllLocked(ctx)
}

func (s *Service) scheduleAllLocked(ctx context.Context) error {
	if s.paused {
		return nil
	}
	occs, err := s.repo.ListOccurrences(ctx)
	if err != nil {
		return fmt.Errorf("list occurrences: %w", err)
	}
	settled, err := s.settledOccurrences(ctx)
	if err != nil {
		return err
	}
	tasks, err := s.repo.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	live := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		live[t.ID] = true
	}
	now := s.now()
	for _, occ := range occs {
		// occurrences of deleted tasks stay behind as history only
		if settled[occ.ID] || !live[occ.TaskID] {
			continue
		}
		// only strictly future instants get a timer; anything already due
		// belongs to the missed-task check, which applies the grace window
		if !occ.ScheduledFor.After(now) {
			continue
		}
		s.scheduleOccurrenceLocked(ctx, occ)
	}
	return nil
}

// settledOccurrences is the set of occurrence ids whose execution already
// reached a terminal state.
func (s *Service) settledOccurrences(ctx context.Context) (map[string]bool, error) {
	execs, err := s.repo.ListExecutions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	settled := map[string]bool{}
	for _, exec := range execs {
		if exec.State == domain.StateDone || exec.State == domain.StateCancelled {
			settled[exec.OccurrenceID] = true
		}
	}
	return settled, nil
}

// ScheduleOccurrence validates occ against the active calendar constraints
// and, if it holds a slot, arms a timer for it. An occurrence whose slot
// has since been taken is dropped silently; the recovery sweep will find
// the task again if it is still live.
func (s *Service) ScheduleOccurrence(ctx context.Context, occ domain.TaskOccurrence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleOccurrenceLocked(ctx, occ)
}

func (s *Service) scheduleOccurrenceLocked(ctx context.Context, occ domain.TaskOccurrence) {
	if s.paused {
		return
	}
	cfg := s.cal.GetConfig()
	all, err := s.repo.ListOccurrences(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list occurrences for validation")
		return
	}
	// The occurrence may already be persisted; exclude it from its own
	// collision and cap checks.
	others := all[:0:0]
	for _, existing := range all {
		if existing.ID != occ.ID {
			others = append(others, existing)
		}
	}
	var valid bool
	if occ.PinnedTime != nil {
		valid = calendar.PinnedTimeValid(occ.ScheduledFor, others, cfg.WorkingHours, cfg.MaxPerDay)
	} else {
		valid = calendar.SlotAvailable(occ.ScheduledFor, others, cfg.WorkingHours, cfg.MaxPerDay, cfg.SlotPool)
	}
	if !valid {
		log.Warn().Str("occurrence_id", occ.ID).Time("at", occ.ScheduledFor).
			Msg("occurrence no longer fits calendar, dropping timer")
		return
	}

	if old, ok := s.timers[occ.ID]; ok {
		old.timer.Stop()
	}
	s.gen[occ.ID]++
	g := s.gen[occ.ID]

	delay := occ.ScheduledFor.Sub(s.now())
	if delay <= 0 {
		delete(s.timers, occ.ID)
		s.fireLocked(ctx, occ)
		return
	}
	id := occ.ID
	s.timers[id] = armed{
		occ: occ,
		timer: time.AfterFunc(delay, func() {
			s.fire(id, g)
		}),
	}
	log.Debug().Str("occurrence_id", id).Dur("delay", delay).Msg("timer armed")
}

// fire is the timer callback. It re-checks its generation under the lock so
// a timer superseded by Pause or a re-arm becomes a no-op.
func (s *Service) fire(id string, g uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.gen[id] != g {
		return
	}
	a, ok := s.timers[id]
	if !ok {
		return
	}
	delete(s.timers, id)
	s.fireLocked(context.Background(), a.occ)
}

// fireLocked records the execution, announces the occurrence, and arms the
// follow-up: a retry when the task's budget allows, otherwise the next
// recurrence. Caller holds s.mu.
func (s *Service) fireLocked(ctx context.Context, occ domain.TaskOccurrence) {
	now := s.now()
	exec := domain.TaskExecution{
		OccurrenceID:     occ.ID,
		State:            domain.StateDone,
		RetriesRemaining: 0,
		History: []domain.TaskEvent{
			{Kind: domain.EventTriggered, At: now},
			{Kind: domain.EventCompleted, At: now},
		},
	}
	if err := s.repo.AddExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("occurrence_id", occ.ID).Msg("failed to record execution")
	}
	s.announce(occ)
	log.Info().Str("occurrence_id", occ.ID).Str("task_id", occ.TaskID).Msg("occurrence fired")
	s.chainFollowUpLocked(ctx, occ, now)
}

/// chainFollowUpLocked arms a settled occurrence's successor: a retry when
// the task's policy allows one, otherwise the next recurrence. Caller holds
// s.mu.
func (s *Service) chainFollowUpLocked(ctx context.Context, occ domain.TaskOccurrence, now time.Time) {
	task, err := s.repo.GetTask(ctx, occ.TaskID)
	if err != nil {
		if err != store.ErrNotFound {
			log.Error().Err(err).Str("task_id", occ.TaskID).Msg("failed to load task for follow-up")
		}
		return
	}

	cfg := s.cal.GetConfig()
	scheduled, err := s.repo.ListOccurrences(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list occurrences for follow-up")
		return
	}

	if task.Retry.MaxRetries > 0 && occ.PinnedTime == nil {
		retry, ok := scheduler.RescheduleRetry(occ, task.Retry, now, scheduled, cfg.WorkingHours, cfg.SlotPool, cfg.MaxPerDay, nil)
		if ok {
			s.persistAndArmLocked(ctx, retry)
			return
		}
	}
	next, ok := scheduler.NextOccurrence(task, now, scheduled, cfg.WorkingHours, cfg.SlotPool, cfg.MaxPerDay)
	if ok && next.ScheduledFor.After(now) {
		s.persistAndArmLocked(ctx, next)
	}
}

func (s *Service) persistAndArmLocked(ctx context.Context, occ domain.TaskOccurrence) {
	if err := s.repo.AddOccurrence(ctx, occ); err != nil {
		log.Error().Err(err).Str("occurrence_id", occ.ID).Msg("failed to persist occurrence")
		return
	}
	s.scheduleOccurrenceLocked(ctx, occ)
}

func (s *Service) announce(occ domain.TaskOccurrence) {
	if s.onFire == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("occurrence_id", occ.ID).Msg("fire callback panicked")
		}
	}()
	s.onFire(occ)
}

// Complete settles an occurrence on the user's behalf: its timer is
// cancelled, its execution marked done, and the same retry-then-recurrence
// chaining runs as after a fire, so a recurring task keeps recurring.
func (s *Service) Complete(ctx context.Context, occ domain.TaskOccurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.timers[occ.ID]; ok {
		a.timer.Stop()
		delete(s.timers, occ.ID)
	}
	s.gen[occ.ID]++
	now := s.now()
	exec := domain.TaskExecution{
		OccurrenceID:     occ.ID,
		State:            domain.StateDone,
		RetriesRemaining: 0,
		History:          []domain.TaskEvent{{Kind: domain.EventCompleted, At: now}},
	}
	if err := s.repo.AddExecution(ctx, exec); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	log.Info().Str("occurrence_id", occ.ID).Msg("occurrence completed")
	s.chainFollowUpLocked(ctx, occ, now)
	return nil
}

// Cancel drops the timer for an occurrence without recording an execution.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.timers[id]; ok {
		a.timer.Stop()
		delete(s.timers, id)
	}
	s.gen[id]++
}

// CheckForMissedTasks scans persisted occurrences for instants that slipped
// past without firing. Slips inside the grace window fire immediately;
// anything older is handed to batch recovery, which produces retry or
// recurrence replacements.
func (s *Service) CheckForMissedTasks(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkForMissedLocked(ctx)
}

func (s *Service) checkForMissedLocked(ctx context.Context) {
	if s.paused {
		return
	}
	now := s.now()
	due, err := s.repo.ListDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due occurrences")
		return
	}
	execs, err := s.repo.ListExecutions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list executions")
		return
	}
	execByOcc := make(map[string]domain.TaskExecution, len(execs))
	for _, exec := range execs {
		execByOcc[exec.OccurrenceID] = exec
	}

	recoverNeeded := false
	for _, occ := range due {
		if exec, ok := execByOcc[occ.ID]; ok {
			if exec.State == domain.StateDone || exec.State == domain.StateCancelled {
				continue
			}
			// a rescheduled event means recovery already produced this
			// execution's replacement; sweeping it again would arm another
			if exec.RetryCount() > 0 {
				continue
			}
		}
		delta := now.Sub(occ.ScheduledFor)
		if delta == 0 {
			// the armed timer owns the exact instant
			continue
		}
		if delta <= s.grace {
			if a, ok := s.timers[occ.ID]; ok {
				a.timer.Stop()
				delete(s.timers, occ.ID)
			}
			s.gen[occ.ID]++
			log.Warn().Str("occurrence_id", occ.ID).Dur("late_by", delta).Msg("firing inside grace window")
			s.fireLocked(ctx, occ)
			continue
		}
		s.markMissedLocked(ctx, occ, now)
		recoverNeeded = true
	}
	if recoverNeeded {
		s.recoverLocked(ctx, now)
	}
}

// markMissedLocked flips the occurrence's execution to missed, preserving
// an existing retry budget and history. A first miss seeds the budget from
// the task's retry policy.
func (s *Service) markMissedLocked(ctx context.Context, occ domain.TaskOccurrence, now time.Time) {
	if a, ok := s.timers[occ.ID]; ok {
		a.timer.Stop()
		delete(s.timers, occ.ID)
	}
	s.gen[occ.ID]++

	exec := domain.TaskExecution{OccurrenceID: occ.ID, State: domain.StateMissed}
	execs, err := s.repo.ListExecutions(ctx)
	if err == nil {
		for _, prev := range execs {
			if prev.OccurrenceID == occ.ID {
				exec = prev
				exec.State = domain.StateMissed
				break
			}
		}
	}
	if len(exec.History) == 0 {
		if task, err := s.repo.GetTask(ctx, occ.TaskID); err == nil {
			exec.RetriesRemaining = task.Retry.MaxRetries
		}
	}
	exec.History = append(exec.History, domain.TaskEvent{Kind: domain.EventMissed, At: now})
	if err := s.repo.AddExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("occurrence_id", occ.ID).Msg("failed to mark missed")
	}
}

// recoverLocked runs the batch recovery engine over the current state and
// persists and arms everything it produces.
func (s *Service) recoverLocked(ctx context.Context, now time.Time) {
	execs, err := s.repo.ListExecutions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list executions for recovery")
		return
	}
	occs, err := s.repo.ListOccurrences(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list occurrences for recovery")
		return
	}
	tasks, err := s.repo.ListTasks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list tasks for recovery")
		return
	}

	occsByID := make(map[string]domain.TaskOccurrence, len(occs))
	for _, occ := range occs {
		occsByID[occ.ID] = occ
	}
	tasksByID := make(map[string]domain.TaskDefinition, len(tasks))
	for _, t := range tasks {
		tasksByID[t.ID] = t
	}

	// executions that already produced a replacement are settled; feeding
	// them back in would mint another replacement every sweep
	fresh := execs[:0:0]
	execByOcc := make(map[string]domain.TaskExecution, len(execs))
	for _, exec := range execs {
		execByOcc[exec.OccurrenceID] = exec
		if exec.RetryCount() == 0 {
			fresh = append(fresh, exec)
		}
	}

	cfg := s.cal.GetConfig()
	recovered := recovery.RecoverMissed(fresh, occsByID, tasksByID, now, occs, cfg.WorkingHours, cfg.SlotPool, cfg.MaxPerDay)
	for _, rec := range recovered {
		log.Info().Str("occurrence_id", rec.Occurrence.ID).Str("source_id", rec.SourceID).
			Time("at", rec.Occurrence.ScheduledFor).Msg("recovered occurrence")
		s.settleRecoveredLocked(ctx, execByOcc, rec, now)
		s.persistAndArmLocked(ctx, rec.Occurrence)
	}
}

// settleRecoveredLocked records on the source execution that a replacement
// was scheduled: a rescheduled event always, and a budget decrement when the
// replacement is a retry. The event is what makes later sweeps skip it.
func (s *Service) settleRecoveredLocked(ctx context.Context, execByOcc map[string]domain.TaskExecution, rec recovery.Recovered, now time.Time) {
	prev, ok := execByOcc[rec.SourceID]
	if !ok {
		return
	}
	if strings.Contains(rec.Occurrence.ID, ":retry:") && prev.RetriesRemaining > 0 {
		prev.RetriesRemaining--
	}
	prev.History = append(prev.History, domain.TaskEvent{Kind: domain.EventRescheduled, At: now})
	if err := s.repo.AddExecution(ctx, prev); err != nil {
		log.Error().Err(err).Str("occurrence_id", prev.OccurrenceID).Msg("failed to record reschedule")
	}
}

// ScheduledOccurrences snapshots the currently armed occurrences.
func (s *Service) ScheduledOccurrences() []domain.TaskOccurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	occs := make([]domain.TaskOccurrence, 0, len(s.timers))
	for _, a := range s.timers {
		occs = append(occs, a.occ)
	}
	return occs
}

// Stop shuts the service down: the sweep stops and every timer is dropped.
func (s *Service) Stop() {
	s.Pause()
}
