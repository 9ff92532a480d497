// Package recovery turns missed or stale-pending executions back into fresh
// occurrences. It is a pure batch sweep; callers persist and schedule the
// returned occurrences.
package recovery

import (
	"time"

	"planflow/internal/domain"
	"planflow/internal/scheduler"
)

// Recovered pairs a replacement occurrence with the execution it recovers,
// so callers can settle that exact execution's budget and history.
type Recovered struct {
	// SourceID is the occurrence id of the execution that was recovered.
	SourceID   string
	Occurrence domain.TaskOccurrence
}

// RecoverMissed scans all executions and, for each missed or pending one
// whose occurrence is past due, produces a retry occurrence when the retry
// budget allows, or a recurrence occurrence otherwise. A retry always wins
// over a recurrence for the same execution. Pinned occurrences are user-fixed
// and never recovered. Recurrences are accepted only when they land strictly
// after now. Inputs are not modified.
func RecoverMissed(
	execs []domain.TaskExecution,
	occsByID map[string]domain.TaskOccurrence,
	tasksByID map[string]domain.TaskDefinition,
	now time.Time,
	scheduled []domain.TaskOccurrence,
	hours []domain.WorkingHours,
	pool []domain.TimeSlot,
	maxPerDay int,
) []Recovered {
	var recovered []Recovered
	for _, exec := range execs {
		if exec.State != domain.StateMissed && exec.State != domain.StatePending {
			continue
		}
		occ, ok := occsByID[exec.OccurrenceID]
		if !ok || !occ.ScheduledFor.Before(now) {
			continue
		}
		if occ.PinnedTime != nil {
			continue
		}
		task, ok := tasksByID[occ.TaskID]
		if !ok {
			continue
		}

		if scheduler.ShouldRetry(exec) {
			retry, ok := scheduler.RescheduleRetry(occ, task.Retry, now, scheduled, hours, pool, maxPerDay, nil)
			if ok {
				recovered = append(recovered, Recovered{SourceID: occ.ID, Occurrence: retry})
				continue
			}
		}
		if task.Recurrence > 0 {
			next, ok := scheduler.NextOccurrence(task, occ.ScheduledFor, scheduled, hours, pool, maxPerDay)
			if ok && next.ScheduledFor.After(now) {
				recovered = append(recovered, Recovered{SourceID: occ.ID, Occurrence: next})
			}
		}
	}
	return recovered
}
