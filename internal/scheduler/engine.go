// Package scheduler decides where the next occurrence of a task lands:
// pinned-time placement, recurrence placement and retry placement, all built
// on the calendar availability checks. Every function is pure.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"planflow/internal/calendar"
	"planflow/internal/domain"
)

// RetryWindowDays bounds the forward search of RescheduleRetry.
const RetryWindowDays = 7

// IsDue reports whether the occurrence has reached its scheduled instant.
func IsDue(occ domain.TaskOccurrence, now time.Time) bool {
	return !now.Before(occ.ScheduledFor)
}

// IsMissed reports whether the scheduled instant has passed.
func IsMissed(occ domain.TaskOccurrence, now time.Time) bool {
	return now.After(occ.ScheduledFor)
}

// ShouldRetry reports whether the execution is still eligible for a retry.
func ShouldRetry(exec domain.TaskExecution) bool {
	return exec.IsReschedulable()
}

// allowedSlotNames unions the allowed_slots of every WorkingHours entry for
// the given weekday.
func allowedSlotNames(hours []domain.WorkingHours, weekday string) map[string]bool {
	allowed := map[string]bool{}
	for _, wh := range hours {
		if wh.Day != weekday {
			continue
		}
		for _, name := range wh.AllowedSlots {
			allowed[name] = true
		}
	}
	return allowed
}

func sortByStart(slots []domain.TimeSlot) {
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Start < slots[j].Start })
}

func withinSlot(t time.Time, slot domain.TimeSlot) bool {
	tod := domain.ClockOf(t)
	return tod >= slot.Start && tod <= slot.End
}

// slotNameAt resolves which pool slot starts exactly at t's time of day.
func slotNameAt(t time.Time, pool []domain.TimeSlot) *string {
	for _, slot := range pool {
		if slot.Start.Matches(t) {
			name := slot.Name
			return &name
		}
	}
	return nil
}

// NextOccurrence computes the next occurrence for a task.
//
// A pinned time is absolute: it is validated on working-hours, cap and
// collision grounds and either accepted at that exact instant or rejected
// outright, with no fallback to recurrence. Non-recurring tasks without a
// pinned time never reschedule. Otherwise the target day (from + recurrence)
// is tried first, preferring the task's preferred slots, and the full
// calendar search takes over if the target day yields nothing.
func NextOccurrence(task domain.TaskDefinition, from time.Time, occs []domain.TaskOccurrence, hours []domain.WorkingHours, pool []domain.TimeSlot, maxPerDay int) (domain.TaskOccurrence, bool) {
	if task.PinnedTime != nil {
		pinned := *task.PinnedTime
		if !calendar.PinnedTimeValid(pinned, occs, hours, maxPerDay) {
			return domain.TaskOccurrence{}, false
		}
		return domain.TaskOccurrence{
			ID:           fmt.Sprintf("%s:pinned:%d", task.ID, pinned.Unix()),
			TaskID:       task.ID,
			ScheduledFor: pinned,
			PinnedTime:   &pinned,
		}, true
	}
	if task.Recurrence <= 0 {
		return domain.TaskOccurrence{}, false
	}

	base := from.Add(task.Recurrence)
	allowed := allowedSlotNames(hours, domain.WeekdayName(base))

	preferredNames := map[string]bool{}
	for _, name := range task.PreferredSlots {
		preferredNames[name] = true
	}
	var preferred, other []domain.TimeSlot
	for _, slot := range pool {
		if !allowed[slot.Name] {
			continue
		}
		if preferredNames[slot.Name] {
			preferred = append(preferred, slot)
		} else {
			other = append(other, slot)
		}
	}
	candidates := preferred
	if len(candidates) == 0 {
		candidates = other
	}
	sortByStart(candidates)

	for _, slot := range candidates {
		at := slot.Start.On(base)
		if !at.After(from) {
			continue
		}
		if !withinSlot(at, slot) {
			continue
		}
		if !calendar.SlotAvailable(at, occs, hours, maxPerDay, pool) {
			continue
		}
		name := slot.Name
		return domain.TaskOccurrence{
			ID:           fmt.Sprintf("%s:%d", task.ID, at.Unix()),
			TaskID:       task.ID,
			ScheduledFor: at,
			SlotName:     &name,
		}, true
	}

	// Nothing on the immediate target day: fall back to the day-by-day search
	// over the full horizon.
	at, ok := calendar.NextAvailableSlot(base, pool, occs, hours, maxPerDay, calendar.NoPriority)
	if !ok {
		return domain.TaskOccurrence{}, false
	}
	return domain.TaskOccurrence{
		ID:           fmt.Sprintf("%s:%d", task.ID, at.Unix()),
		TaskID:       task.ID,
		ScheduledFor: at,
		SlotName:     slotNameAt(at, pool),
	}, true
}

// RescheduleRetry computes a retry occurrence after a miss. The retry stays
// in the original occurrence's slot when that slot is still allowed, keeping
// retries in the same rhythm as the original placement. retriesRemaining may
// be nil when the caller does not track a budget.
func RescheduleRetry(occ domain.TaskOccurrence, policy domain.RetryPolicy, now time.Time, occs []domain.TaskOccurrence, hours []domain.WorkingHours, pool []domain.TimeSlot, maxPerDay int, retriesRemaining *int) (domain.TaskOccurrence, bool) {
	if policy.MaxRetries == 0 {
		return domain.TaskOccurrence{}, false
	}
	if retriesRemaining != nil && *retriesRemaining <= 0 {
		return domain.TaskOccurrence{}, false
	}

	base := now.Add(policy.RetryInterval())
	for offset := 0; offset < RetryWindowDays; offset++ {
		day := base.AddDate(0, 0, offset)
		allowed := allowedSlotNames(hours, domain.WeekdayName(day))
		if len(allowed) == 0 {
			continue
		}

		var candidates []domain.TimeSlot
		for _, slot := range pool {
			if allowed[slot.Name] && (occ.SlotName == nil || slot.Name == *occ.SlotName) {
				candidates = append(candidates, slot)
			}
		}
		if len(candidates) == 0 {
			for _, slot := range pool {
				if allowed[slot.Name] {
					candidates = append(candidates, slot)
				}
			}
		}
		sortByStart(candidates)

		for _, slot := range candidates {
			at := slot.Start.On(day)
			if at.Before(base) {
				continue
			}
			if !withinSlot(at, slot) {
				continue
			}
			if !calendar.SlotAvailable(at, occs, hours, maxPerDay, pool) {
				continue
			}
			name := slot.Name
			return domain.TaskOccurrence{
				ID:           fmt.Sprintf("%s:retry:%d", occ.TaskID, at.Unix()),
				TaskID:       occ.TaskID,
				ScheduledFor: at,
				SlotName:     &name,
			}, true
		}
	}
	return domain.TaskOccurrence{}, false
}
