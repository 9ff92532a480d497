// Package calendar computes valid scheduling windows, enforcing working
// hours, slot preferences and per-day caps. All planner functions are pure:
// deterministic, no I/O, no mutation of inputs.
package calendar

import (
	"time"

	"planflow/internal/domain"
)

// SearchWindowDays bounds the forward search of NextAvailableSlot.
const SearchWindowDays = 14

// NoPriority disables the slot rotation in NextAvailableSlot.
const NoPriority = -1

func hoursFor(day string, hours []domain.WorkingHours) (domain.WorkingHours, bool) {
	for _, wh := range hours {
		if wh.Day == day {
			return wh, true
		}
	}
	return domain.WorkingHours{}, false
}

// withinHours reports whether t's time of day lies in [wh.Start, wh.End],
// inclusive on both ends. Sub-minute components push t past an exact end
// boundary.
func withinHours(t time.Time, wh domain.WorkingHours) bool {
	tod := domain.ClockOf(t)
	if tod < wh.Start || tod > wh.End {
		return false
	}
	if tod == wh.End && (t.Second() > 0 || t.Nanosecond() > 0) {
		return false
	}
	return true
}

func sameDate(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// SlotAvailable reports whether a new occurrence may be placed at proposed.
// Checks, in order: the weekday has a WorkingHours entry; proposed falls
// within it; the day's occurrence count is below maxPerDay; no occurrence
// sits at exactly proposed; and, if the day restricts slots, a pool slot
// allowed that day starts exactly at proposed's time of day.
func SlotAvailable(proposed time.Time, occs []domain.TaskOccurrence, hours []domain.WorkingHours, maxPerDay int, pool []domain.TimeSlot) bool {
	wh, ok := hoursFor(domain.WeekdayName(proposed), hours)
	if !ok {
		return false
	}
	if !withinHours(proposed, wh) {
		return false
	}
	count := 0
	for _, occ := range occs {
		if sameDate(occ.ScheduledFor, proposed) {
			count++
		}
	}
	if count >= maxPerDay {
		return false
	}
	for _, occ := range occs {
		if occ.ScheduledFor.Equal(proposed) {
			return false
		}
	}
	if len(wh.AllowedSlots) > 0 {
		if pool == nil {
			return false
		}
		match := false
		for _, slot := range pool {
			if contains(wh.AllowedSlots, slot.Name) && slot.Start.Matches(proposed) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

// PinnedTimeValid validates a user-pinned instant on working-hours, cap and
// collision grounds only. Pinned times bypass slot restrictions entirely.
func PinnedTimeValid(pinned time.Time, occs []domain.TaskOccurrence, hours []domain.WorkingHours, maxPerDay int) bool {
	wh, ok := hoursFor(domain.WeekdayName(pinned), hours)
	if !ok {
		return false
	}
	if !withinHours(pinned, wh) {
		return false
	}
	count := 0
	for _, occ := range occs {
		if sameDate(occ.ScheduledFor, pinned) {
			count++
		}
	}
	if count >= maxPerDay {
		return false
	}
	for _, occ := range occs {
		if occ.ScheduledFor.Equal(pinned) {
			return false
		}
	}
	return true
}

// NextAvailableSlot searches forward from after for the first instant that
// passes SlotAvailable, walking day by day over a fixed horizon. A
// non-negative priority rotates each day's candidate list left by that many
// positions, varying which slot is tried first across competing tasks.
// Returns false if the horizon is exhausted or pool is empty.
func NextAvailableSlot(after time.Time, pool []domain.TimeSlot, occs []domain.TaskOccurrence, hours []domain.WorkingHours, maxPerDay int, priority int) (time.Time, bool) {
	if len(pool) == 0 {
		return time.Time{}, false
	}
	searchStart := after.Add(time.Minute)
	for offset := 0; offset < SearchWindowDays; offset++ {
		day := searchStart.AddDate(0, 0, offset)
		wh, ok := hoursFor(domain.WeekdayName(day), hours)
		if !ok {
			continue // holiday
		}
		var candidates []domain.TimeSlot
		for _, slot := range pool {
			if slot.Start < wh.Start || slot.Start > wh.End {
				continue
			}
			if len(wh.AllowedSlots) > 0 && !contains(wh.AllowedSlots, slot.Name) {
				continue
			}
			candidates = append(candidates, slot)
		}
		if priority >= 0 && priority < len(candidates) {
			candidates = append(candidates[priority:], candidates[:priority]...)
		}
		for _, slot := range candidates {
			at := slot.Start.On(day)
			if !at.After(after) {
				continue
			}
			if SlotAvailable(at, occs, hours, maxPerDay, pool) {
				return at, true
			}
		}
	}
	return time.Time{}, false
}
