package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planflow/internal/domain"
)

// 2025-01-02 is a Thursday.
var (
	thursday = time.Date(2025, 1, 2, 0, 0, 0, 0, time.Local)
	friday   = time.Date(2025, 1, 3, 0, 0, 0, 0, time.Local)
	monday   = time.Date(2025, 1, 6, 0, 0, 0, 0, time.Local)
)

func weekdayHours() []domain.WorkingHours {
	days := []string{"monday", "tuesday", "wednesday", "thursday", "friday"}
	hours := make([]domain.WorkingHours, 0, len(days))
	for _, d := range days {
		hours = append(hours, domain.WorkingHours{
			Day:          d,
			Start:        domain.NewClock(9, 0),
			End:          domain.NewClock(17, 0),
			AllowedSlots: []string{"morning", "afternoon"},
		})
	}
	return hours
}

func slotPool() []domain.TimeSlot {
	return []domain.TimeSlot{
		{ID: "s1", Name: "morning", Start: domain.NewClock(9, 0), End: domain.NewClock(12, 0)},
		{ID: "s2", Name: "afternoon", Start: domain.NewClock(13, 0), End: domain.NewClock(16, 0)},
	}
}

func dailyTask(id string, preferred ...string) domain.TaskDefinition {
	return domain.TaskDefinition{
		ID:             id,
		Title:          "task " + id,
		CreatedAt:      thursday,
		Recurrence:     24 * time.Hour,
		Priority:       domain.PriorityMedium,
		PreferredSlots: preferred,
		Retry:          domain.RetryPolicy{MaxRetries: 3},
	}
}

func occAt(id string, at time.Time) domain.TaskOccurrence {
	return domain.TaskOccurrence{ID: id, TaskID: "task-" + id, ScheduledFor: at}
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	at := domain.NewClock(9, 0).On(thursday)
	occ := occAt("a", at)

	assert.True(t, IsDue(occ, at))
	assert.True(t, IsDue(occ, at.Add(time.Second)))
	assert.False(t, IsDue(occ, at.Add(-time.Second)))

	assert.False(t, IsMissed(occ, at))
	assert.True(t, IsMissed(occ, at.Add(time.Second)))

	assert.True(t, ShouldRetry(domain.TaskExecution{State: domain.StateMissed, RetriesRemaining: 1}))
	assert.False(t, ShouldRetry(domain.TaskExecution{State: domain.StateDone, RetriesRemaining: 1}))
	assert.False(t, ShouldRetry(domain.TaskExecution{State: domain.StateMissed, RetriesRemaining: 0}))
}

func TestNextOccurrence_DailyPreferredMorning(t *testing.T) {
	t.Parallel()

	// A daily task preferring "morning" scheduled from Thursday lands on
	// Friday at 09:00.
	task := dailyTask("t1", "morning")
	from := domain.NewClock(8, 0).On(thursday)

	occ, ok := NextOccurrence(task, from, nil, weekdayHours(), slotPool(), 10)
	require.True(t, ok)
	assert.Equal(t, domain.NewClock(9, 0).On(friday), occ.ScheduledFor)
	require.NotNil(t, occ.SlotName)
	assert.Equal(t, "morning", *occ.SlotName)
	assert.Nil(t, occ.PinnedTime)
	assert.Equal(t, fmt.Sprintf("t1:%d", occ.ScheduledFor.Unix()), occ.ID)
}

func TestNextOccurrence_FallbackToOtherSlots(t *testing.T) {
	t.Parallel()

	// Preferred slot not allowed anywhere: fall back to any allowed slot,
	// earliest first.
	task := dailyTask("t1", "evening")
	from := domain.NewClock(8, 0).On(thursday)

	occ, ok := NextOccurrence(task, from, nil, weekdayHours(), slotPool(), 10)
	require.True(t, ok)
	require.NotNil(t, occ.SlotName)
	assert.Equal(t, "morning", *occ.SlotName)
}

func TestNextOccurrence_FullDaySkipsToMonday(t *testing.T) {
	t.Parallel()

	// Friday is at capacity: the target day fails and the horizon search
	// lands on Monday morning.
	occs := []domain.TaskOccurrence{
		occAt("a", domain.NewClock(9, 0).On(friday)),
		occAt("b", domain.NewClock(13, 0).On(friday)),
	}
	task := dailyTask("t3", "morning")
	from := domain.NewClock(8, 0).On(thursday)

	occ, ok := NextOccurrence(task, from, occs, weekdayHours(), slotPool(), 2)
	require.True(t, ok)
	assert.Equal(t, domain.NewClock(9, 0).On(monday), occ.ScheduledFor)
	require.NotNil(t, occ.SlotName)
	assert.Equal(t, "morning", *occ.SlotName)
}

func TestNextOccurrence_OneOffNeverReschedules(t *testing.T) {
	t.Parallel()

	task := dailyTask("t1", "morning")
	task.Recurrence = 0
	_, ok := NextOccurrence(task, domain.NewClock(8, 0).On(thursday), nil, weekdayHours(), slotPool(), 10)
	assert.False(t, ok)
}

func TestNextOccurrence_PinnedValid(t *testing.T) {
	t.Parallel()

	pinned := domain.NewClock(10, 30).On(friday)
	task := dailyTask("t1", "morning")
	task.PinnedTime = &pinned

	occ, ok := NextOccurrence(task, domain.NewClock(8, 0).On(thursday), nil, weekdayHours(), slotPool(), 10)
	require.True(t, ok)
	assert.Equal(t, pinned, occ.ScheduledFor)
	require.NotNil(t, occ.PinnedTime)
	assert.Equal(t, pinned, *occ.PinnedTime)
	assert.Nil(t, occ.SlotName)
	assert.Equal(t, fmt.Sprintf("t1:pinned:%d", pinned.Unix()), occ.ID)
}

func TestNextOccurrence_PinnedInvalidNoFallback(t *testing.T) {
	t.Parallel()

	// The pinned instant collides with an existing occurrence; even though
	// the task also recurs, placement is rejected outright.
	pinned := domain.NewClock(10, 30).On(friday)
	task := dailyTask("t1", "morning")
	task.PinnedTime = &pinned
	occs := []domain.TaskOccurrence{occAt("a", pinned)}

	_, ok := NextOccurrence(task, domain.NewClock(8, 0).On(thursday), occs, weekdayHours(), slotPool(), 10)
	assert.False(t, ok)
}

func TestNextOccurrence_PinnedOutsideHours(t *testing.T) {
	t.Parallel()

	pinned := domain.NewClock(20, 0).On(friday)
	task := dailyTask("t1")
	task.PinnedTime = &pinned
	_, ok := NextOccurrence(task, domain.NewClock(8, 0).On(thursday), nil, weekdayHours(), slotPool(), 10)
	assert.False(t, ok)
}

func TestNextOccurrence_EarliestFirstRegardlessOfPriority(t *testing.T) {
	t.Parallel()

	for _, p := range []domain.Priority{domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh} {
		task := dailyTask("t1", "afternoon", "morning")
		task.Priority = p
		occ, ok := NextOccurrence(task, domain.NewClock(8, 0).On(thursday), nil, weekdayHours(), slotPool(), 10)
		require.True(t, ok)
		require.NotNil(t, occ.SlotName)
		assert.Equal(t, "morning", *occ.SlotName, "priority %s", p)
	}
}

func TestRescheduleRetry_ZeroBudget(t *testing.T) {
	t.Parallel()

	occ := occAt("a", domain.NewClock(9, 0).On(thursday))
	now := domain.NewClock(9, 5).On(thursday)

	// max_retries == 0 rejects unconditionally.
	_, ok := RescheduleRetry(occ, domain.RetryPolicy{MaxRetries: 0}, now, nil, weekdayHours(), slotPool(), 10, nil)
	assert.False(t, ok)

	// An exhausted explicit budget rejects too.
	zero := 0
	_, ok = RescheduleRetry(occ, domain.RetryPolicy{MaxRetries: 3}, now, nil, weekdayHours(), slotPool(), 10, &zero)
	assert.False(t, ok)
}

func TestRescheduleRetry_PrefersOriginalSlot(t *testing.T) {
	t.Parallel()

	name := "afternoon"
	occ := domain.TaskOccurrence{
		ID:           "occ-a",
		TaskID:       "t1",
		ScheduledFor: domain.NewClock(13, 0).On(thursday),
		SlotName:     &name,
	}
	// now 08:00 Thursday, default interval one hour: base 09:00. The morning
	// slot would be first by start time but the retry stays in "afternoon".
	now := domain.NewClock(8, 0).On(thursday)

	retry, ok := RescheduleRetry(occ, domain.RetryPolicy{MaxRetries: 3}, now, nil, weekdayHours(), slotPool(), 10, nil)
	require.True(t, ok)
	assert.Equal(t, domain.NewClock(13, 0).On(thursday), retry.ScheduledFor)
	require.NotNil(t, retry.SlotName)
	assert.Equal(t, "afternoon", *retry.SlotName)
	assert.Equal(t, fmt.Sprintf("t1:retry:%d", retry.ScheduledFor.Unix()), retry.ID)
}

func TestRescheduleRetry_RespectsInterval(t *testing.T) {
	t.Parallel()

	occ := occAt("a", domain.NewClock(9, 0).On(thursday))
	occ.TaskID = "t1"
	now := domain.NewClock(9, 5).On(thursday)
	policy := domain.RetryPolicy{MaxRetries: 3, Interval: 30 * time.Minute}

	// base 09:35 Thursday: the morning slot has passed, afternoon is next.
	retry, ok := RescheduleRetry(occ, policy, now, nil, weekdayHours(), slotPool(), 10, nil)
	require.True(t, ok)
	assert.Equal(t, domain.NewClock(13, 0).On(thursday), retry.ScheduledFor)
	assert.False(t, retry.ScheduledFor.Before(now.Add(policy.Interval)))
}

func TestRescheduleRetry_RollsToNextDay(t *testing.T) {
	t.Parallel()

	occ := occAt("a", domain.NewClock(13, 0).On(thursday))
	occ.TaskID = "t1"
	// Too late on Thursday for any slot; Friday morning is next.
	now := domain.NewClock(16, 0).On(thursday)

	retry, ok := RescheduleRetry(occ, domain.RetryPolicy{MaxRetries: 1}, now, nil, weekdayHours(), slotPool(), 10, nil)
	require.True(t, ok)
	assert.Equal(t, domain.NewClock(9, 0).On(friday), retry.ScheduledFor)
}

func TestRescheduleRetry_HorizonExhausted(t *testing.T) {
	t.Parallel()

	// Only Thursday has working hours and the whole week after now is past
	// it: with the cap at zero effective capacity nothing can be placed.
	occ := occAt("a", domain.NewClock(9, 0).On(thursday))
	now := domain.NewClock(9, 5).On(thursday)
	full := []domain.TaskOccurrence{} // cap of 0 blocks every day
	_, ok := RescheduleRetry(occ, domain.RetryPolicy{MaxRetries: 2}, now, full, weekdayHours(), slotPool(), 0, nil)
	assert.False(t, ok)
}
