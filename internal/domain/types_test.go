package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsReschedulable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		state   ExecState
		retries int
		want    bool
	}{
		{"missed with retries", StateMissed, 2, true},
		{"pending with retries", StatePending, 1, true},
		{"done with retries", StateDone, 3, false},
		{"cancelled with retries", StateCancelled, 3, false},
		{"missed without retries", StateMissed, 0, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := TaskExecution{OccurrenceID: "occ-1", State: tc.state, RetriesRemaining: tc.retries}
			assert.Equal(t, tc.want, e.IsReschedulable())
		})
	}
}

func TestRetryCountAndLastEventTime(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 1, 1, 9, 0, 0, 0, time.Local)
	e := TaskExecution{
		OccurrenceID: "occ-1",
		State:        StateMissed,
		History: []TaskEvent{
			{Kind: EventTriggered, At: t0},
			{Kind: EventRescheduled, At: t0.Add(time.Hour)},
			{Kind: EventRescheduled, At: t0.Add(2 * time.Hour)},
		},
	}
	assert.Equal(t, 2, e.RetryCount())
	last, ok := e.LastEventTime()
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Hour), last)

	_, ok = TaskExecution{}.LastEventTime()
	assert.False(t, ok)
}

func TestClockTime(t *testing.T) {
	t.Parallel()

	c, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9, c.Hour())
	assert.Equal(t, 30, c.Minute())
	assert.Equal(t, "09:30", c.String())

	_, err = ParseClock("25:00")
	assert.Error(t, err)
	_, err = ParseClock("nonsense")
	assert.Error(t, err)

	day := time.Date(2025, 6, 2, 14, 45, 12, 0, time.Local)
	at := c.On(day)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 30, 0, 0, time.Local), at)

	assert.True(t, c.Matches(at))
	assert.False(t, c.Matches(at.Add(30*time.Second)))
	assert.Equal(t, NewClock(14, 45), ClockOf(day))
}

func TestIntervalRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    time.Duration
		text string
	}{
		{2 * 24 * time.Hour, "2d"},
		{3 * time.Hour, "3h"},
		{15 * time.Minute, "15m"},
		{10 * time.Second, "10s"},
		{90 * time.Minute, "90m"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.text, FormatInterval(tc.d))
		got, err := ParseInterval(tc.text)
		require.NoError(t, err)
		assert.Equal(t, tc.d, got)
	}

	_, err := ParseInterval("1w")
	assert.Error(t, err)
	_, err = ParseInterval("")
	assert.Error(t, err)
}

func TestWeekdayName(t *testing.T) {
	t.Parallel()

	// 2025-01-02 is a Thursday.
	assert.Equal(t, "thursday", WeekdayName(time.Date(2025, 1, 2, 0, 0, 0, 0, time.Local)))
	assert.Equal(t, "sunday", WeekdayName(time.Date(2025, 1, 5, 0, 0, 0, 0, time.Local)))
}
