package domain

import "time"

// Priority orders competing tasks when slots are scarce.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ExecState is the lifecycle state of a single execution. Transitions are
// monotonic: pending -> done | missed | cancelled.
type ExecState string

const (
	StatePending   ExecState = "pending"
	StateDone      ExecState = "done"
	StateMissed    ExecState = "missed"
	StateCancelled ExecState = "cancelled"
)

// EventKind labels one entry of an execution's history.
type EventKind string

const (
	EventTriggered   EventKind = "triggered"
	EventMissed      EventKind = "missed"
	EventRescheduled EventKind = "rescheduled"
	EventCompleted   EventKind = "completed"
)

// DefaultRetryInterval applies when a RetryPolicy leaves Interval unset.
const DefaultRetryInterval = time.Hour

// RetryPolicy configures how missed occurrences of a task are retried.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Interval   time.Duration `json:"retry_interval,omitempty"`
	Announce   bool          `json:"announce_on_retry,omitempty"`
}

// RetryInterval returns the configured interval, or the default when unset.
func (p RetryPolicy) RetryInterval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultRetryInterval
}

// TaskDefinition is a user-defined task. Definitions are immutable; edits
// replace the record wholesale.
type TaskDefinition struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    *string       `json:"description,omitempty"`
	Link           *string       `json:"link,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Recurrence     time.Duration `json:"recurrence,omitempty"` // 0 = one-off
	Priority       Priority      `json:"priority"`
	PreferredSlots []string      `json:"preferred_slots,omitempty"`
	Retry          RetryPolicy   `json:"retry_policy"`
	PinnedTime     *time.Time    `json:"pinned_time,omitempty"`
}

// TimeSlot is a named, reusable daily time window (e.g. "morning" 09:00-12:00).
type TimeSlot struct {
	ID    string    `json:"id" yaml:"id"`
	Name  string    `json:"name" yaml:"name"`
	Start ClockTime `json:"start" yaml:"start"`
	End   ClockTime `json:"end" yaml:"end"`
}

// WorkingHours limits scheduling on one weekday. A weekday with no entry has
// zero availability.
type WorkingHours struct {
	Day          string    `json:"day" yaml:"day"` // lowercase weekday name
	Start        ClockTime `json:"start" yaml:"start"`
	End          ClockTime `json:"end" yaml:"end"`
	AllowedSlots []string  `json:"allowed_slots,omitempty" yaml:"allowed_slots"`
}

// TaskOccurrence is one concrete scheduled instance of a task. Occurrences
// are never mutated; a reschedule appends a new occurrence.
type TaskOccurrence struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	SlotName     *string    `json:"slot_name,omitempty"`
	PinnedTime   *time.Time `json:"pinned_time,omitempty"`
}

// TaskEvent is one entry in an execution's append-only history.
type TaskEvent struct {
	Kind EventKind `json:"event"`
	At   time.Time `json:"timestamp"`
}

// TaskExecution tracks the runtime status of one occurrence. Updates replace
// the record with a new value; history is append-only.
type TaskExecution struct {
	OccurrenceID     string      `json:"occurrence_id"`
	State            ExecState   `json:"state"`
	RetriesRemaining int         `json:"retries_remaining"`
	History          []TaskEvent `json:"history,omitempty"`
}

// IsReschedulable reports whether a retry may still be attempted.
func (e TaskExecution) IsReschedulable() bool {
	return e.RetriesRemaining > 0 && (e.State == StateMissed || e.State == StatePending)
}

// RetryCount is the number of reschedules already recorded.
func (e TaskExecution) RetryCount() int {
	n := 0
	for _, ev := range e.History {
		if ev.Kind == EventRescheduled {
			n++
		}
	}
	return n
}

// LastEventTime returns the timestamp of the most recent event.
func (e TaskExecution) LastEventTime() (time.Time, bool) {
	if len(e.History) == 0 {
		return time.Time{}, false
	}
	return e.History[len(e.History)-1].At, true
}

// WeekdayName is the lowercase weekday name of t, matching WorkingHours.Day.
func WeekdayName(t time.Time) string {
	switch t.Weekday() {
	case time.Monday:
		return "monday"
	case time.Tuesday:
		return "tuesday"
	case time.Wednesday:
		return "wednesday"
	case time.Thursday:
		return "thursday"
	case time.Friday:
		return "friday"
	case time.Saturday:
		return "saturday"
	default:
		return "sunday"
	}
}
