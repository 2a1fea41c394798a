package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies what a scheduled task does when it fires.
type Type int

const (
	TypeBackup Type = iota
	TypeRestart
)

func (t Type) String() string {
	switch t {
	case TypeBackup:
		return "backup"
	case TypeRestart:
		return "restart"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "backup":
		return TypeBackup, nil
	case "restart":
		return TypeRestart, nil
	}
	return 0, fmt.Errorf("unknown task type %q", s)
}

// FreqKind is the closed set of supported trigger frequencies.
type FreqKind int

const (
	Hourly FreqKind = iota
	Daily
	Weekly
)

// Frequency describes when a task is eligible to fire. Weekday is only
// meaningful for Weekly.
type Frequency struct {
	Kind    FreqKind
	Weekday time.Weekday
}

func (f Frequency) String() string {
	switch f.Kind {
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly@" + strings.ToLower(f.Weekday.String()[:3])
	}
	return fmt.Sprintf("frequency(%d)", int(f.Kind))
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseFrequency parses "hourly", "daily", or "weekly@<day>". Day names are
// case-insensitive and may be abbreviated to three or more letters, but must
// be a prefix of a real day name; anything else is rejected here so a task
// can never be created in a permanently non-firing state.
func ParseFrequency(s string) (Frequency, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	switch raw {
	case "hourly":
		return Frequency{Kind: Hourly}, nil
	case "daily":
		return Frequency{Kind: Daily}, nil
	}
	day, ok := strings.CutPrefix(raw, "weekly@")
	if !ok {
		return Frequency{}, fmt.Errorf("unknown frequency %q", s)
	}
	if len(day) < 3 {
		return Frequency{}, fmt.Errorf("invalid weekly day %q", day)
	}
	for name, wd := range weekdays {
		if strings.HasPrefix(name, day) {
			return Frequency{Kind: Weekly, Weekday: wd}, nil
		}
	}
	return Frequency{}, fmt.Errorf("invalid weekly day %q", day)
}

// ClockTime is a wall-clock HH:MM time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func ParseClockTime(s string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return ClockTime{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// Task is one scheduled maintenance entry. LastRun is zero when the task has
// never fired.
type Task struct {
	ID        int64
	Type      Type
	Server    string
	Frequency Frequency
	At        ClockTime // wall-clock trigger; unused for Hourly
	Enabled   bool
	LastRun   time.Time
}

// NewTask validates the pieces and assembles a Task. Daily and weekly tasks
// require a time of day; hourly tasks must not carry one.
func NewTask(id int64, typ Type, server string, freq Frequency, at *ClockTime) (Task, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return Task{}, fmt.Errorf("task server is required")
	}
	t := Task{ID: id, Type: typ, Server: server, Frequency: freq, Enabled: true}
	switch freq.Kind {
	case Hourly:
		if at != nil {
			return Task{}, fmt.Errorf("hourly tasks take no time of day")
		}
	default:
		if at == nil {
			return Task{}, fmt.Errorf("%s tasks require a time of day", freq)
		}
		t.At = *at
	}
	return t, nil
}

// Due reports whether the task should fire at now.
//
// Daily and weekly tasks stay due from their trigger time until day rollover
// so a poll that wakes late (suspended host) still fires them at least once.
func (t Task) Due(now time.Time) bool {
	if !t.Enabled {
		return false
	}
	switch t.Frequency.Kind {
	case Hourly:
		return t.LastRun.IsZero() || now.Sub(t.LastRun) >= time.Hour
	case Daily:
		return t.dueAt(now)
	case Weekly:
		return now.Weekday() == t.Frequency.Weekday && t.dueAt(now)
	}
	return false
}

func (t Task) dueAt(now time.Time) bool {
	target := time.Date(now.Year(), now.Month(), now.Day(), t.At.Hour, t.At.Minute, 0, 0, now.Location())
	if now.Before(target) {
		return false
	}
	if t.LastRun.IsZero() {
		return true
	}
	ly, lm, ld := t.LastRun.Date()
	ny, nm, nd := now.Date()
	return time.Date(ly, lm, ld, 0, 0, 0, 0, time.UTC).Before(time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC))
}
