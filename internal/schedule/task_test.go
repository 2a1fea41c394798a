package schedule

import (
	"testing"
	"time"
)

func at(hh, mm int) *ClockTime { return &ClockTime{Hour: hh, Minute: mm} }

func TestParseFrequency(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Frequency
		ok   bool
	}{
		{raw: "hourly", want: Frequency{Kind: Hourly}, ok: true},
		{raw: "Daily", want: Frequency{Kind: Daily}, ok: true},
		{raw: "weekly@sun", want: Frequency{Kind: Weekly, Weekday: time.Sunday}, ok: true},
		{raw: "weekly@Monday", want: Frequency{Kind: Weekly, Weekday: time.Monday}, ok: true},
		{raw: "weekly@thurs", want: Frequency{Kind: Weekly, Weekday: time.Thursday}, ok: true},
		{raw: "weekly@su", ok: false},
		{raw: "weekly@sundae", ok: false},
		{raw: "monthly", ok: false},
		{raw: "", ok: false},
	}
	for _, tt := range tests {
		got, err := ParseFrequency(tt.raw)
		if tt.ok != (err == nil) {
			t.Fatalf("ParseFrequency(%q) err = %v, want ok=%v", tt.raw, err, tt.ok)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("ParseFrequency(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestFrequencyRoundTrip(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"hourly", "daily", "weekly@sun", "weekly@wed"} {
		f, err := ParseFrequency(raw)
		if err != nil {
			t.Fatalf("ParseFrequency(%q): %v", raw, err)
		}
		if f.String() != raw {
			t.Fatalf("String() = %q, want %q", f.String(), raw)
		}
	}
}

func TestNewTaskValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewTask(1, TypeBackup, "surv1", Frequency{Kind: Daily}, nil); err == nil {
		t.Fatal("daily task without time of day should be rejected")
	}
	if _, err := NewTask(1, TypeBackup, "surv1", Frequency{Kind: Hourly}, at(3, 0)); err == nil {
		t.Fatal("hourly task with time of day should be rejected")
	}
	if _, err := NewTask(1, TypeBackup, "  ", Frequency{Kind: Hourly}, nil); err == nil {
		t.Fatal("empty server name should be rejected")
	}
	task, err := NewTask(7, TypeRestart, "surv1", Frequency{Kind: Daily}, at(3, 0))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if !task.Enabled {
		t.Fatal("new tasks should start enabled")
	}
	if !task.LastRun.IsZero() {
		t.Fatal("new tasks should have no last run")
	}
}

func TestHourlyDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	task := Task{ID: 1, Type: TypeBackup, Server: "s", Frequency: Frequency{Kind: Hourly}, Enabled: true}

	if !task.Due(now) {
		t.Fatal("never-run hourly task should be due")
	}
	task.LastRun = now.Add(-59 * time.Minute)
	if task.Due(now) {
		t.Fatal("hourly task 59m after last run should not be due")
	}
	task.LastRun = now.Add(-time.Hour)
	if !task.Due(now) {
		t.Fatal("hourly task exactly 1h after last run should be due")
	}
	task.Enabled = false
	if task.Due(now) {
		t.Fatal("disabled task is never due")
	}
}

func TestDailyDue(t *testing.T) {
	t.Parallel()
	task := Task{ID: 1, Type: TypeBackup, Server: "surv1", Frequency: Frequency{Kind: Daily}, At: ClockTime{Hour: 3}, Enabled: true}
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	if task.Due(day.Add(2 * time.Hour)) {
		t.Fatal("daily task before its time of day should not be due")
	}
	if !task.Due(day.Add(3*time.Hour + time.Minute)) {
		t.Fatal("daily task at 03:01 should be due")
	}
	// Suspended past the trigger: still fires before day rollover.
	if !task.Due(day.Add(23 * time.Hour)) {
		t.Fatal("daily task late in the day should still be due")
	}

	task.LastRun = day.Add(3*time.Hour + time.Minute)
	if task.Due(day.Add(10 * time.Hour)) {
		t.Fatal("daily task already run today should not be due")
	}
	if !task.Due(day.AddDate(0, 0, 1).Add(3 * time.Hour)) {
		t.Fatal("daily task should be due again the next day")
	}
}

func TestWeeklyDue(t *testing.T) {
	t.Parallel()
	// 2025-06-08 is a Sunday.
	sunday := time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)
	task := Task{
		ID: 1, Type: TypeRestart, Server: "surv1",
		Frequency: Frequency{Kind: Weekly, Weekday: time.Sunday},
		At:        ClockTime{Hour: 4, Minute: 30}, Enabled: true,
	}

	if task.Due(sunday.Add(4 * time.Hour)) {
		t.Fatal("weekly task before its time should not be due")
	}
	if !task.Due(sunday.Add(5 * time.Hour)) {
		t.Fatal("weekly task past its time on the right day should be due")
	}
	if task.Due(sunday.AddDate(0, 0, 1).Add(5 * time.Hour)) {
		t.Fatal("weekly task on the wrong weekday should not be due")
	}

	task.LastRun = sunday.Add(5 * time.Hour)
	if task.Due(sunday.Add(6 * time.Hour)) {
		t.Fatal("weekly task already run today should not be due")
	}
	if !task.Due(sunday.AddDate(0, 0, 7).Add(5 * time.Hour)) {
		t.Fatal("weekly task should be due again the following week")
	}
}
