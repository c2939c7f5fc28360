package scheduler

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		kind    string
		wantErr bool
	}{
		{name: "five field cron", spec: "0 9 * * *", kind: "cron"},
		{name: "six field cron with seconds", spec: "30 0 9 * * *", kind: "cron"},
		{name: "daily descriptor", spec: "@daily", kind: "cron"},
		{name: "every descriptor", spec: "@every 30m", kind: "cron"},
		{name: "one shot", spec: "@at 2026-03-01T09:00:00Z", kind: "at"},
		{name: "one shot with offset", spec: "@at 2026-03-01T09:00:00+02:00", kind: "at"},
		{name: "surrounding whitespace", spec: "  @daily  ", kind: "cron"},
		{name: "empty", spec: "", wantErr: true},
		{name: "whitespace only", spec: "   ", wantErr: true},
		{name: "invalid cron", spec: "not a schedule", wantErr: true},
		{name: "too many fields", spec: "* * * * * * *", wantErr: true},
		{name: "invalid one shot timestamp", spec: "@at tomorrow", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := ParseSchedule(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) expected error", tt.spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error = %v", tt.spec, err)
			}
			if sched.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", sched.Kind, tt.kind)
			}
		})
	}
}

func TestParseSchedule_AtTimestamp(t *testing.T) {
	sched, err := ParseSchedule("@at 2026-03-01T09:00:00Z")
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}
	want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if !sched.At.Equal(want) {
		t.Errorf("At = %v, want %v", sched.At, want)
	}
}

func TestScheduleNext_AtBeforeFireTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sched, err := ParseSchedule("@at " + at.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}
	next, ok := sched.Next(at.Add(-time.Hour))
	if !ok {
		t.Fatal("expected pending one-shot to have a next run")
	}
	if !next.Equal(at) {
		t.Errorf("next = %v, want %v", next, at)
	}
}

func TestScheduleNext_AtSpentOnceDue(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sched, err := ParseSchedule("@at " + at.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}
	// Rescheduling from the fire time itself must disarm, otherwise the
	// one-shot would refire on the next tick.
	if _, ok := sched.Next(at); ok {
		t.Error("expected no next run at the fire time")
	}
	if _, ok := sched.Next(at.Add(time.Minute)); ok {
		t.Error("expected no next run after the fire time")
	}
}

func TestScheduleNext_Every(t *testing.T) {
	sched, err := ParseSchedule("@every 30m")
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next, ok := sched.Next(now)
	if !ok {
		t.Fatal("expected recurring schedule to have a next run")
	}
	want := now.Add(30 * time.Minute)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestScheduleNext_Cron(t *testing.T) {
	sched, err := ParseSchedule("0 9 * * *")
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next, ok := sched.Next(now)
	if !ok {
		t.Fatal("expected cron schedule to have a next run")
	}
	if !next.After(now) {
		t.Errorf("next = %v, want after %v", next, now)
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Errorf("next = %v, want a 09:00 fire time", next)
	}
}

func TestScheduleNext_CronAlwaysAdvances(t *testing.T) {
	sched, err := ParseSchedule("@daily")
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first, ok := sched.Next(now)
	if !ok {
		t.Fatal("expected next run")
	}
	second, ok := sched.Next(first)
	if !ok {
		t.Fatal("expected run after the first")
	}
	if !second.After(first) {
		t.Errorf("second = %v, want after %v", second, first)
	}
}

func TestScheduleNext_ZeroValue(t *testing.T) {
	var sched Schedule
	if _, ok := sched.Next(time.Now()); ok {
		t.Error("expected zero schedule to never fire")
	}
}
