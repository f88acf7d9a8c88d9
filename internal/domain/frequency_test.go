package domain

import (
	"testing"
	"time"
)

func TestNextRun_Labels(t *testing.T) {
	from := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		schedule string
		want     time.Time
	}{
		{FreqEvery15Min, from.Add(15 * time.Minute)},
		{FreqHourly, from.Add(time.Hour)},
		{FreqDaily, from.Add(24 * time.Hour)},
		{FreqWeekly, from.Add(7 * 24 * time.Hour)},
		{FreqMonthly, time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got, err := NextRun(tt.schedule, from)
		if err != nil {
			t.Fatalf("NextRun(%s): %v", tt.schedule, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("NextRun(%s) = %v, want %v", tt.schedule, got, tt.want)
		}
	}
}

// A daily routine triggered long after its missed slot must advance from the
// trigger moment, not replay missed slots.
func TestNextRun_RelativeToTrigger(t *testing.T) {
	missed := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	triggered := missed.Add(3 * 24 * time.Hour) // scheduler was down for days

	got, err := NextRun(FreqDaily, triggered)
	if err != nil {
		t.Fatal(err)
	}
	if want := triggered.Add(24 * time.Hour); !got.Equal(want) {
		t.Errorf("next run = %v, want %v", got, want)
	}
	if got.Sub(missed) <= 24*time.Hour {
		t.Error("next run must not be anchored to the missed slot")
	}
}

func TestNextRun_CronExpression(t *testing.T) {
	from := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	got, err := NextRun("0 12 * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NextRun(cron) = %v, want %v", got, want)
	}
}

func TestNextRun_Invalid(t *testing.T) {
	if _, err := NextRun("sometimes", time.Now()); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if ValidSchedule("sometimes") {
		t.Error("ValidSchedule accepted garbage")
	}
	if !ValidSchedule(FreqDaily) || !ValidSchedule("*/5 * * * *") {
		t.Error("ValidSchedule rejected valid schedules")
	}
}

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s should rank before %s", order[i-1], order[i])
		}
	}
	if Priority("bogus").Rank() <= PriorityLow.Rank() {
		t.Error("unknown priority should sort after low")
	}
}
