package partition

import (
	"testing"
	"time"
)

func TestMonthBoundsTruncatesToCalendarMonth(t *testing.T) {
	mid := time.Date(2026, time.March, 17, 13, 45, 0, 0, time.UTC)
	start, end := monthBounds(mid)

	wantStart := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}

func TestMonthBoundsHandlesDecemberRollover(t *testing.T) {
	mid := time.Date(2026, time.December, 31, 23, 59, 0, 0, time.UTC)
	start, end := monthBounds(mid)

	wantStart := time.Date(2026, time.December, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}

func TestMonthBoundsConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	local := time.Date(2026, time.March, 1, 1, 0, 0, 0, loc) // 2026-03-01 01:00 -05:00 == 2026-03-01 06:00 UTC
	start, _ := monthBounds(local)
	want := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}
}

func TestPartitionNameFormatsZeroPaddedMonth(t *testing.T) {
	got := partitionName(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC))
	want := "event_log_2026_01"
	if got != want {
		t.Errorf("partitionName = %q, want %q", got, want)
	}
}
