package clock

import (
	"testing"
	"time"
)

func TestLocalDateCrossesMidnight(t *testing.T) {
	taipei, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 2024-03-01 20:00 UTC is already March 2nd in Taipei and still March 1st in LA.
	instant := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	if got, want := LocalDate(instant, taipei), Date(2024, 3, 2); !got.Equal(want) {
		t.Errorf("Taipei date = %s, want %s", got, want)
	}
	if got, want := LocalDate(instant, la), Date(2024, 3, 1); !got.Equal(want) {
		t.Errorf("LA date = %s, want %s", got, want)
	}
	if got, want := LocalDate(instant, nil), Date(2024, 3, 1); !got.Equal(want) {
		t.Errorf("UTC date = %s, want %s", got, want)
	}
}

func TestAtConvertsWallClockToUTC(t *testing.T) {
	taipei, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 09:00 on March 2nd in Taipei (UTC+8) is 01:00 UTC the same day.
	got, err := At(Date(2024, 3, 2), "09:00", taipei)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	want := time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("At = %s, want %s", got, want)
	}

	// 07:00 in Taipei is still the previous day in UTC.
	got, err = At(Date(2024, 3, 2), "07:00", taipei)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if got.Day() != 1 || got.Hour() != 23 {
		t.Fatalf("expected 2024-03-01T23:00Z, got %s", got)
	}
}

func TestAtAcrossDSTTransition(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	before, _ := At(Date(2024, 3, 9), "09:00", ny)
	after, _ := At(Date(2024, 3, 11), "09:00", ny)
	if before.Hour() != 14 || after.Hour() != 13 {
		t.Fatalf("expected 14:00Z then 13:00Z across DST, got %s and %s", before, after)
	}
}

func TestAtRejectsBadTime(t *testing.T) {
	if _, err := At(Date(2024, 1, 1), "25:99", time.UTC); err == nil {
		t.Fatal("expected error for invalid time of day")
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)
	c.Advance(90 * time.Minute)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("Now = %s", got)
	}
}

func TestLoadZoneFallback(t *testing.T) {
	if LoadZone("Not/AZone", time.UTC) != time.UTC {
		t.Fatal("unknown zone should fall back to default")
	}
	if LoadZone("", nil) != time.UTC {
		t.Fatal("empty zone should fall back to UTC")
	}
}
