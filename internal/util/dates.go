package util

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// DateOnly drops the clock and zone of t, keeping its calendar date as
// midnight UTC. Civil dates (work_date, slot dates) are always stored this way.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LocalDay returns the civil date of instant t as seen in loc.
func LocalDay(t time.Time, loc *time.Location) time.Time {
	return DateOnly(t.In(loc))
}

// DayBounds returns the half-open instant range [start, end) of civil date
// day in loc. DST days are 23 or 25 hours long.
func DayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

func StartOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func EndOfMonth(t time.Time) time.Time {
	return DateOnly(StartOfMonth(t).AddDate(0, 1, -1))
}

func FirstDayOfNextMonth(t time.Time) time.Time {
	return StartOfMonth(t).AddDate(0, 1, 0)
}

func DayBefore(d time.Time) time.Time {
	return DateOnly(d.AddDate(0, 0, -1))
}

// Window is an inclusive civil-date range.
type Window struct {
	Start time.Time
	End   time.Time
}

// MonthWindows splits the inclusive range [start..end] into calendar-month
// windows, clipped to the range.
func MonthWindows(start, end time.Time) ([]Window, error) {
	windowStart := DateOnly(start)
	windowLimit := DateOnly(end)
	if windowStart.After(windowLimit) {
		return nil, fmt.Errorf("invalid range: start=%s end=%s",
			windowStart.Format(DateLayout), windowLimit.Format(DateLayout))
	}

	var out []Window
	safety := 0
	for !windowStart.After(windowLimit) {
		safety++
		if safety > 5000 {
			return nil, fmt.Errorf("safety stop tripped (too many month iterations) start=%s end=%s",
				start.Format(DateLayout), end.Format(DateLayout))
		}

		windowEnd := EndOfMonth(windowStart)
		if windowEnd.After(windowLimit) {
			windowEnd = windowLimit
		}
		out = append(out, Window{Start: windowStart, End: windowEnd})

		windowStart = FirstDayOfNextMonth(windowStart)
	}
	return out, nil
}

// Days lists every civil date in [start..end].
func Days(start, end time.Time) []time.Time {
	var out []time.Time
	for d := DateOnly(start); !d.After(DateOnly(end)); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// ParseDate parses YYYY-MM-DD into a civil date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return DateOnly(t), nil
}

// ParseClock parses HH:MM or HH:MM:SS into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid clock %q (want HH:MM[:SS])", s)
}

// FormatClock renders an offset from midnight as HH:MM:SS.
func FormatClock(d time.Duration) string {
	d = d % (24 * time.Hour)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// At combines civil date day with a clock offset in loc.
func At(day time.Time, clock time.Duration, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d,
		int(clock/time.Hour),
		int((clock%time.Hour)/time.Minute),
		int((clock%time.Minute)/time.Second),
		0, loc)
}
