package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultSchedule opens a refresh window at 00:00, 06:00, 12:00 and 18:00 UTC.
	DefaultSchedule = "0 0,6,12,18 * * *"
	markerLayout    = "2006-01-02 15:04"
	windowLayout    = "15:04"
	minLookback     = 24 * time.Hour
	maxLookback     = 10 * 366 * 24 * time.Hour
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

var SystemClock = ClockFunc(time.Now)

// Schedule maps an instant onto the refresh window it falls in. Nothing is
// ever scheduled to run; the window is computed when asked.
type Schedule struct {
	expr string
	spec cron.Schedule
}

func ParseSchedule(expr string) (Schedule, error) {
	if expr == "" {
		expr = DefaultSchedule
	}

	full := expr
	if !strings.HasPrefix(full, "CRON_TZ=") && !strings.HasPrefix(full, "TZ=") {
		full = "CRON_TZ=UTC " + full
	}

	spec, err := cron.ParseStandard(full)
	if err != nil {
		return Schedule{}, fmt.Errorf("[ParseSchedule] : %w", err)
	}

	if spec.Next(time.Now()).IsZero() {
		return Schedule{}, fmt.Errorf("[ParseSchedule] : %w: %s", ErrNoWindow, expr)
	}

	return Schedule{expr: expr, spec: spec}, nil
}

func MustParseSchedule(expr string) Schedule {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		panic(err)
	}

	return schedule
}

func (s Schedule) String() string {
	return s.expr
}

// Window returns the latest activation at or before now. The search starts a
// day back and widens until an activation turns up. ok is false only when the
// schedule never fired in the last ten years.
func (s Schedule) Window(now time.Time) (time.Time, bool) {
	now = now.UTC()

	for lookback := minLookback; ; lookback *= 2 {
		if lookback > maxLookback {
			lookback = maxLookback
		}

		if last, ok := s.lastBetween(now.Truncate(time.Minute).Add(-lookback), now); ok {
			return last, true
		}

		if lookback == maxLookback {
			return time.Time{}, false
		}
	}
}

func (s Schedule) lastBetween(from, now time.Time) (time.Time, bool) {
	var (
		last  time.Time
		found bool
	)

	cursor := from

	for {
		next := s.spec.Next(cursor)
		if next.IsZero() || next.After(now) {
			break
		}

		last = next
		found = true
		cursor = next
	}

	return last, found
}

// Marker identifies a window on a specific day.
func Marker(window time.Time) string {
	return window.UTC().Format(markerLayout)
}

// Label is the wall-clock name of a window, e.g. "06:00".
func Label(window time.Time) string {
	return window.UTC().Format(windowLayout)
}
