package permissions

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// EvaluateTime reports whether at falls inside the restriction.
func EvaluateTime(tr *TimeRestriction, at time.Time) (bool, error) {
	if tr == nil {
		return true, nil
	}
	loc, err := restrictionLocation(tr.Timezone)
	if err != nil {
		return false, err
	}
	if tr.ValidFrom != nil && at.Before(*tr.ValidFrom) {
		return false, nil
	}
	if tr.ValidUntil != nil && !at.Before(*tr.ValidUntil) {
		return false, nil
	}
	local := at.In(loc)
	if len(tr.DaysOfWeek) > 0 {
		today := int(local.Weekday())
		allowed := false
		for _, d := range tr.DaysOfWeek {
			if d == today {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}
	return inDailyWindow(tr.StartTime, tr.EndTime, local)
}

func restrictionLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidInput, tz)
	}
	return loc, nil
}

// inDailyWindow treats start as inclusive and end as exclusive. A window whose
// start is after its end wraps midnight.
func inDailyWindow(start, end string, local time.Time) (bool, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return true, nil
	}
	minute := local.Hour()*60 + local.Minute()
	hasFrom, hasTo := start != "", end != ""
	var from, to int
	var err error
	if hasFrom {
		if from, err = parseClock(start); err != nil {
			return false, err
		}
	}
	if hasTo {
		if to, err = parseClock(end); err != nil {
			return false, err
		}
	}
	switch {
	case hasFrom && !hasTo:
		return minute >= from, nil
	case !hasFrom && hasTo:
		return minute < to, nil
	case from == to:
		return true, nil
	case from < to:
		return minute >= from && minute < to, nil
	default:
		return minute >= from || minute < to, nil
	}
}

func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidInput, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: invalid hour in %q", ErrInvalidInput, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: invalid minute in %q", ErrInvalidInput, s)
	}
	return h*60 + m, nil
}
