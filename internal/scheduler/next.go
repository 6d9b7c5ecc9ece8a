package scheduler

import (
	"time"

	"github.com/nathan-osman/go-sunrise"

	"mirai/pkg/automation"
)

// nextDaily returns the least instant strictly after now whose local
// time of day in loc is hour:min:sec.
func nextDaily(now time.Time, hour, min, sec int, loc *time.Location) time.Time {
	local := now.In(loc)
	for day := 0; ; day++ {
		y, mo, d := local.AddDate(0, 0, day).Date()
		cand := resolveLocal(y, mo, d, hour, min, sec, loc)
		if cand.After(now) {
			return cand
		}
	}
}

// resolveLocal maps a local wall-clock time to an instant. A time that
// falls in a DST gap does not exist; time.Date's normalized (post-gap)
// instant is used. A time repeated at a DST fall-back is ambiguous;
// the later instant is chosen.
func resolveLocal(year int, month time.Month, day, hour, min, sec int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, min, sec, 0, loc)

	matches := func(u time.Time) bool {
		u = u.In(loc)
		uy, umo, ud := u.Date()
		return uy == year && umo == month && ud == day &&
			u.Hour() == hour && u.Minute() == min && u.Second() == sec
	}

	var best time.Time
	for _, u := range []time.Time{t.Add(-time.Hour), t, t.Add(time.Hour)} {
		if matches(u) && u.After(best) {
			best = u
		}
	}
	if best.IsZero() {
		return t
	}
	return best
}

// nextSun returns the next sunrise or sunset (plus offset) strictly
// after now at the given coordinates. ok is false when neither today
// nor tomorrow has the sun event (polar day or night).
func nextSun(now time.Time, kind automation.ScheduleKind, offset time.Duration, lat, lng float64, loc *time.Location) (time.Time, bool) {
	local := now.In(loc)
	for day := 0; day < 2; day++ {
		y, mo, d := local.AddDate(0, 0, day).Date()
		rise, set := sunrise.SunriseSunset(lat, lng, y, mo, d)

		t := rise
		if kind == automation.KindSunset {
			t = set
		}
		if t.IsZero() {
			continue
		}

		t = t.Add(offset)
		if t.After(now) {
			return t, true
		}
	}
	return time.Time{}, false
}
