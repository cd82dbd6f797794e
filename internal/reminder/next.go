package reminder

import "time"

// Rand is the subset of *math/rand.Rand used for random draws.
type Rand interface {
	Int63n(n int64) int64
}

// NextFixed returns the earliest upcoming occurrence across times.
func NextFixed(times []Clock, now time.Time) time.Time {
	var best time.Time
	for _, c := range times {
		at := c.Next(now)
		if best.IsZero() || at.Before(best) {
			best = at
		}
	}
	return best
}

// PrevFixed returns the most recent occurrence at or before now across times.
func PrevFixed(times []Clock, now time.Time) time.Time {
	var best time.Time
	for _, c := range times {
		at := c.Prev(now)
		if at.After(best) {
			best = at
		}
	}
	return best
}

// DrawRandom picks a fire time uniformly in [now, now+period] with whole-second
// resolution, before any quiet-hour adjustment.
func DrawRandom(period time.Duration, now time.Time, rng Rand) time.Time {
	secs := int64(period / time.Second)
	if secs <= 0 {
		return now
	}
	return now.Add(time.Duration(rng.Int63n(secs+1)) * time.Second)
}

// NextRandom draws a random fire time and defers it out of the quiet window.
func NextRandom(period time.Duration, quiet *QuietWindow, now time.Time, rng Rand) time.Time {
	return quiet.Defer(DrawRandom(period, now, rng))
}

// NextFire computes the next fire time of a rule in now's location.
// Interval rules fire one period after now (the registration instant).
func NextFire(r Rule, now time.Time, rng Rand) time.Time {
	switch r.Schedule {
	case ScheduleFixed:
		return NextFixed(r.Times, now)
	case ScheduleInterval:
		return now.Add(r.Period())
	case ScheduleRandom:
		return NextRandom(r.Period(), r.Quiet, now, rng)
	}
	return time.Time{}
}

// MissedOccurrence returns the most recent due occurrence of a fixed or
// interval rule that has no delivery at or after it, provided it lies within
// grace of now. last is the time of the latest delivery record (zero if none).
// Several missed occurrences coalesce into the latest one.
func MissedOccurrence(r Rule, last time.Time, now time.Time, grace time.Duration) (time.Time, bool) {
	if grace <= 0 {
		return time.Time{}, false
	}
	var due time.Time
	switch r.Schedule {
	case ScheduleFixed:
		due = PrevFixed(r.Times, now)
		if !r.CreatedAt.IsZero() && due.Before(r.CreatedAt) {
			return time.Time{}, false
		}
	case ScheduleInterval:
		anchor := r.CreatedAt
		if last.After(anchor) {
			anchor = last
		}
		if anchor.IsZero() {
			return time.Time{}, false
		}
		period := r.Period()
		if period <= 0 || now.Sub(anchor) < period {
			return time.Time{}, false
		}
		n := now.Sub(anchor) / period
		due = anchor.Add(n * period)
	default:
		return time.Time{}, false
	}
	if due.IsZero() || now.Sub(due) > grace {
		return time.Time{}, false
	}
	if !last.IsZero() && !last.Before(due) {
		return time.Time{}, false
	}
	return due, true
}
