package reminder

import (
	"math/rand"
	"testing"
	"time"
)

var msk = time.FixedZone("MSK", 3*60*60)

func at(day, hh, mm, ss int) time.Time {
	return time.Date(2025, time.March, day, hh, mm, ss, 0, msk)
}

func TestQuietWindowContainsBoundaries(t *testing.T) {
	t.Parallel()
	day := &QuietWindow{Start: MustClock("13:00"), End: MustClock("15:00")}
	night := &QuietWindow{Start: MustClock("23:00"), End: MustClock("06:00")}

	tests := []struct {
		name string
		w    *QuietWindow
		t    time.Time
		want bool
	}{
		{name: "day start", w: day, t: at(1, 13, 0, 0), want: true},
		{name: "day end", w: day, t: at(1, 15, 0, 0), want: true},
		{name: "day inside", w: day, t: at(1, 14, 10, 0), want: true},
		{name: "day before start", w: day, t: at(1, 12, 59, 59), want: false},
		{name: "day just after end", w: day, t: at(1, 15, 0, 0).Add(500 * time.Millisecond), want: false},
		{name: "night start", w: night, t: at(1, 23, 0, 0), want: true},
		{name: "night end", w: night, t: at(1, 6, 0, 0), want: true},
		{name: "night after midnight", w: night, t: at(1, 2, 0, 0), want: true},
		{name: "night before start", w: night, t: at(1, 22, 59, 59), want: false},
		{name: "night after end", w: night, t: at(1, 6, 0, 1), want: false},
		{name: "nil window", w: nil, t: at(1, 2, 0, 0), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.w.Contains(tt.t); got != tt.want {
				t.Fatalf("Contains(%s) = %v, want %v", tt.t.Format("15:04:05.000"), got, tt.want)
			}
		})
	}
}

func TestQuietWindowMatchesEnumeration(t *testing.T) {
	t.Parallel()
	windows := []QuietWindow{
		{Start: MustClock("23:00"), End: MustClock("06:00")},
		{Start: MustClock("01:30"), End: MustClock("04:45")},
		{Start: MustClock("12:00"), End: MustClock("12:00")},
		{Start: MustClock("00:00"), End: MustClock("23:59")},
	}
	for _, w := range windows {
		w := w
		quiet := map[int]bool{}
		s := w.Start.Hour*60 + w.Start.Minute
		e := w.End.Hour*60 + w.End.Minute
		for m := s; ; m = (m + 1) % (24 * 60) {
			quiet[m] = true
			if m == e {
				break
			}
		}
		for m := 0; m < 24*60; m++ {
			tm := at(2, m/60, m%60, 0)
			if got := w.Contains(tm); got != quiet[m] {
				t.Fatalf("window %s: Contains(%s) = %v, want %v", w.String(), tm.Format("15:04"), got, quiet[m])
			}
		}
	}
}

func TestQuietWindowDefer(t *testing.T) {
	t.Parallel()
	night := &QuietWindow{Start: MustClock("23:00"), End: MustClock("06:00")}

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{name: "evening goes to next morning", in: at(4, 23, 30, 0), want: at(5, 6, 0, 0)},
		{name: "start goes to next morning", in: at(4, 23, 0, 0), want: at(5, 6, 0, 0)},
		{name: "early morning stays same day", in: at(4, 2, 15, 0), want: at(4, 6, 0, 0)},
		{name: "end boundary is kept", in: at(4, 6, 0, 0), want: at(4, 6, 0, 0)},
		{name: "outside untouched", in: at(4, 12, 0, 0), want: at(4, 12, 0, 0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := night.Defer(tt.in); !got.Equal(tt.want) {
				t.Fatalf("Defer(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestNextRandomNeverStrictlyInsideQuiet(t *testing.T) {
	t.Parallel()
	night := &QuietWindow{Start: MustClock("23:00"), End: MustClock("06:00")}
	rng := rand.New(rand.NewSource(42))
	now := at(1, 0, 0, 0)
	period := 6 * time.Hour

	deflected := 0
	for i := 0; i < 1000; i++ {
		candidate := DrawRandom(period, now, rng)
		if candidate.Before(now) || candidate.After(now.Add(period)) {
			t.Fatalf("draw %d: candidate %s outside [now, now+6h]", i, candidate)
		}
		got := night.Defer(candidate)

		tod := timeOfDay(got)
		if tod > 23*time.Hour || tod < 6*time.Hour {
			t.Fatalf("draw %d: %s is strictly inside the quiet window", i, got)
		}
		if night.Contains(candidate) {
			deflected++
			if got.Hour() != 6 || got.Minute() != 0 || got.Second() != 0 || got.Nanosecond() != 0 {
				t.Fatalf("draw %d: deflected to %s, want exactly 06:00", i, got)
			}
			if got.Before(candidate) || got.Sub(candidate) > 7*time.Hour+time.Second {
				t.Fatalf("draw %d: deflected to %s, not the next 06:00 after %s", i, got, candidate)
			}
		}
		// Walk "now" around the clock so draws hit both sides of midnight.
		now = now.Add(time.Duration(rng.Int63n(int64(5 * time.Hour))))
	}
	if deflected == 0 {
		t.Fatalf("expected some draws to land in quiet hours")
	}
}

func TestNextFixed(t *testing.T) {
	t.Parallel()
	nine := []Clock{MustClock("09:00")}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{name: "already passed today", now: at(10, 9, 30, 0), want: at(11, 9, 0, 0)},
		{name: "later today", now: at(10, 8, 30, 0), want: at(10, 9, 0, 0)},
		{name: "exactly now counts as today", now: at(10, 9, 0, 0), want: at(10, 9, 0, 0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := NextFixed(nine, tt.now); !got.Equal(tt.want) {
				t.Fatalf("NextFixed at %s = %s, want %s", tt.now, got, tt.want)
			}
		})
	}

	multi := []Clock{MustClock("21:00"), MustClock("09:00"), MustClock("13:30")}
	if got, want := NextFixed(multi, at(10, 10, 0, 0)), at(10, 13, 30, 0); !got.Equal(want) {
		t.Fatalf("NextFixed(multi) = %s, want %s", got, want)
	}
	if got, want := NextFixed(multi, at(10, 22, 0, 0)), at(11, 9, 0, 0); !got.Equal(want) {
		t.Fatalf("NextFixed(multi) after last = %s, want %s", got, want)
	}
}
