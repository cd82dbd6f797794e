package reminder

import "time"

// QuietWindow suppresses delivery between Start and End inclusive.
// When Start is after End the window wraps past midnight (e.g. 23:00-06:00).
type QuietWindow struct {
	Start Clock
	End   Clock
}

// DefaultQuietWindow is offered to intake flows that ask for "the usual night hours".
var DefaultQuietWindow = QuietWindow{Start: Clock{Hour: 23}, End: Clock{Hour: 6}}

func (w QuietWindow) wraps() bool { return w.End.Before(w.Start) }

// Contains reports whether t falls inside the window. Comparison is done on the
// full-precision local time of day of t, so 06:00:00.5 is outside a window
// ending at 06:00.
func (w *QuietWindow) Contains(t time.Time) bool {
	if w == nil {
		return false
	}
	tod := timeOfDay(t)
	s := w.Start.sinceMidnight()
	e := w.End.sinceMidnight()
	if !w.wraps() {
		return s <= tod && tod <= e
	}
	return tod >= s || tod <= e
}

// Defer moves a quiet candidate to the soonest occurrence of the window end
// that is not before it. Candidates outside the window are returned unchanged.
func (w *QuietWindow) Defer(t time.Time) time.Time {
	if !w.Contains(t) {
		return t
	}
	end := w.End.On(t)
	if end.Before(t) {
		end = w.End.On(t.AddDate(0, 0, 1))
	}
	return end
}

func (w *QuietWindow) String() string {
	if w == nil {
		return ""
	}
	return w.Start.String() + "-" + w.End.String()
}
