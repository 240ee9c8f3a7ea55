// Package schedule decides whether attendance for a session may be
// recorded at a given moment. All state is derived from the supplied
// clock; nothing here is persisted and no timers are involved, so a
// session "transitions" simply by being evaluated later.
package schedule

import "time"

// State is the marking-window state of a session at one moment.
type State int

const (
	// NotYetOpen: before the daily opening time on the session date.
	NotYetOpen State = iota
	// Open: marks are accepted for unlocked enrolled students.
	Open
	// StudentLocked: the window is open but this student was already
	// marked recently. Only produced by StateFor.
	StudentLocked
	// ReportDue: marking has ended but the day's numbers are still
	// being viewed and finalized.
	ReportDue
	// Closed: the window is final; corrections need an administrative
	// path outside this engine.
	Closed
)

func (s State) String() string {
	switch s {
	case NotYetOpen:
		return "not_yet_open"
	case Open:
		return "open"
	case StudentLocked:
		return "student_locked"
	case ReportDue:
		return "report_due"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Window holds the per-deployment window shape. The window opens at
// OpenAt past midnight on the session's calendar date regardless of the
// session's own scheduled start, accepts marks for MarkFor, then allows
// reporting for another ReportFor before closing for good.
type Window struct {
	OpenAt    time.Duration
	MarkFor   time.Duration
	ReportFor time.Duration
	LockFor   time.Duration
}

// Default returns the stock window: opens 06:00, 4h of marking, 4h of
// report grace, 4h per-student lock.
func Default() Window {
	return Window{
		OpenAt:    6 * time.Hour,
		MarkFor:   4 * time.Hour,
		ReportFor: 4 * time.Hour,
		LockFor:   4 * time.Hour,
	}
}

// OpensAt returns the instant the window opens for a session held on
// the given calendar date. The date's own clock time is ignored.
func (w Window) OpensAt(sessionDate time.Time) time.Time {
	y, m, d := sessionDate.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, sessionDate.Location())
	return midnight.Add(w.OpenAt)
}

// Evaluate returns the session-level window state at now.
func (w Window) Evaluate(sessionDate, now time.Time) State {
	opens := w.OpensAt(sessionDate)
	switch {
	case now.Before(opens):
		return NotYetOpen
	case now.Before(opens.Add(w.MarkFor)):
		return Open
	case now.Before(opens.Add(w.MarkFor + w.ReportFor)):
		return ReportDue
	default:
		return Closed
	}
}

// StateFor overlays the per-student lock on the session state: when the
// window is Open but the student was first marked less than LockFor
// ago, the effective state is StudentLocked. markedAt is nil when the
// student has no record yet.
func (w Window) StateFor(sessionDate time.Time, markedAt *time.Time, now time.Time) State {
	s := w.Evaluate(sessionDate, now)
	if s == Open && markedAt != nil && w.LockedAt(*markedAt, now) {
		return StudentLocked
	}
	return s
}

// LockedAt reports whether a student first marked at markedAt is still
// inside the re-mark lock at now.
func (w Window) LockedAt(markedAt, now time.Time) bool {
	return now.Sub(markedAt) < w.LockFor
}

// LockCutoff returns the latest marked_at that is no longer locked at
// now; rows marked at or before the cutoff may be re-marked.
func (w Window) LockCutoff(now time.Time) time.Time {
	return now.Add(-w.LockFor)
}
