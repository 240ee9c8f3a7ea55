package attendance

import (
	"context"
	"errors"
	"sync"
	"time"

	"classtrack/internal/schedule"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface the marker needs. *Repository is the
// Postgres implementation; tests use an in-memory fake.
type Store interface {
	SessionByID(ctx context.Context, id string) (Session, error)
	ClassByID(ctx context.Context, id string) (Class, error)
	HasActiveEnrollment(ctx context.Context, studentID, classID string) (bool, error)
	RecordFor(ctx context.Context, studentID, sessionID string) (*Record, error)
	// UpsertRecord inserts, or updates in place when the existing row's
	// marked_at is at or before lockCutoff. Returns written=false when
	// the row exists and is still lock-protected. The condition is
	// evaluated by the store in one statement so concurrent marks for
	// the same student cannot both pass.
	UpsertRecord(ctx context.Context, rec Record, lockCutoff time.Time) (Record, bool, error)
}

// MarkRequest is a single marking attempt.
type MarkRequest struct {
	SessionID string
	StudentID string
	Status    string
	CheckIn   *time.Time
	CheckOut  *time.Time
	Notes     string
}

// BulkEntry is one student's line in a bulk marking request.
type BulkEntry struct {
	StudentID string `json:"student_id"`
	Status    string `json:"status"`
	Notes     string `json:"notes"`
}

// Rejection explains why one bulk entry was not written.
type Rejection struct {
	StudentID string `json:"student_id"`
	Reason    Kind   `json:"reason"`
}

// BulkResult is the bulk marking manifest. AcceptedIDs carries the
// written record ids for the audit pipeline; it is not part of the
// response body.
type BulkResult struct {
	Accepted    int         `json:"accepted"`
	Rejected    []Rejection `json:"rejected"`
	AcceptedIDs []string    `json:"-"`
}

// Service validates marking requests against window and lock state and
// writes records. It holds no mutable state of its own; every decision
// is a function of the store contents and the supplied clock.
type Service struct {
	store     Store
	window    schedule.Window
	lateGrace time.Duration
	loc       *time.Location

	// bulkWorkers bounds the per-student fan-out in BulkMark.
	bulkWorkers int
}

// NewService creates a marker.
func NewService(store Store, window schedule.Window, lateGrace time.Duration, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		store:       store,
		window:      window,
		lateGrace:   lateGrace,
		loc:         loc,
		bulkWorkers: 4,
	}
}

// Window exposes the configured window shape (for the inspection endpoint).
func (s *Service) Window() schedule.Window { return s.window }

// WindowState returns the session-level window state at now.
func (s *Service) WindowState(ctx context.Context, sessionID string, now time.Time) (schedule.State, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return schedule.Closed, err
	}
	return s.window.Evaluate(s.sessionDate(session), now), nil
}

// Mark validates and writes a single attendance record. A repeat call
// for the same (student, session) inside the lock window fails with
// AlreadyLocked; after the lock elapses, and while the session window
// is still open, it updates the existing row in place.
func (s *Service) Mark(ctx context.Context, req MarkRequest, ident Identity, now time.Time) (Record, error) {
	session, err := s.session(ctx, req.SessionID)
	if err != nil {
		return Record{}, err
	}
	class, err := s.class(ctx, session.ClassID)
	if err != nil {
		return Record{}, err
	}
	if err := authorize(ident, class); err != nil {
		return Record{}, err
	}
	if err := s.checkWindow(session, now); err != nil {
		return Record{}, err
	}

	enrolled, err := s.store.HasActiveEnrollment(ctx, req.StudentID, class.ID)
	if err != nil {
		return Record{}, storeErr(err)
	}
	if !enrolled {
		return Record{}, errf(KindNotEnrolled, "student %s is not actively enrolled in class %s", req.StudentID, class.Code)
	}
	if err := validate(req.Status, req.CheckIn, req.CheckOut); err != nil {
		return Record{}, err
	}

	existing, err := s.store.RecordFor(ctx, req.StudentID, req.SessionID)
	if err != nil {
		return Record{}, storeErr(err)
	}
	if existing != nil && s.window.LockedAt(existing.MarkedAt, now) {
		return Record{}, errf(KindAlreadyLocked, "student %s was marked at %s; re-marking allowed after %s",
			req.StudentID, existing.MarkedAt.Format(time.RFC3339), existing.MarkedAt.Add(s.window.LockFor).Format(time.RFC3339))
	}

	rec, written, err := s.store.UpsertRecord(ctx, Record{
		StudentID: req.StudentID,
		SessionID: req.SessionID,
		Status:    req.Status,
		CheckIn:   req.CheckIn,
		CheckOut:  req.CheckOut,
		Notes:     req.Notes,
		MarkedBy:  ident.UserID,
		MarkedAt:  now,
	}, s.window.LockCutoff(now))
	if err != nil {
		markOutcomes.WithLabelValues("error").Inc()
		return Record{}, storeErr(err)
	}
	if !written {
		// Lost a race: a concurrent request marked this student first.
		markOutcomes.WithLabelValues(string(KindAlreadyLocked)).Inc()
		return Record{}, errf(KindAlreadyLocked, "student %s was marked concurrently", req.StudentID)
	}
	markOutcomes.WithLabelValues("accepted").Inc()
	rec.IsLate = s.isLate(session, rec)
	return rec, nil
}

// BulkMark writes many records for one session. The window and
// authorization checks run once for the whole batch; a failure there
// rejects the batch before any write. Per-student outcomes are
// independent: each entry is written in its own statement, and one bad
// entry never rolls back the others.
func (s *Service) BulkMark(ctx context.Context, sessionID string, entries []BulkEntry, ident Identity, now time.Time) (BulkResult, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return BulkResult{}, err
	}
	class, err := s.class(ctx, session.ClassID)
	if err != nil {
		return BulkResult{}, err
	}
	if err := authorize(ident, class); err != nil {
		return BulkResult{}, err
	}
	if err := s.checkWindow(session, now); err != nil {
		return BulkResult{}, err
	}

	// Point-in-time eligibility decided above; the fan-out below does
	// not re-check the window per student.
	rejections := make([]*Rejection, len(entries))
	accepted := make([]*Record, len(entries))
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.bulkWorkers)

	for i, entry := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, entry BulkEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			if rec, reason, ok := s.markOne(ctx, session, class, entry, ident, now); ok {
				accepted[i] = &rec
			} else {
				rejections[i] = &Rejection{StudentID: entry.StudentID, Reason: reason}
			}
		}(i, entry)
	}
	wg.Wait()

	res := BulkResult{Rejected: []Rejection{}}
	for i := range entries {
		if accepted[i] != nil {
			res.Accepted++
			res.AcceptedIDs = append(res.AcceptedIDs, accepted[i].ID)
		}
		if rejections[i] != nil {
			res.Rejected = append(res.Rejected, *rejections[i])
		}
	}
	return res, nil
}

// markOne handles one bulk entry; the session-level checks are already done.
func (s *Service) markOne(ctx context.Context, session Session, class Class, entry BulkEntry, ident Identity, now time.Time) (Record, Kind, bool) {
	if !ValidStatus(entry.Status) {
		markOutcomes.WithLabelValues(string(KindInvalidInput)).Inc()
		return Record{}, KindInvalidInput, false
	}
	enrolled, err := s.store.HasActiveEnrollment(ctx, entry.StudentID, class.ID)
	if err != nil {
		markOutcomes.WithLabelValues("error").Inc()
		return Record{}, KindStoreUnavailable, false
	}
	if !enrolled {
		markOutcomes.WithLabelValues(string(KindNotEnrolled)).Inc()
		return Record{}, KindNotEnrolled, false
	}
	rec, written, err := s.store.UpsertRecord(ctx, Record{
		StudentID: entry.StudentID,
		SessionID: session.ID,
		Status:    entry.Status,
		Notes:     entry.Notes,
		MarkedBy:  ident.UserID,
		MarkedAt:  now,
	}, s.window.LockCutoff(now))
	if err != nil {
		markOutcomes.WithLabelValues("error").Inc()
		return Record{}, KindStoreUnavailable, false
	}
	if !written {
		markOutcomes.WithLabelValues(string(KindAlreadyLocked)).Inc()
		return Record{}, KindAlreadyLocked, false
	}
	markOutcomes.WithLabelValues("accepted").Inc()
	return rec, "", true
}

func (s *Service) session(ctx context.Context, id string) (Session, error) {
	session, err := s.store.SessionByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Session{}, errf(KindNotFound, "session %s", id)
	}
	if err != nil {
		return Session{}, storeErr(err)
	}
	return session, nil
}

func (s *Service) class(ctx context.Context, id string) (Class, error) {
	class, err := s.store.ClassByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Class{}, errf(KindNotFound, "class %s", id)
	}
	if err != nil {
		return Class{}, storeErr(err)
	}
	return class, nil
}

// sessionDate anchors the session's calendar date in the configured
// location so the 06:00 opening is local regardless of how the store
// returned the date.
func (s *Service) sessionDate(session Session) time.Time {
	y, m, d := session.Date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

func (s *Service) checkWindow(session Session, now time.Time) error {
	opens := s.window.OpensAt(s.sessionDate(session))
	switch s.window.Evaluate(s.sessionDate(session), now) {
	case schedule.NotYetOpen:
		return errf(KindTooEarly, "window opens at %s", opens.Format(time.RFC3339))
	case schedule.ReportDue:
		return errf(KindMarkingPeriodEnded, "marking ended at %s", opens.Add(s.window.MarkFor).Format(time.RFC3339))
	case schedule.Closed:
		return errf(KindMarkingPeriodEnded, "window closed at %s", opens.Add(s.window.MarkFor+s.window.ReportFor).Format(time.RFC3339))
	}
	return nil
}

func (s *Service) isLate(session Session, rec Record) bool {
	if rec.Status == StatusLate {
		return true
	}
	if rec.Status == StatusPresent && rec.CheckIn != nil {
		return rec.CheckIn.After(session.StartTime.Add(s.lateGrace))
	}
	return false
}

func authorize(ident Identity, class Class) error {
	if ident.Role == RoleAdmin {
		return nil
	}
	if ident.Role == RoleInstructor && class.InstructorID == ident.UserID {
		return nil
	}
	return errf(KindUnauthorized, "user %s may not mark attendance for class %s", ident.UserID, class.Code)
}

func validate(status string, checkIn, checkOut *time.Time) error {
	if !ValidStatus(status) {
		return errf(KindInvalidInput, "unknown status %q", status)
	}
	if checkIn != nil && checkOut != nil && checkOut.Before(*checkIn) {
		return errf(KindInvalidInput, "check_out before check_in")
	}
	return nil
}
