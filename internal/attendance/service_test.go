package attendance

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"classtrack/internal/schedule"
)

// fakeStore is an in-memory Store with the same conditional-upsert
// semantics as the Postgres repo.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	classes  map[string]Class
	enrolled map[string]bool
	records  map[string]Record
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]Session{},
		classes:  map[string]Class{},
		enrolled: map[string]bool{},
		records:  map[string]Record{},
	}
}

func (f *fakeStore) SessionByID(_ context.Context, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ClassByID(_ context.Context, id string) (Class, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.classes[id]
	if !ok {
		return Class{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) HasActiveEnrollment(_ context.Context, studentID, classID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enrolled[studentID+"|"+classID], nil
}

func (f *fakeStore) RecordFor(_ context.Context, studentID, sessionID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[studentID+"|"+sessionID]; ok {
		cp := rec
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) UpsertRecord(_ context.Context, rec Record, lockCutoff time.Time) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rec.StudentID + "|" + rec.SessionID
	if existing, ok := f.records[key]; ok {
		if existing.MarkedAt.After(lockCutoff) {
			return Record{}, false, nil
		}
		rec.ID = existing.ID
	} else {
		f.nextID++
		rec.ID = "rec-" + strconv.Itoa(f.nextID)
	}
	f.records[key] = rec
	return rec, true, nil
}

func (f *fakeStore) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func at(h, m int) time.Time {
	return time.Date(2026, 3, 9, h, m, 0, 0, time.UTC)
}

func newFixture() (*Service, *fakeStore) {
	st := newFakeStore()
	st.classes["c1"] = Class{ID: "c1", Code: "CS101", Name: "Intro", InstructorID: "t1", IsActive: true}
	st.sessions["s1"] = Session{ID: "s1", ClassID: "c1", Date: at(0, 0), StartTime: at(9, 0), IsHeld: true}
	st.enrolled["stu1|c1"] = true
	st.enrolled["stu2|c1"] = true
	svc := NewService(st, schedule.Default(), 0, time.UTC)
	return svc, st
}

var instructor = Identity{UserID: "t1", Role: RoleInstructor}

func TestMarkHappyPath(t *testing.T) {
	svc, st := newFixture()
	rec, err := svc.Mark(context.Background(), MarkRequest{
		SessionID: "s1", StudentID: "stu1", Status: StatusPresent,
	}, instructor, at(7, 0))
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if rec.MarkedBy != "t1" || rec.Status != StatusPresent {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if st.recordCount() != 1 {
		t.Fatalf("records = %d, want 1", st.recordCount())
	}
}

func TestMarkWindowReasons(t *testing.T) {
	svc, _ := newFixture()
	req := MarkRequest{SessionID: "s1", StudentID: "stu1", Status: StatusPresent}

	cases := []struct {
		name string
		now  time.Time
		want Kind
	}{
		{"before open", at(5, 30), KindTooEarly},
		{"report due", at(11, 0), KindMarkingPeriodEnded},
		{"closed", at(15, 0), KindMarkingPeriodEnded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Mark(context.Background(), req, instructor, tc.now)
			if err == nil || KindOf(err) != tc.want {
				t.Fatalf("got %v, want kind %s", err, tc.want)
			}
		})
	}
}

func TestMarkAuthorization(t *testing.T) {
	svc, _ := newFixture()
	req := MarkRequest{SessionID: "s1", StudentID: "stu1", Status: StatusPresent}

	if _, err := svc.Mark(context.Background(), req, Identity{UserID: "t2", Role: RoleInstructor}, at(7, 0)); KindOf(err) != KindUnauthorized {
		t.Fatalf("other instructor: got %v, want unauthorized", err)
	}
	if _, err := svc.Mark(context.Background(), req, Identity{UserID: "stu1", Role: RoleStudent}, at(7, 0)); KindOf(err) != KindUnauthorized {
		t.Fatalf("student: got %v, want unauthorized", err)
	}
	if _, err := svc.Mark(context.Background(), req, Identity{UserID: "root", Role: RoleAdmin}, at(7, 0)); err != nil {
		t.Fatalf("admin: %v", err)
	}
}

func TestMarkNotEnrolled(t *testing.T) {
	svc, _ := newFixture()
	_, err := svc.Mark(context.Background(), MarkRequest{
		SessionID: "s1", StudentID: "ghost", Status: StatusPresent,
	}, instructor, at(7, 0))
	if KindOf(err) != KindNotEnrolled {
		t.Fatalf("got %v, want not_enrolled", err)
	}
}

func TestMarkValidation(t *testing.T) {
	svc, _ := newFixture()
	if _, err := svc.Mark(context.Background(), MarkRequest{
		SessionID: "s1", StudentID: "stu1", Status: "asleep",
	}, instructor, at(7, 0)); KindOf(err) != KindInvalidInput {
		t.Fatalf("bad status: got %v, want invalid_input", err)
	}

	in, out := at(9, 30), at(9, 0)
	if _, err := svc.Mark(context.Background(), MarkRequest{
		SessionID: "s1", StudentID: "stu1", Status: StatusPresent, CheckIn: &in, CheckOut: &out,
	}, instructor, at(7, 0)); KindOf(err) != KindInvalidInput {
		t.Fatalf("check_out before check_in: got %v, want invalid_input", err)
	}
}

func TestMarkUnknownSession(t *testing.T) {
	svc, _ := newFixture()
	_, err := svc.Mark(context.Background(), MarkRequest{
		SessionID: "nope", StudentID: "stu1", Status: StatusPresent,
	}, instructor, at(7, 0))
	if KindOf(err) != KindNotFound {
		t.Fatalf("got %v, want not_found", err)
	}
}

func TestPerStudentLock(t *testing.T) {
	svc, _ := newFixture()
	ctx := context.Background()

	if _, err := svc.Mark(ctx, MarkRequest{SessionID: "s1", StudentID: "stu1", Status: StatusPresent}, instructor, at(6, 0)); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	// Same student an hour later: locked.
	if _, err := svc.Mark(ctx, MarkRequest{SessionID: "s1", StudentID: "stu1", Status: StatusLate}, instructor, at(7, 0)); KindOf(err) != KindAlreadyLocked {
		t.Fatalf("re-mark: got %v, want already_locked", err)
	}
	// A different student is unaffected.
	if _, err := svc.Mark(ctx, MarkRequest{SessionID: "s1", StudentID: "stu2", Status: StatusPresent}, instructor, at(7, 0)); err != nil {
		t.Fatalf("other student: %v", err)
	}
}

func TestLockExpiryAllowsCorrection(t *testing.T) {
	// Short lock so it can expire while the window is still open.
	st := newFakeStore()
	st.classes["c1"] = Class{ID: "c1", Code: "CS101", InstructorID: "t1", IsActive: true}
	st.sessions["s1"] = Session{ID: "s1", ClassID: "c1", Date: at(0, 0), StartTime: at(9, 0), IsHeld: true}
	st.enrolled["stu1|c1"] = true
	w := schedule.Default()
	w.LockFor = time.Hour
	svc := NewService(st, w, 0, time.UTC)
	ctx := context.Background()

	if _, err := svc.Mark(ctx, MarkRequest{SessionID: "s1", StudentID: "stu1", Status: StatusLate}, instructor, at(6, 0)); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	// One minute before the lock elapses: still rejected.
	if _, err := svc.Mark(ctx, MarkRequest{SessionID: "s1", StudentID: "stu1", Status: StatusPresent}, instructor, at(6, 59)); KindOf(err) != KindAlreadyLocked {
		t.Fatalf("inside lock: got %v, want already_locked", err)
	}
	// After the lock, window still open: the correction updates in place.
	rec, err := svc.Mark(ctx, MarkRequest{SessionID: "s1", StudentID: "stu1", Status: StatusPresent}, instructor, at(7, 30))
	if err != nil {
		t.Fatalf("correction: %v", err)
	}
	if rec.Status != StatusPresent {
		t.Fatalf("status = %s, want %s", rec.Status, StatusPresent)
	}
	if st.recordCount() != 1 {
		t.Fatalf("records = %d, want exactly 1 after correction", st.recordCount())
	}
}

func TestIsLateDerivation(t *testing.T) {
	svc, _ := newFixture()
	ctx := context.Background()

	late := at(9, 10)
	rec, err := svc.Mark(ctx, MarkRequest{SessionID: "s1", StudentID: "stu1", Status: StatusPresent, CheckIn: &late}, instructor, at(9, 30))
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if !rec.IsLate {
		t.Fatal("check-in after start should derive is_late")
	}

	onTime := at(8, 55)
	rec, err = svc.Mark(ctx, MarkRequest{SessionID: "s1", StudentID: "stu2", Status: StatusPresent, CheckIn: &onTime}, instructor, at(9, 30))
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if rec.IsLate {
		t.Fatal("check-in before start should not derive is_late")
	}
}

func TestBulkMark(t *testing.T) {
	svc, st := newFixture()
	res, err := svc.BulkMark(context.Background(), "s1", []BulkEntry{
		{StudentID: "stu1", Status: StatusPresent},
		{StudentID: "stu2", Status: StatusAbsent},
		{StudentID: "ghost", Status: StatusPresent},
		{StudentID: "stu1", Status: "asleep"},
	}, instructor, at(7, 0))
	if err != nil {
		t.Fatalf("BulkMark: %v", err)
	}
	if res.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", res.Accepted)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("rejected = %v, want 2 entries", res.Rejected)
	}
	reasons := map[string]Kind{}
	for _, rej := range res.Rejected {
		reasons[rej.StudentID+"/"+string(rej.Reason)] = rej.Reason
	}
	if _, ok := reasons["ghost/"+string(KindNotEnrolled)]; !ok {
		t.Fatalf("ghost should be rejected not_enrolled: %v", res.Rejected)
	}
	if _, ok := reasons["stu1/"+string(KindInvalidInput)]; !ok {
		t.Fatalf("bad status should be rejected invalid_input: %v", res.Rejected)
	}
	if st.recordCount() != 2 {
		t.Fatalf("records = %d, want 2", st.recordCount())
	}
}

func TestBulkMarkRejectedWholesaleOutsideWindow(t *testing.T) {
	svc, st := newFixture()
	_, err := svc.BulkMark(context.Background(), "s1", []BulkEntry{
		{StudentID: "stu1", Status: StatusPresent},
		{StudentID: "stu2", Status: StatusPresent},
	}, instructor, at(11, 0))
	if KindOf(err) != KindMarkingPeriodEnded {
		t.Fatalf("got %v, want marking_period_ended", err)
	}
	if st.recordCount() != 0 {
		t.Fatalf("records = %d, want 0 writes after batch rejection", st.recordCount())
	}
}

func TestBulkMarkRespectsLock(t *testing.T) {
	svc, _ := newFixture()
	ctx := context.Background()

	if _, err := svc.Mark(ctx, MarkRequest{SessionID: "s1", StudentID: "stu1", Status: StatusPresent}, instructor, at(6, 0)); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	res, err := svc.BulkMark(ctx, "s1", []BulkEntry{
		{StudentID: "stu1", Status: StatusAbsent},
		{StudentID: "stu2", Status: StatusPresent},
	}, instructor, at(7, 0))
	if err != nil {
		t.Fatalf("BulkMark: %v", err)
	}
	if res.Accepted != 1 || len(res.Rejected) != 1 || res.Rejected[0].Reason != KindAlreadyLocked {
		t.Fatalf("unexpected manifest: %+v", res)
	}
}

func TestConcurrentMarksSingleWinner(t *testing.T) {
	svc, st := newFixture()
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Mark(ctx, MarkRequest{SessionID: "s1", StudentID: "stu1", Status: StatusPresent}, instructor, at(7, 0))
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if KindOf(err) != KindAlreadyLocked {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("winners = %d, want exactly 1", ok)
	}
	if st.recordCount() != 1 {
		t.Fatalf("records = %d, want 1", st.recordCount())
	}
}
