package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SessionByID returns one session.
func (r *Repository) SessionByID(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, date, start_time, end_time, topic, is_held
		FROM sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.ClassID, &s.Date, &s.StartTime, &s.EndTime, &s.Topic, &s.IsHeld); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

// ClassByID returns one class.
func (r *Repository) ClassByID(ctx context.Context, id string) (Class, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, code, name, COALESCE(instructor_id, ''), capacity, is_active, start_date, end_date
		FROM classes WHERE id = $1
	`, id)
	var c Class
	if err := row.Scan(&c.ID, &c.Code, &c.Name, &c.InstructorID, &c.Capacity, &c.IsActive, &c.StartDate, &c.EndDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Class{}, ErrNotFound
		}
		return Class{}, err
	}
	return c, nil
}

// HasActiveEnrollment reports whether the student is actively enrolled in the class.
func (r *Repository) HasActiveEnrollment(ctx context.Context, studentID, classID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments
			WHERE student_id = $1 AND class_id = $2 AND is_active
		)
	`, studentID, classID).Scan(&exists)
	return exists, err
}

// RecordFor returns the student's record for a session, or nil.
func (r *Repository) RecordFor(ctx context.Context, studentID, sessionID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, session_id, status, check_in, check_out, notes, marked_by, marked_at
		FROM attendance_records
		WHERE student_id = $1 AND session_id = $2
	`, studentID, sessionID)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.Status, &rec.CheckIn, &rec.CheckOut, &rec.Notes, &rec.MarkedBy, &rec.MarkedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// UpsertRecord inserts the record or, when a row already exists for
// (student, session) and its marked_at is at or before lockCutoff,
// updates it in place. The lock condition rides on the conflict clause
// so two concurrent marks for the same student can never both insert:
// the loser lands in the conditional-update path and, inside the lock,
// updates nothing.
func (r *Repository) UpsertRecord(ctx context.Context, rec Record, lockCutoff time.Time) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, session_id, status, check_in, check_out, notes, marked_by, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (student_id, session_id) DO UPDATE SET
			status    = EXCLUDED.status,
			check_in  = EXCLUDED.check_in,
			check_out = EXCLUDED.check_out,
			notes     = EXCLUDED.notes,
			marked_by = EXCLUDED.marked_by,
			marked_at = EXCLUDED.marked_at
		WHERE attendance_records.marked_at <= $10
		RETURNING id
	`, rec.ID, rec.StudentID, rec.SessionID, rec.Status, rec.CheckIn, rec.CheckOut, rec.Notes, rec.MarkedBy, rec.MarkedAt, lockCutoff)
	if err := row.Scan(&rec.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

// SessionRecords lists all records for a session.
func (r *Repository) SessionRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, session_id, status, check_in, check_out, notes, marked_by, marked_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY marked_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.Status, &rec.CheckIn, &rec.CheckOut, &rec.Notes, &rec.MarkedBy, &rec.MarkedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RecordByID returns one record (used by the audit worker).
func (r *Repository) RecordByID(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, session_id, status, check_in, check_out, notes, marked_by, marked_at
		FROM attendance_records WHERE id = $1
	`, id)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.Status, &rec.CheckIn, &rec.CheckOut, &rec.Notes, &rec.MarkedBy, &rec.MarkedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// InsertAudit appends one audit row for a processed mark.
func (r *Repository) InsertAudit(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, record_id, session_id, student_id, status, marked_by, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, uuid.NewString(), rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.MarkedBy, rec.MarkedAt)
	return err
}

// CreateClass inserts a class and returns it.
func (r *Repository) CreateClass(ctx context.Context, c Class) (Class, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Capacity <= 0 {
		c.Capacity = 50
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO classes (id, code, name, instructor_id, capacity, is_active, start_date, end_date)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8)
	`, c.ID, c.Code, c.Name, c.InstructorID, c.Capacity, true, c.StartDate, c.EndDate)
	if err != nil {
		return Class{}, err
	}
	c.IsActive = true
	return c, nil
}

// CreateSession inserts a session. (class, date, start_time) is unique.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, class_id, date, start_time, end_time, topic, is_held)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.ID, s.ClassID, s.Date, s.StartTime, s.EndTime, s.Topic, s.IsHeld)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}
