package attendance

import "time"

// Status values an attendance record may carry.
const (
	StatusPresent   = "present"
	StatusAbsent    = "absent"
	StatusLate      = "late"
	StatusExcused   = "excused"
	StatusLeftEarly = "left_early"
)

// ValidStatus reports whether s is one of the five defined statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused, StatusLeftEarly:
		return true
	}
	return false
}

// Class is the class a session belongs to.
type Class struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	InstructorID string    `json:"instructor_id"`
	Capacity     int       `json:"capacity"`
	IsActive     bool      `json:"is_active"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
}

// Session is one class meeting. (ClassID, Date, StartTime) is unique.
type Session struct {
	ID        string     `json:"id"`
	ClassID   string     `json:"class_id"`
	Date      time.Time  `json:"date"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Topic     string     `json:"topic"`
	IsHeld    bool       `json:"is_held"`
}

// Record is one student's attendance for one session. At most one row
// exists per (student, session); marking upserts in place.
type Record struct {
	ID        string     `json:"id"`
	StudentID string     `json:"student_id"`
	SessionID string     `json:"session_id"`
	Status    string     `json:"status"`
	CheckIn   *time.Time `json:"check_in,omitempty"`
	CheckOut  *time.Time `json:"check_out,omitempty"`
	Notes     string     `json:"notes"`
	MarkedBy  string     `json:"marked_by"`
	MarkedAt  time.Time  `json:"marked_at"`

	// IsLate is derived at read time, never stored.
	IsLate bool `json:"is_late"`
}

// Identity is the caller as reported by the auth layer.
type Identity struct {
	UserID string
	Role   string
}

// Roles known to the authorization check.
const (
	RoleAdmin      = "admin"
	RoleInstructor = "instructor"
	RoleStudent    = "student"
)
