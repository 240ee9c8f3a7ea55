// Package report computes attendance statistics from persisted records.
// It is read-only: each report runs inside one repeatable-read
// transaction so an in-flight bulk mark is either fully visible or not
// at all, never split across totals.
package report

import (
	"context"
	"database/sql"
	"math"
	"time"

	"classtrack/internal/attendance"
)

// StudentStats is one student's aggregate over the filtered window.
type StudentStats struct {
	StudentID      string  `json:"student_id"`
	Name           string  `json:"name"`
	Present        int     `json:"present"`
	Absent         int     `json:"absent"`
	Late           int     `json:"late"`
	Excused        int     `json:"excused"`
	LeftEarly      int     `json:"left_early"`
	TotalSessions  int     `json:"total_sessions"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// Summary is the class-wide aggregate (the non-detailed view).
type Summary struct {
	Records        int     `json:"records"`
	Present        int     `json:"present"`
	Absent         int     `json:"absent"`
	Late           int     `json:"late"`
	Excused        int     `json:"excused"`
	LeftEarly      int     `json:"left_early"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// ClassReport is the report for one class over an optional date range.
type ClassReport struct {
	ClassID       string         `json:"class_id"`
	StartDate     *time.Time     `json:"start_date,omitempty"`
	EndDate       *time.Time     `json:"end_date,omitempty"`
	TotalSessions int            `json:"total_sessions"`
	Summary       Summary        `json:"summary"`
	PerStudent    []StudentStats `json:"per_student,omitempty"`
}

// Aggregator runs report queries against Postgres.
type Aggregator struct {
	db *sql.DB
}

// NewAggregator creates an aggregator.
func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

type statusRow struct {
	studentID string
	name      string
	status    string
}

// ClassReport aggregates attendance for one class. The denominator is
// the count of held sessions in the window; sessions that never took
// place do not penalize the rate. detailed adds the per-student
// breakdown (every actively enrolled student appears, recorded or not).
func (a *Aggregator) ClassReport(ctx context.Context, classID string, start, end *time.Time, detailed bool) (ClassReport, error) {
	rep := ClassReport{ClassID: classID, StartDate: start, EndDate: end}

	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM classes WHERE id = $1)`, classID).Scan(&exists); err != nil {
		return rep, err
	}
	if !exists {
		return rep, attendance.ErrNotFound
	}

	held, err := heldSessions(ctx, tx, classID, start, end)
	if err != nil {
		return rep, err
	}
	rep.TotalSessions = held

	rows, err := tx.QueryContext(ctx, `
		SELECT ar.student_id, st.name, ar.status
		FROM attendance_records ar
		JOIN sessions s ON s.id = ar.session_id
		JOIN students st ON st.id = ar.student_id
		WHERE s.class_id = $1 AND s.is_held
		  AND ($2::date IS NULL OR s.date >= $2)
		  AND ($3::date IS NULL OR s.date <= $3)
	`, classID, start, end)
	if err != nil {
		return rep, err
	}
	defer rows.Close()

	var records []statusRow
	for rows.Next() {
		var r statusRow
		if err := rows.Scan(&r.studentID, &r.name, &r.status); err != nil {
			return rep, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return rep, err
	}

	var roster []statusRow
	if detailed {
		enrolled, err := tx.QueryContext(ctx, `
			SELECT st.id, st.name
			FROM enrollments e
			JOIN students st ON st.id = e.student_id
			WHERE e.class_id = $1 AND e.is_active
			ORDER BY st.name
		`, classID)
		if err != nil {
			return rep, err
		}
		defer enrolled.Close()
		for enrolled.Next() {
			var r statusRow
			if err := enrolled.Scan(&r.studentID, &r.name); err != nil {
				return rep, err
			}
			roster = append(roster, r)
		}
		if err := enrolled.Err(); err != nil {
			return rep, err
		}
	}

	if err := tx.Commit(); err != nil {
		return rep, err
	}

	rep.Summary = summarize(records)
	if detailed {
		rep.PerStudent = aggregate(held, records, roster)
	}
	return rep, nil
}

// StudentReport aggregates one student's attendance, optionally scoped
// to a class and date range. Without a class filter the denominator
// covers held sessions across every class the student is actively
// enrolled in.
func (a *Aggregator) StudentReport(ctx context.Context, studentID, classID string, start, end *time.Time) (StudentStats, error) {
	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return StudentStats{}, err
	}
	defer tx.Rollback()

	var name string
	if err := tx.QueryRowContext(ctx, `SELECT name FROM students WHERE id = $1`, studentID).Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return StudentStats{}, attendance.ErrNotFound
		}
		return StudentStats{}, err
	}

	var held int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM sessions s
		WHERE s.is_held
		  AND ($2 = '' OR s.class_id = $2)
		  AND ($2 <> '' OR s.class_id IN (
			SELECT class_id FROM enrollments WHERE student_id = $1 AND is_active
		  ))
		  AND ($3::date IS NULL OR s.date >= $3)
		  AND ($4::date IS NULL OR s.date <= $4)
	`, studentID, classID, start, end).Scan(&held)
	if err != nil {
		return StudentStats{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT ar.status
		FROM attendance_records ar
		JOIN sessions s ON s.id = ar.session_id
		WHERE ar.student_id = $1 AND s.is_held
		  AND ($2 = '' OR s.class_id = $2)
		  AND ($3::date IS NULL OR s.date >= $3)
		  AND ($4::date IS NULL OR s.date <= $4)
	`, studentID, classID, start, end)
	if err != nil {
		return StudentStats{}, err
	}
	defer rows.Close()

	var records []statusRow
	for rows.Next() {
		r := statusRow{studentID: studentID, name: name}
		if err := rows.Scan(&r.status); err != nil {
			return StudentStats{}, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return StudentStats{}, err
	}
	if err := tx.Commit(); err != nil {
		return StudentStats{}, err
	}

	stats := aggregate(held, records, []statusRow{{studentID: studentID, name: name}})
	return stats[0], nil
}

func heldSessions(ctx context.Context, tx *sql.Tx, classID string, start, end *time.Time) (int, error) {
	var held int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE class_id = $1 AND is_held
		  AND ($2::date IS NULL OR date >= $2)
		  AND ($3::date IS NULL OR date <= $3)
	`, classID, start, end).Scan(&held)
	return held, err
}

// aggregate folds records into per-student stats. roster seeds the
// output so enrolled students with no records still show up at 0.0.
func aggregate(held int, records, roster []statusRow) []StudentStats {
	index := map[string]int{}
	var out []StudentStats

	ensure := func(id, name string) int {
		if i, ok := index[id]; ok {
			return i
		}
		out = append(out, StudentStats{StudentID: id, Name: name, TotalSessions: held})
		index[id] = len(out) - 1
		return len(out) - 1
	}

	for _, r := range roster {
		ensure(r.studentID, r.name)
	}
	for _, r := range records {
		i := ensure(r.studentID, r.name)
		switch r.status {
		case attendance.StatusPresent:
			out[i].Present++
		case attendance.StatusAbsent:
			out[i].Absent++
		case attendance.StatusLate:
			out[i].Late++
		case attendance.StatusExcused:
			out[i].Excused++
		case attendance.StatusLeftEarly:
			out[i].LeftEarly++
		}
	}
	for i := range out {
		out[i].AttendanceRate = rate(out[i].Present+out[i].Late, held)
	}
	return out
}

func summarize(records []statusRow) Summary {
	var s Summary
	for _, r := range records {
		s.Records++
		switch r.status {
		case attendance.StatusPresent:
			s.Present++
		case attendance.StatusAbsent:
			s.Absent++
		case attendance.StatusLate:
			s.Late++
		case attendance.StatusExcused:
			s.Excused++
		case attendance.StatusLeftEarly:
			s.LeftEarly++
		}
	}
	s.AttendanceRate = rate(s.Present+s.Late, s.Records)
	return s
}

// rate is attended/total*100 rounded half-to-even to one decimal;
// zero total yields 0.0 rather than a division error.
func rate(attended, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.RoundToEven(float64(attended)/float64(total)*1000) / 10
}
