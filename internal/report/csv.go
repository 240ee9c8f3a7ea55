package report

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteCSV renders the per-student breakdown as CSV: one row per
// student with each status count and the computed attendance rate.
func WriteCSV(w io.Writer, rep ClassReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"student_id", "name", "present", "absent", "late", "excused", "left_early", "total_sessions", "attendance_rate",
	}); err != nil {
		return err
	}
	for _, s := range rep.PerStudent {
		row := []string{
			s.StudentID,
			s.Name,
			strconv.Itoa(s.Present),
			strconv.Itoa(s.Absent),
			strconv.Itoa(s.Late),
			strconv.Itoa(s.Excused),
			strconv.Itoa(s.LeftEarly),
			strconv.Itoa(s.TotalSessions),
			strconv.FormatFloat(s.AttendanceRate, 'f', 1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
