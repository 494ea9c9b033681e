package attendance

import (
	"encoding/csv"
	"fmt"
	"io"
)

// ExportFilename names the CSV download for a session.
func ExportFilename(sess Session) string {
	return fmt.Sprintf("attendance_%s_%s.csv", sess.CourseCode, sess.ID)
}

// WriteCSV writes a session's records as CSV.
func WriteCSV(w io.Writer, records []RecordDetail) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Student ID", "Name", "Department", "Year", "Timestamp", "IP Address"}); err != nil {
		return err
	}
	for _, r := range records {
		ip := r.IPAddress
		if ip == "" {
			ip = "N/A"
		}
		row := []string{
			r.StudentID,
			r.StudentName,
			r.Department,
			fmt.Sprintf("%d", r.Year),
			r.At.Format("2006-01-02 15:04:05"),
			ip,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
