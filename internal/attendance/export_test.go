package attendance

import (
	"strings"
	"testing"
	"time"
)

func TestWriteCSV(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 15, 30, 0, time.UTC)
	records := []RecordDetail{
		{
			Record:      Record{StudentID: "STU20250001", At: at, IPAddress: "10.0.0.9"},
			StudentName: "Asha Rao",
			Department:  "CS",
			Year:        2,
		},
		{
			Record:      Record{StudentID: "STU20250002", At: at.Add(time.Minute)},
			StudentName: "Ben Okafor",
			Department:  "EE",
			Year:        1,
		},
	}

	var sb strings.Builder
	if err := WriteCSV(&sb, records); err != nil {
		t.Fatalf("write: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header + 2 rows", len(lines))
	}
	if lines[0] != "Student ID,Name,Department,Year,Timestamp,IP Address" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "STU20250001,Asha Rao,CS,2,2025-03-10 09:15:30,10.0.0.9" {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], ",N/A") {
		t.Errorf("missing IP should export as N/A, got %q", lines[2])
	}
}

func TestExportFilename(t *testing.T) {
	sess := Session{ID: "abc-123", CourseCode: "CS101"}
	if got := ExportFilename(sess); got != "attendance_CS101_abc-123.csv" {
		t.Errorf("filename = %q", got)
	}
}
