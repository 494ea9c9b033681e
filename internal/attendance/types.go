package attendance

import "time"

// Session types mirror the kinds of course meetings a session can cover.
const (
	SessionLecture  = "lecture"
	SessionLab      = "lab"
	SessionTutorial = "tutorial"
	SessionExam     = "exam"
)

// Student is a registered student with a stable, generated student ID.
type Student struct {
	StudentID    string    `json:"student_id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Department   string    `json:"department"`
	Year         int       `json:"year"`
	Phone        string    `json:"phone,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Admin is an operator account allowed to run sessions and scan codes.
type Admin struct {
	Username     string    `json:"username"`
	Name         string    `json:"name"`
	Department   string    `json:"department"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is one scannable attendance window for a course meeting.
type Session struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CourseCode string    `json:"course_code"`
	Type       string    `json:"type"`
	Location   string    `json:"location,omitempty"`
	CreatedBy  string    `json:"created_by"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsLive reports whether the session accepts scans at the given instant.
// Both window edges are inclusive.
func (s Session) IsLive(now time.Time) bool {
	return s.Active && !now.Before(s.StartTime) && !now.After(s.EndTime)
}

// Record is one accepted attendance entry. At most one exists per
// (student, session) pair; the credential core enforces this on insert.
type Record struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	SessionID  string    `json:"session_id"`
	TokenValue string    `json:"token_value"`
	At         time.Time `json:"at"`
	IPAddress  string    `json:"ip_address,omitempty"`
	DeviceInfo string    `json:"device_info,omitempty"`
}

// RecordDetail is a record joined with the student fields the
// dashboards and exports display.
type RecordDetail struct {
	Record
	StudentName string `json:"student_name"`
	Department  string `json:"department"`
	Year        int    `json:"year"`
}

// ScanAudit is one scan attempt as seen by the audit worker, kept for
// every outcome, accepted or not.
type ScanAudit struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id,omitempty"`
	Outcome   string    `json:"outcome"`
	IPAddress string    `json:"ip_address,omitempty"`
	At        time.Time `json:"at"`
}
