package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"attendance/internal/attendance"
	"attendance/internal/qr"
)

// Memory implements qr.Store and attendance.Repository in process
// memory. One mutex covers every operation, which makes the
// consume-and-record path atomic by construction. Used for dev mode
// and tests.
type Memory struct {
	mu       sync.Mutex
	students map[string]attendance.Student
	admins   map[string]attendance.Admin
	sessions map[string]attendance.Session
	tokens   map[string]qr.Token          // current slot per student
	records  map[string]attendance.Record // keyed student+session
	audits   []attendance.ScanAudit
	refresh  map[string][]string
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		students: make(map[string]attendance.Student),
		admins:   make(map[string]attendance.Admin),
		sessions: make(map[string]attendance.Session),
		tokens:   make(map[string]qr.Token),
		records:  make(map[string]attendance.Record),
		refresh:  make(map[string][]string),
	}
}

func recordKey(studentID, sessionID string) string {
	return studentID + "\x00" + sessionID
}

// ---- qr.Store ----

func (m *Memory) StudentByID(_ context.Context, studentID string) (*attendance.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[studentID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) SessionByID(_ context.Context, id string) (*attendance.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) PutToken(_ context.Context, tok qr.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok.StudentID] = tok
	return nil
}

func (m *Memory) TokenByValue(_ context.Context, studentID, value string) (*qr.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[studentID]
	if !ok || t.Value != value {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) HasRecord(_ context.Context, studentID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[recordKey(studentID, sessionID)]
	return ok, nil
}

func (m *Memory) ConsumeToken(_ context.Context, studentID, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumeLocked(studentID, value)
}

func (m *Memory) consumeLocked(studentID, value string) error {
	t, ok := m.tokens[studentID]
	if !ok || t.Value != value || t.Consumed {
		return qr.ErrTokenConsumed
	}
	t.Consumed = true
	m.tokens[studentID] = t
	return nil
}

func (m *Memory) ConsumeAndRecord(_ context.Context, tok qr.Token, rec attendance.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(rec.StudentID, rec.SessionID)
	if _, ok := m.records[key]; ok {
		return qr.ErrDuplicateRecord
	}
	if err := m.consumeLocked(tok.StudentID, tok.Value); err != nil {
		return err
	}
	m.records[key] = rec
	return nil
}

// ---- attendance.Repository ----

func (m *Memory) CreateStudent(_ context.Context, s attendance.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[s.StudentID] = s
	return nil
}

func (m *Memory) ListStudents(_ context.Context, search string) ([]attendance.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(search)
	var out []attendance.Student
	for _, s := range m.students {
		if needle != "" &&
			!strings.Contains(strings.ToLower(s.StudentID), needle) &&
			!strings.Contains(strings.ToLower(s.Name), needle) &&
			!strings.Contains(strings.ToLower(s.Department), needle) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (m *Memory) MaxStudentID(_ context.Context, prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := ""
	for id := range m.students {
		if strings.HasPrefix(id, prefix) && id > max {
			max = id
		}
	}
	return max, nil
}

func (m *Memory) CreateAdmin(_ context.Context, a attendance.Admin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[a.Username] = a
	return nil
}

func (m *Memory) AdminByUsername(_ context.Context, username string) (*attendance.Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admins[username]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) CreateSession(_ context.Context, s attendance.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) ListSessions(_ context.Context, activeOnly bool) ([]attendance.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []attendance.Session
	for _, s := range m.sessions {
		if activeOnly && (!s.Active || s.EndTime.Before(now)) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (m *Memory) SetSessionActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	s.Active = active
	m.sessions[id] = s
	return nil
}

func (m *Memory) RecordsBySession(_ context.Context, sessionID string) ([]attendance.RecordDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []attendance.RecordDetail
	for _, r := range m.records {
		if r.SessionID != sessionID {
			continue
		}
		d := attendance.RecordDetail{Record: r}
		if s, ok := m.students[r.StudentID]; ok {
			d.StudentName = s.Name
			d.Department = s.Department
			d.Year = s.Year
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (m *Memory) RecordsByStudent(_ context.Context, studentID string) ([]attendance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []attendance.Record
	for _, r := range m.records {
		if r.StudentID == studentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}

func (m *Memory) CountRecords(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertScanAudit(_ context.Context, a attendance.ScanAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	m.audits = append(m.audits, a)
	return nil
}

// ScanAudits returns a copy of the audit trail, oldest first.
func (m *Memory) ScanAudits() []attendance.ScanAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]attendance.ScanAudit, len(m.audits))
	copy(out, m.audits)
	return out
}

func (m *Memory) SaveRefreshToken(_ context.Context, subject, token string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[subject] = append(m.refresh[subject], token)
	return nil
}
