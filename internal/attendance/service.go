package attendance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned by the Authenticate helpers when the
// account is unknown or the password does not match.
var ErrBadCredentials = errors.New("invalid credentials")

// Service coordinates roster and session management on top of a Repository.
type Service struct {
	repo Repository
}

// NewService creates a service backed by a repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// RegisterStudent creates a student with a generated ID of the form
// STU<year><NNNN>, numbered sequentially within the year.
func (s *Service) RegisterStudent(ctx context.Context, name, email, password, department string, year int, phone string) (Student, error) {
	if name == "" || email == "" || password == "" {
		return Student{}, errors.New("name, email and password required")
	}
	if year <= 0 {
		year = 1
	}

	studentID, err := s.nextStudentID(ctx)
	if err != nil {
		return Student{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Student{}, err
	}

	stu := Student{
		StudentID:    studentID,
		Name:         name,
		Email:        email,
		Department:   department,
		Year:         year,
		Phone:        phone,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateStudent(ctx, stu); err != nil {
		return Student{}, err
	}
	return stu, nil
}

func (s *Service) nextStudentID(ctx context.Context) (string, error) {
	prefix := fmt.Sprintf("STU%d", time.Now().UTC().Year())
	last, err := s.repo.MaxStudentID(ctx, prefix)
	if err != nil {
		return "", err
	}
	next := 1
	if last != "" {
		n, err := strconv.Atoi(last[len(prefix):])
		if err != nil {
			return "", fmt.Errorf("malformed student id %q: %w", last, err)
		}
		next = n + 1
	}
	return fmt.Sprintf("%s%04d", prefix, next), nil
}

// CreateAdmin creates an operator account.
func (s *Service) CreateAdmin(ctx context.Context, username, name, password, department string) (Admin, error) {
	if username == "" || password == "" {
		return Admin{}, errors.New("username and password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Admin{}, err
	}
	adm := Admin{
		Username:     username,
		Name:         name,
		Department:   department,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateAdmin(ctx, adm); err != nil {
		return Admin{}, err
	}
	return adm, nil
}

// AuthenticateStudent checks a student ID and password.
func (s *Service) AuthenticateStudent(ctx context.Context, studentID, password string) (Student, error) {
	stu, err := s.repo.StudentByID(ctx, studentID)
	if err != nil {
		return Student{}, err
	}
	if stu == nil || bcrypt.CompareHashAndPassword([]byte(stu.PasswordHash), []byte(password)) != nil {
		return Student{}, ErrBadCredentials
	}
	return *stu, nil
}

// AuthenticateAdmin checks an admin username and password.
func (s *Service) AuthenticateAdmin(ctx context.Context, username, password string) (Admin, error) {
	adm, err := s.repo.AdminByUsername(ctx, username)
	if err != nil {
		return Admin{}, err
	}
	if adm == nil || bcrypt.CompareHashAndPassword([]byte(adm.PasswordHash), []byte(password)) != nil {
		return Admin{}, ErrBadCredentials
	}
	return *adm, nil
}

// CreateSession validates and stores a new attendance session.
func (s *Service) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.Name == "" || sess.CourseCode == "" {
		return Session{}, errors.New("name and course code required")
	}
	if !sess.EndTime.After(sess.StartTime) {
		return Session{}, errors.New("end time must be after start time")
	}
	switch sess.Type {
	case SessionLecture, SessionLab, SessionTutorial, SessionExam:
	case "":
		sess.Type = SessionLecture
	default:
		return Session{}, fmt.Errorf("unknown session type %q", sess.Type)
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.Active = true
	sess.CreatedAt = time.Now().UTC()
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Sessions lists sessions, optionally only ones still marked active.
func (s *Service) Sessions(ctx context.Context, activeOnly bool) ([]Session, error) {
	return s.repo.ListSessions(ctx, activeOnly)
}

// SetSessionActive toggles the administrative active flag.
func (s *Service) SetSessionActive(ctx context.Context, id string, active bool) error {
	sess, err := s.repo.SessionByID(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", id)
	}
	return s.repo.SetSessionActive(ctx, id, active)
}

// SessionRecords lists a session's attendance entries with student details.
func (s *Service) SessionRecords(ctx context.Context, sessionID string) ([]RecordDetail, error) {
	return s.repo.RecordsBySession(ctx, sessionID)
}

// History lists a student's own attendance entries, newest first.
func (s *Service) History(ctx context.Context, studentID string) ([]Record, error) {
	return s.repo.RecordsByStudent(ctx, studentID)
}

// Students lists registered students with an optional search filter
// matched against ID, name and department.
func (s *Service) Students(ctx context.Context, search string) ([]Student, error) {
	return s.repo.ListStudents(ctx, strings.TrimSpace(search))
}
