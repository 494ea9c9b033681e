package attendance

import (
	"context"
	"time"
)

// Repository persists roster, session and record data. Two backends
// implement it: Postgres for deployments and an in-memory store for
// dev and tests. Lookups return (nil, nil) when the row is absent.
type Repository interface {
	CreateStudent(ctx context.Context, s Student) error
	StudentByID(ctx context.Context, studentID string) (*Student, error)
	ListStudents(ctx context.Context, search string) ([]Student, error)
	// MaxStudentID returns the highest existing student ID with the
	// given prefix, or "" when none exists yet.
	MaxStudentID(ctx context.Context, prefix string) (string, error)

	CreateAdmin(ctx context.Context, a Admin) error
	AdminByUsername(ctx context.Context, username string) (*Admin, error)

	CreateSession(ctx context.Context, s Session) error
	SessionByID(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, activeOnly bool) ([]Session, error)
	SetSessionActive(ctx context.Context, id string, active bool) error

	RecordsBySession(ctx context.Context, sessionID string) ([]RecordDetail, error)
	RecordsByStudent(ctx context.Context, studentID string) ([]Record, error)
	CountRecords(ctx context.Context, sessionID string) (int, error)

	InsertScanAudit(ctx context.Context, a ScanAudit) error
	SaveRefreshToken(ctx context.Context, subject, token string, expiresAt time.Time) error
}
