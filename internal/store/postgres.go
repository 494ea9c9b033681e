package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"attendance/internal/attendance"
	"attendance/internal/qr"
)

// Postgres implements qr.Store and attendance.Repository on a single
// Postgres database.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates the backend over an open connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the schema if it does not exist. The UNIQUE
// constraint on (student_id, session_id) backs the one-record-per-pair
// invariant; the single-row qr_tokens slot per student backs token
// supersession.
func (p *Postgres) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS students (
		student_id    TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		email         TEXT UNIQUE NOT NULL,
		department    TEXT NOT NULL DEFAULT '',
		year          INT NOT NULL DEFAULT 1,
		phone         TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS admins (
		username      TEXT PRIMARY KEY,
		name          TEXT NOT NULL DEFAULT '',
		department    TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		course_code TEXT NOT NULL,
		type        TEXT NOT NULL DEFAULT 'lecture',
		location    TEXT NOT NULL DEFAULT '',
		created_by  TEXT NOT NULL DEFAULT '',
		start_time  TIMESTAMPTZ NOT NULL,
		end_time    TIMESTAMPTZ NOT NULL,
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS qr_tokens (
		student_id TEXT PRIMARY KEY REFERENCES students(student_id),
		value      TEXT NOT NULL,
		issued_at  TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		consumed   BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS attendance_records (
		id          TEXT PRIMARY KEY,
		student_id  TEXT NOT NULL REFERENCES students(student_id),
		session_id  TEXT NOT NULL REFERENCES sessions(id),
		token_value TEXT NOT NULL DEFAULT '',
		at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ip_address  TEXT NOT NULL DEFAULT '',
		device_info TEXT NOT NULL DEFAULT '',
		UNIQUE (student_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS scan_audit (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		student_id TEXT NOT NULL DEFAULT '',
		outcome    TEXT NOT NULL,
		ip_address TEXT NOT NULL DEFAULT '',
		at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		subject    TEXT NOT NULL,
		token      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_records_session ON attendance_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_audit_session   ON scan_audit(session_id);
	`
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

// ---- qr.Store ----

// StudentByID returns a student or (nil, nil) when unknown.
func (p *Postgres) StudentByID(ctx context.Context, studentID string) (*attendance.Student, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT student_id, name, email, department, year, phone, password_hash, created_at
		FROM students WHERE student_id = $1
	`, studentID)
	var s attendance.Student
	if err := row.Scan(&s.StudentID, &s.Name, &s.Email, &s.Department, &s.Year, &s.Phone, &s.PasswordHash, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SessionByID returns a session or (nil, nil) when unknown.
func (p *Postgres) SessionByID(ctx context.Context, id string) (*attendance.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, course_code, type, location, created_by, start_time, end_time, active, created_at
		FROM sessions WHERE id = $1
	`, id)
	var s attendance.Session
	if err := row.Scan(&s.ID, &s.Name, &s.CourseCode, &s.Type, &s.Location, &s.CreatedBy, &s.StartTime, &s.EndTime, &s.Active, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// PutToken upserts the student's current-token slot, last-write-wins.
func (p *Postgres) PutToken(ctx context.Context, tok qr.Token) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO qr_tokens (student_id, value, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (student_id) DO UPDATE SET
			value = EXCLUDED.value,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			consumed = FALSE
	`, tok.StudentID, tok.Value, tok.IssuedAt, tok.ExpiresAt)
	return err
}

// TokenByValue returns the student's current token when the value
// matches, (nil, nil) otherwise.
func (p *Postgres) TokenByValue(ctx context.Context, studentID, value string) (*qr.Token, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT student_id, value, issued_at, expires_at, consumed
		FROM qr_tokens WHERE student_id = $1 AND value = $2
	`, studentID, value)
	var t qr.Token
	if err := row.Scan(&t.StudentID, &t.Value, &t.IssuedAt, &t.ExpiresAt, &t.Consumed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// HasRecord reports whether attendance is already recorded.
func (p *Postgres) HasRecord(ctx context.Context, studentID, sessionID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE student_id = $1 AND session_id = $2)
	`, studentID, sessionID).Scan(&exists)
	return exists, err
}

// ConsumeToken flips the consumed flag with a compare-and-swap.
func (p *Postgres) ConsumeToken(ctx context.Context, studentID, value string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE qr_tokens SET consumed = TRUE
		WHERE student_id = $1 AND value = $2 AND consumed = FALSE
	`, studentID, value)
	if err != nil {
		return translatePgErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return qr.ErrTokenConsumed
	}
	return nil
}

// ConsumeAndRecord consumes the token and inserts the record in one
// transaction. The unique constraint on (student_id, session_id)
// resolves concurrent winners.
func (p *Postgres) ConsumeAndRecord(ctx context.Context, tok qr.Token, rec attendance.Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return translatePgErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE qr_tokens SET consumed = TRUE
		WHERE student_id = $1 AND value = $2 AND consumed = FALSE
	`, tok.StudentID, tok.Value)
	if err != nil {
		return translatePgErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return qr.ErrTokenConsumed
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_records (id, student_id, session_id, token_value, at, ip_address, device_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.StudentID, rec.SessionID, rec.TokenValue, rec.At, rec.IPAddress, rec.DeviceInfo)
	if err != nil {
		return translatePgErr(err)
	}

	if err := tx.Commit(); err != nil {
		return translatePgErr(err)
	}
	return nil
}

// translatePgErr maps Postgres failure codes onto the core's storage
// sentinels: unique violations on the record pair become
// ErrDuplicateRecord, serialization aborts become the retryable
// ErrConflict.
func translatePgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return qr.ErrDuplicateRecord
		case "40001", "40P01":
			return qr.ErrConflict
		}
	}
	return err
}

// ---- attendance.Repository ----

// CreateStudent inserts a student row.
func (p *Postgres) CreateStudent(ctx context.Context, s attendance.Student) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO students (student_id, name, email, department, year, phone, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.StudentID, s.Name, s.Email, s.Department, s.Year, s.Phone, s.PasswordHash, s.CreatedAt)
	return err
}

// ListStudents returns students, filtered when search is non-empty.
func (p *Postgres) ListStudents(ctx context.Context, search string) ([]attendance.Student, error) {
	query := `
		SELECT student_id, name, email, department, year, phone, password_hash, created_at
		FROM students`
	args := []any{}
	if search != "" {
		query += ` WHERE student_id ILIKE $1 OR name ILIKE $1 OR department ILIKE $1`
		args = append(args, "%"+search+"%")
	}
	query += ` ORDER BY student_id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []attendance.Student
	for rows.Next() {
		var s attendance.Student
		if err := rows.Scan(&s.StudentID, &s.Name, &s.Email, &s.Department, &s.Year, &s.Phone, &s.PasswordHash, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MaxStudentID returns the highest student ID with the prefix, or "".
func (p *Postgres) MaxStudentID(ctx context.Context, prefix string) (string, error) {
	var id sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT MAX(student_id) FROM students WHERE student_id LIKE $1 || '%'
	`, prefix).Scan(&id)
	if err != nil {
		return "", err
	}
	return id.String, nil
}

// CreateAdmin inserts an admin row.
func (p *Postgres) CreateAdmin(ctx context.Context, a attendance.Admin) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO admins (username, name, department, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.Username, a.Name, a.Department, a.PasswordHash, a.CreatedAt)
	return err
}

// AdminByUsername returns an admin or (nil, nil) when unknown.
func (p *Postgres) AdminByUsername(ctx context.Context, username string) (*attendance.Admin, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT username, name, department, password_hash, created_at
		FROM admins WHERE username = $1
	`, username)
	var a attendance.Admin
	if err := row.Scan(&a.Username, &a.Name, &a.Department, &a.PasswordHash, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// CreateSession inserts a session row.
func (p *Postgres) CreateSession(ctx context.Context, s attendance.Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, course_code, type, location, created_by, start_time, end_time, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.Name, s.CourseCode, s.Type, s.Location, s.CreatedBy, s.StartTime, s.EndTime, s.Active, s.CreatedAt)
	return err
}

// ListSessions returns sessions, optionally only active ones.
func (p *Postgres) ListSessions(ctx context.Context, activeOnly bool) ([]attendance.Session, error) {
	query := `
		SELECT id, name, course_code, type, location, created_by, start_time, end_time, active, created_at
		FROM sessions`
	if activeOnly {
		query += ` WHERE active = TRUE AND end_time >= NOW()`
	}
	query += ` ORDER BY start_time DESC`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []attendance.Session
	for rows.Next() {
		var s attendance.Session
		if err := rows.Scan(&s.ID, &s.Name, &s.CourseCode, &s.Type, &s.Location, &s.CreatedBy, &s.StartTime, &s.EndTime, &s.Active, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSessionActive updates the administrative active flag.
func (p *Postgres) SetSessionActive(ctx context.Context, id string, active bool) error {
	_, err := p.db.ExecContext(ctx, `UPDATE sessions SET active = $2 WHERE id = $1`, id, active)
	return err
}

// RecordsBySession returns a session's records joined with student details.
func (p *Postgres) RecordsBySession(ctx context.Context, sessionID string) ([]attendance.RecordDetail, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.student_id, r.session_id, r.token_value, r.at, r.ip_address, r.device_info,
		       s.name, s.department, s.year
		FROM attendance_records r
		JOIN students s ON s.student_id = r.student_id
		WHERE r.session_id = $1
		ORDER BY r.at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []attendance.RecordDetail
	for rows.Next() {
		var d attendance.RecordDetail
		if err := rows.Scan(&d.ID, &d.StudentID, &d.SessionID, &d.TokenValue, &d.At, &d.IPAddress, &d.DeviceInfo,
			&d.StudentName, &d.Department, &d.Year); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordsByStudent returns a student's records, newest first.
func (p *Postgres) RecordsByStudent(ctx context.Context, studentID string) ([]attendance.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, student_id, session_id, token_value, at, ip_address, device_info
		FROM attendance_records
		WHERE student_id = $1
		ORDER BY at DESC
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []attendance.Record
	for rows.Next() {
		var r attendance.Record
		if err := rows.Scan(&r.ID, &r.StudentID, &r.SessionID, &r.TokenValue, &r.At, &r.IPAddress, &r.DeviceInfo); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecords counts a session's records.
func (p *Postgres) CountRecords(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance_records WHERE session_id = $1
	`, sessionID).Scan(&n)
	return n, err
}

// InsertScanAudit appends one scan attempt to the audit trail.
func (p *Postgres) InsertScanAudit(ctx context.Context, a attendance.ScanAudit) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scan_audit (id, session_id, student_id, outcome, ip_address, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.SessionID, a.StudentID, a.Outcome, a.IPAddress, a.At)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (p *Postgres) SaveRefreshToken(ctx context.Context, subject, token string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (subject, token, expires_at)
		VALUES ($1, $2, $3)
	`, subject, token, expiresAt)
	return err
}
