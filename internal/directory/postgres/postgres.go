package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusgate/verifyd/internal/directory"
	"github.com/campusgate/verifyd/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	selectByEmail = `SELECT id::text, student_id, full_name, email, batch
		FROM students WHERE lower(email) = lower($1)`
	selectByStudentID = `SELECT id::text, student_id, full_name, email, batch
		FROM students WHERE student_id = $1`
)

// Conf contains Postgres configuration fields.
type Conf struct {
	DSN     string        `json:"dsn"`
	Timeout time.Duration `json:"timeout"`
}

// Postgres implements a Postgres backed student Directory.
type Postgres struct {
	pool *pgxpool.Pool
	conf Conf
}

// New connects to Postgres and returns a Directory implementation.
func New(ctx context.Context, c Conf) (*Postgres, error) {
	if c.Timeout.Seconds() < 1 {
		c.Timeout = 5 * time.Second
	}

	pool, err := pgxpool.New(ctx, c.DSN)
	if err != nil {
		return nil, fmt.Errorf("error connecting to the student directory: %w", err)
	}

	return &Postgres{pool: pool, conf: c}, nil
}

// Ping checks if the directory database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.conf.Timeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

// ByEmail looks a student up by their registered e-mail address.
func (p *Postgres) ByEmail(ctx context.Context, email string) (models.Student, error) {
	return p.get(ctx, selectByEmail, email)
}

// ByStudentID looks a student up by their student number.
func (p *Postgres) ByStudentID(ctx context.Context, studentID string) (models.Student, error) {
	return p.get(ctx, selectByStudentID, studentID)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) get(ctx context.Context, query, arg string) (models.Student, error) {
	ctx, cancel := context.WithTimeout(ctx, p.conf.Timeout)
	defer cancel()

	var (
		out models.Student
		id  string
	)
	err := p.pool.QueryRow(ctx, query, arg).Scan(&id, &out.StudentID, &out.FullName, &out.Email, &out.Batch)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, directory.ErrNotFound
	}
	if err != nil {
		return out, fmt.Errorf("error querying the student directory: %w", err)
	}

	out.ID, err = uuid.Parse(id)
	if err != nil {
		return out, fmt.Errorf("invalid student id in directory: %w", err)
	}
	return out, nil
}
