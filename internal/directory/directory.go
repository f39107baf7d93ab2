package directory

import (
	"context"
	"errors"

	"github.com/campusgate/verifyd/pkg/models"
)

// ErrNotFound is thrown when an identity doesn't match any enrolled
// student.
var ErrNotFound = errors.New("student is not registered")

// Directory resolves claimed identities against the college's
// enrolment records. It is a read-only collaborator.
type Directory interface {
	// ByEmail looks a student up by their registered e-mail address.
	ByEmail(ctx context.Context, email string) (models.Student, error)

	// ByStudentID looks a student up by their student number.
	ByStudentID(ctx context.Context, studentID string) (models.Student, error)

	// Ping checks if the directory backend is reachable.
	Ping(ctx context.Context) error
}
