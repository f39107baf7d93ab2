package verify

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"html/template"
	"math/big"
	"strings"
	"time"

	"github.com/campusgate/verifyd/internal/directory"
	"github.com/campusgate/verifyd/internal/rate"
	"github.com/campusgate/verifyd/internal/store"
	"github.com/campusgate/verifyd/pkg/models"
	"github.com/google/uuid"
	"github.com/zerodha/logf"
)

var (
	// ErrIdentityNotFound is thrown when the claimed identity doesn't
	// resolve to an enrolled student.
	ErrIdentityNotFound = errors.New("e-mail is not registered with the college")

	// ErrInvalidCode covers wrong, expired, already used, and missing
	// codes alike. The causes are deliberately not distinguished so
	// that failures leak nothing to someone enumerating codes.
	ErrInvalidCode = errors.New("invalid or expired verification code")

	// ErrTooManyRequests is thrown when the identity has exceeded its
	// issuance quota or cooldown.
	ErrTooManyRequests = errors.New("too many verification requests; try again later")
)

// Mailer delivers rendered verification messages.
type Mailer interface {
	ValidateAddress(to string) error
	Send(to, subject string, body []byte) error
}

// Limiter gates code issuance per identity.
type Limiter interface {
	// Allow reports whether the identity may be issued another code.
	Allow(ctx context.Context, identity string) error

	// StartCooldown begins the identity's resend cooldown. Called only
	// after a code was actually delivered, so a failed send doesn't
	// lock the user out.
	StartCooldown(ctx context.Context, identity string) error
}

// Identity is the claimed account: a registered e-mail address or,
// alternatively, a student number to be resolved to one.
type Identity struct {
	Email     string
	StudentID string
}

// Result is the outcome of a successful code issuance.
type Result struct {
	Student models.Student

	// The issued code. The HTTP layer echoes this to the client only
	// when the expose_code_in_response flag is set.
	Code string
}

// Opt contains Service options.
type Opt struct {
	// TTL is the validity window of an issued code.
	TTL time.Duration

	// Subject and Body render the notification e-mail. Body is
	// required; a nil Subject falls back to a default line.
	Subject *template.Template
	Body    *template.Template

	// RootURL is the public base URL of the site, embedded in
	// the e-mail.
	RootURL string

	// Now and GenCode override the clock and the code generator
	// in tests. Leave nil for the real ones.
	Now     func() time.Time
	GenCode func() (string, error)
}

// mailTpl is the data passed to the subject and body templates.
type mailTpl struct {
	Name      string
	Code      string
	ValidMins int
	RootURL   string
}

// Service issues and checks one-time verification codes. All
// collaborators are injected and independently mockable.
type Service struct {
	store   store.Store
	dir     directory.Directory
	mailer  Mailer
	limiter Limiter
	opt     Opt
	lo      logf.Logger

	now     func() time.Time
	genCode func() (string, error)
}

// New returns a verification Service.
func New(st store.Store, dir directory.Directory, m Mailer, lim Limiter, opt Opt, lo logf.Logger) *Service {
	if opt.TTL.Seconds() < 1 {
		opt.TTL = 10 * time.Minute
	}

	s := &Service{
		store:   st,
		dir:     dir,
		mailer:  m,
		limiter: lim,
		opt:     opt,
		lo:      lo,
		now:     opt.Now,
		genCode: opt.GenCode,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.genCode == nil {
		s.genCode = genNumericCode
	}
	return s
}

// Request resolves the claimed identity, issues a fresh 6-digit code
// superseding any prior one, and mails it to the student's registered
// address. A mail failure rolls the persisted code back so that a
// never-delivered code can't linger as valid.
func (s *Service) Request(ctx context.Context, id Identity, originIP string) (Result, error) {
	student, err := s.resolve(ctx, id)
	if err != nil {
		return Result{}, err
	}

	// The store is keyed by the canonical (lowercased) address so a
	// case-variant submission later still finds the code. The
	// directory itself matches case-insensitively.
	identity := canonical(student.Email)

	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, identity); err != nil {
			if errors.Is(err, rate.ErrTooSoon) || errors.Is(err, rate.ErrLimited) {
				return Result{}, ErrTooManyRequests
			}
			return Result{}, fmt.Errorf("error rate limiting request: %w", err)
		}
	}

	code, err := s.genCode()
	if err != nil {
		return Result{}, fmt.Errorf("error generating code: %w", err)
	}

	now := s.now()
	vc := models.VerificationCode{
		Identity:  identity,
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.opt.TTL),
		OriginIP:  originIP,
	}
	if err := s.store.Upsert(ctx, vc); err != nil {
		return Result{}, fmt.Errorf("error persisting code: %w", err)
	}

	subject, body, err := s.render(student, code)
	if err != nil {
		return Result{}, fmt.Errorf("error rendering mail: %w", err)
	}

	if err := s.mailer.Send(student.Email, subject, body); err != nil {
		// Roll back so the undelivered code can't be consumed.
		if derr := s.store.Delete(ctx, identity); derr != nil {
			s.lo.Error("error rolling back undelivered code", "error", derr, "email", student.Email)
		}
		return Result{}, fmt.Errorf("error delivering mail: %w", err)
	}

	if s.limiter != nil {
		if err := s.limiter.StartCooldown(ctx, identity); err != nil {
			s.lo.Error("error starting resend cooldown", "error", err, "email", student.Email)
		}
	}

	s.lo.Info("verification code issued",
		"audit_id", uuid.NewString(),
		"email", student.Email,
		"ip", originIP,
		"expires_at", vc.ExpiresAt.Format(time.RFC3339))

	return Result{Student: student, Code: code}, nil
}

// Check validates a submitted code against the stored one and, on
// success, consumes it and returns the authorized student. The used
// flag flips via a conditional store update, so of N concurrent calls
// with the same correct code, exactly one succeeds.
func (s *Service) Check(ctx context.Context, email, code string) (models.Student, error) {
	var (
		identity  = canonical(email)
		submitted = strings.TrimSpace(code)
	)

	vc, err := s.store.Active(ctx, identity)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return models.Student{}, ErrInvalidCode
		}
		return models.Student{}, fmt.Errorf("error fetching code: %w", err)
	}

	if !vc.Consumable(submitted, s.now()) {
		return models.Student{}, ErrInvalidCode
	}

	ok, err := s.store.MarkUsed(ctx, identity, submitted)
	if err != nil {
		return models.Student{}, fmt.Errorf("error consuming code: %w", err)
	}
	if !ok {
		// Lost a race or the record changed underneath.
		return models.Student{}, ErrInvalidCode
	}

	student, err := s.dir.ByEmail(ctx, identity)
	if err != nil {
		return models.Student{}, fmt.Errorf("error resolving verified student: %w", err)
	}

	s.lo.Info("verification code consumed", "email", identity, "student_id", student.StudentID)
	return student, nil
}

// resolve maps the claimed identity to an enrolled student.
func (s *Service) resolve(ctx context.Context, id Identity) (models.Student, error) {
	if sid := strings.TrimSpace(id.StudentID); sid != "" {
		student, err := s.dir.ByStudentID(ctx, sid)
		if errors.Is(err, directory.ErrNotFound) {
			return models.Student{}, ErrIdentityNotFound
		} else if err != nil {
			return models.Student{}, fmt.Errorf("error looking up student: %w", err)
		}
		return student, nil
	}

	email := strings.TrimSpace(id.Email)
	if err := s.mailer.ValidateAddress(email); err != nil {
		return models.Student{}, ErrIdentityNotFound
	}

	student, err := s.dir.ByEmail(ctx, email)
	if errors.Is(err, directory.ErrNotFound) {
		return models.Student{}, ErrIdentityNotFound
	} else if err != nil {
		return models.Student{}, fmt.Errorf("error looking up student: %w", err)
	}
	return student, nil
}

// render compiles the subject and body templates for a student.
func (s *Service) render(student models.Student, code string) (string, []byte, error) {
	var (
		subj = &bytes.Buffer{}
		out  = &bytes.Buffer{}

		data = mailTpl{
			Name:      student.FullName,
			Code:      code,
			ValidMins: int(s.opt.TTL.Minutes()),
			RootURL:   s.opt.RootURL,
		}
	)

	if s.opt.Subject != nil {
		if err := s.opt.Subject.Execute(subj, data); err != nil {
			return "", nil, err
		}
	} else {
		subj.WriteString("Your verification code")
	}

	if s.opt.Body != nil {
		if err := s.opt.Body.Execute(out, data); err != nil {
			return "", nil, err
		}
	} else {
		fmt.Fprintf(out, "Your verification code is %s.", code)
	}

	return subj.String(), out.Bytes(), nil
}

// canonical normalizes an e-mail identity for use as the store key.
func canonical(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// genNumericCode draws a uniformly random 6-digit code.
func genNumericCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+100000), nil
}
