// Package flow drives the user-facing verification sequence against
// the verifyd HTTP API: identifier entry, code request, code entry,
// verified. It holds no authority of its own; every transition mirrors
// a server response, and all transitions are user triggered.
package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// State is the UI-observable position in the verification sequence.
type State int

const (
	// Idle: an identifier may be entered, no code is in flight.
	Idle State = iota

	// CodeSent: a code was issued and mailed; awaiting user input.
	CodeSent

	// Verified: the code checked out; gated content may be shown.
	Verified
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CodeSent:
		return "code_sent"
	case Verified:
		return "verified"
	}
	return "unknown"
}

// ErrNoIdentity is thrown when a code is requested before an
// identifier is set.
var ErrNoIdentity = errors.New("no identity set")

// ErrNoCodeRequested is thrown when a code is submitted outside the
// CodeSent state.
var ErrNoCodeRequested = errors.New("no code has been requested")

// SendResult is the server's acknowledgment of a code request.
type SendResult struct {
	Batch string
	Code  string
}

// VerifyResult is the server's response to a successful code check.
type VerifyResult struct {
	Batch     string
	StudentID string
}

// API is the server surface the flow drives.
type API interface {
	SendVerification(ctx context.Context, email string) (SendResult, error)
	VerifyCode(ctx context.Context, email, code string) (VerifyResult, error)
}

// Flow is the client-side verification state machine.
type Flow struct {
	api API

	mu        sync.Mutex
	state     State
	identity  string
	batch     string
	studentID string
	lastErr   error
}

// New returns a Flow in the Idle state.
func New(api API) *Flow {
	return &Flow{api: api}
}

// SetIdentity records the identifier being verified. Changing it
// resets the whole machine so no code context leaks across
// identities.
func (f *Flow) SetIdentity(email string) {
	email = strings.TrimSpace(email)

	f.mu.Lock()
	defer f.mu.Unlock()

	if email == f.identity {
		return
	}
	f.identity = email
	f.state = Idle
	f.batch = ""
	f.studentID = ""
	f.lastErr = nil
}

// RequestCode asks the server to issue and mail a code for the
// current identity. On success the machine moves to CodeSent;
// requesting again from CodeSent is a resend and stays there.
func (f *Flow) RequestCode(ctx context.Context) error {
	f.mu.Lock()
	identity := f.identity
	f.mu.Unlock()

	if identity == "" {
		return ErrNoIdentity
	}

	res, err := f.api.SendVerification(ctx, identity)

	f.mu.Lock()
	defer f.mu.Unlock()

	// The identity changed while the request was in flight; the
	// response belongs to a discarded cycle.
	if f.identity != identity {
		return nil
	}

	if err != nil {
		f.lastErr = err
		return err
	}

	f.state = CodeSent
	f.batch = res.Batch
	f.studentID = ""
	f.lastErr = nil
	return nil
}

// SubmitCode checks the user's input with the server. On success the
// machine moves to Verified; on failure it stays in CodeSent with the
// server's error surfaced.
func (f *Flow) SubmitCode(ctx context.Context, code string) error {
	f.mu.Lock()
	identity, state := f.identity, f.state
	f.mu.Unlock()

	if state != CodeSent {
		return ErrNoCodeRequested
	}

	res, err := f.api.VerifyCode(ctx, identity, strings.TrimSpace(code))

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.identity != identity {
		return nil
	}

	if err != nil {
		f.lastErr = err
		return err
	}

	f.state = Verified
	f.batch = res.Batch
	f.studentID = res.StudentID
	f.lastErr = nil
	return nil
}

// State returns the current position in the sequence.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the error surfaced by the last failed transition.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Batch returns the student's batch once known.
func (f *Flow) Batch() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batch
}

// StudentID returns the schedule-bearing identifier. Empty until
// Verified.
func (f *Flow) StudentID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.studentID
}
