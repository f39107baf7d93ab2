package models

import (
	"time"

	"github.com/google/uuid"
)

// VerificationCode is a one-time passcode bound to an e-mail identity.
// At most one code is stored per identity; re-issuing supersedes it.
type VerificationCode struct {
	Identity  string        `json:"identity"`
	Code      string        `json:"code"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Used      bool          `json:"used"`
	OriginIP  string        `json:"origin_ip,omitempty"`
	TTL       time.Duration `json:"-"`
}

// Consumable reports whether the code can be redeemed at a given
// instant with a given user submission.
func (v VerificationCode) Consumable(submitted string, now time.Time) bool {
	return !v.Used && now.Before(v.ExpiresAt) && v.Code == submitted
}

// Student is a row in the college's enrolment directory. The service
// only ever reads these.
type Student struct {
	ID        uuid.UUID `json:"id"`
	StudentID string    `json:"student_id"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email"`
	Batch     string    `json:"batch"`
}
