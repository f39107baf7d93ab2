package store

import (
	"context"
	"errors"

	"github.com/campusgate/verifyd/pkg/models"
)

// ErrNotExist is thrown when no verification code is stored against
// an identity.
var ErrNotExist = errors.New("the verification code does not exist")

// Store represents a storage backend where verification codes are kept.
// It is the only component allowed to mutate code state.
type Store interface {
	// Upsert inserts or replaces the code stored against an identity,
	// clearing any prior used state and resetting the TTL.
	Upsert(ctx context.Context, code models.VerificationCode) error

	// Active returns the code currently stored against an identity.
	// Codes past their TTL are gone from the store and yield
	// ErrNotExist.
	Active(ctx context.Context, identity string) (models.VerificationCode, error)

	// MarkUsed flips the used flag iff the stored code matches the
	// submitted value and is still unused. Of N concurrent callers,
	// exactly one gets true. A false with a nil error means the code
	// was missing, already used, or didn't match.
	MarkUsed(ctx context.Context, identity, code string) (bool, error)

	// Delete removes the code stored against an identity.
	Delete(ctx context.Context, identity string) error

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}
