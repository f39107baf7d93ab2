package redis

import (
	"context"
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/campusgate/verifyd/internal/store"
	"github.com/campusgate/verifyd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rStore *Redis
	rdis   *miniredis.Miniredis
	ctx    = context.Background()
)

func mockCode() models.VerificationCode {
	now := time.Now()
	return models.VerificationCode{
		Identity:  "alice@college.edu",
		Code:      "123456",
		IssuedAt:  now,
		ExpiresAt: now.Add(10 * time.Minute),
		OriginIP:  "192.0.2.10",
	}
}

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host: rd.Host(),
		Port: port,
	})
}

func setup(t *testing.T) models.VerificationCode {
	rdis.FlushDB()
	vc := mockCode()
	require.NoError(t, rStore.Upsert(ctx, vc), "Failed to set up test code")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return vc
}

func TestStoreUpsert(t *testing.T) {
	vc := setup(t)

	out, err := rStore.Active(ctx, vc.Identity)
	assert.NoError(t, err, "Error fetching code")
	assert.Equal(t, vc.Code, out.Code, "Stored code doesn't match")
	assert.False(t, out.Used, "Fresh code shouldn't be used")
	assert.Equal(t, vc.OriginIP, out.OriginIP, "Origin IP doesn't match")
	assert.True(t, out.TTL > 0, "Stored code has no TTL")
}

func TestStoreUpsertSupersedes(t *testing.T) {
	vc := setup(t)

	// Consume the first code, then upsert a fresh one. The used flag
	// must reset and the new value must be the active one.
	ok, err := rStore.MarkUsed(ctx, vc.Identity, vc.Code)
	require.NoError(t, err)
	require.True(t, ok)

	vc2 := vc
	vc2.Code = "654321"
	require.NoError(t, rStore.Upsert(ctx, vc2))

	out, err := rStore.Active(ctx, vc.Identity)
	assert.NoError(t, err)
	assert.Equal(t, "654321", out.Code, "Upsert didn't supersede the old code")
	assert.False(t, out.Used, "Upsert didn't clear the used flag")
}

func TestStoreActiveNotExist(t *testing.T) {
	setup(t)

	_, err := rStore.Active(ctx, "nobody@college.edu")
	assert.Equal(t, store.ErrNotExist, err, "Expected ErrNotExist for unknown identity")
}

func TestStoreTTLExpiry(t *testing.T) {
	vc := setup(t)

	rdis.FastForward(11 * time.Minute)

	_, err := rStore.Active(ctx, vc.Identity)
	assert.Equal(t, store.ErrNotExist, err, "Expired code should not exist")
}

func TestStoreMarkUsed(t *testing.T) {
	vc := setup(t)

	t.Run("wrong code", func(t *testing.T) {
		ok, err := rStore.MarkUsed(ctx, vc.Identity, "000000")
		assert.NoError(t, err)
		assert.False(t, ok, "Wrong code shouldn't consume")

		out, err := rStore.Active(ctx, vc.Identity)
		assert.NoError(t, err)
		assert.False(t, out.Used, "Wrong code mutated the used flag")
	})

	t.Run("correct code consumes once", func(t *testing.T) {
		ok, err := rStore.MarkUsed(ctx, vc.Identity, vc.Code)
		assert.NoError(t, err)
		assert.True(t, ok, "Correct code didn't consume")

		// Second attempt with the same correct code.
		ok, err = rStore.MarkUsed(ctx, vc.Identity, vc.Code)
		assert.NoError(t, err)
		assert.False(t, ok, "Used code consumed twice")

		out, err := rStore.Active(ctx, vc.Identity)
		assert.NoError(t, err)
		assert.True(t, out.Used, "Used flag not set")
	})

	t.Run("missing identity", func(t *testing.T) {
		ok, err := rStore.MarkUsed(ctx, "nobody@college.edu", vc.Code)
		assert.NoError(t, err)
		assert.False(t, ok, "Missing identity consumed")
	})
}

func TestStoreDelete(t *testing.T) {
	vc := setup(t)

	err := rStore.Delete(ctx, vc.Identity)
	assert.NoError(t, err, "Error deleting code")

	_, err = rStore.Active(ctx, vc.Identity)
	assert.Equal(t, store.ErrNotExist, err, "Code should not exist after delete")
}

func TestStorePing(t *testing.T) {
	assert.NoError(t, rStore.Ping(ctx))
}
