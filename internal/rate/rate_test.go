package rate

import (
	"context"
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rdis   *miniredis.Miniredis
	client *redis.Client
	ctx    = context.Background()
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	client = redis.NewClient(&redis.Options{Addr: rd.Host() + ":" + strconv.Itoa(port)})
}

func TestWindowQuota(t *testing.T) {
	rdis.FlushDB()
	l := New(client, Conf{MaxInWindow: 3, Window: 15 * time.Minute})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "alice@college.edu"))
	}
	assert.ErrorIs(t, l.Allow(ctx, "alice@college.edu"), ErrLimited)

	// Another identity is unaffected.
	assert.NoError(t, l.Allow(ctx, "bob@college.edu"))

	// The window rolling over clears the quota.
	rdis.FastForward(16 * time.Minute)
	assert.NoError(t, l.Allow(ctx, "alice@college.edu"))
}

func TestCooldown(t *testing.T) {
	rdis.FlushDB()
	l := New(client, Conf{MaxInWindow: 10, Window: 15 * time.Minute, Cooldown: 30 * time.Second})

	// Allow alone doesn't start the cooldown; a send that never
	// completed mustn't lock the identity out.
	require.NoError(t, l.Allow(ctx, "alice@college.edu"))
	assert.NoError(t, l.Allow(ctx, "alice@college.edu"))

	require.NoError(t, l.StartCooldown(ctx, "alice@college.edu"))
	assert.ErrorIs(t, l.Allow(ctx, "alice@college.edu"), ErrTooSoon)

	rdis.FastForward(31 * time.Second)
	assert.NoError(t, l.Allow(ctx, "alice@college.edu"))
}
