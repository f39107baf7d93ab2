package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrTooSoon is thrown when a fresh code is requested before the
	// cooldown on the previous request has elapsed.
	ErrTooSoon = errors.New("please wait before requesting another code")

	// ErrLimited is thrown when an identity exceeds its request quota
	// for the window.
	ErrLimited = errors.New("too many code requests; try again later")
)

// Conf contains per-identity limiter configuration.
type Conf struct {
	MaxInWindow int           `json:"max_in_window"`
	Window      time.Duration `json:"window"`
	Cooldown    time.Duration `json:"cooldown"`
	KeyPrefix   string        `json:"key_prefix"`
}

// Limiter is a Redis backed fixed-window limiter keyed by identity.
// It sits ahead of code issuance to blunt enumeration and mailbox
// flooding, independently of the per-client HTTP limiter.
type Limiter struct {
	client *redis.Client
	conf   Conf
}

// New returns a Limiter on the given Redis client.
func New(client *redis.Client, c Conf) *Limiter {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "VERIFY:RATE"
	}
	if c.MaxInWindow < 1 {
		c.MaxInWindow = 5
	}
	if c.Window.Seconds() < 1 {
		c.Window = 15 * time.Minute
	}

	return &Limiter{client: client, conf: c}
}

// Allow reports whether the identity may be issued another code now.
// It counts the attempt against the window but does not start the
// cooldown; that happens via StartCooldown once delivery succeeds.
func (l *Limiter) Allow(ctx context.Context, identity string) error {
	var (
		countKey = fmt.Sprintf("%s:count:%s", l.conf.KeyPrefix, identity)
		lastKey  = fmt.Sprintf("%s:last:%s", l.conf.KeyPrefix, identity)
	)

	// Cooldown since the last request.
	if l.conf.Cooldown > 0 {
		if ttl, err := l.client.TTL(ctx, lastKey).Result(); err != nil {
			return err
		} else if ttl > 0 {
			return ErrTooSoon
		}
	}

	// Count requests within the window.
	cnt, err := l.client.Incr(ctx, countKey).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		if err := l.client.Expire(ctx, countKey, l.conf.Window).Err(); err != nil {
			return err
		}
	}
	if int(cnt) > l.conf.MaxInWindow {
		return ErrLimited
	}

	return nil
}

// StartCooldown begins the identity's resend cooldown. The caller
// invokes this only after a code was actually delivered, so an
// issuance that failed and rolled back doesn't lock the user out.
func (l *Limiter) StartCooldown(ctx context.Context, identity string) error {
	if l.conf.Cooldown <= 0 {
		return nil
	}
	lastKey := fmt.Sprintf("%s:last:%s", l.conf.KeyPrefix, identity)
	return l.client.Set(ctx, lastKey, "1", l.conf.Cooldown).Err()
}
