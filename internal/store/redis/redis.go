package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusgate/verifyd/internal/store"
	"github.com/campusgate/verifyd/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// record mirrors the hash layout of a stored code. Timestamps are
// kept as unix seconds so the hash stays scannable.
type record struct {
	Identity  string `redis:"identity"`
	Code      string `redis:"code"`
	IssuedAt  int64  `redis:"issued_at"`
	ExpiresAt int64  `redis:"expires_at"`
	Used      bool   `redis:"used"`
	OriginIP  string `redis:"origin_ip"`
}

// errNotConsumable aborts a MarkUsed transaction when the stored code
// is already used or doesn't match the submission.
var errNotConsumable = errors.New("code is not consumable")

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "VERIFY"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Client returns the underlying Redis client for components that
// share the connection, such as the per-identity rate limiter.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping checks if the Redis server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Upsert inserts or replaces the code stored against an identity.
// The hash expires with the code's TTL, so expired codes vanish
// without a sweep.
func (r *Redis) Upsert(ctx context.Context, code models.VerificationCode) error {
	var (
		key = r.makeKey(code.Identity)
		exp = code.ExpiresAt.Sub(code.IssuedAt)
	)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"identity", code.Identity,
			"code", code.Code,
			"issued_at", code.IssuedAt.Unix(),
			"expires_at", code.ExpiresAt.Unix(),
			"used", false,
			"origin_ip", code.OriginIP)
		pipe.PExpire(ctx, key, exp)
		return nil
	})
	return err
}

// Active returns the code currently stored against an identity.
func (r *Redis) Active(ctx context.Context, identity string) (models.VerificationCode, error) {
	var (
		key = r.makeKey(identity)
		out = models.VerificationCode{Identity: identity}
		rec record
	)

	if err := r.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return out, err
	}

	// Doesn't exist (or expired away)?
	if rec.Code == "" {
		return out, store.ErrNotExist
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return out, err
	}

	out.Code = rec.Code
	out.IssuedAt = time.Unix(rec.IssuedAt, 0)
	out.ExpiresAt = time.Unix(rec.ExpiresAt, 0)
	out.Used = rec.Used
	out.OriginIP = rec.OriginIP
	out.TTL = ttl
	return out, nil
}

// MarkUsed flips the used flag iff the stored code matches and is
// still unused. The key is WATCHed so that two concurrent calls can
// never both succeed: the losing transaction aborts.
func (r *Redis) MarkUsed(ctx context.Context, identity, code string) (bool, error) {
	key := r.makeKey(identity)

	txf := func(tx *redis.Tx) error {
		var rec record
		if err := tx.HGetAll(ctx, key).Scan(&rec); err != nil {
			return err
		}
		if rec.Code == "" {
			return store.ErrNotExist
		}
		if rec.Used || rec.Code != code {
			return errNotConsumable
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "used", true)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotExist),
		errors.Is(err, errNotConsumable),
		errors.Is(err, redis.TxFailedErr):
		return false, nil
	}
	return false, err
}

// Delete removes the code stored against an identity.
func (r *Redis) Delete(ctx context.Context, identity string) error {
	return r.client.Del(ctx, r.makeKey(identity)).Err()
}

// makeKey makes the Redis key for an identity's code.
func (r *Redis) makeKey(identity string) string {
	return fmt.Sprintf("%s:%s", r.conf.KeyPrefix, identity)
}
