package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// All keys share the {holds} hash tag so the multi-key scripts below stay on
// one slot when running against a cluster.
const keyPrefix = "{holds}"

// ErrLockLost is returned when a write runs after the product lease expired
// or was taken over by another instance.
var ErrLockLost = errors.New("product lock lost")

// upsertScript keeps the product hash, the holder index and the touch index in
// step. With a token it writes only while the lease still carries it.
// KEYS[1] = product hash, KEYS[2] = holder set, KEYS[3] = touched zset,
// KEYS[4] = product lock
// ARGV[1] = holderID, ARGV[2] = productID, ARGV[3] = quantity,
// ARGV[4] = touched unix nanos, ARGV[5] = touched unix millis (zset score),
// ARGV[6] = lock token or ''
var upsertScript = redis.NewScript(`
if ARGV[6] ~= '' and redis.call('GET', KEYS[4]) ~= ARGV[6] then
  return -1
end
local member = ARGV[2] .. '|' .. ARGV[1]
if tonumber(ARGV[3]) <= 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('SREM', KEYS[2], ARGV[2])
  redis.call('ZREM', KEYS[3], member)
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3] .. '|' .. ARGV[4])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[5], member)
return 1
`)

// unlockScript deletes the lock only if we still own it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

const (
	defaultLockTTL   = 5 * time.Second
	defaultLockRetry = 10 * time.Millisecond
)

// RedisStore implements HoldStore on top of Redis. The product lock is a
// SET NX lease, so several service instances can share one Redis.
type RedisStore struct {
	client    *redis.Client
	lockTTL   time.Duration
	lockRetry time.Duration
}

type RedisOption func(*RedisStore)

// WithLockTTL sets the lease length of a product lock. It must exceed the
// longest operation run under the lock.
func WithLockTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		lockTTL:   defaultLockTTL,
		lockRetry: defaultLockRetry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func productKey(productID int64) string {
	return fmt.Sprintf("%s:product:%d", keyPrefix, productID)
}

func holderKey(holderID string) string {
	return fmt.Sprintf("%s:holder:%s", keyPrefix, holderID)
}

func touchedKey() string {
	return keyPrefix + ":touched"
}

func lockKey(productID int64) string {
	return fmt.Sprintf("%s:lock:%d", keyPrefix, productID)
}

type leaseKey struct{}

// lease is the lock a critical section runs under, carried in its ctx
type lease struct {
	productID int64
	token     string
}

func (r *RedisStore) WithProductLock(ctx context.Context, productID int64, fn func(ctx context.Context) error) error {
	key := lockKey(productID)
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("redis lock failed: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.lockRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	defer func() {
		// ctx may already be cancelled; the unlock must still go out
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = unlockScript.Run(unlockCtx, r.client, []string{key}, token).Err()
	}()

	return fn(context.WithValue(ctx, leaseKey{}, lease{productID: productID, token: token}))
}

// leaseToken returns the token of the lock held on productID by ctx, or "".
func leaseToken(ctx context.Context, productID int64) string {
	l, ok := ctx.Value(leaseKey{}).(lease)
	if !ok || l.productID != productID {
		return ""
	}
	return l.token
}

func (r *RedisStore) GetHold(ctx context.Context, productID int64, holderID string) (domain.Hold, bool, error) {
	raw, err := r.client.HGet(ctx, productKey(productID), holderID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Hold{}, false, nil
	}
	if err != nil {
		return domain.Hold{}, false, fmt.Errorf("redis get hold failed: %w", err)
	}

	hold, err := decodeHold(productID, holderID, raw)
	if err != nil {
		return domain.Hold{}, false, err
	}
	return hold, true, nil
}

func (r *RedisStore) UpsertHold(ctx context.Context, hold domain.Hold) error {
	keys := []string{productKey(hold.ProductID), holderKey(hold.HolderID), touchedKey(), lockKey(hold.ProductID)}
	res, err := upsertScript.Run(ctx, r.client, keys,
		hold.HolderID,
		hold.ProductID,
		hold.Quantity,
		hold.TouchedAt.UnixNano(),
		hold.TouchedAt.UnixMilli(),
		leaseToken(ctx, hold.ProductID),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis upsert hold failed: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("upsert hold %d/%s: %w", hold.ProductID, hold.HolderID, ErrLockLost)
	}
	return nil
}

func (r *RedisStore) ListByProduct(ctx context.Context, productID int64) ([]domain.Hold, error) {
	fields, err := r.client.HGetAll(ctx, productKey(productID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list product holds failed: %w", err)
	}

	holds := make([]domain.Hold, 0, len(fields))
	for holderID, raw := range fields {
		hold, err := decodeHold(productID, holderID, raw)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	return holds, nil
}

func (r *RedisStore) ListByHolder(ctx context.Context, holderID string) ([]domain.Hold, error) {
	members, err := r.client.SMembers(ctx, holderKey(holderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list holder holds failed: %w", err)
	}

	refs := make([]holdRef, 0, len(members))
	for _, m := range members {
		productID, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt holder index entry %q: %w", m, err)
		}
		refs = append(refs, holdRef{productID: productID, holderID: holderID})
	}

	holds, err := r.fetch(ctx, refs)
	if err != nil {
		return nil, err
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].ProductID < holds[j].ProductID })
	return holds, nil
}

func (r *RedisStore) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Hold, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}

	members, err := r.client.ZRangeByScore(ctx, touchedKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list stale holds failed: %w", err)
	}

	refs := make([]holdRef, 0, len(members))
	for _, m := range members {
		pid, holderID, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		productID, err := strconv.ParseInt(pid, 10, 64)
		if err != nil {
			continue
		}
		refs = append(refs, holdRef{productID: productID, holderID: holderID})
	}
	return r.fetch(ctx, refs)
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

type holdRef struct {
	productID int64
	holderID  string
}

// fetch loads the referenced holds in one round trip, skipping any that
// disappeared since the index was read.
func (r *RedisStore) fetch(ctx context.Context, refs []holdRef) ([]domain.Hold, error) {
	if len(refs) == 0 {
		return []domain.Hold{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(refs))
	for i, ref := range refs {
		cmds[i] = pipe.HGet(ctx, productKey(ref.productID), ref.holderID)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis fetch holds failed: %w", err)
	}

	holds := make([]domain.Hold, 0, len(refs))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis fetch hold failed: %w", err)
		}
		hold, err := decodeHold(refs[i].productID, refs[i].holderID, raw)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	return holds, nil
}

// decodeHold parses the "quantity|unixnano" hash value
func decodeHold(productID int64, holderID, raw string) (domain.Hold, error) {
	qtyStr, tsStr, ok := strings.Cut(raw, "|")
	if !ok {
		return domain.Hold{}, fmt.Errorf("corrupt hold value %q", raw)
	}
	qty, err := strconv.Atoi(qtyStr)
	if err != nil {
		return domain.Hold{}, fmt.Errorf("corrupt hold quantity %q: %w", raw, err)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Hold{}, fmt.Errorf("corrupt hold timestamp %q: %w", raw, err)
	}

	return domain.Hold{
		ProductID: productID,
		HolderID:  holderID,
		Quantity:  qty,
		TouchedAt: time.Unix(0, ts).UTC(),
	}, nil
}
