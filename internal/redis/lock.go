package redis

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/lock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockTTL        = 2 * time.Minute
	DefaultLockRetryDelay = 50 * time.Millisecond
	// DefaultWaiterTTL is how long a waiter keeps its place in line without
	// polling. It bounds how long a crashed waiter can hold up the others.
	DefaultWaiterTTL = 2 * time.Second
)

// acquireScript enters the caller in the FIFO line of waiters and takes the
// lock when it is free and the caller is at the head of the line. Waiters that
// stopped polling are dropped from the line.
//
// KEYS: lock, line (zset token -> ticket), alive (zset token -> deadline ms), ticket counter
// ARGV: token, lock ttl ms, waiter ttl ms
var acquireScript = redis.NewScript(`
local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local waiterTTL = tonumber(ARGV[3])
if not redis.call("ZSCORE", KEYS[2], ARGV[1]) then
	redis.call("ZADD", KEYS[2], redis.call("INCR", KEYS[4]), ARGV[1])
end
redis.call("ZADD", KEYS[3], now + waiterTTL, ARGV[1])
for _, w in ipairs(redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", now)) do
	redis.call("ZREM", KEYS[3], w)
	redis.call("ZREM", KEYS[2], w)
end
redis.call("PEXPIRE", KEYS[2], waiterTTL * 2)
redis.call("PEXPIRE", KEYS[3], waiterTTL * 2)
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
if redis.call("ZRANGE", KEYS[2], 0, 0)[1] ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
return 1
`)

// leaveScript removes a waiter that gave up.
var leaveScript = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

// releaseScript deletes the lock only if it still carries the lease's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only if it still carries the lease's token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var _ lock.Service = (*LockService)(nil)

// LockService implements lock.Service with SET NX PX behind a FIFO line of
// waiters. Every acquisition carries its own random token, so a holder whose
// TTL lapsed can neither release nor renew a lock that has since been taken.
type LockService struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
	waiterTTL  time.Duration
}

// NewLockService stores locks under prefix+":lock:{"+name+"}" with the given
// TTL (default 2 minutes). The braces keep a lock and its line of waiters in
// one cluster slot.
func NewLockService(client redis.UniversalClient, prefix string, ttl time.Duration) *LockService {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &LockService{
		client:     client,
		prefix:     prefix,
		ttl:        ttl,
		retryDelay: DefaultLockRetryDelay,
		waiterTTL:  DefaultWaiterTTL,
	}
}

func (s *LockService) key(name string) string {
	return s.prefix + ":lock:{" + name + "}"
}

func (s *LockService) lineKeys(name string) (line, alive, tickets string) {
	k := s.key(name)
	return k + ":line", k + ":alive", k + ":tickets"
}

// Acquire waits in line until the lock is taken or ctx is done.
func (s *LockService) Acquire(ctx context.Context, name string) (lock.Lease, error) {
	token := uuid.NewString()
	line, alive, tickets := s.lineKeys(name)
	keys := []string{s.key(name), line, alive, tickets}
	for {
		n, err := acquireScript.Run(ctx, s.client, keys, token, s.ttl.Milliseconds(), s.waiterTTL.Milliseconds()).Int()
		if err != nil {
			s.leave(ctx, name, token)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrapf(err, "acquire lock %s", name)
		}
		if n == 1 {
			return &redisLease{svc: s, name: name, token: token}, nil
		}

		select {
		case <-ctx.Done():
			s.leave(ctx, name, token)
			return nil, ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *LockService) leave(ctx context.Context, name, token string) {
	line, alive, _ := s.lineKeys(name)
	// Best effort: a waiter left behind is dropped once its deadline passes.
	_ = leaveScript.Run(context.WithoutCancel(ctx), s.client, []string{line, alive}, token).Err()
}

type redisLease struct {
	svc      *LockService
	name     string
	token    string
	released atomic.Bool
}

func (l *redisLease) TTL() time.Duration {
	return l.svc.ttl
}

func (l *redisLease) Renew(ctx context.Context) error {
	if l.released.Load() {
		return errors.Wrapf(lock.ErrLockLost, "lock %s was released", l.name)
	}
	n, err := renewScript.Run(ctx, l.svc.client, []string{l.svc.key(l.name)}, l.token, l.svc.ttl.Milliseconds()).Int()
	if err != nil {
		return errors.Wrapf(err, "renew lock %s", l.name)
	}
	if n == 0 {
		return errors.Wrapf(lock.ErrLockLost, "lock %s expired", l.name)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if l.released.Swap(true) {
		return errors.Wrapf(lock.ErrLockLost, "lock %s is not held", l.name)
	}
	n, err := releaseScript.Run(ctx, l.svc.client, []string{l.svc.key(l.name)}, l.token).Int()
	if err != nil {
		return errors.Wrapf(err, "release lock %s", l.name)
	}
	if n == 0 {
		return errors.Wrapf(lock.ErrLockLost, "lock %s expired before release", l.name)
	}
	return nil
}
