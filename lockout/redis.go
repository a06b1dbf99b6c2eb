package lockout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] state hash.
// ARGV[1] now (ms), ARGV[2] max attempts, ARGV[3] lockout duration (ms).
const recordFailureScript = `
local until_ms = tonumber(redis.call("HGET", KEYS[1], "until") or "0")
local now = tonumber(ARGV[1])
local n = tonumber(redis.call("HGET", KEYS[1], "n") or "0")
if until_ms > 0 and now >= until_ms then
  n = 0
  until_ms = 0
end
n = n + 1
if until_ms == 0 and n >= tonumber(ARGV[2]) then
  until_ms = now + tonumber(ARGV[3])
end
redis.call("HSET", KEYS[1], "n", n, "until", until_ms, "last", now)
local stamp = redis.call("HGET", KEYS[1], "stamp") or ""
return {n, until_ms, now, stamp}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// RedisStore keeps one hash per user at "alo:<user>" with fields n, until,
// last and stamp.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore returns a RedisStore with keys under prefix (default "alo").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "alo"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + ":" + userID
}

func (s *RedisStore) Load(ctx context.Context, userID string) (State, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	st := State{UserID: userID, SecurityStamp: fields["stamp"]}
	st.FailedAttempts = int(parseInt(fields["n"]))
	st.LockoutUntil = millis(parseInt(fields["until"]))
	st.LastFailureAt = millis(parseInt(fields["last"]))
	return st, nil
}

// RecordFailure runs the increment and threshold check in one script.
//
//	Performance: 1 Lua EVALSHA.
func (s *RedisStore) RecordFailure(ctx context.Context, userID string, now time.Time, p Policy) (State, error) {
	res, err := recordFailureLua.Run(ctx, s.redis, []string{s.key(userID)},
		now.UnixMilli(), p.MaxFailedAttempts, p.Duration.Milliseconds(),
	).Slice()
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(res) != 4 {
		return State{}, fmt.Errorf("%w: invalid lockout script response", ErrStoreUnavailable)
	}
	n, _ := res[0].(int64)
	until, _ := res[1].(int64)
	last, _ := res[2].(int64)
	stamp, _ := res[3].(string)
	return State{
		UserID:         userID,
		FailedAttempts: int(n),
		LockoutUntil:   millis(until),
		LastFailureAt:  millis(last),
		SecurityStamp:  stamp,
	}, nil
}

func (s *RedisStore) Reset(ctx context.Context, userID, stamp string) error {
	values := []interface{}{"n", 0, "until", 0}
	if stamp != "" {
		values = append(values, "stamp", stamp)
	}
	if err := s.redis.HSet(ctx, s.key(userID), values...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Unlock(ctx context.Context, userID string) error {
	return s.Reset(ctx, userID, "")
}

func (s *RedisStore) EnsureStamp(ctx context.Context, userID, candidate string) (string, error) {
	key := s.key(userID)
	if err := s.redis.HSetNX(ctx, key, "stamp", candidate).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	stamp, err := s.redis.HGet(ctx, key, "stamp").Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return stamp, nil
}

func (s *RedisStore) SetStamp(ctx context.Context, userID, stamp string) error {
	if err := s.redis.HSet(ctx, s.key(userID), "stamp", stamp).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
