package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func scoreMax(t time.Time) string {
	return "(" + strconv.FormatInt(t.UnixMilli(), 10)
}

func scoreMin(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// RedisWindowStore shares attempt windows between instances. Each username
// and source gets a sorted set scored by attempt time; two more sorted sets
// index the subjects by their latest attempt.
//
//	Keys: <prefix>:u:<username>, <prefix>:s:<source>, <prefix>:users, <prefix>:sources
type RedisWindowStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisWindowStore returns a RedisWindowStore under prefix (default
// "tw"). retention bounds the TTL of per-subject keys.
func NewRedisWindowStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisWindowStore {
	if prefix == "" {
		prefix = "tw"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisWindowStore{redis: client, prefix: prefix, retention: retention}
}

func (s *RedisWindowStore) userKey(u string) string   { return s.prefix + ":u:" + u }
func (s *RedisWindowStore) sourceKey(a string) string { return s.prefix + ":s:" + a }
func (s *RedisWindowStore) usersKey() string          { return s.prefix + ":users" }
func (s *RedisWindowStore) sourcesKey() string        { return s.prefix + ":sources" }

type attemptMember struct {
	ID string `json:"id"`
	FailedAttempt
}

// Append writes the attempt to both indexes in one MULTI block.
//
//	Performance: 1 round trip.
func (s *RedisWindowStore) Append(ctx context.Context, a FailedAttempt) error {
	member, err := json.Marshal(attemptMember{ID: uuid.NewString(), FailedAttempt: a})
	if err != nil {
		return err
	}
	score := float64(a.Timestamp.UnixMilli())
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.userKey(a.Username), redis.Z{Score: score, Member: member})
		pipe.Expire(ctx, s.userKey(a.Username), s.retention)
		pipe.ZAdd(ctx, s.usersKey(), redis.Z{Score: score, Member: a.Username})
		if a.SourceAddress != "" {
			pipe.ZAdd(ctx, s.sourceKey(a.SourceAddress), redis.Z{Score: score, Member: member})
			pipe.Expire(ctx, s.sourceKey(a.SourceAddress), s.retention)
			pipe.ZAdd(ctx, s.sourcesKey(), redis.Z{Score: score, Member: a.SourceAddress})
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisWindowStore) ByUsername(ctx context.Context, username string, since time.Time) ([]FailedAttempt, error) {
	return s.rangeSince(ctx, s.userKey(username), since)
}

func (s *RedisWindowStore) BySource(ctx context.Context, source string, since time.Time) ([]FailedAttempt, error) {
	return s.rangeSince(ctx, s.sourceKey(source), since)
}

func (s *RedisWindowStore) rangeSince(ctx context.Context, key string, since time.Time) ([]FailedAttempt, error) {
	members, err := s.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: scoreMin(since), Max: "+inf"}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]FailedAttempt, 0, len(members))
	for _, m := range members {
		var am attemptMember
		if err := json.Unmarshal([]byte(m), &am); err != nil {
			continue
		}
		out = append(out, am.FailedAttempt)
	}
	return out, nil
}

func (s *RedisWindowStore) ActiveSubjects(ctx context.Context, since time.Time) ([]string, []string, error) {
	by := &redis.ZRangeBy{Min: scoreMin(since), Max: "+inf"}
	users, err := s.redis.ZRangeByScore(ctx, s.usersKey(), by).Result()
	if err != nil {
		return nil, nil, unavailable(err)
	}
	sources, err := s.redis.ZRangeByScore(ctx, s.sourcesKey(), by).Result()
	if err != nil {
		return nil, nil, unavailable(err)
	}
	return users, sources, nil
}

// Prune trims every per-subject set and drops subjects with no attempts
// left. It returns the number of username-indexed attempts removed.
func (s *RedisWindowStore) Prune(ctx context.Context, before time.Time) (int, error) {
	removed, err := s.pruneIndex(ctx, s.usersKey(), s.userKey, before)
	if err != nil {
		return removed, err
	}
	if _, err := s.pruneIndex(ctx, s.sourcesKey(), s.sourceKey, before); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *RedisWindowStore) pruneIndex(ctx context.Context, indexKey string, keyOf func(string) string, before time.Time) (int, error) {
	subjects, err := s.redis.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	removed := 0
	for _, subject := range subjects {
		key := keyOf(subject)
		n, err := s.redis.ZRemRangeByScore(ctx, key, "-inf", scoreMax(before)).Result()
		if err != nil {
			return removed, unavailable(err)
		}
		removed += int(n)
	}
	if err := s.redis.ZRemRangeByScore(ctx, indexKey, "-inf", scoreMax(before)).Err(); err != nil {
		return removed, unavailable(err)
	}
	return removed, nil
}

// KEYS[1] suppression mark, KEYS[2] alert set.
// ARGV[1] alert time (ms), ARGV[2] suppressed until (ms), ARGV[3] mark ttl (ms), ARGV[4] member.
const raiseAlertScript = `
local until_ms = tonumber(redis.call("GET", KEYS[1]) or "0")
if tonumber(ARGV[1]) < until_ms then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[4])
return 1
`

var raiseAlertLua = redis.NewScript(raiseAlertScript)

// RedisAlertStore keeps alerts in one sorted set scored by time. The
// suppression check and the append run in one script.
//
//	Keys: <prefix>:alerts, <prefix>:mark:<type>:<subject>
type RedisAlertStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisAlertStore returns a RedisAlertStore under prefix (default "ta").
func NewRedisAlertStore(client redis.UniversalClient, prefix string) *RedisAlertStore {
	if prefix == "" {
		prefix = "ta"
	}
	return &RedisAlertStore{redis: client, prefix: prefix}
}

func (s *RedisAlertStore) alertsKey() string { return s.prefix + ":alerts" }
func (s *RedisAlertStore) markKey(t AlertType, subject string) string {
	return s.prefix + ":mark:" + suppressionKey(t, subject)
}

// Raise is atomic across instances.
//
//	Performance: 1 Lua EVALSHA.
func (s *RedisAlertStore) Raise(ctx context.Context, a Alert, suppressFor time.Duration) (bool, error) {
	member, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	ttl := suppressFor.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	ok, err := raiseAlertLua.Run(ctx, s.redis,
		[]string{s.markKey(a.Type, a.Subject), s.alertsKey()},
		a.Timestamp.UnixMilli(), a.Timestamp.Add(suppressFor).UnixMilli(), ttl, member,
	).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return ok == 1, nil
}

func (s *RedisAlertStore) List(ctx context.Context, since time.Time) ([]Alert, error) {
	members, err := s.redis.ZRangeByScore(ctx, s.alertsKey(), &redis.ZRangeBy{Min: scoreMin(since), Max: "+inf"}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]Alert, 0, len(members))
	for _, m := range members {
		var a Alert
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisAlertStore) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := s.redis.ZRemRangeByScore(ctx, s.alertsKey(), "-inf", scoreMax(before)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}
