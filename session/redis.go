package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	closeStatusNotFound int64 = 0
	closeStatusAlready  int64 = 1
	closeStatusClosed   int64 = 2
)

// KEYS[1] session hash.
// ARGV[1] session id, ARGV[2] user key prefix, ARGV[3] reason, ARGV[4] closed_at.
const markClosedScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return {1}
end
local bound = redis.call("HMGET", KEYS[1], "uid", "atid", "aexp")
redis.call("HSET", KEYS[1], "revoked", "1", "reason", ARGV[3], "closed", ARGV[4])
if bound[1] then
  redis.call("ZREM", ARGV[2] .. bound[1], ARGV[1])
end
return {2, bound[2] or "", bound[3] or "0"}
`

var markClosedLua = redis.NewScript(markClosedScript)

// KEYS[1] session hash. ARGV[1] new token id, ARGV[2] new expiry.
const replaceAccessScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return {1}
end
local prev = redis.call("HMGET", KEYS[1], "atid", "aexp")
redis.call("HSET", KEYS[1], "atid", ARGV[1], "aexp", ARGV[2])
return {2, prev[1] or "", prev[2] or "0"}
`

var replaceAccessLua = redis.NewScript(replaceAccessScript)

// KEYS[1] session hash. ARGV[1] activity time.
const touchScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local last = tonumber(redis.call("HGET", KEYS[1], "last") or "0")
if tonumber(ARGV[1]) > last then
  redis.call("HSET", KEYS[1], "last", ARGV[1])
end
return 1
`

var touchLua = redis.NewScript(touchScript)

// RedisRepository stores each session as a hash with three indexes: a
// per-user sorted set scored by issue time, a refresh-hash lookup key and a
// global sorted set scored by expiry used for pruning.
//
//	Keys: <prefix>:s:<id>, <prefix>:u:<user>, <prefix>:r:<hash>, <prefix>:exp
type RedisRepository struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisRepository returns a RedisRepository under prefix (default "as").
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "as"
	}
	return &RedisRepository{redis: client, prefix: prefix}
}

func (r *RedisRepository) key(id string) string         { return r.prefix + ":s:" + id }
func (r *RedisRepository) userPrefix() string           { return r.prefix + ":u:" }
func (r *RedisRepository) userKey(userID string) string { return r.userPrefix() + userID }
func (r *RedisRepository) expiryKey() string            { return r.prefix + ":exp" }
func (r *RedisRepository) refreshKey(h [32]byte) string {
	return r.prefix + ":r:" + hex.EncodeToString(h[:])
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Insert writes the session hash and all indexes in one MULTI block.
//
//	Performance: 1 round trip (HSET + 2 ZADD + optional SET).
func (r *RedisRepository) Insert(ctx context.Context, sess *Session) error {
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(sess.ID), encodeFields(sess))
		pipe.ZAdd(ctx, r.userKey(sess.UserID), redis.Z{Score: float64(sess.IssuedAt.UnixMilli()), Member: sess.ID})
		pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(sess.ExpiresAt.UnixMilli()), Member: sess.ID})
		if sess.RefreshHash != ([32]byte{}) {
			pipe.Set(ctx, r.refreshKey(sess.RefreshHash), sess.ID, 0)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := r.redis.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeFields(fields)
}

func (r *RedisRepository) FindByRefreshHash(ctx context.Context, hash [32]byte) (*Session, error) {
	id, err := r.redis.Get(ctx, r.refreshKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return r.Get(ctx, id)
}

// ListActive reads the user index in score order and loads every session
// in one pipeline.
//
//	Performance: 2 round trips.
func (r *RedisRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]*Session, error) {
	ids, err := r.redis.ZRange(ctx, r.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}

	out := make([]*Session, 0, len(ids))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, unavailable(err)
		}
		if len(fields) == 0 {
			continue
		}
		sess, err := decodeFields(fields)
		if err != nil {
			return nil, err
		}
		if sess.ActiveAt(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// MarkClosed flips the revoked flag, drops the session from the user
// index and reads the access binding in one step.
//
//	Performance: 1 Lua EVALSHA.
func (r *RedisRepository) MarkClosed(ctx context.Context, id, reason string, at time.Time) (AccessBinding, bool, error) {
	result, err := markClosedLua.Run(ctx, r.redis,
		[]string{r.key(id)},
		id, r.userPrefix(), reason, at.UnixMilli(),
	).Slice()
	if err != nil {
		return AccessBinding{}, false, unavailable(err)
	}
	if len(result) == 0 {
		return AccessBinding{}, false, fmt.Errorf("%w: invalid close script response", ErrStoreUnavailable)
	}
	code, _ := result[0].(int64)
	switch code {
	case closeStatusNotFound, closeStatusAlready:
		return AccessBinding{}, false, nil
	case closeStatusClosed:
	default:
		return AccessBinding{}, false, fmt.Errorf("%w: unknown close script status", ErrStoreUnavailable)
	}
	if len(result) < 3 {
		return AccessBinding{}, false, fmt.Errorf("%w: missing access binding", ErrStoreUnavailable)
	}
	tokenID, _ := result[1].(string)
	expRaw, _ := result[2].(string)
	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return AccessBinding{}, false, fmt.Errorf("%w: invalid access expiry", ErrStoreUnavailable)
	}
	return AccessBinding{TokenID: tokenID, ExpiresAt: fromMillis(exp)}, true, nil
}

func (r *RedisRepository) Touch(ctx context.Context, id string, at time.Time) error {
	found, err := touchLua.Run(ctx, r.redis, []string{r.key(id)}, at.UnixMilli()).Int64()
	if err != nil {
		return unavailable(err)
	}
	if found == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisRepository) ReplaceAccessToken(ctx context.Context, id, tokenID string, expiresAt time.Time) (string, time.Time, error) {
	result, err := replaceAccessLua.Run(ctx, r.redis, []string{r.key(id)}, tokenID, expiresAt.UnixMilli()).Slice()
	if err != nil {
		return "", time.Time{}, unavailable(err)
	}
	if len(result) == 0 {
		return "", time.Time{}, fmt.Errorf("%w: invalid replace script response", ErrStoreUnavailable)
	}
	code, _ := result[0].(int64)
	switch code {
	case 0:
		return "", time.Time{}, ErrNotFound
	case 1:
		return "", time.Time{}, ErrClosed
	}
	if len(result) < 3 {
		return "", time.Time{}, fmt.Errorf("%w: missing previous binding", ErrStoreUnavailable)
	}
	prevID, _ := result[1].(string)
	prevExpRaw, _ := result[2].(string)
	prevExp, err := strconv.ParseInt(prevExpRaw, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: invalid previous expiry", ErrStoreUnavailable)
	}
	return prevID, fromMillis(prevExp), nil
}

// DeleteExpired removes sessions whose expiry is before cutoff together
// with their index entries.
func (r *RedisRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.redis.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, unavailable(err)
	}

	n := 0
	for _, id := range ids {
		sess, err := r.Get(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, r.expiryKey(), id)
			if sess != nil {
				pipe.Del(ctx, r.key(id))
				pipe.ZRem(ctx, r.userKey(sess.UserID), id)
				if sess.RefreshHash != ([32]byte{}) {
					pipe.Del(ctx, r.refreshKey(sess.RefreshHash))
				}
			}
			return nil
		})
		if err != nil {
			return n, unavailable(err)
		}
		if sess != nil {
			n++
		}
	}
	return n, nil
}

func encodeFields(s *Session) map[string]interface{} {
	revoked := "0"
	if s.Revoked {
		revoked = "1"
	}
	return map[string]interface{}{
		"id":      s.ID,
		"uid":     s.UserID,
		"atid":    s.AccessTokenID,
		"aexp":    millisOrZero(s.AccessExpiresAt),
		"rh":      hex.EncodeToString(s.RefreshHash[:]),
		"iat":     s.IssuedAt.UnixMilli(),
		"exp":     s.ExpiresAt.UnixMilli(),
		"last":    millisOrZero(s.LastActivityAt),
		"src":     s.SourceAddress,
		"dev":     s.Device,
		"revoked": revoked,
		"reason":  s.RevokedReason,
		"closed":  millisOrZero(s.ClosedAt),
	}
}

func decodeFields(f map[string]string) (*Session, error) {
	s := &Session{
		ID:            f["id"],
		UserID:        f["uid"],
		AccessTokenID: f["atid"],
		SourceAddress: f["src"],
		Device:        f["dev"],
		Revoked:       f["revoked"] == "1",
		RevokedReason: f["reason"],
	}
	if s.ID == "" || s.UserID == "" {
		return nil, fmt.Errorf("%w: corrupt session record", ErrStoreUnavailable)
	}

	if rh := f["rh"]; rh != "" {
		raw, err := hex.DecodeString(rh)
		if err != nil || len(raw) != len(s.RefreshHash) {
			return nil, fmt.Errorf("%w: corrupt refresh hash", ErrStoreUnavailable)
		}
		copy(s.RefreshHash[:], raw)
	}

	times := []struct {
		field string
		dst   *time.Time
	}{
		{"aexp", &s.AccessExpiresAt},
		{"iat", &s.IssuedAt},
		{"exp", &s.ExpiresAt},
		{"last", &s.LastActivityAt},
		{"closed", &s.ClosedAt},
	}
	for _, t := range times {
		raw := f[t.field]
		if raw == "" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt %s", ErrStoreUnavailable, t.field)
		}
		*t.dst = fromMillis(ms)
	}
	return s, nil
}

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
