//go:build integration
// +build integration

package test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	authcore "github.com/jhongo20/BaseAdmin-sub000"
	"github.com/jhongo20/BaseAdmin-sub000/clock"
	"github.com/jhongo20/BaseAdmin-sub000/password"
)

const testPassword = "correct-horse-battery"

// cluster is several engines sharing one redis and one user table, the way
// replicas behind a load balancer would.
type cluster struct {
	engines []*authcore.Engine
	users   *authcore.MemoryUserProvider
	clock   *clock.Fake
	redis   *miniredis.Miniredis
}

func newCluster(t *testing.T, size int) *cluster {
	t.Helper()

	mr := miniredis.RunT(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Password = authcore.PasswordConfig{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	cfg.Maintenance.Enabled = false
	cfg.Audit.Enabled = false

	c := &cluster{
		users: authcore.NewMemoryUserProvider(),
		clock: clock.NewFake(time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)),
		redis: mr,
	}
	for i := 0; i < size; i++ {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		engine, err := authcore.New().
			WithConfig(cfg).
			WithRedis(rdb).
			WithUserProvider(c.users).
			WithClock(c.clock).
			Build()
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		t.Cleanup(engine.Close)
		c.engines = append(c.engines, engine)
	}
	return c
}

func (c *cluster) addUser(t *testing.T, userID, identifier string) {
	t.Helper()
	hasher, err := password.NewArgon2(password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("argon2: %v", err)
	}
	hash, err := hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := c.users.Put(authcore.UserRecord{
		UserID:       userID,
		Identifier:   identifier,
		PasswordHash: hash,
		Status:       authcore.AccountActive,
		Roles:        []string{"member"},
	}); err != nil {
		t.Fatalf("put user: %v", err)
	}
}

func withSource(ip string) context.Context {
	return authcore.WithClientIP(context.Background(), ip)
}
