//go:build integration
// +build integration

package test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	authcore "github.com/jhongo20/BaseAdmin-sub000"
	"github.com/jhongo20/BaseAdmin-sub000/threat"
)

func TestLogoutOnOneInstanceRevokesEverywhere(t *testing.T) {
	c := newCluster(t, 2)
	c.addUser(t, "u-1", "ana@example.com")
	a, b := c.engines[0], c.engines[1]
	ctx := context.Background()

	res, err := a.Authenticate(ctx, "ana@example.com", testPassword)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := b.ValidateRequest(ctx, res.AccessToken); err != nil {
		t.Fatalf("expected token minted on a to validate on b: %v", err)
	}

	if err := b.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := a.ValidateRequest(ctx, res.AccessToken); !errors.Is(err, authcore.ErrTokenInvalid) {
		t.Fatalf("expected revoked token on a, got %v", err)
	}
	if _, err := a.RefreshSession(ctx, res.RefreshToken); !errors.Is(err, authcore.ErrRefreshInvalid) {
		t.Fatalf("expected closed session to refuse refresh on a, got %v", err)
	}
}

func TestLockoutCountsAcrossInstances(t *testing.T) {
	c := newCluster(t, 3)
	c.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = c.engines[i%3].Authenticate(ctx, "ana@example.com", "wrong-password")
	}
	if !errors.Is(lastErr, authcore.ErrAccountLocked) {
		t.Fatalf("expected fifth failure to lock, got %v", lastErr)
	}
	for i, e := range c.engines {
		locked, err := e.IsLocked(ctx, "u-1")
		if err != nil || !locked {
			t.Fatalf("engine %d: expected locked, got %v %v", i, locked, err)
		}
	}

	if err := c.engines[2].UnlockAccount(ctx, "u-1"); err != nil {
		t.Fatalf("UnlockAccount failed: %v", err)
	}
	if _, err := c.engines[0].Authenticate(ctx, "ana@example.com", testPassword); err != nil {
		t.Fatalf("expected login after unlock, got %v", err)
	}
}

func TestConcurrentFailuresLockExactlyOnce(t *testing.T) {
	c := newCluster(t, 2)
	c.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		locked int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.engines[i%2].Authenticate(ctx, "ana@example.com", "wrong-password")
			if errors.Is(err, authcore.ErrAccountLocked) {
				mu.Lock()
				locked++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if locked == 0 {
		t.Fatalf("expected the account to end up locked")
	}
	snapA := c.engines[0].MetricsSnapshot()
	snapB := c.engines[1].MetricsSnapshot()
	if got := snapA.Counters[authcore.MetricAccountLocked] + snapB.Counters[authcore.MetricAccountLocked]; got != 1 {
		t.Fatalf("expected exactly one lock transition across the cluster, got %d", got)
	}
}

func TestSessionCapIsShared(t *testing.T) {
	c := newCluster(t, 2)
	c.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()

	var first *authcore.LoginResult
	for i := 0; i < 6; i++ {
		res, err := c.engines[i%2].Authenticate(ctx, "ana@example.com", testPassword)
		if err != nil {
			t.Fatalf("login %d failed: %v", i, err)
		}
		if i == 0 {
			first = res
		}
		c.clock.Advance(time.Second)
	}

	sessions, err := c.engines[1].Sessions(ctx, "u-1")
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 5 {
		t.Fatalf("expected cap of 5 active sessions, got %d", len(sessions))
	}
	if _, err := c.engines[0].ValidateRequest(ctx, first.AccessToken); !errors.Is(err, authcore.ErrTokenInvalid) {
		t.Fatalf("expected earliest session to be evicted, got %v", err)
	}
}

func TestAlertsAreVisibleFromEveryInstance(t *testing.T) {
	c := newCluster(t, 2)
	for i := 0; i < 3; i++ {
		c.addUser(t, fmt.Sprintf("u-%d", i), fmt.Sprintf("user%d@example.com", i))
	}
	ctx := withSource("203.0.113.77")

	for i := 0; i < 3; i++ {
		_, _ = c.engines[i%2].Authenticate(ctx, fmt.Sprintf("user%d@example.com", i), "wrong-password")
	}

	alerts, err := c.engines[1].Alerts(context.Background(), c.clock.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Alerts failed: %v", err)
	}
	var found bool
	for _, a := range alerts {
		if a.Type == threat.AlertMultipleAccountsFromSameSource && a.Subject == "203.0.113.77" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fan-out alert for the shared source, got %+v", alerts)
	}
}
