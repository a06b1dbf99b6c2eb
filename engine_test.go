package authcore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jhongo20/BaseAdmin-sub000/clock"
	"github.com/jhongo20/BaseAdmin-sub000/credential"
	"github.com/jhongo20/BaseAdmin-sub000/notify"
	"github.com/jhongo20/BaseAdmin-sub000/password"
	"github.com/jhongo20/BaseAdmin-sub000/session"
	"github.com/jhongo20/BaseAdmin-sub000/threat"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "correct-horse-battery"

type engineFixture struct {
	engine *Engine
	users  *MemoryUserProvider
	clock  *clock.Fake
	sink   *notify.ChannelSink
}

func testPasswordConfig() PasswordConfig {
	return PasswordConfig{
		Memory:         8 * 1024,
		Time:           1,
		Parallelism:    1,
		SaltLength:     16,
		KeyLength:      32,
		UpgradeOnLogin: true,
	}
}

func newEngineFixture(t testing.TB, mutate func(*Config)) *engineFixture {
	t.Helper()

	cfg := testKeyConfig(t)
	cfg.Password = testPasswordConfig()
	cfg.Maintenance.Enabled = false
	cfg.Metrics.EnableLatencyHistograms = true
	if mutate != nil {
		mutate(&cfg)
	}

	fake := clock.NewFake(time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC))
	users := NewMemoryUserProvider()
	sink := notify.NewChannelSink(1024)

	engine, err := New().
		WithConfig(cfg).
		WithUserProvider(users).
		WithNotificationSink(sink).
		WithClock(fake).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &engineFixture{engine: engine, users: users, clock: fake, sink: sink}
}

func (f *engineFixture) addUser(t testing.TB, userID, identifier string) UserRecord {
	t.Helper()
	hash, err := f.engine.passwords.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	rec := UserRecord{
		UserID:       userID,
		Identifier:   identifier,
		PasswordHash: hash,
		Status:       AccountActive,
		Roles:        []string{"operator"},
		Permissions:  []string{"branches:read"},
		OrgID:        "org-7",
		BranchIDs:    []string{"br-1", "br-2"},
	}
	if err := f.users.Put(rec); err != nil {
		t.Fatalf("put user: %v", err)
	}
	return rec
}

func (f *engineFixture) login(t testing.TB, identifier string) *LoginResult {
	t.Helper()
	res, err := f.engine.Authenticate(context.Background(), identifier, testPassword)
	if err != nil {
		t.Fatalf("Authenticate(%s) failed: %v", identifier, err)
	}
	return res
}

func TestAuthenticateThenValidateRoundTrip(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")

	ctx := WithUserAgent(WithClientIP(context.Background(), "10.0.0.9"), "curl/8")
	res, err := f.engine.Authenticate(ctx, "ana@example.com", testPassword)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" || res.SessionID == "" {
		t.Fatalf("incomplete login result: %+v", res)
	}
	if !res.AccessExpiresAt.Equal(f.clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("unexpected access expiry %v", res.AccessExpiresAt)
	}

	claims, err := f.engine.ValidateRequest(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("ValidateRequest failed: %v", err)
	}
	if claims.Subject != "u-1" || claims.SessionID != res.SessionID || claims.OrgID != "org-7" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.HasRole("operator") || !claims.HasPermission("branches:read") {
		t.Fatalf("expected role and permission in claims: %+v", claims)
	}
	if len(claims.BranchIDs) != 2 {
		t.Fatalf("expected branch ids, got %v", claims.BranchIDs)
	}

	list, err := f.engine.Sessions(ctx, "u-1")
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(list) != 1 || list[0].SourceAddress != "10.0.0.9" || list[0].Device != "curl/8" {
		t.Fatalf("unexpected sessions: %+v", list)
	}

	snap := f.engine.MetricsSnapshot()
	if snap.Counters[MetricLoginSuccess] != 1 || snap.Counters[MetricValidateSuccess] != 1 {
		t.Fatalf("unexpected counters: %+v", snap.Counters)
	}
	if len(snap.Histograms[MetricValidateLatency]) != histBucketCount {
		t.Fatalf("expected latency histogram")
	}
}

func TestAuthenticateUnknownUserAndWrongPasswordLookAlike(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()

	_, errUnknown := f.engine.Authenticate(ctx, "nobody@example.com", testPassword)
	_, errWrong := f.engine.Authenticate(ctx, "ana@example.com", "wrong-password")

	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v and %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("expected identical errors, got %q and %q", errUnknown, errWrong)
	}
}

func TestAuthenticateDisabledAccount(t *testing.T) {
	f := newEngineFixture(t, nil)
	rec := f.addUser(t, "u-1", "ana@example.com")
	rec.Status = AccountDisabled
	if err := f.users.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err := f.engine.Authenticate(context.Background(), "ana@example.com", testPassword)
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := f.engine.Authenticate(ctx, "ana@example.com", "wrong-password")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	_, err := f.engine.Authenticate(ctx, "ana@example.com", "wrong-password")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected fifth failure to lock, got %v", err)
	}

	// The correct password does not help while locked.
	_, err = f.engine.Authenticate(ctx, "ana@example.com", testPassword)
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	locked, err := f.engine.IsLocked(ctx, "u-1")
	if err != nil || !locked {
		t.Fatalf("expected locked, got %v %v", locked, err)
	}

	alerts, err := f.engine.Alerts(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Alerts failed: %v", err)
	}
	var lockedAlerts int
	for _, a := range alerts {
		if a.Type == threat.AlertAccountLocked {
			lockedAlerts++
			if a.Subject != "ana@example.com" {
				t.Fatalf("unexpected alert subject %q", a.Subject)
			}
		}
	}
	if lockedAlerts != 1 {
		t.Fatalf("expected one AccountLocked alert, got %d", lockedAlerts)
	}

	snap := f.engine.MetricsSnapshot()
	if snap.Counters[MetricAccountLocked] != 1 || snap.Counters[MetricLoginLocked] != 1 {
		t.Fatalf("unexpected lockout counters: %+v", snap.Counters)
	}
}

func TestLockoutExpiresAndUnlock(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.engine.Authenticate(ctx, "ana@example.com", "wrong-password")
	}
	f.clock.Advance(15*time.Minute + time.Second)
	f.login(t, "ana@example.com")

	for i := 0; i < 5; i++ {
		_, _ = f.engine.Authenticate(ctx, "ana@example.com", "wrong-password")
	}
	if err := f.engine.UnlockAccount(ctx, "u-1"); err != nil {
		t.Fatalf("UnlockAccount failed: %v", err)
	}
	f.login(t, "ana@example.com")
}

func TestSessionCapEvictsOldest(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) {
		c.Session.MaxPerUser = 2
	})
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()

	first := f.login(t, "ana@example.com")
	f.clock.Advance(time.Second)
	second := f.login(t, "ana@example.com")
	f.clock.Advance(time.Second)
	third := f.login(t, "ana@example.com")

	if _, err := f.engine.ValidateRequest(ctx, first.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected evicted session token to be rejected, got %v", err)
	}
	for _, res := range []*LoginResult{second, third} {
		if _, err := f.engine.ValidateRequest(ctx, res.AccessToken); err != nil {
			t.Fatalf("expected surviving session to validate: %v", err)
		}
	}
	if _, err := f.engine.RefreshSession(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected evicted refresh to fail, got %v", err)
	}

	list, err := f.engine.Sessions(ctx, "u-1")
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(list) != 2 || list[0].SessionID != second.SessionID {
		t.Fatalf("unexpected active sessions: %+v", list)
	}
}

func TestLogoutRevokesAndIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()
	res := f.login(t, "ana@example.com")

	if err := f.engine.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if err := f.engine.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("second Logout failed: %v", err)
	}
	if _, err := f.engine.ValidateRequest(ctx, res.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected revoked token, got %v", err)
	}
	if _, err := f.engine.RefreshSession(ctx, res.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected closed session refresh to fail, got %v", err)
	}
	if got := f.engine.MetricsSnapshot().Counters[MetricLogout]; got != 1 {
		t.Fatalf("expected one logout counted, got %d", got)
	}
}

func TestLogoutAllKeepsCurrentSession(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()

	a := f.login(t, "ana@example.com")
	f.clock.Advance(time.Second)
	b := f.login(t, "ana@example.com")
	f.clock.Advance(time.Second)
	keep := f.login(t, "ana@example.com")

	n, err := f.engine.LogoutAll(ctx, "u-1", keep.SessionID)
	if err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sessions closed, got %d", n)
	}
	for _, res := range []*LoginResult{a, b} {
		if _, err := f.engine.ValidateRequest(ctx, res.AccessToken); err == nil {
			t.Fatalf("expected token of closed session to be rejected")
		}
	}
	if _, err := f.engine.ValidateRequest(ctx, keep.AccessToken); err != nil {
		t.Fatalf("expected kept session to validate: %v", err)
	}
}

func TestRefreshRevokesPreviousAccessToken(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()
	res := f.login(t, "ana@example.com")

	f.clock.Advance(5 * time.Minute)
	next, err := f.engine.RefreshSession(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshSession failed: %v", err)
	}
	if next.SessionID != res.SessionID || next.RefreshToken != res.RefreshToken {
		t.Fatalf("expected same session and refresh secret: %+v", next)
	}
	if next.AccessToken == res.AccessToken {
		t.Fatalf("expected a new access token")
	}
	if _, err := f.engine.ValidateRequest(ctx, res.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected previous token revoked, got %v", err)
	}
	if _, err := f.engine.ValidateRequest(ctx, next.AccessToken); err != nil {
		t.Fatalf("expected new token valid: %v", err)
	}
}

func TestRefreshClosesSessionOfDisabledUser(t *testing.T) {
	f := newEngineFixture(t, nil)
	rec := f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()
	res := f.login(t, "ana@example.com")

	rec.Status = AccountDisabled
	if err := f.users.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := f.engine.RefreshSession(ctx, res.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid, got %v", err)
	}
	if _, err := f.engine.ValidateRequest(ctx, res.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected session token revoked, got %v", err)
	}
}

func TestForceLogoutInvalidatesPurposeTokens(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()
	res := f.login(t, "ana@example.com")

	token, err := f.engine.IssuePurposeToken(ctx, "u-1", credential.PurposePasswordReset, 0, map[string]string{"email": "ana@example.com"})
	if err != nil {
		t.Fatalf("IssuePurposeToken failed: %v", err)
	}
	n, err := f.engine.ForceLogout(ctx, "u-1", "password_changed")
	if err != nil || n != 1 {
		t.Fatalf("ForceLogout = %d, %v", n, err)
	}
	if _, err := f.engine.ValidateRequest(ctx, res.AccessToken); err == nil {
		t.Fatalf("expected forced session token to be rejected")
	}
	if _, err := f.engine.VerifyPurposeToken(ctx, token, credential.PurposePasswordReset); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected stale purpose token rejected, got %v", err)
	}
}

func TestPurposeTokenConsumedOnce(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()

	token, err := f.engine.IssuePurposeToken(ctx, "u-1", credential.PurposeEmailVerification, 10*time.Minute, nil)
	if err != nil {
		t.Fatalf("IssuePurposeToken failed: %v", err)
	}
	if _, err := f.engine.ValidateRequest(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("purpose token must not authorize requests, got %v", err)
	}
	if _, err := f.engine.VerifyPurposeToken(ctx, token, credential.PurposePasswordReset); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected purpose mismatch to fail, got %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.ConsumePurposeToken(ctx, token, credential.PurposeEmailVerification); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", winners)
	}
}

func TestValidateWithCancelledContextIsInvalid(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	res := f.login(t, "ana@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.engine.ValidateRequest(ctx, res.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	res := f.login(t, "ana@example.com")

	f.clock.Advance(16 * time.Minute)
	if _, err := f.engine.ValidateRequest(context.Background(), res.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestThreatAlertsFromFailedLogins(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) {
		c.Lockout.Enabled = false
	})
	for _, id := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		f.addUser(t, "id-"+id, id)
	}
	ctx := WithClientIP(context.Background(), "203.0.113.5")

	for _, id := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		_, _ = f.engine.Authenticate(ctx, id, "wrong-password")
	}
	for i := 0; i < 4; i++ {
		_, _ = f.engine.Authenticate(ctx, "a@example.com", "wrong-password")
	}

	alerts, err := f.engine.Alerts(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Alerts failed: %v", err)
	}
	seen := map[threat.AlertType]string{}
	for _, a := range alerts {
		seen[a.Type] = a.Subject
	}
	if seen[threat.AlertMultipleAccountsFromSameSource] != "203.0.113.5" {
		t.Fatalf("expected fan-out alert for source, got %+v", alerts)
	}
	if seen[threat.AlertMultipleFailedLogins] != "a@example.com" {
		t.Fatalf("expected failed-login alert for a@example.com, got %+v", alerts)
	}
	if _, ok := seen[threat.AlertPossibleBruteForce]; ok {
		t.Fatalf("seven attempts must not trip the velocity rule: %+v", alerts)
	}
}

func TestCriticalAlertReachesSink(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) {
		c.Lockout.Enabled = false
		c.Audit.Enabled = false
	})
	ctx := WithClientIP(context.Background(), "198.51.100.7")

	for i := 0; i < 10; i++ {
		_, _ = f.engine.Authenticate(ctx, "ghost@example.com", "wrong-password")
	}

	for {
		select {
		case ev := <-f.sink.Events():
			if ev.Type == string(threat.AlertPossibleBruteForce) {
				if ev.Severity != "critical" || ev.Subject != "198.51.100.7" {
					t.Fatalf("unexpected alert event: %+v", ev)
				}
				return
			}
		default:
			t.Fatalf("expected a brute force alert on the sink")
		}
	}
}

func TestAuditEventsFlushedOnClose(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	res := f.login(t, "ana@example.com")
	if err := f.engine.Logout(context.Background(), res.SessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	f.engine.Close()

	var types []string
	for {
		select {
		case ev := <-f.sink.Events():
			types = append(types, ev.Type)
			continue
		default:
		}
		break
	}
	joined := strings.Join(types, ",")
	if !strings.Contains(joined, AuditLoginSuccess) || !strings.Contains(joined, AuditLogout) {
		t.Fatalf("expected login and logout audit events, got %v", types)
	}
}

func TestLegacyBcryptHashUpgradedOnLogin(t *testing.T) {
	f := newEngineFixture(t, nil)
	legacy, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if err := f.users.Put(UserRecord{
		UserID:       "u-legacy",
		Identifier:   "old@example.com",
		PasswordHash: string(legacy),
		Status:       AccountActive,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	f.login(t, "old@example.com")

	rec, err := f.users.GetUserByID(context.Background(), "u-legacy")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if !strings.HasPrefix(rec.PasswordHash, "$argon2id$") {
		t.Fatalf("expected upgraded argon2id hash, got %q", rec.PasswordHash)
	}
	f.login(t, "old@example.com")
	if got := f.engine.MetricsSnapshot().Counters[MetricPasswordRehashed]; got != 1 {
		t.Fatalf("expected one rehash, got %d", got)
	}
}

func TestOverlongPasswordRejected(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")

	long := strings.Repeat("x", password.DefaultMaxPasswordBytes+1)
	if _, err := f.engine.Authenticate(context.Background(), "ana@example.com", long); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRunMaintenancePrunesClosedSessions(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()
	res := f.login(t, "ana@example.com")
	if err := f.engine.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	f.clock.Advance(9 * 24 * time.Hour)
	if err := f.engine.RunMaintenance(ctx); err != nil {
		t.Fatalf("RunMaintenance failed: %v", err)
	}
	if _, err := f.engine.sessions.Get(ctx, res.SessionID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected pruned session, got %v", err)
	}

	snap := f.engine.MetricsSnapshot()
	if snap.Counters[MetricPruneRun] != 1 || snap.Counters[MetricSweepRun] != 1 {
		t.Fatalf("unexpected maintenance counters: %+v", snap.Counters)
	}
}

func TestHeartbeatOnClosedSession(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()
	res := f.login(t, "ana@example.com")

	f.clock.Advance(2 * time.Minute)
	if err := f.engine.Heartbeat(ctx, res.SessionID); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := f.engine.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if err := f.engine.Heartbeat(ctx, res.SessionID); err == nil {
		t.Fatalf("expected heartbeat on closed session to fail")
	}
	if err := f.engine.Heartbeat(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) {
		c.Maintenance.Enabled = true
	})
	f.engine.Close()
	f.engine.Close()

	if _, err := f.engine.Authenticate(context.Background(), "x", "y"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if _, err := f.engine.ValidateRequest(context.Background(), "token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid after close, got %v", err)
	}
}

func TestRolesExpandIntoAccessClaims(t *testing.T) {
	cfg := testKeyConfig(t)
	cfg.Password = testPasswordConfig()
	cfg.Maintenance.Enabled = false
	users := NewMemoryUserProvider()

	engine, err := New().
		WithConfig(cfg).
		WithUserProvider(users).
		WithRoles(map[string][]string{
			"operator": {"sessions:close", "branches:read"},
			"admin":    {"users:write"},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()

	hash, err := engine.passwords.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := users.Put(UserRecord{
		UserID: "u-1", Identifier: "ana@example.com", PasswordHash: hash,
		Status: AccountActive, Roles: []string{"operator"}, Permissions: []string{"reports:read"},
	}); err != nil {
		t.Fatalf("put user: %v", err)
	}

	ctx := context.Background()
	res, err := engine.Authenticate(ctx, "ana@example.com", testPassword)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	claims, err := engine.ValidateRequest(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("ValidateRequest failed: %v", err)
	}
	want := []string{"branches:read", "reports:read", "sessions:close"}
	if strings.Join(claims.Permissions, ",") != strings.Join(want, ",") {
		t.Fatalf("permissions = %v, want %v", claims.Permissions, want)
	}
	if claims.HasPermission("users:write") {
		t.Fatalf("operator must not carry admin permissions")
	}
}

func TestLogoutRacingRefreshLeavesNoLiveToken(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) {
		c.Threat.Enabled = false
		c.Audit.Enabled = false
	})
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		res := f.login(t, "ana@example.com")

		var (
			wg        sync.WaitGroup
			refreshed *LoginResult
			logoutErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			refreshed, _ = f.engine.RefreshSession(ctx, res.RefreshToken)
		}()
		go func() {
			defer wg.Done()
			logoutErr = f.engine.Logout(ctx, res.SessionID)
		}()
		wg.Wait()

		if logoutErr != nil {
			t.Fatalf("Logout failed: %v", logoutErr)
		}
		if _, err := f.engine.ValidateRequest(ctx, res.AccessToken); err == nil {
			t.Fatalf("round %d: original token accepted after logout", i)
		}
		if refreshed != nil {
			if _, err := f.engine.ValidateRequest(ctx, refreshed.AccessToken); err == nil {
				t.Fatalf("round %d: refreshed token accepted after logout", i)
			}
		}
	}
}

func TestPruneKeepsRevocationsThroughLeeway(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) {
		c.JWT.Leeway = 30 * time.Second
	})
	f.addUser(t, "u-1", "ana@example.com")
	ctx := context.Background()
	res := f.login(t, "ana@example.com")
	if err := f.engine.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	// Past exp but inside the leeway the parser still accepts the token.
	f.clock.Advance(res.AccessExpiresAt.Sub(f.clock.Now()) + 10*time.Second)
	if err := f.engine.RunMaintenance(ctx); err != nil {
		t.Fatalf("RunMaintenance failed: %v", err)
	}
	if _, err := f.engine.ValidateRequest(ctx, res.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected revoked token to stay rejected inside leeway, got %v", err)
	}

	f.clock.Advance(time.Minute)
	if err := f.engine.RunMaintenance(ctx); err != nil {
		t.Fatalf("RunMaintenance failed: %v", err)
	}
	if _, err := f.engine.ValidateRequest(ctx, res.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}
}

func TestRunMaintenanceGoesThroughScheduler(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) {
		c.Maintenance.Enabled = true
		c.Maintenance.SweepInterval = time.Hour
		c.Maintenance.PruneInterval = time.Hour
	})
	if err := f.engine.RunMaintenance(context.Background()); err != nil {
		t.Fatalf("RunMaintenance failed: %v", err)
	}
	for _, name := range []string{taskThreatSweep, taskPrune} {
		st, ok := f.engine.MaintenanceStats(name)
		if !ok || st.Runs != 1 {
			t.Fatalf("expected one scheduled run of %s, got %+v", name, st)
		}
	}
}
