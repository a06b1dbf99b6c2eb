package authcore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jhongo20/BaseAdmin-sub000/clock"
	"github.com/jhongo20/BaseAdmin-sub000/credential"
	"github.com/jhongo20/BaseAdmin-sub000/internal/scheduler"
	"github.com/jhongo20/BaseAdmin-sub000/jwt"
	"github.com/jhongo20/BaseAdmin-sub000/lockout"
	"github.com/jhongo20/BaseAdmin-sub000/notify"
	"github.com/jhongo20/BaseAdmin-sub000/password"
	"github.com/jhongo20/BaseAdmin-sub000/permission"
	"github.com/jhongo20/BaseAdmin-sub000/revocation"
	"github.com/jhongo20/BaseAdmin-sub000/session"
	"github.com/jhongo20/BaseAdmin-sub000/threat"
	"go.uber.org/zap"
)

// Engine is the authentication facade. It is safe for concurrent use;
// call Close once at shutdown.
type Engine struct {
	config       Config
	clock        clock.Clock
	logger       *zap.Logger
	userProvider UserProvider
	issuer       *credential.Issuer
	registry     *revocation.Registry
	sessions     *session.Store
	lockout      *lockout.Guard
	detector     *threat.Detector
	passwords    *password.Verifier
	roles        *permission.RoleManager
	audit        *notify.Dispatcher
	metrics      *Metrics
	scheduler    *scheduler.Scheduler
	closed       atomic.Bool
}

// Close stops background maintenance and flushes pending audit events.
// It is idempotent.
func (e *Engine) Close() {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return
	}
	if e.scheduler != nil {
		e.scheduler.Close()
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

func (e *Engine) ready() error {
	if e == nil || e.issuer == nil {
		return ErrEngineNotReady
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

// MetricsSnapshot returns the current counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Authenticate checks identifier and password and opens a session.
// Unknown users and wrong passwords both yield [ErrInvalidCredentials];
// a locked account yields [ErrAccountLocked] without checking the password.
func (e *Engine) Authenticate(ctx context.Context, identifier, pass string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	user, err := e.userProvider.GetUserByIdentifier(ctx, identifier)
	if errors.Is(err, ErrUserNotFound) {
		e.passwords.VerifyDummy(pass)
		e.recordThreat(ctx, identifier)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailure, "", "", false, ErrInvalidCredentials, map[string]string{"identifier": identifier})
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	locked, err := e.lockout.IsLocked(ctx, user.UserID)
	if err != nil {
		return nil, mapLockoutErr(err)
	}
	if locked {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, AuditLoginLocked, user.UserID, "", false, ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}

	ok, err := e.passwords.Verify(pass, user.PasswordHash)
	if err != nil && !errors.Is(err, password.ErrPasswordTooLong) {
		e.logger.Error("stored password hash unusable", zap.String("user_id", user.UserID), zap.Error(err))
	}
	if !ok {
		return nil, e.failLogin(ctx, user)
	}
	if user.Status != AccountActive {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailure, user.UserID, "", false, ErrAccountDisabled, nil)
		return nil, ErrAccountDisabled
	}

	if err := e.lockout.RecordSuccess(ctx, user.UserID); err != nil {
		return nil, mapLockoutErr(err)
	}
	e.maybeUpgradeHash(ctx, user, pass)

	result, err := e.openSession(ctx, user)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditLoginSuccess, user.UserID, result.SessionID, true, nil, nil)
	return result, nil
}

func (e *Engine) failLogin(ctx context.Context, user UserRecord) error {
	lockedNow, err := e.lockout.RecordFailure(ctx, user.UserID)
	e.recordThreat(ctx, user.Identifier)
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, AuditLoginFailure, user.UserID, "", false, ErrInvalidCredentials, nil)
	if err != nil {
		return mapLockoutErr(err)
	}
	if !lockedNow {
		return ErrInvalidCredentials
	}

	e.metricInc(MetricAccountLocked)
	e.emitAudit(ctx, AuditAccountLocked, user.UserID, "", false, nil, nil)
	if e.detector != nil {
		if _, err := e.detector.RaiseAccountLocked(ctx, user.UserID, user.Identifier); err != nil {
			e.metricInc(MetricThreatError)
			e.logger.Warn("account locked alert failed", zap.String("user_id", user.UserID), zap.Error(err))
		}
	}
	return ErrAccountLocked
}

// recordThreat feeds a failed attempt to the detector. Detector errors
// never fail the login.
func (e *Engine) recordThreat(ctx context.Context, identifier string) {
	if e.detector == nil {
		return
	}
	alerts, err := e.detector.RecordFailure(ctx, identifier, ClientIPFromContext(ctx), e.clock.Now())
	if err != nil {
		e.metricInc(MetricThreatError)
		e.logger.Warn("threat detector failed", zap.String("identifier", identifier), zap.Error(err))
		return
	}
	for range alerts {
		e.metricInc(MetricThreatAlert)
	}
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, user UserRecord, pass string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	upgrade, err := e.passwords.NeedsUpgrade(user.PasswordHash)
	if err != nil || !upgrade {
		return
	}
	hash, err := e.passwords.Hash(pass)
	if err != nil {
		e.logger.Warn("password rehash failed", zap.String("user_id", user.UserID), zap.Error(err))
		return
	}
	if err := e.userProvider.UpdatePasswordHash(ctx, user.UserID, hash); err != nil {
		e.logger.Warn("password rehash not persisted", zap.String("user_id", user.UserID), zap.Error(err))
		return
	}
	e.metricInc(MetricPasswordRehashed)
}

func (e *Engine) openSession(ctx context.Context, user UserRecord) (*LoginResult, error) {
	sessionID := uuid.NewString()
	issued, err := e.issuer.Issue(ctx, credential.IssueRequest{
		UserID:      user.UserID,
		SessionID:   sessionID,
		Roles:       user.Roles,
		Permissions: e.permissionsFor(user),
		OrgID:       user.OrgID,
		BranchIDs:   user.BranchIDs,
	})
	if err != nil {
		return nil, mapLockoutErr(err)
	}

	sess, err := e.sessions.Create(ctx, session.NewSession{
		ID:              sessionID,
		UserID:          user.UserID,
		AccessTokenID:   issued.TokenID,
		AccessExpiresAt: issued.ExpiresAt,
		RefreshHash:     issued.RefreshHash,
		TTL:             e.config.JWT.RefreshTTL,
		SourceAddress:   ClientIPFromContext(ctx),
		Device:          UserAgentFromContext(ctx),
	})
	if err != nil {
		if revokeErr := e.issuer.Revoke(ctx, issued.TokenID, user.UserID, issued.ExpiresAt, "session_create_failed"); revokeErr != nil {
			e.logger.Error("orphan access token not revoked", zap.String("token_id", issued.TokenID), zap.Error(revokeErr))
		}
		return nil, mapSessionErr(err)
	}
	e.metricInc(MetricSessionCreated)

	return &LoginResult{
		UserID:           user.UserID,
		SessionID:        sess.ID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.ExpiresAt,
		RefreshToken:     issued.RefreshSecret,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

func (e *Engine) permissionsFor(user UserRecord) []string {
	if e.roles == nil {
		return user.Permissions
	}
	return e.roles.Expand(user.Roles, user.Permissions)
}

// ValidateRequest verifies an access token and its revocation status.
// Every failure, including a cancelled ctx, is [ErrTokenInvalid].
func (e *Engine) ValidateRequest(ctx context.Context, accessToken string) (*Claims, error) {
	if err := e.ready(); err != nil {
		return nil, ErrTokenInvalid
	}
	start := time.Now()
	claims, err := e.issuer.Verify(ctx, accessToken, credential.VerifyOptions{CheckLifetime: true})
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}
	if err != nil {
		e.metricInc(MetricValidateFailure)
		return nil, ErrTokenInvalid
	}
	e.metricInc(MetricValidateSuccess)
	return toClaims(claims), nil
}

// RefreshSession exchanges a refresh secret for a new access token bound
// to the same session. The previous access token is revoked and the
// refresh secret stays valid until the session ends.
func (e *Engine) RefreshSession(ctx context.Context, refreshSecret string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	sess, err := e.issuer.RotateRefresh(ctx, refreshSecret)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, credential.ErrRefreshInvalid) {
			e.emitAudit(ctx, AuditRefreshFailure, "", "", false, err, nil)
			return nil, ErrRefreshInvalid
		}
		return nil, mapSessionErr(err)
	}

	user, err := e.userProvider.GetUserByID(ctx, sess.UserID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err != nil || user.Status != AccountActive {
		if _, closeErr := e.sessions.Close(ctx, sess.ID, session.ReasonForced); closeErr != nil {
			return nil, mapSessionErr(closeErr)
		}
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, AuditRefreshFailure, sess.UserID, sess.ID, false, ErrAccountDisabled, nil)
		return nil, ErrRefreshInvalid
	}

	issued, err := e.issuer.IssueAccess(ctx, credential.IssueRequest{
		UserID:      user.UserID,
		SessionID:   sess.ID,
		Roles:       user.Roles,
		Permissions: e.permissionsFor(user),
		OrgID:       user.OrgID,
		BranchIDs:   user.BranchIDs,
	})
	if err != nil {
		return nil, mapLockoutErr(err)
	}
	if err := e.sessions.ReplaceAccessToken(ctx, sess.ID, issued.TokenID, issued.ExpiresAt); err != nil {
		if revokeErr := e.issuer.Revoke(ctx, issued.TokenID, user.UserID, issued.ExpiresAt, session.ReasonSuperseded); revokeErr != nil {
			e.logger.Error("orphan access token not revoked", zap.String("token_id", issued.TokenID), zap.Error(revokeErr))
		}
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrNotFound) {
			return nil, ErrRefreshInvalid
		}
		return nil, mapSessionErr(err)
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, AuditRefreshSuccess, user.UserID, sess.ID, true, nil, nil)
	return &LoginResult{
		UserID:           user.UserID,
		SessionID:        sess.ID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.ExpiresAt,
		RefreshToken:     refreshSecret,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// Logout closes one session and revokes its access token. Logging out an
// already closed session is a no-op.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	closed, err := e.sessions.Close(ctx, sessionID, session.ReasonLogout)
	if err != nil {
		return mapSessionErr(err)
	}
	if closed {
		e.metricInc(MetricLogout)
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, AuditLogout, "", sessionID, true, nil, nil)
	}
	return nil
}

// LogoutAll closes every active session of userID except exceptSessionID
// (which may be empty) and returns how many were closed.
func (e *Engine) LogoutAll(ctx context.Context, userID, exceptSessionID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	n, err := e.sessions.CloseAllForUser(ctx, userID, session.ReasonLogoutAll, exceptSessionID)
	if err != nil {
		return n, mapSessionErr(err)
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, AuditLogoutAll, userID, exceptSessionID, true, nil, map[string]string{"closed": fmt.Sprint(n)})
	return n, nil
}

// ForceLogout ends every session of userID and rotates the security stamp
// so outstanding purpose tokens stop validating. Call it after a password
// or role change.
func (e *Engine) ForceLogout(ctx context.Context, userID, reason string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	n, err := e.sessions.CloseAllForUser(ctx, userID, session.ReasonForced, "")
	if err != nil {
		return n, mapSessionErr(err)
	}
	if _, err := e.lockout.RotateSecurityStamp(ctx, userID); err != nil {
		return n, mapLockoutErr(err)
	}
	e.metricInc(MetricForceLogout)
	e.emitAudit(ctx, AuditForceLogout, userID, "", true, nil, map[string]string{"reason": reason, "closed": fmt.Sprint(n)})
	return n, nil
}

// Heartbeat records activity on a session. Writes closer together than
// the configured interval are skipped.
func (e *Engine) Heartbeat(ctx context.Context, sessionID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return mapSessionErr(e.sessions.Heartbeat(ctx, sessionID))
}

// Sessions lists the active sessions of userID, earliest first.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	list, err := e.sessions.ListActive(ctx, userID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, SessionInfo{
			SessionID:      s.ID,
			IssuedAt:       s.IssuedAt,
			ExpiresAt:      s.ExpiresAt,
			LastActivityAt: s.LastActivityAt,
			SourceAddress:  s.SourceAddress,
			Device:         s.Device,
		})
	}
	return out, nil
}

// UnlockAccount clears a lockout and the failure counter.
func (e *Engine) UnlockAccount(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.lockout.ManualUnlock(ctx, userID); err != nil {
		return mapLockoutErr(err)
	}
	e.metricInc(MetricAccountUnlocked)
	e.emitAudit(ctx, AuditAccountUnlocked, userID, "", true, nil, nil)
	return nil
}

// IsLocked reports whether userID is currently locked out.
func (e *Engine) IsLocked(ctx context.Context, userID string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	locked, err := e.lockout.IsLocked(ctx, userID)
	if err != nil {
		return false, mapLockoutErr(err)
	}
	return locked, nil
}

// Alerts returns threat alerts raised at or after since. It is empty when
// threat detection is disabled.
func (e *Engine) Alerts(ctx context.Context, since time.Time) ([]threat.Alert, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.detector == nil {
		return nil, nil
	}
	return e.detector.Alerts(ctx, since)
}

func toClaims(c *jwt.Claims) *Claims {
	out := &Claims{
		Subject:       c.Subject,
		TokenID:       c.ID,
		SessionID:     c.SessionID,
		Roles:         c.Roles,
		Permissions:   c.Permissions,
		OrgID:         c.OrgID,
		BranchIDs:     c.BranchIDs,
		SecurityStamp: c.SecurityStamp,
		Purpose:       c.Purpose,
		Data:          c.Data,
		Extra:         c.Extra,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}

func mapLockoutErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lockout.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	case errors.Is(err, lockout.ErrStoreUnavailable):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return err
	}
}

func mapSessionErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrStoreUnavailable), errors.Is(err, revocation.ErrStoreUnavailable):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return err
	}
}
