package authcore

import (
	"context"
	"errors"

	"github.com/jhongo20/BaseAdmin-sub000/notify"
	"go.uber.org/zap"
)

// Audit event types emitted by the engine.
const (
	AuditLoginSuccess    = "login_success"
	AuditLoginFailure    = "login_failure"
	AuditLoginLocked     = "login_locked"
	AuditAccountLocked   = "account_locked"
	AuditAccountUnlocked = "account_unlocked"
	AuditRefreshSuccess  = "refresh_success"
	AuditRefreshFailure  = "refresh_failure"
	AuditLogout          = "logout"
	AuditLogoutAll       = "logout_all"
	AuditForceLogout     = "force_logout"
	AuditPurposeIssued   = "purpose_token_issued"
	AuditPurposeConsumed = "purpose_token_consumed"
)

func (e *Engine) emitAudit(ctx context.Context, eventType, userID, sessionID string, success bool, err error, meta map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	ev := notify.Event{
		Timestamp: e.clock.Now(),
		Type:      eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        ClientIPFromContext(ctx),
		Success:   success,
		Metadata:  meta,
	}
	if err != nil {
		ev.Message = err.Error()
	}
	if emitErr := e.audit.Emit(ctx, ev); emitErr != nil && !errors.Is(emitErr, notify.ErrDropped) {
		e.logger.Warn("audit emit failed", zap.String("type", eventType), zap.Error(emitErr))
	}
}

// AuditDropped returns the number of audit events dropped under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}
