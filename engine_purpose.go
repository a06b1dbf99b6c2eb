package authcore

import (
	"context"
	"time"
)

// IssuePurposeToken mints a single-use token for purpose (password reset,
// email verification, unlock). A zero ttl uses JWT.PurposeTTL.
func (e *Engine) IssuePurposeToken(ctx context.Context, userID, purpose string, ttl time.Duration, data map[string]string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	token, err := e.issuer.IssuePurpose(ctx, userID, purpose, ttl, data)
	if err != nil {
		return "", mapLockoutErr(err)
	}
	e.metricInc(MetricPurposeIssued)
	e.emitAudit(ctx, AuditPurposeIssued, userID, "", true, nil, map[string]string{"purpose": purpose})
	return token, nil
}

// VerifyPurposeToken checks a purpose token without consuming it.
func (e *Engine) VerifyPurposeToken(ctx context.Context, token, purpose string) (*Claims, error) {
	if err := e.ready(); err != nil {
		return nil, ErrTokenInvalid
	}
	claims, err := e.issuer.VerifyPurpose(ctx, token, purpose)
	if err != nil {
		e.metricInc(MetricPurposeRejected)
		return nil, ErrTokenInvalid
	}
	return toClaims(claims), nil
}

// ConsumePurposeToken verifies and burns a purpose token. A second
// consumption of the same token fails with [ErrTokenInvalid].
func (e *Engine) ConsumePurposeToken(ctx context.Context, token, purpose string) (*Claims, error) {
	if err := e.ready(); err != nil {
		return nil, ErrTokenInvalid
	}
	claims, err := e.issuer.ConsumePurpose(ctx, token, purpose)
	if err != nil {
		e.metricInc(MetricPurposeRejected)
		return nil, ErrTokenInvalid
	}
	e.metricInc(MetricPurposeConsumed)
	e.emitAudit(ctx, AuditPurposeConsumed, claims.Subject, "", true, nil, map[string]string{"purpose": purpose})
	return toClaims(claims), nil
}
