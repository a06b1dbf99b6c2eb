package credential

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jhongo20/BaseAdmin-sub000/jwt"
	"github.com/jhongo20/BaseAdmin-sub000/revocation"

	gjwt "github.com/golang-jwt/jwt/v5"
)

// Purpose names accepted by IssuePurpose.
const (
	PurposePasswordReset     = "password_reset"
	PurposeEmailVerification = "email_verification"
	PurposeUnlock            = "account_unlock"
)

const reasonConsumed = "purpose_consumed"

// IssuePurpose mints a short-lived token usable only for purpose. A zero
// ttl uses Config.PurposeTTL. The token carries the user's current security
// stamp so rotating the stamp invalidates it.
func (i *Issuer) IssuePurpose(ctx context.Context, userID, purpose string, ttl time.Duration, data map[string]string) (string, error) {
	if userID == "" || purpose == "" {
		return "", errors.New("credential: user id and purpose are required")
	}
	if err := jwt.ValidateExtra(data); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = i.cfg.PurposeTTL
	}
	stamp, err := i.stamps.SecurityStamp(ctx, userID)
	if err != nil {
		return "", err
	}
	now := i.clock.Now()
	claims := &jwt.Claims{
		Purpose:       purpose,
		SecurityStamp: stamp,
		Data:          data,
		RegisteredClaims: gjwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  gjwt.NewNumericDate(now),
			ExpiresAt: gjwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return i.tokens.Sign(claims)
}

// VerifyPurpose checks signature, lifetime, purpose, revocation and the
// security stamp. It does not consume the token.
func (i *Issuer) VerifyPurpose(ctx context.Context, token, purpose string) (*jwt.Claims, error) {
	claims, err := i.parse(ctx, token, true)
	if err != nil {
		return nil, err
	}
	if purpose == "" || claims.Purpose != purpose {
		return nil, ErrTokenInvalid
	}
	stamp, err := i.stamps.SecurityStamp(ctx, claims.Subject)
	if err != nil || stamp != claims.SecurityStamp {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ConsumePurpose verifies the token and then revokes its id so a second
// use fails. When two callers race, only the one whose revocation lands
// first succeeds.
func (i *Issuer) ConsumePurpose(ctx context.Context, token, purpose string) (*jwt.Claims, error) {
	claims, err := i.VerifyPurpose(ctx, token, purpose)
	if err != nil {
		return nil, err
	}
	first, err := i.revoked.Claim(ctx, revocation.Record{
		TokenID:        claims.ID,
		UserID:         claims.Subject,
		MirroredExpiry: claims.ExpiresAt.Time,
		Reason:         reasonConsumed,
	})
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
