package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jhongo20/BaseAdmin-sub000/clock"
	"github.com/jhongo20/BaseAdmin-sub000/internal"
	"github.com/jhongo20/BaseAdmin-sub000/jwt"
	"github.com/jhongo20/BaseAdmin-sub000/revocation"
	"github.com/jhongo20/BaseAdmin-sub000/session"
	"go.uber.org/zap"

	gjwt "github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenInvalid is the single outcome of every failed verification.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrRefreshInvalid is returned for unknown, closed or expired refresh secrets.
	ErrRefreshInvalid = errors.New("refresh secret invalid")
)

// Revocations is the registry view the issuer needs.
type Revocations interface {
	Add(ctx context.Context, rec revocation.Record) error
	Claim(ctx context.Context, rec revocation.Record) (bool, error)
	IsRevoked(ctx context.Context, tokenID string) bool
}

// Stamps resolves a user's current security stamp.
type Stamps interface {
	SecurityStamp(ctx context.Context, userID string) (string, error)
}

// RefreshSessions finds the open session bound to a refresh hash.
type RefreshSessions interface {
	FindByRefreshHash(ctx context.Context, hash [32]byte) (*session.Session, error)
}

// Config sets default lifetimes.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	PurposeTTL time.Duration
}

// Validate rejects non-positive lifetimes and refresh secrets that would
// outlive nothing.
func (c Config) Validate() error {
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.PurposeTTL <= 0 {
		return errors.New("credential: lifetimes must be positive")
	}
	if c.RefreshTTL < c.AccessTTL {
		return errors.New("credential: refresh ttl must be >= access ttl")
	}
	return nil
}

// Issuer mints and verifies credentials.
type Issuer struct {
	tokens   *jwt.Manager
	revoked  Revocations
	stamps   Stamps
	sessions RefreshSessions
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
}

// Option customizes an Issuer.
type Option func(*Issuer)

func WithClock(c clock.Clock) Option {
	return func(i *Issuer) { i.clock = clock.OrSystem(c) }
}

func WithLogger(l *zap.Logger) Option {
	return func(i *Issuer) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewIssuer wires an Issuer. sessions may be nil when refresh rotation is
// not used.
func NewIssuer(tokens *jwt.Manager, revoked Revocations, stamps Stamps, sessions RefreshSessions, cfg Config, opts ...Option) (*Issuer, error) {
	if tokens == nil || revoked == nil || stamps == nil {
		return nil, errors.New("credential: token manager, revocations and stamps are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	i := &Issuer{
		tokens:   tokens,
		revoked:  revoked,
		stamps:   stamps,
		sessions: sessions,
		cfg:      cfg,
		clock:    clock.System{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Config returns the lifetimes in use.
func (i *Issuer) Config() Config { return i.cfg }

// IssueRequest describes the access token to mint. A zero TTL uses
// Config.AccessTTL.
type IssueRequest struct {
	UserID      string
	SessionID   string
	Roles       []string
	Permissions []string
	OrgID       string
	BranchIDs   []string
	Extra       map[string]string
	TTL         time.Duration
}

// Issued is a freshly minted access token and its companion refresh secret.
// RefreshSecret is plaintext and must only travel to the client.
type Issued struct {
	AccessToken      string
	TokenID          string
	ExpiresAt        time.Time
	RefreshSecret    string
	RefreshHash      [32]byte
	RefreshExpiresAt time.Time
}

// Issue mints an access token with a unique id plus an independent refresh
// secret with the longer refresh lifetime.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	access, err := i.IssueAccess(ctx, req)
	if err != nil {
		return nil, err
	}
	secret, hash, err := internal.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	access.RefreshSecret = secret
	access.RefreshHash = hash
	access.RefreshExpiresAt = i.clock.Now().Add(i.cfg.RefreshTTL)
	return access, nil
}

// IssueAccess mints only the access token. Refresh uses it to rebind an
// existing session.
func (i *Issuer) IssueAccess(ctx context.Context, req IssueRequest) (*Issued, error) {
	if req.UserID == "" {
		return nil, errors.New("credential: user id is required")
	}
	if err := jwt.ValidateExtra(req.Extra); err != nil {
		return nil, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.cfg.AccessTTL
	}
	stamp, err := i.stamps.SecurityStamp(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve security stamp: %w", err)
	}

	now := i.clock.Now()
	exp := now.Add(ttl)
	tokenID := uuid.NewString()
	claims := &jwt.Claims{
		SessionID:     req.SessionID,
		Roles:         req.Roles,
		Permissions:   req.Permissions,
		OrgID:         req.OrgID,
		BranchIDs:     req.BranchIDs,
		SecurityStamp: stamp,
		Extra:         req.Extra,
		RegisteredClaims: gjwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   req.UserID,
			IssuedAt:  gjwt.NewNumericDate(now),
			ExpiresAt: gjwt.NewNumericDate(exp),
		},
	}
	signed, err := i.tokens.Sign(claims)
	if err != nil {
		return nil, err
	}
	return &Issued{AccessToken: signed, TokenID: tokenID, ExpiresAt: exp.Truncate(time.Second)}, nil
}

// VerifyOptions tunes Verify.
type VerifyOptions struct {
	CheckLifetime bool
}

// Verify checks an access token. Purpose tokens are rejected here.
func (i *Issuer) Verify(ctx context.Context, token string, opts VerifyOptions) (*jwt.Claims, error) {
	claims, err := i.parse(ctx, token, opts.CheckLifetime)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (i *Issuer) parse(ctx context.Context, token string, checkLifetime bool) (*jwt.Claims, error) {
	if ctx.Err() != nil {
		return nil, ErrTokenInvalid
	}
	claims, err := i.tokens.Parse(token, checkLifetime)
	if err != nil {
		i.logger.Debug("token rejected", zap.Error(err))
		return nil, ErrTokenInvalid
	}
	if i.revoked.IsRevoked(ctx, claims.ID) {
		return nil, ErrTokenInvalid
	}
	if ctx.Err() != nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Revoke records tokenID as revoked until expiresAt.
func (i *Issuer) Revoke(ctx context.Context, tokenID, userID string, expiresAt time.Time, reason string) error {
	return i.revoked.Add(ctx, revocation.Record{
		TokenID:        tokenID,
		UserID:         userID,
		MirroredExpiry: expiresAt,
		Reason:         reason,
	})
}

// RotateRefresh resolves a refresh secret to its session. It does not mint
// anything; the caller issues the replacement access token.
func (i *Issuer) RotateRefresh(ctx context.Context, secret string) (*session.Session, error) {
	if i.sessions == nil {
		return nil, errors.New("credential: refresh sessions not configured")
	}
	hash, err := internal.HashRefreshToken(secret)
	if err != nil {
		return nil, ErrRefreshInvalid
	}
	sess, err := i.sessions.FindByRefreshHash(ctx, hash)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrExpired) {
			return nil, ErrRefreshInvalid
		}
		return nil, err
	}
	return sess, nil
}
