package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod names the pinned signing algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA over Ed25519 keys.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with HMAC-SHA256 over a shared secret.
	MethodHS256 SigningMethod = "hs256"
)

const (
	// MaxExtraClaims bounds the extension map carried by a token.
	MaxExtraClaims = 16
	// MaxExtraValueLen bounds every extension value.
	MaxExtraValueLen = 256
)

var (
	// ErrUnexpectedAlgorithm is returned when a token header names another algorithm.
	ErrUnexpectedAlgorithm = errors.New("unexpected signing algorithm")
	// ErrExtraClaims is returned when an extension map breaks the claim bounds.
	ErrExtraClaims = errors.New("invalid extension claims")
)

var reservedClaimNames = []string{
	"iss", "sub", "aud", "exp", "nbf", "iat", "jti",
	"sid", "roles", "perms", "org", "branches", "stamp", "purpose", "data", "ext",
}

// Config holds signing keys and validation policy.
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
	Now           func() time.Time
}

// Claims is the typed claim set carried by access and purpose tokens.
// Extra is the only open-ended part and is bounded by [ValidateExtra].
type Claims struct {
	SessionID     string            `json:"sid,omitempty"`
	Roles         []string          `json:"roles,omitempty"`
	Permissions   []string          `json:"perms,omitempty"`
	OrgID         string            `json:"org,omitempty"`
	BranchIDs     []string          `json:"branches,omitempty"`
	SecurityStamp string            `json:"stamp,omitempty"`
	Purpose       string            `json:"purpose,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Extra         map[string]string `json:"ext,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and parses tokens with a single pinned algorithm.
// It is safe for concurrent use.
type Manager struct {
	config Config
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	return &Manager{config: cfg}, nil
}

// Sign fills issuer, audience and issued-at, then signs claims.
// The caller owns subject, token id and expiry.
func (j *Manager) Sign(claims *Claims) (string, error) {
	if claims == nil {
		return "", errors.New("nil claims")
	}
	if claims.ID == "" || claims.Subject == "" || claims.ExpiresAt == nil {
		return "", errors.New("claims require jti, sub and exp")
	}
	if err := ValidateExtra(claims.Extra); err != nil {
		return "", err
	}

	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(j.config.Now())
	}
	claims.Issuer = j.config.Issuer
	if j.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.config.Audience}
	}

	token := jwt.NewWithClaims(j.getMethod(), claims)
	if j.config.KeyID != "" {
		token.Header["kid"] = j.config.KeyID
	}

	signKey, err := j.getSignKey()
	if err != nil {
		return "", err
	}

	return token.SignedString(signKey)
}

// Parse verifies signature, algorithm, issuer and audience. When
// checkLifetime is false, expiry and not-before are ignored but the
// issuer/audience checks still apply.
func (j *Manager) Parse(tokenStr string, checkLifetime bool) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.getMethod().Alg()}),
		jwt.WithTimeFunc(j.config.Now),
	}
	if checkLifetime {
		options = append(options, jwt.WithExpirationRequired())
		if j.config.Leeway > 0 {
			options = append(options, jwt.WithLeeway(j.config.Leeway))
		}
		if j.config.Issuer != "" {
			options = append(options, jwt.WithIssuer(j.config.Issuer))
		}
		if j.config.Audience != "" {
			options = append(options, jwt.WithAudience(j.config.Audience))
		}
	} else {
		options = append(options, jwt.WithoutClaimsValidation())
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, j.keyFunc)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if !checkLifetime {
		if j.config.Issuer != "" && claims.Issuer != j.config.Issuer {
			return nil, jwt.ErrTokenInvalidIssuer
		}
		if j.config.Audience != "" && !slices.Contains(claims.Audience, j.config.Audience) {
			return nil, jwt.ErrTokenInvalidAudience
		}
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.IssuedAt != nil && j.config.MaxFutureIAT > 0 {
		maxAllowed := j.config.Now().Add(j.config.MaxFutureIAT)
		if claims.IssuedAt.Time.After(maxAllowed) {
			return nil, errors.New("token iat too far in the future")
		}
	}
	if err := ValidateExtra(claims.Extra); err != nil {
		return nil, err
	}

	return claims, nil
}

// ValidateExtra enforces the extension-claim bounds: at most
// [MaxExtraClaims] keys, no reserved names, values up to [MaxExtraValueLen].
func ValidateExtra(extra map[string]string) error {
	if len(extra) > MaxExtraClaims {
		return fmt.Errorf("%w: too many keys", ErrExtraClaims)
	}
	for k, v := range extra {
		if k == "" || slices.Contains(reservedClaimNames, k) {
			return fmt.Errorf("%w: reserved or empty key %q", ErrExtraClaims, k)
		}
		if len(v) > MaxExtraValueLen {
			return fmt.Errorf("%w: value for %q too long", ErrExtraClaims, k)
		}
	}
	return nil
}

func (j *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != j.getMethod().Alg() {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedAlgorithm, t.Method.Alg())
	}

	if len(j.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := j.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return j.keyBytesToVerifyKey(key)
	}

	if j.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != j.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}

	return j.getVerifyKey()
}

func (j *Manager) getMethod() jwt.SigningMethod {
	switch j.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (j *Manager) getSignKey() (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return j.config.PrivateKey, nil
	default:
		if len(j.config.PrivateKey) == 0 {
			return nil, errors.New("manager has no signing key")
		}
		return parseEdPrivateKey(j.config.PrivateKey)
	}
}

func (j *Manager) getVerifyKey() (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return j.config.PrivateKey, nil
	default:
		return parseEdPublicKey(j.config.PublicKey)
	}
}

func (j *Manager) keyBytesToVerifyKey(key []byte) (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return key, nil
	default:
		return parseEdPublicKey(key)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
