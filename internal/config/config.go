// Package config loads authd settings from the environment and an optional
// .env file using Viper, and turns them into an [authcore.Config].
package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	authcore "github.com/jhongo20/BaseAdmin-sub000"
)

// Settings holds the process configuration read from the environment.
type Settings struct {
	// HTTPAddr is the listen address of the API (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is "development" or "production". Development allows generated
	// signing keys, an embedded redis and a seeded admin.
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// DatabaseURL is the Postgres DSN; empty keeps users, revocations and
	// lockouts in memory or redis.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is a redis:// URL; empty uses in-process stores.
	RedisURL      string `mapstructure:"REDIS_URL"`
	RedisEmbedded bool   `mapstructure:"REDIS_EMBEDDED"`

	AllowedOrigins  []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	AdminRole       string        `mapstructure:"ADMIN_ROLE"`
	TrustProxy      bool          `mapstructure:"TRUST_PROXY_HEADERS"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	// JWTSigningMethod is "ed25519" or "hs256".
	JWTSigningMethod string `mapstructure:"JWT_SIGNING_METHOD"`
	// JWTPrivateKey and JWTPublicKey are PEM text, base64 raw keys or a path to a file holding either.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	JWTPublicKey  string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTSecret is the hs256 shared secret.
	JWTSecret   string        `mapstructure:"JWT_SECRET"`
	JWTKeyID    string        `mapstructure:"JWT_KEY_ID"`
	JWTIssuer   string        `mapstructure:"JWT_ISSUER"`
	JWTAudience string        `mapstructure:"JWT_AUDIENCE"`
	AccessTTL   time.Duration `mapstructure:"JWT_ACCESS_TTL"`
	RefreshTTL  time.Duration `mapstructure:"JWT_REFRESH_TTL"`
	PurposeTTL  time.Duration `mapstructure:"JWT_PURPOSE_TTL"`

	SessionMaxPerUser int `mapstructure:"SESSION_MAX_PER_USER"`

	LockoutMaxFailedAttempts int           `mapstructure:"LOCKOUT_MAX_FAILED_ATTEMPTS"`
	LockoutDuration          time.Duration `mapstructure:"LOCKOUT_DURATION"`

	ThreatEnabled                   bool          `mapstructure:"THREAT_ENABLED"`
	ThreatFailedLoginThreshold      int           `mapstructure:"THREAT_FAILED_LOGIN_THRESHOLD"`
	ThreatFailedLoginWindow         time.Duration `mapstructure:"THREAT_FAILED_LOGIN_WINDOW"`
	ThreatMultipleAccountsThreshold int           `mapstructure:"THREAT_MULTIPLE_ACCOUNTS_THRESHOLD"`

	Argon2MemoryKB uint32 `mapstructure:"ARGON2_MEMORY_KB"`
	Argon2Time     uint32 `mapstructure:"ARGON2_TIME"`

	MetricsLatency bool `mapstructure:"METRICS_LATENCY"`

	// SeedAdminIdentifier and SeedAdminPassword create an admin account in
	// the in-memory user provider. Development only.
	SeedAdminIdentifier string `mapstructure:"SEED_ADMIN_IDENTIFIER"`
	SeedAdminPassword   string `mapstructure:"SEED_ADMIN_PASSWORD"`
}

// Load reads envFile (if present), then builds and validates Settings from
// the environment via Viper. Env vars override the file.
func Load(envFile string) (*Settings, error) {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", envFile, err)
			}
		}
	}

	v.AutomaticEnv()

	def := authcore.DefaultConfig()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_EMBEDDED", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("ADMIN_ROLE", "admin")
	v.SetDefault("TRUST_PROXY_HEADERS", false)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("JWT_SIGNING_METHOD", def.JWT.SigningMethod)
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_KEY_ID", "")
	v.SetDefault("JWT_ISSUER", def.JWT.Issuer)
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("JWT_ACCESS_TTL", def.JWT.AccessTTL.String())
	v.SetDefault("JWT_REFRESH_TTL", def.JWT.RefreshTTL.String())
	v.SetDefault("JWT_PURPOSE_TTL", def.JWT.PurposeTTL.String())
	v.SetDefault("SESSION_MAX_PER_USER", def.Session.MaxPerUser)
	v.SetDefault("LOCKOUT_MAX_FAILED_ATTEMPTS", def.Lockout.MaxFailedAttempts)
	v.SetDefault("LOCKOUT_DURATION", def.Lockout.Duration.String())
	v.SetDefault("THREAT_ENABLED", def.Threat.Enabled)
	v.SetDefault("THREAT_FAILED_LOGIN_THRESHOLD", def.Threat.FailedLoginThreshold)
	v.SetDefault("THREAT_FAILED_LOGIN_WINDOW", def.Threat.FailedLoginWindow.String())
	v.SetDefault("THREAT_MULTIPLE_ACCOUNTS_THRESHOLD", def.Threat.MultipleAccountsThreshold)
	v.SetDefault("ARGON2_MEMORY_KB", def.Password.Memory)
	v.SetDefault("ARGON2_TIME", def.Password.Time)
	v.SetDefault("METRICS_LATENCY", false)
	v.SetDefault("SEED_ADMIN_IDENTIFIER", "")
	v.SetDefault("SEED_ADMIN_PASSWORD", "")

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	s.AllowedOrigins = compact(s.AllowedOrigins)

	if s.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if s.Env != "development" && s.Env != "production" {
		return nil, fmt.Errorf("config: APP_ENV must be development or production, got %q", s.Env)
	}
	if s.RedisEmbedded && !s.Development() {
		return nil, errors.New("config: REDIS_EMBEDDED must not be true when APP_ENV=production")
	}
	if s.SeedAdminIdentifier != "" && !s.Development() {
		return nil, errors.New("config: SEED_ADMIN_IDENTIFIER is only honoured when APP_ENV=development")
	}

	return &s, nil
}

// Development reports whether APP_ENV=development.
func (s *Settings) Development() bool {
	return s.Env == "development"
}

// EngineConfig maps the settings onto [authcore.DefaultConfig] and validates
// the result. In development an ed25519 key pair is generated when none is
// configured; in production missing keys are an error.
func (s *Settings) EngineConfig() (authcore.Config, error) {
	cfg := authcore.DefaultConfig()

	cfg.JWT.SigningMethod = strings.ToLower(s.JWTSigningMethod)
	cfg.JWT.KeyID = s.JWTKeyID
	cfg.JWT.Issuer = s.JWTIssuer
	cfg.JWT.Audience = s.JWTAudience
	cfg.JWT.AccessTTL = s.AccessTTL
	cfg.JWT.RefreshTTL = s.RefreshTTL
	cfg.JWT.PurposeTTL = s.PurposeTTL
	if err := s.loadKeys(&cfg.JWT); err != nil {
		return authcore.Config{}, err
	}

	cfg.Session.MaxPerUser = s.SessionMaxPerUser
	cfg.Lockout.MaxFailedAttempts = s.LockoutMaxFailedAttempts
	cfg.Lockout.Duration = s.LockoutDuration

	cfg.Threat.Enabled = s.ThreatEnabled
	cfg.Threat.FailedLoginThreshold = s.ThreatFailedLoginThreshold
	cfg.Threat.FailedLoginWindow = s.ThreatFailedLoginWindow
	cfg.Threat.MultipleAccountsThreshold = s.ThreatMultipleAccountsThreshold
	if cfg.Threat.AttemptRetention < cfg.Threat.FailedLoginWindow {
		cfg.Threat.AttemptRetention = cfg.Threat.FailedLoginWindow
	}

	cfg.Password.Memory = s.Argon2MemoryKB
	cfg.Password.Time = s.Argon2Time
	cfg.Metrics.EnableLatencyHistograms = s.MetricsLatency

	if err := cfg.Validate(); err != nil {
		return authcore.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (s *Settings) loadKeys(jc *authcore.JWTConfig) error {
	switch jc.SigningMethod {
	case "hs256":
		if s.JWTSecret == "" {
			return errors.New("config: JWT_SECRET must be set for hs256")
		}
		jc.PrivateKey = []byte(s.JWTSecret)
		return nil
	case "ed25519":
	default:
		return fmt.Errorf("config: unsupported JWT_SIGNING_METHOD %q", s.JWTSigningMethod)
	}

	if s.JWTPrivateKey == "" && s.JWTPublicKey == "" {
		if !s.Development() {
			return errors.New("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set")
		}
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("config: generate dev key: %w", err)
		}
		jc.PrivateKey, jc.PublicKey = priv, pub
		return nil
	}

	priv, err := keyMaterial(s.JWTPrivateKey)
	if err != nil {
		return fmt.Errorf("config: JWT_PRIVATE_KEY: %w", err)
	}
	pub, err := keyMaterial(s.JWTPublicKey)
	if err != nil {
		return fmt.Errorf("config: JWT_PUBLIC_KEY: %w", err)
	}
	jc.PrivateKey, jc.PublicKey = priv, pub
	return nil
}

// keyMaterial accepts PEM text, a path to a key file, or base64 of a raw key.
func keyMaterial(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("empty")
	}
	if strings.HasPrefix(value, "-----BEGIN") {
		return []byte(value), nil
	}
	if raw, err := os.ReadFile(value); err == nil {
		return raw, nil
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, errors.New("not PEM, a readable file, or base64")
	}
	return raw, nil
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
