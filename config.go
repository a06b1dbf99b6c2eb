package authcore

import (
	"errors"
	"time"
)

// Config is the full engine configuration. Start from [DefaultConfig] and
// override what differs; Build calls Validate.
type Config struct {
	JWT         JWTConfig
	Session     SessionConfig
	Lockout     LockoutConfig
	Threat      ThreatConfig
	Password    PasswordConfig
	Maintenance MaintenanceConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls access, refresh and purpose token issuance.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	PurposeTTL    time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the session store. A session lives as long as
// its refresh secret (JWT.RefreshTTL).
type SessionConfig struct {
	// MaxPerUser caps active sessions per user; the earliest-issued session
	// is evicted on overflow. Zero disables the cap.
	MaxPerUser        int
	HeartbeatInterval time.Duration
	RedisPrefix       string
	// PruneGrace keeps closed and expired sessions around for inspection
	// before Prune deletes them.
	PruneGrace time.Duration
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls the failed-login lockout.
type LockoutConfig struct {
	Enabled           bool
	MaxFailedAttempts int
	Duration          time.Duration
	ConflictRetries   uint
	RedisPrefix       string
}

/*
====================================
THREAT CONFIG
====================================
*/

// ThreatConfig controls the credential-attack detector.
type ThreatConfig struct {
	Enabled                   bool
	FailedLoginThreshold      int
	FailedLoginWindow         time.Duration
	MultipleAccountsThreshold int
	VelocityThreshold         int
	VelocityWindow            time.Duration
	AttemptRetention          time.Duration
	AlertRetention            time.Duration
	RedisPrefix               string
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds Argon2id parameters.
type PasswordConfig struct {
	Memory           uint32
	Time             uint32
	Parallelism      uint8
	SaltLength       uint32
	KeyLength        uint32
	MaxPasswordBytes int
	// UpgradeOnLogin re-hashes legacy or weaker hashes after a successful
	// login.
	UpgradeOnLogin bool
}

/*
====================================
MAINTENANCE CONFIG
====================================
*/

// MaintenanceConfig controls the background tasks owned by the engine.
type MaintenanceConfig struct {
	Enabled bool
	// SweepInterval drives the threat detector sweep.
	SweepInterval time.Duration
	// PruneInterval drives revocation and session pruning.
	PruneInterval time.Duration
	TaskTimeout   time.Duration
}

/*
====================================
AUDIT & METRICS CONFIG
====================================
*/

// AuditConfig controls delivery of security events to the notification sink.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production defaults. Signing keys are left empty
// and must be supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			PurposeTTL:    time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "authcore",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			MaxPerUser:        5,
			HeartbeatInterval: time.Minute,
			RedisPrefix:       "as",
			PruneGrace:        24 * time.Hour,
		},
		Lockout: LockoutConfig{
			Enabled:           true,
			MaxFailedAttempts: 5,
			Duration:          15 * time.Minute,
			ConflictRetries:   5,
			RedisPrefix:       "alo",
		},
		Threat: ThreatConfig{
			Enabled:                   true,
			FailedLoginThreshold:      5,
			FailedLoginWindow:         15 * time.Minute,
			MultipleAccountsThreshold: 3,
			VelocityThreshold:         10,
			VelocityWindow:            5 * time.Minute,
			AttemptRetention:          24 * time.Hour,
			AlertRetention:            30 * 24 * time.Hour,
			RedisPrefix:               "thr",
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		Maintenance: MaintenanceConfig{
			Enabled:       true,
			SweepInterval: 5 * time.Minute,
			PruneInterval: time.Hour,
			TaskTimeout:   time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be >= AccessTTL")
	}
	if c.JWT.PurposeTTL <= 0 {
		return errors.New("JWT PurposeTTL must be > 0")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be within [0, 2m]")
	}

	// Session
	if c.Session.MaxPerUser < 0 {
		return errors.New("Session MaxPerUser must be >= 0")
	}
	if c.Session.HeartbeatInterval < 0 {
		return errors.New("Session HeartbeatInterval must be >= 0")
	}
	if c.Session.PruneGrace < 0 {
		return errors.New("Session PruneGrace must be >= 0")
	}

	// Lockout
	if c.Lockout.Enabled {
		if c.Lockout.MaxFailedAttempts <= 0 {
			return errors.New("Lockout MaxFailedAttempts must be > 0")
		}
		if c.Lockout.Duration <= 0 {
			return errors.New("Lockout Duration must be > 0")
		}
	}

	// Threat
	if c.Threat.Enabled {
		if c.Threat.FailedLoginThreshold <= 0 || c.Threat.MultipleAccountsThreshold <= 0 || c.Threat.VelocityThreshold <= 0 {
			return errors.New("Threat thresholds must be > 0")
		}
		if c.Threat.FailedLoginWindow <= 0 || c.Threat.VelocityWindow <= 0 {
			return errors.New("Threat windows must be > 0")
		}
		if c.Threat.AttemptRetention < c.Threat.FailedLoginWindow || c.Threat.AttemptRetention < c.Threat.VelocityWindow {
			return errors.New("Threat AttemptRetention must cover every window")
		}
		if c.Threat.AlertRetention <= 0 {
			return errors.New("Threat AlertRetention must be > 0")
		}
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MaxPasswordBytes < 0 {
		return errors.New("Password MaxPasswordBytes must be >= 0")
	}

	// Maintenance
	if c.Maintenance.Enabled {
		if c.Maintenance.SweepInterval <= 0 || c.Maintenance.PruneInterval <= 0 {
			return errors.New("Maintenance intervals must be > 0")
		}
		if c.Maintenance.TaskTimeout < 0 {
			return errors.New("Maintenance TaskTimeout must be >= 0")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	return nil
}
