package authcore

import (
	"errors"
	"fmt"
	"time"

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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an [Engine]. Without a redis client every store is
// in-process, which suits tests and single-instance deployments.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userProvider UserProvider
	sink         notify.Sink
	logger       *zap.Logger
	clock        clock.Clock

	revocationStore revocation.Store
	lockoutStore    lockout.Store
	roles           map[string][]string

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis backs sessions, revocations, lockout state and threat windows
// with redis unless a more specific store was set.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithNotificationSink sets where audit events and urgent alerts go.
// The default logs them through the engine logger.
func (b *Builder) WithNotificationSink(sink notify.Sink) *Builder {
	b.sink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithClock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// WithRevocationStore overrides the revocation backend, e.g. with the
// postgres store.
func (b *Builder) WithRevocationStore(store revocation.Store) *Builder {
	b.revocationStore = store
	return b
}

// WithLockoutStore overrides the lockout backend.
func (b *Builder) WithLockoutStore(store lockout.Store) *Builder {
	b.lockoutStore = store
	return b
}

// WithRoles maps role names to the permissions they grant. Access tokens
// then carry the union of a user's own permissions and those of its roles.
func (b *Builder) WithRoles(roles map[string][]string) *Builder {
	b.roles = roles
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component. A Builder
// can be used once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := clock.OrSystem(b.clock)
	sink := b.sink
	if sink == nil {
		sink = notify.NewLogSink(logger.Named("audit"))
	}

	// -------- TOKENS --------
	jm, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		KeyID:         cfg.JWT.KeyID,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		Now:           clk.Now,
	})
	if err != nil {
		return nil, err
	}

	// -------- REVOCATION --------
	// Records outlive the leeway the parser grants past exp.
	revocationGrace := cfg.JWT.Leeway + revocation.DefaultRedisGrace
	revStore := b.revocationStore
	if revStore == nil && b.redis != nil {
		revStore = revocation.NewRedisStore(b.redis, "", revocation.WithRedisGrace(revocationGrace))
	}
	registry := revocation.NewRegistry(revStore,
		revocation.WithClock(clk), revocation.WithLogger(logger.Named("revocation")),
		revocation.WithPruneGrace(revocationGrace))

	// -------- LOCKOUT --------
	lockStore := b.lockoutStore
	if lockStore == nil && b.redis != nil {
		lockStore = lockout.NewRedisStore(b.redis, cfg.Lockout.RedisPrefix)
	}
	guard, err := lockout.NewGuard(lockStore, lockout.Policy{
		Enabled:           cfg.Lockout.Enabled,
		MaxFailedAttempts: cfg.Lockout.MaxFailedAttempts,
		Duration:          cfg.Lockout.Duration,
	},
		lockout.WithClock(clk),
		lockout.WithLogger(logger.Named("lockout")),
		lockout.WithConflictRetries(cfg.Lockout.ConflictRetries, 5*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}

	// -------- SESSIONS --------
	var repo session.Repository = session.NewMemoryRepository()
	if b.redis != nil {
		repo = session.NewRedisRepository(b.redis, cfg.Session.RedisPrefix)
	}
	sessions, err := session.NewStore(repo, registry, session.Config{
		MaxPerUser:        cfg.Session.MaxPerUser,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
	}, session.WithClock(clk), session.WithLogger(logger.Named("session")))
	if err != nil {
		return nil, err
	}

	// -------- CREDENTIALS --------
	issuer, err := credential.NewIssuer(jm, registry, guard, sessions, credential.Config{
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
		PurposeTTL: cfg.JWT.PurposeTTL,
	}, credential.WithClock(clk), credential.WithLogger(logger.Named("credential")))
	if err != nil {
		return nil, err
	}

	// -------- ROLES --------
	var roles *permission.RoleManager
	if len(b.roles) > 0 {
		roles, err = permission.FromMap(b.roles)
		if err != nil {
			return nil, fmt.Errorf("roles: %w", err)
		}
	}

	// -------- PASSWORDS --------
	argon, err := password.NewArgon2(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MaxPasswordBytes: cfg.Password.MaxPasswordBytes,
	})
	if err != nil {
		return nil, err
	}
	passwords, err := password.NewVerifier(argon)
	if err != nil {
		return nil, err
	}

	// -------- THREAT DETECTION --------
	var detector *threat.Detector
	if cfg.Threat.Enabled {
		var (
			windows threat.WindowStore = threat.NewMemoryWindowStore()
			alerts  threat.AlertStore  = threat.NewMemoryAlertStore()
		)
		if b.redis != nil {
			windows = threat.NewRedisWindowStore(b.redis, cfg.Threat.RedisPrefix+":w", cfg.Threat.AttemptRetention)
			alerts = threat.NewRedisAlertStore(b.redis, cfg.Threat.RedisPrefix+":a")
		}
		suppress := cfg.Lockout.Duration
		if suppress <= 0 {
			suppress = cfg.Threat.FailedLoginWindow
		}
		detector, err = threat.NewDetector(threat.Config{
			FailedLoginThreshold:      cfg.Threat.FailedLoginThreshold,
			FailedLoginWindow:         cfg.Threat.FailedLoginWindow,
			MultipleAccountsThreshold: cfg.Threat.MultipleAccountsThreshold,
			VelocityThreshold:         cfg.Threat.VelocityThreshold,
			VelocityWindow:            cfg.Threat.VelocityWindow,
			AttemptRetention:          cfg.Threat.AttemptRetention,
			AlertRetention:            cfg.Threat.AlertRetention,
			AccountLockedSuppression:  suppress,
		}, windows, alerts,
			threat.WithClock(clk),
			threat.WithLogger(logger.Named("threat")),
			threat.WithSink(sink),
		)
		if err != nil {
			return nil, err
		}
	}

	engine := &Engine{
		config:       cfg,
		clock:        clk,
		logger:       logger,
		userProvider: b.userProvider,
		issuer:       issuer,
		registry:     registry,
		sessions:     sessions,
		lockout:      guard,
		detector:     detector,
		passwords:    passwords,
		roles:        roles,
		metrics:      NewMetrics(cfg.Metrics),
	}
	if cfg.Audit.Enabled {
		engine.audit = notify.NewDispatcher(notify.DispatcherConfig{
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, sink, logger.Named("audit"))
	}

	// -------- MAINTENANCE --------
	if cfg.Maintenance.Enabled {
		engine.scheduler = scheduler.New(logger.Named("scheduler"))
		if err := engine.scheduleMaintenance(); err != nil {
			engine.Close()
			return nil, fmt.Errorf("schedule maintenance: %w", err)
		}
	}

	b.built = true

	return engine, nil
}
