package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	authcore "github.com/jhongo20/BaseAdmin-sub000"
	"github.com/jhongo20/BaseAdmin-sub000/clock"
	"github.com/jhongo20/BaseAdmin-sub000/middleware"
	"github.com/jhongo20/BaseAdmin-sub000/threat"
	"go.uber.org/zap"
)

// Engine is the part of [authcore.Engine] the API calls.
type Engine interface {
	Authenticate(ctx context.Context, identifier, password string) (*authcore.LoginResult, error)
	ValidateRequest(ctx context.Context, accessToken string) (*authcore.Claims, error)
	RefreshSession(ctx context.Context, refreshSecret string) (*authcore.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	LogoutAll(ctx context.Context, userID, exceptSessionID string) (int, error)
	Sessions(ctx context.Context, userID string) ([]authcore.SessionInfo, error)
	UnlockAccount(ctx context.Context, userID string) error
	Alerts(ctx context.Context, since time.Time) ([]threat.Alert, error)
}

// Options tune the router.
type Options struct {
	AllowedOrigins []string
	// AdminRole gates the /v1/admin routes.
	AdminRole      string
	RequestTimeout time.Duration
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them; otherwise
	// callers choose the source address the threat rules key on.
	TrustProxyHeaders bool
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Clock   clock.Clock
}

// Server holds the handlers. Use [Server.Routes] to obtain the router.
type Server struct {
	engine   Engine
	logger   *zap.Logger
	validate *validator.Validate
	clock    clock.Clock
	opts     Options
}

func NewServer(engine Engine, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AdminRole == "" {
		opts.AdminRole = "admin"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{
		engine:   engine,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    clock.OrSystem(opts.Clock),
		opts:     opts,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if s.opts.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(s.opts.RequestTimeout))
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(middleware.ClientInfo)

	r.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Guard(s.engine))
			r.Post("/logout", s.handleLogout)
			r.Post("/logout-all", s.handleLogoutAll)
			r.Get("/me", s.handleMe)
			r.Get("/sessions", s.handleSessions)
		})
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(middleware.Guard(s.engine))
		r.Use(middleware.RequireRole(s.opts.AdminRole))
		r.Get("/alerts", s.handleAlerts)
		r.Post("/users/{userID}/unlock", s.handleUnlock)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zapRequest(r),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func zapRequest(r *http.Request) zap.Field {
	return zap.Dict("request",
		zap.String("id", chimw.GetReqID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote", r.RemoteAddr))
}

func zapErr(err error) zap.Field { return zap.Error(err) }
