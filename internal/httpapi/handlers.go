package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	authcore "github.com/jhongo20/BaseAdmin-sub000"
	"github.com/jhongo20/BaseAdmin-sub000/middleware"
	"github.com/jhongo20/BaseAdmin-sub000/threat"
)

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=320"`
	Password   string `json:"password" validate:"required,max=1024"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=512"`
}

type logoutAllRequest struct {
	KeepCurrent bool `json:"keep_current"`
}

type tokenResponse struct {
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type meResponse struct {
	UserID      string            `json:"user_id"`
	SessionID   string            `json:"session_id"`
	Roles       []string          `json:"roles,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	OrgID       string            `json:"org_id,omitempty"`
	BranchIDs   []string          `json:"branch_ids,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

func tokens(res *authcore.LoginResult, now time.Time) tokenResponse {
	return tokenResponse{
		UserID:           res.UserID,
		SessionID:        res.SessionID,
		AccessToken:      res.AccessToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(res.AccessExpiresAt.Sub(now).Seconds()),
		ExpiresAt:        res.AccessExpiresAt,
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.Authenticate(r.Context(), req.Identifier, req.Password)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens(res, s.clock.Now()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.RefreshSession(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens(res, s.clock.Now()))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	if err := s.engine.Logout(r.Context(), claims.SessionID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	var req logoutAllRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	claims, _ := middleware.ClaimsFromContext(r.Context())
	except := ""
	if req.KeepCurrent {
		except = claims.SessionID
	}
	n, err := s.engine.LogoutAll(r.Context(), claims.Subject, except)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, meResponse{
		UserID:      claims.Subject,
		SessionID:   claims.SessionID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		OrgID:       claims.OrgID,
		BranchIDs:   claims.BranchIDs,
		Extra:       claims.Extra,
		ExpiresAt:   claims.ExpiresAt,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	list, err := s.engine.Sessions(r.Context(), claims.Subject)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	since := s.clock.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be RFC 3339")
			return
		}
		since = t
	}
	alerts, err := s.engine.Alerts(r.Context(), since)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []threat.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.engine.UnlockAccount(r.Context(), userID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
