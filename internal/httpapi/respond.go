package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	authcore "github.com/jhongo20/BaseAdmin-sub000"
)

const maxBodyBytes = 16 << 10

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// decode reads a JSON body into dst and runs its validate tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be a JSON object")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error:  "validation_failed",
				Fields: fieldErrors(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

func fieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			out[fe.Field()] = "is required"
		case "max":
			out[fe.Field()] = fmt.Sprintf("must be at most %s characters", fe.Param())
		default:
			out[fe.Field()] = fmt.Sprintf("failed %q check", fe.Tag())
		}
	}
	return out
}

// writeEngineError renders an engine error. Token and refresh failures are
// indistinguishable to the caller.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authcore.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
	case errors.Is(err, authcore.ErrTokenInvalid), errors.Is(err, authcore.ErrRefreshInvalid):
		unauthorized(w)
	case errors.Is(err, authcore.ErrAccountLocked):
		writeError(w, http.StatusLocked, "account_locked", "account locked, try later")
	case errors.Is(err, authcore.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, "account_disabled", "account disabled")
	case errors.Is(err, authcore.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "")
	case errors.Is(err, authcore.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "conflict", "concurrent update, retry")
	case errors.Is(err, authcore.ErrStoreUnavailable), errors.Is(err, authcore.ErrEngineClosed):
		s.logger.Error("backend unavailable", zapRequest(r), zapErr(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "")
	default:
		s.logger.Error("unhandled engine error", zapRequest(r), zapErr(err))
		writeError(w, http.StatusInternalServerError, "internal", "")
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="authcore"`)
	writeError(w, http.StatusUnauthorized, "unauthorized", "")
}
