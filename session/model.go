package session

import "time"

// Session is one authenticated session. RefreshHash is the SHA-256 of the
// refresh secret handed to the client.
type Session struct {
	ID              string
	UserID          string
	AccessTokenID   string
	AccessExpiresAt time.Time
	RefreshHash     [32]byte

	IssuedAt       time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time

	SourceAddress string
	Device        string

	Revoked       bool
	RevokedReason string
	ClosedAt      time.Time
}

// ActiveAt reports whether s is neither revoked nor expired at now.
func (s *Session) ActiveAt(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// NewSession describes a session about to be created. ID is optional;
// callers that embed the session id in a token generate it up front.
type NewSession struct {
	ID              string
	UserID          string
	AccessTokenID   string
	AccessExpiresAt time.Time
	RefreshHash     [32]byte
	TTL             time.Duration
	SourceAddress   string
	Device          string
}

// Close reasons recorded on revoked sessions.
const (
	ReasonLogout     = "logout"
	ReasonLogoutAll  = "logout_all"
	ReasonEvicted    = "session_limit"
	ReasonRefreshed  = "refreshed"
	ReasonForced     = "forced"
	ReasonSuperseded = "superseded"
)
