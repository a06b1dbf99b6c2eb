package threat

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps backend failures.
var ErrStoreUnavailable = errors.New("threat store unavailable")

// Severity ranks alerts.
type Severity uint8

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AlertType names a detection rule.
type AlertType string

const (
	AlertMultipleFailedLogins           AlertType = "multiple_failed_logins"
	AlertMultipleAccountsFromSameSource AlertType = "multiple_accounts_from_same_source"
	AlertPossibleBruteForce             AlertType = "possible_brute_force"
	AlertAccountLocked                  AlertType = "account_locked"
)

// FailedAttempt is one failed login.
type FailedAttempt struct {
	Username      string    `json:"username"`
	SourceAddress string    `json:"source,omitempty"`
	Timestamp     time.Time `json:"ts"`
}

// Alert is an append-only detection record. Subject is a username or a
// source address depending on the rule.
type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// WindowStore keeps failed attempts indexed by username and source.
type WindowStore interface {
	Append(ctx context.Context, a FailedAttempt) error
	// ByUsername returns attempts for username at or after since.
	ByUsername(ctx context.Context, username string, since time.Time) ([]FailedAttempt, error)
	// BySource returns attempts from source at or after since.
	BySource(ctx context.Context, source string, since time.Time) ([]FailedAttempt, error)
	// ActiveSubjects returns every username and source with an attempt at
	// or after since.
	ActiveSubjects(ctx context.Context, since time.Time) (usernames, sources []string, err error)
	// Prune deletes attempts older than before.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// AlertStore keeps raised alerts and the suppression marks.
type AlertStore interface {
	// Raise records a unless an alert with the same type and subject was
	// recorded less than suppressFor before a.Timestamp. It reports whether
	// a was recorded.
	Raise(ctx context.Context, a Alert, suppressFor time.Duration) (bool, error)
	// List returns alerts at or after since, oldest first.
	List(ctx context.Context, since time.Time) ([]Alert, error)
	// Prune deletes alerts older than before.
	Prune(ctx context.Context, before time.Time) (int, error)
}
