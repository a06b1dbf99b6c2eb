package threat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jhongo20/BaseAdmin-sub000/clock"
	"github.com/jhongo20/BaseAdmin-sub000/notify"
	"go.uber.org/zap"
)

// Config holds the detection thresholds.
type Config struct {
	FailedLoginThreshold      int
	FailedLoginWindow         time.Duration
	MultipleAccountsThreshold int
	VelocityThreshold         int
	VelocityWindow            time.Duration
	AttemptRetention          time.Duration
	AlertRetention            time.Duration
	// AccountLockedSuppression debounces AccountLocked alerts per user.
	AccountLockedSuppression time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailedLoginThreshold:      5,
		FailedLoginWindow:         15 * time.Minute,
		MultipleAccountsThreshold: 3,
		VelocityThreshold:         10,
		VelocityWindow:            5 * time.Minute,
		AttemptRetention:          24 * time.Hour,
		AlertRetention:            30 * 24 * time.Hour,
		AccountLockedSuppression:  15 * time.Minute,
	}
}

// Validate reports a configuration error.
func (c Config) Validate() error {
	if c.FailedLoginThreshold <= 0 || c.MultipleAccountsThreshold <= 0 || c.VelocityThreshold <= 0 {
		return errors.New("threat: thresholds must be > 0")
	}
	if c.FailedLoginWindow <= 0 || c.VelocityWindow <= 0 {
		return errors.New("threat: windows must be > 0")
	}
	if c.AttemptRetention < c.FailedLoginWindow || c.AttemptRetention < c.VelocityWindow {
		return errors.New("threat: AttemptRetention must cover every rule window")
	}
	if c.AlertRetention <= 0 {
		return errors.New("threat: AlertRetention must be > 0")
	}
	return nil
}

// Detector evaluates the detection rules. It is safe for concurrent use.
type Detector struct {
	cfg     Config
	windows WindowStore
	alerts  AlertStore
	sink    notify.Sink
	clock   clock.Clock
	logger  *zap.Logger
}

// Option customizes a Detector.
type Option func(*Detector)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) { d.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSink sets the sink that receives Critical and AccountLocked alerts.
func WithSink(s notify.Sink) Option {
	return func(d *Detector) {
		if s != nil {
			d.sink = s
		}
	}
}

// NewDetector returns a Detector. Nil stores select in-memory ones.
func NewDetector(cfg Config, windows WindowStore, alerts AlertStore, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if windows == nil {
		windows = NewMemoryWindowStore()
	}
	if alerts == nil {
		alerts = NewMemoryAlertStore()
	}
	d := &Detector{
		cfg:     cfg,
		windows: windows,
		alerts:  alerts,
		sink:    notify.NoOpSink{},
		clock:   clock.System{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// RecordFailure stores one failed attempt and evaluates the rules for its
// username and source.
func (d *Detector) RecordFailure(ctx context.Context, username, source string, ts time.Time) ([]Alert, error) {
	if username == "" {
		return nil, errors.New("threat: username is required")
	}
	if ts.IsZero() {
		ts = d.clock.Now()
	}
	if err := d.windows.Append(ctx, FailedAttempt{Username: username, SourceAddress: source, Timestamp: ts}); err != nil {
		return nil, err
	}
	return d.EvaluateIdentity(ctx, username, source)
}

// EvaluateIdentity runs every rule for username and source and returns the
// alerts raised by this call.
func (d *Detector) EvaluateIdentity(ctx context.Context, username, source string) ([]Alert, error) {
	now := d.clock.Now()
	var (
		raised []Alert
		errs   []error
	)
	collect := func(a *Alert, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		if a != nil {
			raised = append(raised, *a)
		}
	}

	if username != "" {
		collect(d.evaluateUsername(ctx, username, now))
	}
	if source != "" {
		collect(d.evaluateFanOut(ctx, source, now))
		collect(d.evaluateVelocity(ctx, source, now))
	}
	return raised, errors.Join(errs...)
}

func (d *Detector) evaluateUsername(ctx context.Context, username string, now time.Time) (*Alert, error) {
	attempts, err := d.windows.ByUsername(ctx, username, now.Add(-d.cfg.FailedLoginWindow))
	if err != nil {
		return nil, err
	}
	if len(attempts) < d.cfg.FailedLoginThreshold {
		return nil, nil
	}
	return d.raise(ctx, Alert{
		Type:     AlertMultipleFailedLogins,
		Severity: SeverityMedium,
		Subject:  username,
		Message: fmt.Sprintf("%d failed logins for %q within %s",
			len(attempts), username, d.cfg.FailedLoginWindow),
	}, d.cfg.FailedLoginWindow)
}

func (d *Detector) evaluateFanOut(ctx context.Context, source string, now time.Time) (*Alert, error) {
	attempts, err := d.windows.BySource(ctx, source, now.Add(-d.cfg.FailedLoginWindow))
	if err != nil {
		return nil, err
	}
	distinct := make(map[string]struct{}, len(attempts))
	for _, a := range attempts {
		distinct[a.Username] = struct{}{}
	}
	if len(distinct) < d.cfg.MultipleAccountsThreshold {
		return nil, nil
	}
	return d.raise(ctx, Alert{
		Type:     AlertMultipleAccountsFromSameSource,
		Severity: SeverityHigh,
		Subject:  source,
		Message: fmt.Sprintf("%d distinct accounts failed from %s within %s",
			len(distinct), source, d.cfg.FailedLoginWindow),
	}, d.cfg.FailedLoginWindow)
}

func (d *Detector) evaluateVelocity(ctx context.Context, source string, now time.Time) (*Alert, error) {
	attempts, err := d.windows.BySource(ctx, source, now.Add(-d.cfg.VelocityWindow))
	if err != nil {
		return nil, err
	}
	if len(attempts) < d.cfg.VelocityThreshold {
		return nil, nil
	}
	return d.raise(ctx, Alert{
		Type:     AlertPossibleBruteForce,
		Severity: SeverityCritical,
		Subject:  source,
		Message: fmt.Sprintf("%d failed logins from %s within %s",
			len(attempts), source, d.cfg.VelocityWindow),
	}, d.cfg.VelocityWindow)
}

// RaiseAccountLocked records an AccountLocked alert for username and
// notifies the sink.
func (d *Detector) RaiseAccountLocked(ctx context.Context, userID, username string) (*Alert, error) {
	subject := username
	if subject == "" {
		subject = userID
	}
	return d.raise(ctx, Alert{
		Type:     AlertAccountLocked,
		Severity: SeverityHigh,
		Subject:  subject,
		Message:  fmt.Sprintf("account %q locked after repeated failed logins", subject),
	}, d.cfg.AccountLockedSuppression)
}

func (d *Detector) raise(ctx context.Context, a Alert, suppressFor time.Duration) (*Alert, error) {
	a.ID = uuid.NewString()
	a.Timestamp = d.clock.Now()

	recorded, err := d.alerts.Raise(ctx, a, suppressFor)
	if err != nil {
		return nil, err
	}
	if !recorded {
		return nil, nil
	}

	d.logger.Info("security alert raised",
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.Stringer("severity", a.Severity),
		zap.String("subject", a.Subject))

	if a.Severity == SeverityCritical || a.Type == AlertAccountLocked {
		if err := d.sink.Emit(ctx, alertEvent(a)); err != nil {
			d.logger.Error("alert notification failed", zap.String("alert_id", a.ID), zap.Error(err))
		}
	}
	return &a, nil
}

func alertEvent(a Alert) notify.Event {
	return notify.Event{
		Timestamp: a.Timestamp,
		Type:      string(a.Type),
		Severity:  a.Severity.String(),
		Subject:   a.Subject,
		Message:   a.Message,
		Metadata:  map[string]string{"alert_id": a.ID},
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Alerts         []Alert
	PrunedAttempts int
	PrunedAlerts   int
}

// Sweep evaluates the rules for every username and source seen within the
// rule windows, then prunes attempts and alerts past retention.
func (d *Detector) Sweep(ctx context.Context) (SweepResult, error) {
	now := d.clock.Now()
	since := now.Add(-max(d.cfg.FailedLoginWindow, d.cfg.VelocityWindow))

	var (
		res  SweepResult
		errs []error
	)
	usernames, sources, err := d.windows.ActiveSubjects(ctx, since)
	if err != nil {
		return res, err
	}
	for _, u := range usernames {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raised, err := d.EvaluateIdentity(ctx, u, "")
		res.Alerts = append(res.Alerts, raised...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raised, err := d.EvaluateIdentity(ctx, "", s)
		res.Alerts = append(res.Alerts, raised...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if res.PrunedAttempts, err = d.windows.Prune(ctx, now.Add(-d.cfg.AttemptRetention)); err != nil {
		errs = append(errs, err)
	}
	if res.PrunedAlerts, err = d.alerts.Prune(ctx, now.Add(-d.cfg.AlertRetention)); err != nil {
		errs = append(errs, err)
	}

	if len(res.Alerts) > 0 || res.PrunedAttempts > 0 || res.PrunedAlerts > 0 {
		d.logger.Debug("threat sweep completed",
			zap.Int("alerts", len(res.Alerts)),
			zap.Int("pruned_attempts", res.PrunedAttempts),
			zap.Int("pruned_alerts", res.PrunedAlerts))
	}
	return res, errors.Join(errs...)
}

// Alerts returns alerts raised at or after since.
func (d *Detector) Alerts(ctx context.Context, since time.Time) ([]Alert, error) {
	return d.alerts.List(ctx, since)
}

func suppressionKey(t AlertType, subject string) string {
	return string(t) + ":" + strconv.Quote(subject)
}
