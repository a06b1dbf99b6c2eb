package authcore

import (
	"context"
	"errors"

	"github.com/jhongo20/BaseAdmin-sub000/internal/scheduler"
	"go.uber.org/zap"
)

const (
	taskThreatSweep = "threat-sweep"
	taskPrune       = "prune"
)

func (e *Engine) scheduleMaintenance() error {
	m := e.config.Maintenance
	if e.detector != nil {
		if err := e.scheduler.Schedule(scheduler.Task{
			Name:     taskThreatSweep,
			Interval: m.SweepInterval,
			Timeout:  m.TaskTimeout,
			Run:      e.sweepThreats,
		}); err != nil {
			return err
		}
	}
	return e.scheduler.Schedule(scheduler.Task{
		Name:     taskPrune,
		Interval: m.PruneInterval,
		Timeout:  m.TaskTimeout,
		Run:      e.prune,
	})
}

func (e *Engine) sweepThreats(ctx context.Context) error {
	res, err := e.detector.Sweep(ctx)
	e.metricInc(MetricSweepRun)
	if err != nil {
		e.metricInc(MetricThreatError)
		return err
	}
	for range res.Alerts {
		e.metricInc(MetricThreatAlert)
	}
	e.logger.Debug("threat sweep finished",
		zap.Int("alerts", len(res.Alerts)),
		zap.Int("pruned_attempts", res.PrunedAttempts),
		zap.Int("pruned_alerts", res.PrunedAlerts))
	return nil
}

// prune drops revocation records past their mirrored expiry and sessions
// that ended more than Session.PruneGrace ago.
func (e *Engine) prune(ctx context.Context) error {
	e.metricInc(MetricPruneRun)
	revoked, revErr := e.registry.PruneExpired(ctx)
	cutoff := e.clock.Now().Add(-e.config.Session.PruneGrace)
	sessions, sessErr := e.sessions.Prune(ctx, cutoff)
	e.logger.Debug("prune finished", zap.Int("revocations", revoked), zap.Int("sessions", sessions))
	return errors.Join(revErr, sessErr)
}

// RunMaintenance runs the threat sweep and pruning once, synchronously.
// With background maintenance enabled the runs go through the scheduler,
// so a task already in flight is skipped rather than overlapped.
func (e *Engine) RunMaintenance(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.scheduler != nil {
		var sweepErr error
		if e.detector != nil {
			_, sweepErr = e.scheduler.RunNow(ctx, taskThreatSweep)
		}
		_, pruneErr := e.scheduler.RunNow(ctx, taskPrune)
		return errors.Join(sweepErr, pruneErr)
	}
	var sweepErr error
	if e.detector != nil {
		sweepErr = e.sweepThreats(ctx)
	}
	return errors.Join(sweepErr, e.prune(ctx))
}

// MaintenanceStats returns scheduler statistics for a background task.
func (e *Engine) MaintenanceStats(name string) (scheduler.Stats, bool) {
	if e == nil || e.scheduler == nil {
		return scheduler.Stats{}, false
	}
	return e.scheduler.Stats(name)
}
