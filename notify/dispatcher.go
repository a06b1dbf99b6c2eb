package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrDropped is returned by Dispatcher.Emit when the buffer is full and
// DropIfFull is set, or after Close.
var ErrDropped = errors.New("notification dropped")

// DispatcherConfig controls buffering.
type DispatcherConfig struct {
	BufferSize int
	DropIfFull bool
}

// Dispatcher forwards events to a sink from a single goroutine. It is
// itself a [Sink].
type Dispatcher struct {
	cfg       DispatcherConfig
	sink      Sink
	logger    *zap.Logger
	ch        chan queued
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once

	// mu is held for reading across every send so Close cannot close done
	// while an event is on its way into ch.
	mu     sync.RWMutex
	closed bool
}

type queued struct {
	ctx   context.Context
	event Event
}

// NewDispatcher starts a Dispatcher in front of sink.
func NewDispatcher(cfg DispatcherConfig, sink Sink, logger *zap.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		ch:     make(chan queued, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case q := <-d.ch:
			d.deliver(q)
		case <-d.done:
			for {
				select {
				case q := <-d.ch:
					d.deliver(q)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(q queued) {
	if err := d.sink.Emit(q.ctx, q.event); err != nil {
		d.logger.Warn("notification sink failed", zap.String("type", q.event.Type), zap.Error(err))
	}
}

// Emit queues event. The caller's context values are kept but its
// cancellation is not, so a finished request does not cancel delivery.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	if d == nil {
		return ErrDropped
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDropped
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q := queued{ctx: context.WithoutCancel(ctx), event: event}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- q:
			return nil
		default:
			d.dropped.Add(1)
			return ErrDropped
		}
	}

	select {
	case d.ch <- q:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains the buffer and waits for delivery.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns how many events were dropped because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
