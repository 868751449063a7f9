package remediation

import (
	"context"
	"sync"

	xsync "github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Attempter is the part of Engine the Dispatcher needs.
type Attempter interface {
	Attempt(ctx context.Context, id int64) (Report, error)
}

// Dispatcher runs attempts asynchronously with bounded concurrency. An
// incident already queued or running is not dispatched twice.
type Dispatcher struct {
	engine   Attempter
	slots    chan struct{}
	inflight *xsync.Map[int64, struct{}]
	base     context.Context
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(engine Attempter, maxConcurrent int, logger *zap.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Dispatcher{
		engine:   engine,
		slots:    make(chan struct{}, maxConcurrent),
		inflight: xsync.NewMap[int64, struct{}](),
		base:     context.Background(),
		logger:   logger,
	}
}

// Dispatch starts an attempt for the incident unless one is already running
// or every slot is busy. It never blocks.
func (d *Dispatcher) Dispatch(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	if _, loaded := d.inflight.LoadOrStore(id, struct{}{}); loaded {
		return false
	}

	select {
	case d.slots <- struct{}{}:
	default:
		d.inflight.Delete(id)
		d.logger.Debug("Remediation pool full, deferring", zap.Int64("incident_id", id))
		return false
	}

	d.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Remediation attempt panicked", zap.Int64("incident_id", id), zap.Any("panic", r))
			}
			<-d.slots
			d.inflight.Delete(id)
			d.wg.Done()
		}()

		report, err := d.engine.Attempt(d.base, id)
		if err != nil {
			d.logger.Error("Remediation attempt failed", zap.Int64("incident_id", id), zap.Error(err))
			return
		}
		d.logger.Debug("Remediation attempt finished",
			zap.Int64("incident_id", id),
			zap.String("outcome", string(report.Outcome)),
		)
	}()
	return true
}

// InFlight returns the number of running attempts.
func (d *Dispatcher) InFlight() int {
	return d.inflight.Size()
}

// Shutdown stops accepting work and waits for running attempts, or for ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("Shutdown interrupted with remediation in flight", zap.Int("in_flight", d.InFlight()))
		return ctx.Err()
	}
}
