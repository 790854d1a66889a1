// Package ingest routes incoming fixes to the tracker
package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("ingest dispatcher stopped")

// Processor applies one fix
type Processor interface {
	ProcessFix(ctx context.Context, fix tracker.Fix) (tracker.UpdatedFix, error)
}

// Stats counts processed fixes by outcome
type Stats struct {
	Processed int64 `json:"processed"`
	Stale     int64 `json:"stale"`
	Invalid   int64 `json:"invalid"`
	Failed    int64 `json:"failed"`
}

// Dispatcher spreads fixes over a fixed set of workers. Every fix for a
// device goes to the same worker, so fixes for one aircraft are applied in
// the order they were submitted.
type Dispatcher struct {
	proc   Processor
	queues []chan tracker.Fix
	logger *logger.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	processed atomic.Int64
	stale     atomic.Int64
	invalid   atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a dispatcher with the given number of workers, each
// buffering queueSize fixes
func NewDispatcher(proc Processor, workers, queueSize int, log *logger.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan tracker.Fix, workers)
	for i := range queues {
		queues[i] = make(chan tracker.Fix, queueSize)
	}
	return &Dispatcher{
		proc:   proc,
		queues: queues,
		logger: log.Named("ingest"),
	}
}

// Start launches the workers
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting ingest workers",
		logger.Int("workers", len(d.queues)),
		logger.Int("queue_size", cap(d.queues[0])))

	for i, q := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, i, q)
	}
	return nil
}

// Stop refuses new fixes and waits until the queued ones are applied
func (d *Dispatcher) Stop() {
	d.logger.Info("Stopping ingest workers")
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()

	s := d.Stats()
	d.logger.Info("Ingest workers stopped",
		logger.Int64("processed", s.Processed),
		logger.Int64("stale", s.Stale),
		logger.Int64("invalid", s.Invalid),
		logger.Int64("failed", s.Failed))
}

// Submit queues a fix, waiting while its worker's queue is full
func (d *Dispatcher) Submit(ctx context.Context, fix tracker.Fix) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queues[d.route(fix.DeviceID)] <- fix:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the outcome counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Processed: d.processed.Load(),
		Stale:     d.stale.Load(),
		Invalid:   d.invalid.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) route(deviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

func (d *Dispatcher) worker(ctx context.Context, id int, q <-chan tracker.Fix) {
	defer d.wg.Done()

	// Queued fixes are applied even after ctx is cancelled; Stop closes q
	ctx = context.WithoutCancel(ctx)
	for fix := range q {
		_, err := d.proc.ProcessFix(ctx, fix)
		switch {
		case err == nil:
			d.processed.Add(1)
		case errors.Is(err, tracker.ErrStaleFix):
			d.stale.Add(1)
		case errors.Is(err, tracker.ErrInvalidFix):
			d.invalid.Add(1)
			d.logger.Warn("Dropped invalid fix",
				logger.Int("worker", id),
				logger.String("device", fix.DeviceID),
				logger.Error(err))
		default:
			d.failed.Add(1)
			d.logger.Error("Failed to process fix",
				logger.Int("worker", id),
				logger.String("device", fix.DeviceID),
				logger.String("fix_id", fix.ID.String()),
				logger.Error(err))
		}
	}
}
