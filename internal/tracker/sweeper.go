package tracker

import (
	"context"
	"time"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/pkg/logger"
)

// Start runs the timeout sweeper until Stop is called or ctx is done
func (e *Engine) Start(ctx context.Context) error {
	interval := config.Seconds(e.cfg.SweepIntervalSeconds)
	e.logger.Info("Starting timeout sweeper", logger.Duration("interval", interval))

	e.wg.Add(1)
	go e.sweepLoop(ctx, interval)
	return nil
}

// Stop stops the sweeper and waits for a running sweep to finish
func (e *Engine) Stop() {
	e.logger.Info("Stopping timeout sweeper")
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.logger.Info("Timeout sweeper stopped")
}

func (e *Engine) sweepLoop(ctx context.Context, interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res := e.RunTimeoutSweep(ctx, e.now())
			if res.TimedOut > 0 || res.Deleted > 0 || res.Evicted > 0 || len(res.Errors) > 0 {
				e.logger.Info("Timeout sweep finished",
					logger.Int("checked", res.Checked),
					logger.Int("timed_out", res.TimedOut),
					logger.Int("deleted", res.Deleted),
					logger.Int("evicted", res.Evicted),
					logger.Int("errors", len(res.Errors)),
					logger.Duration("elapsed", res.Elapsed))
			}
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunTimeoutSweep closes every open flight that has been silent longer than
// its phase allows, then evicts long grounded aircraft. A cancelled sweep
// stops between devices; whatever it closed stays closed and the rest is
// picked up by the next run.
func (e *Engine) RunTimeoutSweep(ctx context.Context, now time.Time) SweepResult {
	start := time.Now()
	var res SweepResult

	for _, dev := range e.active.Keys() {
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		deleted, closed, err := e.sweepDevice(ctx, dev, now)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, err)
		case deleted:
			res.Deleted++
		case closed:
			res.TimedOut++
		}
	}

	retention := config.Hours(e.cfg.StateRetentionHours)
	for _, dev := range e.states.Keys() {
		if ctx.Err() != nil {
			break
		}
		if e.evict(dev, now, retention) {
			res.Evicted++
		}
	}

	res.Elapsed = time.Since(start)
	return res
}

// sweepDevice re-checks one device under its lock; the active map may be
// out of date by the time the lock is held
func (e *Engine) sweepDevice(ctx context.Context, dev string, now time.Time) (deleted, closed bool, err error) {
	unlock := e.locks.Lock(dev)
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	st, ok := e.states.Get(dev)
	if !ok {
		return false, false, nil
	}
	if st.NeedsResync {
		if st, err = e.stateFor(ctx, dev); err != nil {
			return false, false, err
		}
	}
	if st.Flight == nil {
		return false, false, nil
	}
	silent := now.Sub(st.Flight.LastFixAt)
	if silent <= timeoutFor(st.Phase, e.cfg) {
		return false, false, nil
	}

	tx := e.newTxn(ctx, st.clone(), now)
	err = e.atomically(tx, func() error {
		var err error
		deleted, err = e.closeTimeout(tx, now, st.Phase)
		return err
	})
	if err != nil {
		failed := st.clone()
		failed.NeedsResync = true
		e.states.Set(dev, failed)
		e.logger.Error("Failed to time out flight",
			logger.String("device", dev),
			logger.String("flight_id", st.Flight.ID.String()),
			logger.Error(err))
		return false, false, err
	}
	e.commit(tx)
	return deleted, !deleted, nil
}

// evict forgets an aircraft that has had no open flight for the retention period
func (e *Engine) evict(dev string, now time.Time, retention time.Duration) bool {
	unlock := e.locks.Lock(dev)
	defer unlock()

	st, ok := e.states.Get(dev)
	if !ok || st.Flight != nil || now.Sub(st.LastSeen) <= retention {
		return false
	}
	e.states.Delete(dev)
	e.logger.Debug("Evicted idle aircraft",
		logger.String("device", dev),
		logger.Time("last_seen", st.LastSeen))
	return true
}
