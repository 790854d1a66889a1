package tracker

import (
	"context"
	"fmt"

	"github.com/yegors/flightwatch/pkg/logger"
)

// Restore rebuilds tracker state for every device with an open flight in the
// store. Run it once at startup, before fixes arrive. A device with more than
// one open flight is flagged and reloaded from the store on its next fix.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	open, err := e.store.ListOpenFlights(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open flights: %w", err)
	}

	byDevice := make(map[string]int, len(open))
	for _, fl := range open {
		byDevice[fl.DeviceID]++
	}

	restored := 0
	for dev, n := range byDevice {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		if err := e.restoreDevice(ctx, dev, n); err != nil {
			e.logger.Error("Failed to restore aircraft",
				logger.String("device", dev),
				logger.Error(err))
			continue
		}
		restored++
	}

	e.logger.Info("Restored tracker state",
		logger.Int("open_flights", len(open)),
		logger.Int("aircraft", restored))
	return restored, nil
}

func (e *Engine) restoreDevice(ctx context.Context, dev string, openFlights int) error {
	unlock := e.locks.Lock(dev)
	defer unlock()

	if openFlights > 1 {
		return e.flag(ctx, newAircraftState(dev),
			fmt.Errorf("%w: %d open flights for %s", ErrInvariantViolation, openFlights, dev))
	}

	st := newAircraftState(dev)
	if err := e.hydrate(ctx, st); err != nil {
		return err
	}
	e.commit(e.newTxn(ctx, st, e.now()))
	return nil
}
