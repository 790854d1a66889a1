package adsb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

// Submitter accepts fixes for processing
type Submitter interface {
	Submit(ctx context.Context, fix tracker.Fix) error
}

// Fetcher returns the current aircraft document
type Fetcher interface {
	FetchData(ctx context.Context) (*RawAircraftData, error)
}

// Feed polls an ADS-B source and submits each fresh position as a fix
type Feed struct {
	fetcher       Fetcher
	out           Submitter
	source        string
	fetchInterval time.Duration
	logger        *logger.Logger

	mu        sync.RWMutex
	lastFetch time.Time
	fetchOK   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFeed creates a feed; source is recorded on every fix
func NewFeed(fetcher Fetcher, out Submitter, source string, fetchInterval time.Duration, log *logger.Logger) *Feed {
	return &Feed{
		fetcher:       fetcher,
		out:           out,
		source:        source,
		fetchInterval: fetchInterval,
		logger:        log.Named("adsb"),
		stopCh:        make(chan struct{}),
	}
}

// Start fetches once and then keeps polling in the background
func (f *Feed) Start(ctx context.Context) error {
	f.logger.Info("Starting ADS-B feed",
		logger.String("source", f.source),
		logger.Duration("fetch_interval", f.fetchInterval))

	f.poll(ctx)

	f.wg.Add(1)
	go f.fetchLoop(ctx)
	return nil
}

// Stop stops polling
func (f *Feed) Stop() {
	f.logger.Info("Stopping ADS-B feed")
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("ADS-B feed stopped")
}

// Status returns the time of the last fetch and whether it succeeded
func (f *Feed) Status() (time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastFetch, f.fetchOK
}

func (f *Feed) fetchLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.fetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.poll(ctx)
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) poll(ctx context.Context) {
	_, err := f.FetchAndSubmit(ctx)
	f.mu.Lock()
	f.lastFetch = time.Now()
	f.fetchOK = err == nil
	f.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Error("Failed to fetch ADS-B data", logger.Error(err))
	}
}

// FetchAndSubmit runs one poll and returns the number of fixes submitted
func (f *Feed) FetchAndSubmit(ctx context.Context) (int, error) {
	data, err := f.fetcher.FetchData(ctx)
	if err != nil {
		return 0, err
	}

	received := time.Now().UTC()
	submitted, skipped := 0, 0
	for _, t := range data.Aircraft {
		fix, ok := ToFix(t, data.Now, f.source, received)
		if !ok {
			skipped++
			continue
		}
		if err := f.out.Submit(ctx, fix); err != nil {
			return submitted, err
		}
		submitted++
	}

	f.logger.Debug("Processed ADS-B data",
		logger.Int("aircraft_count", len(data.Aircraft)),
		logger.Int("submitted", submitted),
		logger.Int("skipped", skipped))
	return submitted, nil
}
