// Package clickhouse archives closed flights for reporting
package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

// FlightRow is one archived flight
type FlightRow struct {
	FlightID         string
	DeviceID         string
	Callsign         string
	Category         string
	Closure          string // landed, timed_out or deleted_spurious
	Reason           string
	FirstFixAt       time.Time
	LastFixAt        time.Time
	ClosedAt         time.Time
	TakeoffTime      *time.Time
	LandingTime      *time.Time
	DepartureAirport string
	ArrivalAirport   string
	TakeoffRunway    string
	LandingRunway    string
	DurationSeconds  float64
	TotalDistanceM   float64
	MaxAltitudeFt    *int32
	FixCount         uint32
	TowedByDevice    string
}

// RowFromFlight builds the archive row for a flight that closed at the given time
func RowFromFlight(fl *tracker.Flight, closure, reason string, at time.Time) FlightRow {
	r := FlightRow{
		FlightID:         fl.ID.String(),
		DeviceID:         fl.DeviceID,
		Callsign:         fl.Callsign,
		Category:         string(fl.Category),
		Closure:          closure,
		Reason:           reason,
		FirstFixAt:       fl.FirstFixAt,
		LastFixAt:        fl.LastFixAt,
		ClosedAt:         at,
		TakeoffTime:      fl.TakeoffTime,
		LandingTime:      fl.LandingTime,
		DepartureAirport: fl.DepartureAirport,
		ArrivalAirport:   fl.ArrivalAirport,
		TakeoffRunway:    fl.TakeoffRunway,
		LandingRunway:    fl.LandingRunway,
		DurationSeconds:  fl.Duration().Seconds(),
		TotalDistanceM:   fl.TotalDistanceM,
		FixCount:         uint32(fl.FixCount),
		TowedByDevice:    fl.TowedByDevice,
	}
	if fl.MaxAltitudeFt != nil {
		v := int32(*fl.MaxAltitudeFt)
		r.MaxAltitudeFt = &v
	}
	return r
}

// Archive buffers flight rows and writes them to ClickHouse in batches
type Archive struct {
	conn          driver.Conn
	insert        func(ctx context.Context, rows []FlightRow) error
	logger        *logger.Logger
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []FlightRow
	dropped int

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Open connects to ClickHouse and creates the archive table
func Open(ctx context.Context, cfg config.ClickHouseConfig, log *logger.Logger) (*Archive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	a := newArchive(log, cfg.BatchSize, config.Seconds(cfg.FlushIntervalSecs))
	a.conn = conn
	a.insert = a.insertBatch
	if err := a.CreateSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func newArchive(log *logger.Logger, batchSize int, flushInterval time.Duration) *Archive {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	return &Archive{
		logger:        log.Named("clickhouse"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// CreateSchema creates the flights table
func (a *Archive) CreateSchema(ctx context.Context) error {
	err := a.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flights (
			flight_id           UUID,
			device_id           LowCardinality(String),
			callsign            LowCardinality(String),
			category            LowCardinality(String),
			closure             LowCardinality(String),
			reason              LowCardinality(String),
			first_fix_at        DateTime64(3),
			last_fix_at         DateTime64(3),
			closed_at           DateTime64(3),
			takeoff_time        Nullable(DateTime64(3)),
			landing_time        Nullable(DateTime64(3)),
			departure_airport   LowCardinality(String),
			arrival_airport     LowCardinality(String),
			takeoff_runway      LowCardinality(String),
			landing_runway      LowCardinality(String),
			duration_seconds    Float64,
			total_distance_m    Float64,
			max_altitude_ft     Nullable(Int32),
			fix_count           UInt32,
			towed_by_device     LowCardinality(String),
			archived_at         DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(first_fix_at)
		ORDER BY (device_id, first_fix_at, flight_id)`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Add queues a row. It never blocks; when a full batch is waiting the flush
// loop is woken, and past four batches new rows are dropped.
func (a *Archive) Add(r FlightRow) {
	a.mu.Lock()
	if len(a.pending) >= 4*a.batchSize {
		a.dropped++
		a.mu.Unlock()
		return
	}
	a.pending = append(a.pending, r)
	full := len(a.pending) >= a.batchSize
	a.mu.Unlock()

	if full {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of queued rows
func (a *Archive) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Start runs the flush loop
func (a *Archive) Start(ctx context.Context) error {
	a.logger.Info("Starting flight archive",
		logger.Int("batch_size", a.batchSize),
		logger.Duration("flush_interval", a.flushInterval))

	a.wg.Add(1)
	go a.flushLoop(ctx)
	return nil
}

// Stop stops the flush loop and writes what is still queued
func (a *Archive) Stop() {
	a.logger.Info("Stopping flight archive")
	close(a.stopCh)
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Flush(ctx); err != nil {
		a.logger.Error("Final archive flush failed", logger.Error(err))
	}
	if a.conn != nil {
		a.conn.Close()
	}
	a.logger.Info("Flight archive stopped")
}

func (a *Archive) flushLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-a.flushCh:
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
		if err := a.Flush(ctx); err != nil {
			a.logger.Error("Failed to archive flights", logger.Error(err))
		}
	}
}

// Flush writes queued rows. Rows of a failed batch are put back in front.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	rows := a.pending
	a.pending = nil
	dropped := a.dropped
	a.dropped = 0
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Warn("Archive queue full, rows dropped", logger.Int("dropped", dropped))
	}
	if len(rows) == 0 {
		return nil
	}

	for start := 0; start < len(rows); start += a.batchSize {
		end := min(start+a.batchSize, len(rows))
		if err := a.insert(ctx, rows[start:end]); err != nil {
			a.requeue(rows[start:])
			return err
		}
	}
	a.logger.Debug("Archived flights", logger.Int("count", len(rows)))
	return nil
}

func (a *Archive) requeue(rows []FlightRow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(append([]FlightRow(nil), rows...), a.pending...)
}

func (a *Archive) insertBatch(ctx context.Context, rows []FlightRow) error {
	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO flights (flight_id, device_id, callsign, category, closure, reason,
			first_fix_at, last_fix_at, closed_at, takeoff_time, landing_time,
			departure_airport, arrival_airport, takeoff_runway, landing_runway,
			duration_seconds, total_distance_m, max_altitude_ft, fix_count, towed_by_device)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rows {
		err := batch.Append(r.FlightID, r.DeviceID, r.Callsign, r.Category, r.Closure, r.Reason,
			r.FirstFixAt, r.LastFixAt, r.ClosedAt, r.TakeoffTime, r.LandingTime,
			r.DepartureAirport, r.ArrivalAirport, r.TakeoffRunway, r.LandingRunway,
			r.DurationSeconds, r.TotalDistanceM, r.MaxAltitudeFt, r.FixCount, r.TowedByDevice)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}
