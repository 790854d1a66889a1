// Package tracker turns a stream of position fixes into flights: it detects
// takeoffs and landings, closes flights that go silent, resumes flights after
// coverage gaps and discards noise.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/reference"
	"github.com/yegors/flightwatch/internal/runway"
	"github.com/yegors/flightwatch/internal/towing"
	"github.com/yegors/flightwatch/pkg/logger"
)

// Engine is the flight tracking engine. All methods are safe for concurrent use;
// fixes for one device are serialized by a per-device lock.
type Engine struct {
	cfg    config.TrackingConfig
	store  Store
	ref    reference.Source
	sink   EventSink
	logger *logger.Logger
	now    func() time.Time

	locks   *deviceLocks
	states  *shardedMap[*aircraftState]
	active  *shardedMap[*Flight] // copies of open flights
	pending *towing.Pending
	tow     *towing.Detector
	rwy     runway.Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventSink sets the receiver of lifecycle events
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithReference sets the airport and runway source; without one runway inference is skipped
func WithReference(ref reference.Source) Option {
	return func(e *Engine) { e.ref = ref }
}

// New creates an engine. cfg must already be validated.
func New(store Store, cfg config.TrackingConfig, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   store,
		sink:    nopSink{},
		logger:  log.Named("tracker"),
		now:     time.Now,
		locks:   newDeviceLocks(cfg.LockShards),
		states:  newShardedMap[*aircraftState](cfg.LockShards),
		active:  newShardedMap[*Flight](cfg.LockShards),
		pending: towing.NewPending(),
		tow: towing.NewDetector(towing.Config{
			VicinityM:         cfg.TowVicinityM,
			SearchWindow:      config.Seconds(cfg.TowSearchWindowSeconds),
			ReleaseClimbFPM:   cfg.TowReleaseClimbFPM,
			ReleaseDescentFPM: cfg.TowReleaseDescentFPM,
		}),
		rwy: runway.Config{
			SearchRadiusM:     cfg.RunwaySearchRadiusM,
			MaxHeadingDiffDeg: cfg.RunwayMaxHeadingDiffDeg,
			MinConfidence:     cfg.RunwayMinConfidence,
			DistanceWeight:    cfg.RunwayDistanceWeight,
		},
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// txn is one read-modify-write of an aircraft's state. Store writes go through
// store, which is a transaction view while one is open. Events and tow mailbox
// changes are applied only once the working copy is committed.
type txn struct {
	ctx    context.Context
	store  Store
	st     *aircraftState
	events []Event
	now    time.Time

	offers []pendingOffer
	acks   map[uuid.UUID]int
	drops  []uuid.UUID
}

type pendingOffer struct {
	flight uuid.UUID
	link   towing.Link
}

func (e *Engine) newTxn(ctx context.Context, st *aircraftState, now time.Time) *txn {
	return &txn{ctx: ctx, store: e.store, st: st, now: now}
}

func (tx *txn) offer(flightID uuid.UUID, l towing.Link) {
	tx.offers = append(tx.offers, pendingOffer{flight: flightID, link: l})
}

func (tx *txn) ack(flightID uuid.UUID, n int) {
	if tx.acks == nil {
		tx.acks = make(map[uuid.UUID]int)
	}
	tx.acks[flightID] += n
}

func (tx *txn) drop(flightID uuid.UUID) {
	tx.drops = append(tx.drops, flightID)
}

func (tx *txn) emit(ev Event) {
	ev.ID = uuid.New()
	ev.DeviceID = tx.st.DeviceID
	if ev.Time.IsZero() {
		ev.Time = tx.now
	}
	tx.events = append(tx.events, ev)
}

// atomically runs fn with every store write of tx in one storage transaction
func (e *Engine) atomically(tx *txn, fn func() error) error {
	return e.store.Atomically(tx.ctx, func(s Store) error {
		tx.store = s
		defer func() { tx.store = e.store }()
		return fn()
	})
}

func (e *Engine) commit(tx *txn) {
	for id, n := range tx.acks {
		e.pending.Ack(id, n)
	}
	for _, id := range tx.drops {
		e.pending.Drop(id)
	}
	for _, o := range tx.offers {
		e.pending.Offer(o.flight, o.link)
	}

	st := tx.st
	e.states.Set(st.DeviceID, st)
	if st.Flight != nil {
		e.active.Set(st.DeviceID, st.Flight.Clone())
	} else {
		e.active.Delete(st.DeviceID)
	}
	for _, ev := range tx.events {
		e.sink.Publish(ev)
	}
}

func validateFix(f Fix) error {
	switch {
	case f.ID == uuid.Nil:
		return fmt.Errorf("%w: missing id", ErrInvalidFix)
	case f.DeviceID == "":
		return fmt.Errorf("%w: missing device id", ErrInvalidFix)
	case f.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidFix)
	case f.Latitude < -90 || f.Latitude > 90 || f.Longitude < -180 || f.Longitude > 180:
		return fmt.Errorf("%w: position %f,%f out of range", ErrInvalidFix, f.Latitude, f.Longitude)
	}
	return nil
}

// ProcessFix applies one fix and returns it linked to its flight, if any.
// A fix is either fully applied or not at all; cancelling ctx does not abort
// an apply that has started.
func (e *Engine) ProcessFix(ctx context.Context, fix Fix) (UpdatedFix, error) {
	if err := validateFix(fix); err != nil {
		return UpdatedFix{}, err
	}
	if fix.ReceivedAt.IsZero() {
		fix.ReceivedAt = e.now()
	}

	unlock := e.locks.Lock(fix.DeviceID)
	defer unlock()

	ctx = context.WithoutCancel(ctx)

	st, err := e.stateFor(ctx, fix.DeviceID)
	if err != nil {
		return UpdatedFix{}, err
	}

	if prev, ok := st.seen(fix.ID); ok {
		out := UpdatedFix{Fix: fix.Clone(), Active: prev.Active, Phase: st.Phase, Duplicate: true}
		out.FlightID = clonePtr(prev.FlightID)
		return out, nil
	}

	if fix.Timestamp.Before(st.LastSeen) {
		e.logger.Warn("Rejected stale fix",
			logger.String("device", fix.DeviceID),
			logger.String("fix_id", fix.ID.String()),
			logger.Time("timestamp", fix.Timestamp),
			logger.Time("last_seen", st.LastSeen))
		return UpdatedFix{}, fmt.Errorf("%w: %s at %s precedes %s", ErrStaleFix,
			fix.DeviceID, fix.Timestamp.Format(time.RFC3339), st.LastSeen.Format(time.RFC3339))
	}

	tx := e.newTxn(ctx, st.clone(), e.now())
	var out UpdatedFix
	err = e.atomically(tx, func() error {
		var err error
		out, err = e.apply(tx, fix.Clone())
		return err
	})
	if err != nil {
		if errors.Is(err, ErrOpenFlightConflict) || errors.Is(err, ErrInvariantViolation) {
			return UpdatedFix{}, e.flag(ctx, st, err)
		}
		// The store rolled back; reload before the next fix
		failed := st.clone()
		failed.NeedsResync = true
		e.states.Set(failed.DeviceID, failed)
		e.logger.Error("Failed to apply fix",
			logger.String("device", fix.DeviceID),
			logger.String("fix_id", fix.ID.String()),
			logger.Error(err))
		return UpdatedFix{}, err
	}

	e.commit(tx)
	return out, nil
}

// stateFor returns the committed state for a device, loading it from the store
// on first sight or after a failed apply. Caller holds the device lock.
func (e *Engine) stateFor(ctx context.Context, deviceID string) (*aircraftState, error) {
	st, ok := e.states.Get(deviceID)
	if ok && st.Hydrated && !st.NeedsResync {
		return st, nil
	}

	next := newAircraftState(deviceID)
	if ok {
		next = st.clone()
	}
	if err := e.hydrate(ctx, next); err != nil {
		return nil, fmt.Errorf("load state for %s: %w", deviceID, err)
	}
	e.commit(e.newTxn(ctx, next, e.now()))
	return next, nil
}

// hydrate loads the open flight, resume candidate and recent history from the
// store. The store wins over whatever memory held.
func (e *Engine) hydrate(ctx context.Context, st *aircraftState) error {
	open, err := e.store.LoadOpenFlight(ctx, st.DeviceID)
	if err != nil {
		return err
	}
	if st.Flight != nil && (open == nil || open.ID != st.Flight.ID) {
		e.logger.Warn("Open flight in memory differs from store, reloading",
			logger.String("device", st.DeviceID),
			logger.String("memory_flight", st.Flight.ID.String()),
			logger.Bool("store_has_open", open != nil))
		st.resetFlightScoped()
	}

	st.Flight = open
	st.Adopted = open != nil
	st.ResumeCandidate = nil
	if open == nil {
		latest, err := e.store.LoadLatestFlight(ctx, st.DeviceID)
		if err != nil {
			return err
		}
		if latest != nil && latest.Closure() == ClosureTimedOut {
			st.ResumeCandidate = latest
		}
	} else {
		if st.Category == "" {
			st.Category = open.Category
		}
		st.TowRole = towRole(st.Category)
		if open.TowedByDevice != "" || open.TowingDevice != "" {
			st.TowDone = true
		}
	}

	fixes, err := e.store.RecentFixes(ctx, st.DeviceID, e.cfg.RecentFixes)
	if err != nil {
		return err
	}
	if len(fixes) > 0 {
		st.Recent = st.Recent[:0]
		for _, f := range fixes {
			st.push(compact(f, e.isActive(f)), e.cfg.RecentFixes)
			if f.Timestamp.After(st.LastSeen) {
				st.LastSeen = f.Timestamp
			}
			if f.Callsign != "" {
				st.Callsign = f.Callsign
			}
			if f.Category != "" {
				st.Category = f.Category
			}
		}
		if l := fixes[len(fixes)-1]; l.AltitudeMSLFt != nil {
			st.ClimbFPM = climbRate(st.Recent[:len(st.Recent)-1], l, e.cfg)
			st.Phase = classifyPhase(st.ClimbFPM, l.AltitudeMSLFt, e.cfg)
		}
	}
	if open != nil && open.LastFixAt.After(st.LastSeen) {
		st.LastSeen = open.LastFixAt
	}

	st.Hydrated = true
	st.NeedsResync = false
	return nil
}

// flag resets an inconsistent aircraft to grounded and reloads it from the
// store on its next fix.
func (e *Engine) flag(ctx context.Context, st *aircraftState, cause error) error {
	reset := st.clone()
	reset.Flight = nil
	reset.ResumeCandidate = nil
	reset.resetFlightScoped()
	reset.Flagged = true
	reset.FlagReason = cause.Error()
	reset.NeedsResync = true

	tx := e.newTxn(ctx, reset, e.now())
	tx.emit(Event{Type: EventAircraftFlag, Reason: cause.Error(), Flight: st.Flight.Clone()})
	e.commit(tx)

	e.logger.Error("Aircraft flagged",
		logger.String("device", st.DeviceID),
		logger.Error(cause))
	if errors.Is(cause, ErrInvariantViolation) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrInvariantViolation, cause)
}

// isActive decides whether a fix shows the aircraft flying
func (e *Engine) isActive(f Fix) bool {
	if f.OnGround != nil {
		return !*f.OnGround
	}
	speed := 0.0
	if f.GroundSpeedKts != nil {
		speed = *f.GroundSpeedKts
	}
	if f.AltitudeMSLFt == nil && f.AltitudeAGLFt == nil {
		return speed >= e.cfg.NoAltitudeActiveSpeedKts
	}
	if speed >= e.cfg.LiftoffSpeedKts {
		return true
	}
	return f.AGLValid && f.AltitudeAGLFt != nil && *f.AltitudeAGLFt >= e.cfg.AirborneAGLFt
}

// ActiveFlights returns copies of every open flight, most recent fix first
func (e *Engine) ActiveFlights() []*Flight {
	var out []*Flight
	e.active.Range(func(_ string, f *Flight) bool {
		out = append(out, f.Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LastFixAt.After(out[j].LastFixAt) })
	return out
}

// ActiveFlight returns a copy of the device's open flight
func (e *Engine) ActiveFlight(deviceID string) (*Flight, bool) {
	f, ok := e.active.Get(deviceID)
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// State returns a snapshot of a device's tracker state
func (e *Engine) State(deviceID string) (StateSnapshot, bool) {
	st, ok := e.states.Get(deviceID)
	if !ok {
		return StateSnapshot{}, false
	}
	return st.snapshot(), true
}

// Stats reports tracked aircraft, open flights and pending tow updates
func (e *Engine) Stats() (aircraft, openFlights, pendingTow int) {
	return e.states.Len(), e.active.Len(), e.pending.Len()
}
