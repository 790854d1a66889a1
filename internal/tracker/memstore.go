package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept in process memory. It enforces the same rules
// as the database stores: one open flight per device, fixes may only point
// at existing flights, and a flight still referenced by fixes cannot be deleted.
type MemoryStore struct {
	mu      sync.RWMutex
	flights map[uuid.UUID]*Flight
	fixes   map[uuid.UUID]Fix
	byDev   map[string][]uuid.UUID // fix ids per device in insertion order
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flights: make(map[uuid.UUID]*Flight),
		fixes:   make(map[uuid.UUID]Fix),
		byDev:   make(map[string][]uuid.UUID),
	}
}

// undoFn records how to revert one write; outside a transaction it is a no-op
type undoFn func(func())

func noUndo(func()) {}

func (m *MemoryStore) LoadOpenFlight(_ context.Context, deviceID string) (*Flight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadOpenFlight(deviceID), nil
}

func (m *MemoryStore) LoadLatestFlight(_ context.Context, deviceID string) (*Flight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLatestFlight(deviceID), nil
}

func (m *MemoryStore) ListOpenFlights(_ context.Context) ([]*Flight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listOpenFlights(), nil
}

func (m *MemoryStore) RecentFixes(_ context.Context, deviceID string, limit int) ([]Fix, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recentFixes(deviceID, limit), nil
}

func (m *MemoryStore) GetFlight(_ context.Context, id uuid.UUID) (*Flight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getFlight(id)
}

func (m *MemoryStore) SaveFlight(_ context.Context, f *Flight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveFlight(f, noUndo)
}

func (m *MemoryStore) DeleteFlight(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteFlight(id, noUndo)
}

func (m *MemoryStore) ClearFlightReference(_ context.Context, flightID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearFlightReference(flightID, noUndo), nil
}

func (m *MemoryStore) UpdateFixFlightLink(_ context.Context, fixID uuid.UUID, flightID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateFixFlightLink(fixID, flightID, noUndo)
}

func (m *MemoryStore) SaveFix(_ context.Context, fix Fix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveFix(fix, noUndo)
}

// Atomically holds the store's write lock while fn runs and reverts every
// write fn made when it fails
func (m *MemoryStore) Atomically(_ context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// Fix returns a stored fix by id
func (m *MemoryStore) Fix(id uuid.UUID) (Fix, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fixes[id]
	return f.Clone(), ok
}

// FlightTrack returns the fixes linked to a flight, oldest first
func (m *MemoryStore) FlightTrack(_ context.Context, flightID uuid.UUID) ([]Fix, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Fix
	for _, f := range m.fixes {
		if f.FlightID != nil && *f.FlightID == flightID {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ListFlights returns up to limit flights for a device, newest first
func (m *MemoryStore) ListFlights(_ context.Context, deviceID string, limit int) ([]*Flight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Flight
	for _, f := range m.flights {
		if f.DeviceID == deviceID {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstFixAt.After(out[j].FirstFixAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// The helpers below expect m.mu to be held

func (m *MemoryStore) loadOpenFlight(deviceID string) *Flight {
	for _, f := range m.flights {
		if f.DeviceID == deviceID && f.Open() {
			return f.Clone()
		}
	}
	return nil
}

func (m *MemoryStore) loadLatestFlight(deviceID string) *Flight {
	var latest *Flight
	for _, f := range m.flights {
		if f.DeviceID != deviceID {
			continue
		}
		if latest == nil || f.LastFixAt.After(latest.LastFixAt) {
			latest = f
		}
	}
	return latest.Clone()
}

func (m *MemoryStore) listOpenFlights() []*Flight {
	var out []*Flight
	for _, f := range m.flights {
		if f.Open() {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (m *MemoryStore) recentFixes(deviceID string, limit int) []Fix {
	ids := m.byDev[deviceID]
	out := make([]Fix, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.fixes[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (m *MemoryStore) getFlight(id uuid.UUID) (*Flight, error) {
	f, ok := m.flights[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlightNotFound, id)
	}
	return f.Clone(), nil
}

func (m *MemoryStore) saveFlight(f *Flight, undo undoFn) error {
	if f.LandingTime != nil && f.TimedOutAt != nil {
		return fmt.Errorf("%w: flight %s both landed and timed out", ErrInvariantViolation, f.ID)
	}
	if f.Open() {
		for id, other := range m.flights {
			if id != f.ID && other.DeviceID == f.DeviceID && other.Open() {
				return fmt.Errorf("%w: %s already has flight %s", ErrOpenFlightConflict, f.DeviceID, id)
			}
		}
	}
	prev, existed := m.flights[f.ID]
	m.flights[f.ID] = f.Clone()
	undo(func() {
		if existed {
			m.flights[f.ID] = prev
		} else {
			delete(m.flights, f.ID)
		}
	})
	return nil
}

func (m *MemoryStore) deleteFlight(id uuid.UUID, undo undoFn) error {
	prev, ok := m.flights[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFlightNotFound, id)
	}
	for _, fx := range m.fixes {
		if fx.FlightID != nil && *fx.FlightID == id {
			return fmt.Errorf("flight %s still referenced by fix %s", id, fx.ID)
		}
	}
	delete(m.flights, id)
	undo(func() { m.flights[id] = prev })
	return nil
}

func (m *MemoryStore) clearFlightReference(flightID uuid.UUID, undo undoFn) int64 {
	var n int64
	for id, fx := range m.fixes {
		if fx.FlightID != nil && *fx.FlightID == flightID {
			prev := fx
			fx.FlightID = nil
			m.fixes[id] = fx
			undo(func() { m.fixes[prev.ID] = prev })
			n++
		}
	}
	return n
}

func (m *MemoryStore) updateFixFlightLink(fixID uuid.UUID, flightID *uuid.UUID, undo undoFn) error {
	fx, ok := m.fixes[fixID]
	if !ok {
		return fmt.Errorf("fix %s not found", fixID)
	}
	if flightID != nil {
		if _, ok := m.flights[*flightID]; !ok {
			return fmt.Errorf("%w: %s", ErrFlightNotFound, *flightID)
		}
	}
	prev := fx
	fx.FlightID = clonePtr(flightID)
	m.fixes[fixID] = fx
	undo(func() { m.fixes[fixID] = prev })
	return nil
}

func (m *MemoryStore) saveFix(fix Fix, undo undoFn) error {
	if _, ok := m.fixes[fix.ID]; ok {
		return nil
	}
	if fix.FlightID != nil {
		if _, ok := m.flights[*fix.FlightID]; !ok {
			return fmt.Errorf("%w: %s", ErrFlightNotFound, *fix.FlightID)
		}
	}
	m.fixes[fix.ID] = fix.Clone()
	m.byDev[fix.DeviceID] = append(m.byDev[fix.DeviceID], fix.ID)
	undo(func() {
		delete(m.fixes, fix.ID)
		ids := m.byDev[fix.DeviceID]
		m.byDev[fix.DeviceID] = ids[:len(ids)-1]
	})
	return nil
}

// memTx is the view of a MemoryStore inside Atomically. The store's write
// lock is held for its whole life.
type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (t *memTx) record(fn func()) { t.undo = append(t.undo, fn) }

func (t *memTx) LoadOpenFlight(_ context.Context, deviceID string) (*Flight, error) {
	return t.m.loadOpenFlight(deviceID), nil
}

func (t *memTx) LoadLatestFlight(_ context.Context, deviceID string) (*Flight, error) {
	return t.m.loadLatestFlight(deviceID), nil
}

func (t *memTx) ListOpenFlights(_ context.Context) ([]*Flight, error) {
	return t.m.listOpenFlights(), nil
}

func (t *memTx) RecentFixes(_ context.Context, deviceID string, limit int) ([]Fix, error) {
	return t.m.recentFixes(deviceID, limit), nil
}

func (t *memTx) GetFlight(_ context.Context, id uuid.UUID) (*Flight, error) {
	return t.m.getFlight(id)
}

func (t *memTx) SaveFlight(_ context.Context, f *Flight) error {
	return t.m.saveFlight(f, t.record)
}

func (t *memTx) DeleteFlight(_ context.Context, id uuid.UUID) error {
	return t.m.deleteFlight(id, t.record)
}

func (t *memTx) ClearFlightReference(_ context.Context, flightID uuid.UUID) (int64, error) {
	return t.m.clearFlightReference(flightID, t.record), nil
}

func (t *memTx) UpdateFixFlightLink(_ context.Context, fixID uuid.UUID, flightID *uuid.UUID) error {
	return t.m.updateFixFlightLink(fixID, flightID, t.record)
}

func (t *memTx) SaveFix(_ context.Context, fix Fix) error {
	return t.m.saveFix(fix, t.record)
}

func (t *memTx) Atomically(_ context.Context, fn func(Store) error) error {
	return fn(t)
}
