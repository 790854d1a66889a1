package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists flights and fixes. Implementations must reject a second open
// flight for a device with ErrOpenFlightConflict and linking a fix to a missing
// flight with ErrFlightNotFound.
type Store interface {
	// LoadOpenFlight returns the device's open flight, or nil
	LoadOpenFlight(ctx context.Context, deviceID string) (*Flight, error)
	// LoadLatestFlight returns the device's most recent flight in any state, or nil
	LoadLatestFlight(ctx context.Context, deviceID string) (*Flight, error)
	// ListOpenFlights returns every open flight
	ListOpenFlights(ctx context.Context) ([]*Flight, error)
	// RecentFixes returns up to limit fixes for a device, oldest first
	RecentFixes(ctx context.Context, deviceID string, limit int) ([]Fix, error)
	// GetFlight returns a flight by id, or ErrFlightNotFound
	GetFlight(ctx context.Context, id uuid.UUID) (*Flight, error)

	SaveFlight(ctx context.Context, f *Flight) error
	DeleteFlight(ctx context.Context, id uuid.UUID) error
	// ClearFlightReference unlinks every fix pointing at the flight
	ClearFlightReference(ctx context.Context, flightID uuid.UUID) (int64, error)
	// UpdateFixFlightLink points an already saved fix at a flight
	UpdateFixFlightLink(ctx context.Context, fixID uuid.UUID, flightID *uuid.UUID) error
	// SaveFix inserts a fix; saving the same id twice is a no-op
	SaveFix(ctx context.Context, fix Fix) error

	// Atomically runs fn against a view of the store whose writes all commit
	// when fn returns nil and are all discarded otherwise. Calling it on the
	// view joins the running transaction.
	Atomically(ctx context.Context, fn func(Store) error) error
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(e Event)
}

// EventType names a lifecycle event
type EventType string

const (
	EventFlightCreated  EventType = "flight_created"
	EventFlightLanded   EventType = "flight_landed"
	EventFlightTimedOut EventType = "flight_timed_out"
	EventFlightResumed  EventType = "flight_resumed"
	EventFlightDeleted  EventType = "flight_deleted_spurious"
	EventResumeRejected EventType = "resume_rejected"
	EventTowLinked      EventType = "tow_linked"
	EventTowReleased    EventType = "tow_released"
	EventAircraftFlag   EventType = "aircraft_flagged"
)

// Event is a flight lifecycle notification. Flight is a copy owned by the receiver.
type Event struct {
	ID       uuid.UUID       `json:"id"`
	Type     EventType       `json:"type"`
	DeviceID string          `json:"device_id"`
	Time     time.Time       `json:"time"`
	Origin   string          `json:"origin,omitempty"` // takeoff or airborne, for flight_created
	Reason   string          `json:"reason,omitempty"`
	Flight   *Flight         `json:"flight,omitempty"`
	Resume   *ResumeDecision `json:"resume,omitempty"`
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// History is the read side of a Store used for queries outside the engine
type History interface {
	GetFlight(ctx context.Context, id uuid.UUID) (*Flight, error)
	// ListFlights returns up to limit flights for a device, newest first
	ListFlights(ctx context.Context, deviceID string, limit int) ([]*Flight, error)
	// FlightTrack returns the fixes linked to a flight, oldest first
	FlightTrack(ctx context.Context, flightID uuid.UUID) ([]Fix, error)
}
