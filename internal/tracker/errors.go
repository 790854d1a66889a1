package tracker

import "errors"

var (
	// ErrStaleFix is returned for a fix older than the last one applied for its device.
	// The fix is dropped and nothing changes.
	ErrStaleFix = errors.New("stale fix")

	// ErrReferentialRace marks a fix whose flight was deleted before the fix could be linked.
	// The engine recovers by saving the fix without a flight.
	ErrReferentialRace = errors.New("flight deleted before fix was linked")

	// ErrLookupFailure wraps reference data errors; processing continues without the lookup.
	ErrLookupFailure = errors.New("reference lookup failed")

	// ErrInvariantViolation is returned when an aircraft's state is inconsistent.
	// The aircraft is reset to grounded and flagged.
	ErrInvariantViolation = errors.New("tracker invariant violated")

	// ErrFlightNotFound is returned by stores when a flight id does not exist
	ErrFlightNotFound = errors.New("flight not found")

	// ErrOpenFlightConflict is returned by stores asked to save a second open flight for a device
	ErrOpenFlightConflict = errors.New("device already has an open flight")

	// ErrInvalidFix is returned for fixes missing an id, device or timestamp, or with impossible coordinates
	ErrInvalidFix = errors.New("invalid fix")
)
