package events

import (
	"context"

	"github.com/yegors/flightwatch/internal/storage/clickhouse"
	"github.com/yegors/flightwatch/internal/tracker"
)

// Archiver queues closed flights for the analytics store
type Archiver interface {
	Add(r clickhouse.FlightRow)
}

// ArchiveSink forwards closed flights to the analytics archive
type ArchiveSink struct {
	archive Archiver
}

// NewArchiveSink creates a sink that archives landed, timed out and spurious flights
func NewArchiveSink(a Archiver) *ArchiveSink {
	return &ArchiveSink{archive: a}
}

func (s *ArchiveSink) Name() string { return "clickhouse" }

func (s *ArchiveSink) Send(_ context.Context, e tracker.Event) error {
	if e.Flight == nil {
		return nil
	}
	var closure string
	switch e.Type {
	case tracker.EventFlightLanded:
		closure = "landed"
	case tracker.EventFlightTimedOut:
		closure = "timed_out"
	case tracker.EventFlightDeleted:
		closure = "deleted_spurious"
	default:
		return nil
	}
	s.archive.Add(clickhouse.RowFromFlight(e.Flight, closure, e.Reason, e.Time))
	return nil
}
