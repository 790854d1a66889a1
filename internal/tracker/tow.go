package tracker

import (
	"github.com/yegors/flightwatch/internal/towing"
	"github.com/yegors/flightwatch/pkg/logger"
)

func towRole(c Category) towing.Role {
	switch c {
	case CategoryTowplane:
		return towing.RoleTowplane
	case CategoryGlider:
		return towing.RoleGlider
	default:
		return towing.RoleNone
	}
}

// applyPendingTow applies the tow updates other aircraft left for the open
// flight. The flight is persisted later in the same apply and the links leave
// the mailbox only when that apply commits.
func (e *Engine) applyPendingTow(tx *txn) {
	st := tx.st
	fl := st.Flight
	links := e.pending.Peek(fl.ID)
	if len(links) == 0 {
		return
	}
	tx.ack(fl.ID, len(links))
	for _, l := range links {
		switch l.Kind {
		case towing.LinkTowed:
			if st.TowPartner != "" && st.TowPartner != l.PartnerDevice {
				e.logger.Debug("Ignoring tow link from second partner",
					logger.String("device", st.DeviceID),
					logger.String("partner", l.PartnerDevice),
					logger.String("current_partner", st.TowPartner))
				continue
			}
			e.setPartner(st, l.PartnerDevice, l)
		case towing.LinkReleased:
			if st.TowRole != towing.RoleGlider || fl.TowReleaseTime != nil {
				continue
			}
			fl.TowReleaseTime = ptr(l.At)
			if l.AltitudeFt != nil {
				alt := *l.AltitudeFt
				fl.TowReleaseAltitudeFt = ptr(alt)
				switch {
				case fl.DepartureElevationFt != nil:
					fl.TowReleaseHeightDeltaFt = ptr(alt - *fl.DepartureElevationFt)
				case fl.MinAltitudeFt != nil:
					fl.TowReleaseHeightDeltaFt = ptr(alt - *fl.MinAltitudeFt)
				}
			}
			st.TowReleasedAt = ptr(l.At)
			e.logger.Info("Glider released from tow",
				logger.String("device", st.DeviceID),
				logger.String("flight_id", fl.ID.String()),
				logger.String("towplane", l.PartnerDevice))
		}
	}
}

func (e *Engine) setPartner(st *aircraftState, device string, l towing.Link) {
	fl := st.Flight
	switch st.TowRole {
	case towing.RoleGlider:
		fl.TowedByDevice = device
		fl.TowedByFlight = ptr(l.PartnerFlight)
	case towing.RoleTowplane:
		fl.TowingDevice = device
		fl.TowingFlight = ptr(l.PartnerFlight)
	}
	st.TowPartner = device
	st.TowFlight = ptr(l.PartnerFlight)
	st.TowDone = true
}

// checkTow searches for a tow partner while the window is open and, on the
// towplane, watches for the release. Updates for the partner go through the
// pending mailbox so no second device lock is taken.
func (e *Engine) checkTow(tx *txn, f Fix, climb *int) error {
	st := tx.st
	fl := st.Flight
	if st.TowRole == towing.RoleNone || fl.TakeoffTime == nil {
		return nil
	}

	if !st.TowDone {
		self := towing.Candidate{
			DeviceID:  st.DeviceID,
			FlightID:  fl.ID,
			Role:      st.TowRole,
			Latitude:  f.Latitude,
			Longitude: f.Longitude,
			TakeoffAt: *fl.TakeoffTime,
			LastFixAt: f.Timestamp,
		}
		partner, outcome := e.tow.FindPartner(self, f.Timestamp, e.towCandidates())
		switch outcome {
		case towing.OutcomeNone:
			st.TowDone = true
		case towing.OutcomeLinked:
			return e.linkTow(tx, partner, f)
		}
		return nil
	}

	if st.TowRole != towing.RoleTowplane || st.TowFlight == nil || st.TowReleasedAt != nil || climb == nil {
		return nil
	}
	var samples []towing.Sample
	for _, c := range st.Recent[:len(st.Recent)-1] {
		if c.AltitudeMSLFt != nil {
			samples = append(samples, towing.Sample{At: c.Timestamp, AltitudeFt: *c.AltitudeMSLFt})
		}
	}
	if !e.tow.ReleaseDetected(samples, float64(*climb)) {
		return nil
	}

	top := samples[len(samples)-1]
	st.TowReleasedAt = ptr(top.At)
	tx.offer(*st.TowFlight, towing.Link{
		Kind:          towing.LinkReleased,
		PartnerDevice: st.DeviceID,
		PartnerFlight: fl.ID,
		At:            top.At,
		AltitudeFt:    ptr(top.AltitudeFt),
	})
	e.logger.Info("Tow release detected",
		logger.String("device", st.DeviceID),
		logger.String("glider", st.TowPartner),
		logger.Int("altitude_ft", top.AltitudeFt))
	tx.emit(Event{Type: EventTowReleased, Flight: fl.Clone(), Reason: st.TowPartner, Time: top.At})
	return nil
}

func (e *Engine) linkTow(tx *txn, partner towing.Candidate, f Fix) error {
	st := tx.st
	fl := st.Flight
	e.setPartner(st, partner.DeviceID, towing.Link{PartnerFlight: partner.FlightID})
	if err := e.persistFlight(tx, fl); err != nil {
		return err
	}
	tx.offer(partner.FlightID, towing.Link{
		Kind:          towing.LinkTowed,
		PartnerDevice: st.DeviceID,
		PartnerFlight: fl.ID,
		At:            f.Timestamp,
	})

	e.logger.Info("Tow pair linked",
		logger.String("device", st.DeviceID),
		logger.String("role", st.TowRole.String()),
		logger.String("partner", partner.DeviceID))
	tx.emit(Event{Type: EventTowLinked, Flight: fl.Clone(), Reason: partner.DeviceID, Time: f.Timestamp})
	return nil
}

// towCandidates snapshots the open flights that may take part in a tow
func (e *Engine) towCandidates() []towing.Candidate {
	var out []towing.Candidate
	e.active.Range(func(dev string, fl *Flight) bool {
		role := towRole(fl.Category)
		if role == towing.RoleNone || fl.TakeoffTime == nil {
			return true
		}
		out = append(out, towing.Candidate{
			DeviceID:  dev,
			FlightID:  fl.ID,
			Role:      role,
			Latitude:  fl.LastLatitude,
			Longitude: fl.LastLongitude,
			TakeoffAt: *fl.TakeoffTime,
			LastFixAt: fl.LastFixAt,
			Linked:    fl.TowedByDevice != "" || fl.TowingDevice != "",
		})
		return true
	})
	return out
}
