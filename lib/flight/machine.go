package flight

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/geom"
)

type (
	State int

	// histFix is the compact slice of a fix the machine keeps for its
	// decisions. Much smaller than a full Fix, ten of them is plenty for
	// takeoff/landing debounce and climb rate derivation.
	histFix struct {
		at       time.Time
		lat, lon float64
		alt      int
		hasAlt   bool
		speed    float64
	}

	// Machine derives flight lifecycle events from one aircraft's ordered
	// fix stream. It is not safe for concurrent use; the registry pins each
	// machine to a single shard goroutine.
	Machine struct {
		cfg        Config
		aircraftID string

		state  State
		flight *Flight

		// survivors of the last closure, for late fixes and resumption
		lastClosed   *Flight
		lastTimedOut *Flight

		recent []histFix

		activeRunStart time.Time
		pendingSince   time.Time
		pendingLastAt  time.Time
		lastFixAt      time.Time

		orphanedFixes int

		log zerolog.Logger
	}
)

const (
	Grounded State = iota
	Airborne
	GroundedPendingConfirm
	TimedOut
)

const recentFixKeep = 10

func (s State) String() string {
	switch s {
	case Grounded:
		return "grounded"
	case Airborne:
		return "airborne"
	case GroundedPendingConfirm:
		return "grounded-pending-confirm"
	case TimedOut:
		return "timed-out"
	}
	return "unknown"
}

func NewMachine(aircraftID string, cfg Config) *Machine {
	return &Machine{
		cfg:        cfg,
		aircraftID: aircraftID,
		state:      Grounded,
		log:        log.With().Str("section", "flight").Str("aircraft", aircraftID).Logger(),
	}
}

func (m *Machine) State() State {
	return m.state
}

// OpenFlight returns a snapshot of the in-progress flight, if any
func (m *Machine) OpenFlight() (Flight, bool) {
	if nil == m.flight {
		return Flight{}, false
	}
	return *m.flight, true
}

func (m *Machine) OrphanedFixes() int {
	return m.orphanedFixes
}

// Advance feeds the machine its next in-order fix and returns whatever
// lifecycle events fell out of it
func (m *Machine) Advance(f fix.Fix) []Event {
	var events []Event

	if !m.lastFixAt.IsZero() && f.ReportedAt.Before(m.lastFixAt) {
		// the registry should have routed this through LateFix; be safe
		return m.LateFix(f)
	}

	gap := time.Duration(0)
	if !m.lastFixAt.IsZero() {
		gap = f.ReportedAt.Sub(m.lastFixAt)
	}

	// a silent spell longer than the resurrection threshold splits any
	// open episode. A grounded aircraft just forgets its takeoff run
	if gap > m.cfg.Resurrection {
		if nil != m.flight {
			events = append(events, m.closeFlight(m.lastFixAt, true))
			m.state = TimedOut
		}
		m.recent = nil
		m.activeRunStart = time.Time{}
		m.pendingSince = time.Time{}
	}

	switch m.state {
	case TimedOut:
		events = append(events, m.advanceTimedOut(f, gap)...)
	case Grounded:
		events = append(events, m.advanceGrounded(f)...)
	case Airborne:
		events = append(events, m.advanceAirborne(f)...)
	case GroundedPendingConfirm:
		events = append(events, m.advancePending(f)...)
	}

	m.remember(f)
	return events
}

func (m *Machine) advanceTimedOut(f fix.Fix, gap time.Duration) []Event {
	if gap > 0 && gap <= m.cfg.Resurrection && nil != m.lastTimedOut {
		// the fix squeaked in under the boundary, the timeout was premature.
		// Resume the previous flight rather than splitting the episode
		resumed := m.lastTimedOut
		resumed.Closed = false
		resumed.LandingAt = time.Time{}
		resumed.TimedOut = false
		resumed.PhaseAtClose = ""
		m.flight = resumed
		m.lastTimedOut = nil
		m.state = Airborne
		m.trackFlightFix(f)
		m.log.Info().Str("flight", resumed.ID).Dur("gap", gap).Msg("Resumed flight after premature timeout")
		return []Event{{
			Kind:       Resurrected,
			AircraftID: m.aircraftID,
			At:         f.ReportedAt,
			Flight:     *resumed,
			Resumed:    true,
		}}
	}

	// the silence was real. Whatever comes next is a fresh episode
	if m.isActive(f) {
		nf := newFlight(m.aircraftID, callSignOf(f), f.ReportedAt)
		m.flight = nf
		m.state = Airborne
		m.trackFlightFix(f)
		m.log.Info().Str("flight", nf.ID).Msg("Resurrected as new flight")
		return []Event{{
			Kind:       Resurrected,
			AircraftID: m.aircraftID,
			At:         f.ReportedAt,
			Flight:     *nf,
		}}
	}

	m.state = Grounded
	return nil
}

func (m *Machine) advanceGrounded(f fix.Fix) []Event {
	if !m.isActive(f) {
		m.activeRunStart = time.Time{}
		return nil
	}

	if m.activeRunStart.IsZero() {
		m.activeRunStart = f.ReportedAt
	}
	if f.ReportedAt.Sub(m.activeRunStart) < m.cfg.TakeoffSustain {
		return nil
	}

	nf := newFlight(m.aircraftID, callSignOf(f), m.activeRunStart)
	m.flight = nf
	m.state = Airborne
	m.activeRunStart = time.Time{}
	m.trackFlightFix(f)
	m.log.Info().Str("flight", nf.ID).Time("takeoff", nf.TakeoffAt).Msg("Takeoff")
	return []Event{{
		Kind:       Opened,
		AircraftID: m.aircraftID,
		At:         f.ReportedAt,
		Flight:     *nf,
	}}
}

func (m *Machine) advanceAirborne(f fix.Fix) []Event {
	var events []Event

	// airline-style reuse of one airframe: a changed callsign means the
	// previous operation is over even if the wheels never touched
	cs := callSignOf(f)
	if "" != cs && "" != m.flight.CallSign && cs != m.flight.CallSign {
		events = append(events, m.closeFlight(m.lastFixAt, false))
		nf := newFlight(m.aircraftID, cs, f.ReportedAt)
		m.flight = nf
		m.state = Airborne
		m.trackFlightFix(f)
		m.log.Info().Str("flight", nf.ID).Str("callSign", cs).Msg("Flight split on callsign change")
		return append(events, Event{
			Kind:       Opened,
			AircraftID: m.aircraftID,
			At:         f.ReportedAt,
			Flight:     *nf,
		})
	}
	if "" != cs && "" == m.flight.CallSign {
		m.flight.CallSign = cs
	}

	if f.GroundSpeed < m.cfg.LandingSpeedKnots && !m.altitudeIncreasing(f) {
		m.state = GroundedPendingConfirm
		m.pendingSince = f.ReportedAt
		m.pendingLastAt = f.ReportedAt
	}

	m.trackFlightFix(f)
	return events
}

func (m *Machine) advancePending(f fix.Fix) []Event {
	elapsed := f.ReportedAt.Sub(m.pendingSince)

	if m.resumedFlying(f) {
		if elapsed < m.cfg.LandingGrace {
			// brief ground contact, same flight
			m.state = Airborne
			m.pendingSince = time.Time{}
			m.trackFlightFix(f)
			m.log.Debug().Str("flight", m.flight.ID).Msg("Touch and go")
			return []Event{{
				Kind:       TouchAndGo,
				AircraftID: m.aircraftID,
				At:         f.ReportedAt,
				Flight:     *m.flight,
			}}
		}
		// the grace window had already run out before this resumption:
		// confirmed landing, and this fix begins a new takeoff run
		events := []Event{m.closeFlight(m.pendingLastAt, false)}
		m.state = Grounded
		m.activeRunStart = f.ReportedAt
		return events
	}

	if elapsed >= m.cfg.LandingGrace {
		events := []Event{m.closeFlight(m.pendingLastAt, false)}
		m.state = Grounded
		return events
	}

	m.pendingLastAt = f.ReportedAt
	m.trackFlightFix(f)
	return nil
}

// Tick drives the wall-clock transitions for an aircraft that has simply
// stopped talking. A pure fix-driven design would never notice one
func (m *Machine) Tick(now time.Time) []Event {
	if nil == m.flight || m.lastFixAt.IsZero() {
		return nil
	}

	switch m.state {
	case GroundedPendingConfirm:
		if now.Sub(m.pendingSince) >= m.cfg.LandingGrace {
			events := []Event{m.closeFlight(m.pendingLastAt, false)}
			m.state = Grounded
			return events
		}
	case Airborne:
		if now.Sub(m.lastFixAt) > m.cfg.Timeout {
			events := []Event{m.closeFlight(m.lastFixAt, true)}
			m.state = TimedOut
			return events
		}
	}
	return nil
}

// LateFix is the explicit path for fixes older than the reorder window.
// They may stretch a just-closed flight's landing time forward, or be
// recorded as orphans; they never mutate a different flight
func (m *Machine) LateFix(f fix.Fix) []Event {
	if nil != m.flight && !f.ReportedAt.Before(m.flight.TakeoffAt) {
		// still inside the open flight's window, fold it in quietly
		m.flight.FixCount++
		return nil
	}

	lc := m.lastClosed
	if nil != lc && !f.ReportedAt.Before(lc.TakeoffAt) {
		if !f.ReportedAt.After(lc.LandingAt) {
			// inside the closed window, nothing to adjust
			lc.FixCount++
			return nil
		}
		if f.ReportedAt.Sub(lc.LandingAt) <= m.cfg.ReopenTolerance {
			// the aircraft was demonstrably still moving after the closure
			// we recorded; drag the landing forward. Never backward
			lc.LandingAt = f.ReportedAt
			lc.FixCount++
			m.log.Debug().Str("flight", lc.ID).Time("landing", lc.LandingAt).Msg("Late fix adjusted landing time")
			return []Event{{
				Kind:       Closed,
				AircraftID: m.aircraftID,
				At:         f.ReportedAt,
				Flight:     *lc,
			}}
		}
	}

	m.orphanedFixes++
	return nil
}

func (m *Machine) closeFlight(landingAt time.Time, timedOut bool) Event {
	fl := m.flight
	if landingAt.Before(fl.TakeoffAt) {
		landingAt = fl.TakeoffAt
	}
	fl.LandingAt = landingAt
	fl.Closed = true
	fl.TimedOut = timedOut
	if timedOut {
		fl.PhaseAtClose = m.phase()
	}
	m.flagSpurious(fl)

	m.flight = nil
	m.lastClosed = fl
	if timedOut {
		m.lastTimedOut = fl
	} else {
		m.lastTimedOut = nil
	}
	m.pendingSince = time.Time{}

	m.log.Info().
		Str("flight", fl.ID).
		Bool("timedOut", timedOut).
		Time("landing", fl.LandingAt).
		Msg("Flight closed")

	return Event{
		Kind:       Closed,
		AircraftID: m.aircraftID,
		At:         landingAt,
		Flight:     *fl,
	}
}

func (m *Machine) flagSpurious(fl *Flight) {
	var reasons []string
	if fl.FixCount < m.cfg.SpuriousMinFixes {
		reasons = append(reasons, "too-few-fixes")
	}
	if fl.Duration() < m.cfg.SpuriousMinDuration {
		reasons = append(reasons, "duration-too-short")
	}
	if fl.haveFirstPos && fl.totalDistanceM < m.cfg.SpuriousMinDisplacementM {
		reasons = append(reasons, "displacement-too-low")
	}
	if len(reasons) > 0 {
		fl.Spurious = true
		fl.SpuriousReasons = reasons
	}
}

func (m *Machine) trackFlightFix(f fix.Fix) {
	fl := m.flight
	if nil == fl {
		return
	}
	fl.FixCount++
	fl.LastFixAt = f.ReportedAt
	if !fl.haveFirstPos {
		fl.firstLat, fl.firstLon = f.Lat, f.Lon
		fl.haveFirstPos = true
	} else if len(m.recent) > 0 {
		prev := m.recent[len(m.recent)-1]
		fl.totalDistanceM += geom.Distance(prev.lat, prev.lon, f.Lat, f.Lon)
	}
}

func (m *Machine) remember(f fix.Fix) {
	m.lastFixAt = f.ReportedAt
	m.recent = append(m.recent, histFix{
		at:     f.ReportedAt,
		lat:    f.Lat,
		lon:    f.Lon,
		alt:    f.AltitudeMSL,
		hasAlt: f.HasAltitude,
		speed:  f.GroundSpeed,
	})
	if len(m.recent) > recentFixKeep {
		m.recent = m.recent[1:]
	}
}

func (m *Machine) isActive(f fix.Fix) bool {
	if f.GroundSpeed >= m.cfg.TakeoffSpeedKnots {
		return true
	}
	climb, ok := m.effectiveClimb(f)
	return ok && climb >= m.cfg.TakeoffClimbFpm
}

func (m *Machine) resumedFlying(f fix.Fix) bool {
	return m.isActive(f)
}

func (m *Machine) altitudeIncreasing(f fix.Fix) bool {
	climb, ok := m.effectiveClimb(f)
	if !ok {
		return false
	}
	return climb >= 100
}

// effectiveClimb prefers the reported climb rate and falls back to deriving
// one from recent altitude history: first and last fix with altitude inside
// the climb window, at least 5s apart to keep the noise down
func (m *Machine) effectiveClimb(f fix.Fix) (int, bool) {
	if f.HasClimbRate {
		return f.ClimbRate, true
	}
	if !f.HasAltitude {
		return 0, false
	}

	var first *histFix
	for i := range m.recent {
		h := &m.recent[i]
		if !h.hasAlt {
			continue
		}
		if f.ReportedAt.Sub(h.at) > m.cfg.ClimbWindow {
			continue
		}
		first = h
		break
	}
	if nil == first {
		return 0, false
	}

	span := f.ReportedAt.Sub(first.at)
	if span < 5*time.Second {
		return 0, false
	}
	fpm := float64(f.AltitudeMSL-first.alt) / span.Minutes()
	return int(fpm), true
}

func (m *Machine) phase() Phase {
	if len(m.recent) < 2 {
		return PhaseUnknown
	}
	last := m.recent[len(m.recent)-1]
	var climb *int
	for i := range m.recent {
		h := m.recent[i]
		if !h.hasAlt || !last.hasAlt {
			continue
		}
		span := last.at.Sub(h.at)
		if span < 5*time.Second || span > m.cfg.ClimbWindow {
			continue
		}
		c := int(float64(last.alt-h.alt) / span.Minutes())
		climb = &c
		break
	}

	if nil != climb {
		if *climb > 300 {
			return PhaseClimbing
		}
		if *climb < -300 {
			return PhaseDescending
		}
	}
	if last.hasAlt && last.alt > 10_000 && (nil == climb || abs(*climb) < 500) {
		return PhaseCruising
	}
	return PhaseUnknown
}

func callSignOf(f fix.Fix) string {
	return strings.TrimSpace(f.CallSign)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
