package flight

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Phase is a coarse description of what a flight was doing when it
	// timed out, recorded so a timeout-closure reads differently from a
	// confirmed landing
	Phase string

	// Flight is one continuous flying episode for one aircraft, bounded by
	// a takeoff and a landing (or a timeout). State machines mutate it while
	// open; after closure only the tow annotation may still land on it.
	Flight struct {
		ID         string `json:"id"`
		AircraftID string `json:"aircraftId"`
		CallSign   string `json:"callSign,omitempty"`

		TakeoffAt time.Time `json:"takeoffAt"`
		LandingAt time.Time `json:"landingAt,omitempty"`
		Closed    bool      `json:"closed"`

		// TimedOut marks a closure we forced because the aircraft went
		// silent, as opposed to a landing we actually observed
		TimedOut     bool  `json:"timedOut,omitempty"`
		PhaseAtClose Phase `json:"phaseAtClose,omitempty"`

		TowedByAircraftID  string    `json:"towedByAircraftId,omitempty"`
		TowedByFlightID    string    `json:"towedByFlightId,omitempty"`
		TowReleaseAt       time.Time `json:"towReleaseAt,omitempty"`
		TowReleaseAltitude int       `json:"towReleaseAltitude,omitempty"`

		Spurious        bool     `json:"spurious,omitempty"`
		SpuriousReasons []string `json:"spuriousReasons,omitempty"`

		FixCount  int       `json:"fixCount"`
		LastFixAt time.Time `json:"lastFixAt"`

		firstLat, firstLon float64
		haveFirstPos       bool
		totalDistanceM     float64
	}
)

const (
	PhaseClimbing   Phase = "climbing"
	PhaseCruising   Phase = "cruising"
	PhaseDescending Phase = "descending"
	PhaseUnknown    Phase = "unknown"
)

func newFlight(aircraftID, callSign string, takeoffAt time.Time) *Flight {
	return &Flight{
		ID:         uuid.NewString(),
		AircraftID: aircraftID,
		CallSign:   callSign,
		TakeoffAt:  takeoffAt,
	}
}

// Open reports whether the flight is still in progress
func (f *Flight) Open() bool {
	return !f.Closed
}

func (f *Flight) Duration() time.Duration {
	if f.LandingAt.IsZero() {
		return 0
	}
	return f.LandingAt.Sub(f.TakeoffAt)
}
