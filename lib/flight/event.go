package flight

import "time"

const FlightEventType = "flight-event"

type (
	Kind string

	// Event is one flight lifecycle boundary for one aircraft. It carries a
	// snapshot of the flight at the moment it was emitted so consumers never
	// share mutable state with the machine.
	Event struct {
		Kind       Kind      `json:"kind"`
		AircraftID string    `json:"aircraftId"`
		At         time.Time `json:"at"`
		Flight     Flight    `json:"flight"`

		// Resumed marks a Resurrected event that re-opens the previous
		// flight instead of starting a new one (the gap came in under the
		// resurrection threshold)
		Resumed bool `json:"resumed,omitempty"`
	}

	// Listener consumes the ordered per-aircraft event stream
	Listener interface {
		OnFlightEvent(Event)
	}
)

const (
	Opened      Kind = "opened"
	TouchAndGo  Kind = "touch-and-go"
	TowReleased Kind = "tow-released"
	Closed      Kind = "closed"
	Resurrected Kind = "resurrected"
)

func (e *Event) Type() string {
	return FlightEventType
}

func (e *Event) String() string {
	return string(e.Kind) + " " + e.AircraftID
}
