package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/hut8/soar-sub008/lib/flight"
)

var testT0 = time.Date(2023, 7, 14, 9, 0, 0, 0, time.UTC)

type memStorage struct {
	flights []flight.Flight
	events  []flight.Event
}

func (m *memStorage) SaveFlight(_ context.Context, f flight.Flight) error {
	m.flights = append(m.flights, f)
	return nil
}

func (m *memStorage) SaveEvent(_ context.Context, e flight.Event) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memStorage) closures(flightID string) int {
	n := 0
	for _, f := range m.flights {
		if f.ID == flightID && f.Closed {
			n++
		}
	}
	return n
}

func openEvent(aircraftID, flightID string, at time.Time) flight.Event {
	return flight.Event{
		Kind:       flight.Opened,
		AircraftID: aircraftID,
		At:         at,
		Flight: flight.Flight{
			ID:         flightID,
			AircraftID: aircraftID,
			TakeoffAt:  at,
			LastFixAt:  at,
		},
	}
}

func closeEvent(aircraftID, flightID string, takeoffAt, landingAt time.Time) flight.Event {
	return flight.Event{
		Kind:       flight.Closed,
		AircraftID: aircraftID,
		At:         landingAt,
		Flight: flight.Flight{
			ID:         flightID,
			AircraftID: aircraftID,
			TakeoffAt:  takeoffAt,
			LandingAt:  landingAt,
			LastFixAt:  landingAt,
			Closed:     true,
		},
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	st := &memStorage{}
	l := NewLedger(WithStorage(st))

	e := openEvent("7CA123", "flight-1", testT0)
	l.OnFlightEvent(e)
	l.OnFlightEvent(e)
	l.OnFlightEvent(e)

	if 1 != l.NumOpen() {
		t.Errorf("open flights %d, expected 1", l.NumOpen())
	}
	if 1 != len(st.flights) {
		t.Errorf("storage saw %d flight saves, expected 1", len(st.flights))
	}
}

func TestCloseDedupedByLandingTime(t *testing.T) {
	st := &memStorage{}
	l := NewLedger(WithStorage(st))

	l.OnFlightEvent(openEvent("7CA123", "flight-1", testT0))

	landing := testT0.Add(30 * time.Minute)
	l.OnFlightEvent(closeEvent("7CA123", "flight-1", testT0, landing))
	l.OnFlightEvent(closeEvent("7CA123", "flight-1", testT0, landing)) // redelivery

	if 0 != l.NumOpen() {
		t.Errorf("open flights %d after close, expected 0", l.NumOpen())
	}
	if 1 != st.closures("flight-1") {
		t.Errorf("storage saw %d closures, expected 1", st.closures("flight-1"))
	}

	// a late fix moved the landing forward: same flight, new logical
	// closure, must be applied
	l.OnFlightEvent(closeEvent("7CA123", "flight-1", testT0, landing.Add(time.Minute)))
	if 2 != st.closures("flight-1") {
		t.Errorf("adjusted closure not applied, storage saw %d", st.closures("flight-1"))
	}
	f, ok := l.FlightByID("flight-1")
	if !ok {
		t.Fatal("closed flight fell out of the ledger")
	}
	if !f.LandingAt.Equal(landing.Add(time.Minute)) {
		t.Errorf("landing %s, expected adjusted %s", f.LandingAt, landing.Add(time.Minute))
	}
}

func TestOneOpenFlightPerAircraft(t *testing.T) {
	st := &memStorage{}
	l := NewLedger(WithStorage(st))

	l.OnFlightEvent(openEvent("7CA123", "flight-1", testT0))
	// a second Opened for the same aircraft without a Closed in between
	l.OnFlightEvent(openEvent("7CA123", "flight-2", testT0.Add(time.Hour)))

	if 1 != l.NumOpen() {
		t.Fatalf("open flights %d, expected 1", l.NumOpen())
	}
	open, ok := l.OpenFlight("7CA123")
	if !ok || "flight-2" != open.ID {
		t.Errorf("open flight %s, expected flight-2", open.ID)
	}

	old, ok := l.FlightByID("flight-1")
	if !ok {
		t.Fatal("superseded flight lost")
	}
	if !old.Closed || !old.TimedOut {
		t.Errorf("superseded flight not force-closed: closed=%v timedOut=%v", old.Closed, old.TimedOut)
	}
	if old.LandingAt.Before(old.TakeoffAt) {
		t.Error("forced landing before takeoff")
	}
}

func TestResumptionReopensSameFlight(t *testing.T) {
	l := NewLedger()

	l.OnFlightEvent(openEvent("7CA123", "flight-1", testT0))
	l.OnFlightEvent(closeEvent("7CA123", "flight-1", testT0, testT0.Add(10*time.Minute)))

	res := openEvent("7CA123", "flight-1", testT0)
	res.Kind = flight.Resurrected
	res.Resumed = true
	l.OnFlightEvent(res)

	if 1 != l.NumOpen() {
		t.Fatalf("open flights %d after resumption, expected 1", l.NumOpen())
	}
	f, _ := l.FlightByID("flight-1")
	if f.Closed {
		t.Error("resumed flight still closed")
	}
}

func TestAnnotateTow(t *testing.T) {
	st := &memStorage{}
	l := NewLedger(WithStorage(st))

	l.OnFlightEvent(openEvent("GLD222", "flight-gld", testT0))
	l.OnFlightEvent(closeEvent("GLD222", "flight-gld", testT0, testT0.Add(time.Hour)))

	// the correlator can confirm a release after the glider already landed
	releaseAt := testT0.Add(5 * time.Minute)
	if !l.AnnotateTow("flight-gld", "TUG111", "flight-tug", releaseAt, 2500, true) {
		t.Fatal("annotation rejected for a recently closed flight")
	}

	f, ok := l.FlightByID("flight-gld")
	if !ok {
		t.Fatal("annotated flight missing")
	}
	if "TUG111" != f.TowedByAircraftID || "flight-tug" != f.TowedByFlightID {
		t.Errorf("tow fields %s/%s", f.TowedByAircraftID, f.TowedByFlightID)
	}
	if 2500 != f.TowReleaseAltitude || !f.TowReleaseAt.Equal(releaseAt) {
		t.Errorf("tow release %d ft at %s", f.TowReleaseAltitude, f.TowReleaseAt)
	}

	if l.AnnotateTow("no-such-flight", "TUG111", "flight-tug", releaseAt, 0, false) {
		t.Error("annotation accepted for unknown flight")
	}
}

func TestTowAnnotationSurvivesLateClosure(t *testing.T) {
	l := NewLedger()

	l.OnFlightEvent(openEvent("GLD222", "flight-gld", testT0))
	l.AnnotateTow("flight-gld", "TUG111", "flight-tug", testT0.Add(5*time.Minute), 2500, true)

	// the closure snapshot comes from the state machine, which knows
	// nothing about tows
	l.OnFlightEvent(closeEvent("GLD222", "flight-gld", testT0, testT0.Add(time.Hour)))

	f, _ := l.FlightByID("flight-gld")
	if "TUG111" != f.TowedByAircraftID {
		t.Error("tow annotation lost on closure")
	}
}
