// Package ledger is the authoritative record of flights. It consumes the
// event stream, enforces one open flight per aircraft, drops duplicate
// deliveries, and writes every accepted change through to storage.
package ledger

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hut8/soar-sub008/lib/flight"
)

type (
	// Storage persists accepted ledger changes. Implementations are
	// expected to treat SaveFlight as an upsert keyed by flight ID.
	Storage interface {
		SaveFlight(ctx context.Context, f flight.Flight) error
		SaveEvent(ctx context.Context, e flight.Event) error
	}

	// closureKey identifies one logical closure. A late fix that drags the
	// landing time forward produces a new key, so the adjusted closure is
	// applied; redelivery of the same closure is not.
	closureKey struct {
		flightID  string
		landingAt time.Time
	}

	Ledger struct {
		mu     sync.Mutex
		open   map[string]*flight.Flight // aircraft ID -> open flight
		byID   map[string]*flight.Flight
		closed *lru.Cache[closureKey, struct{}]
		recent *lru.Cache[string, *flight.Flight] // closed flights, by ID

		storage Storage

		duplicates prometheus.Counter
		openGauge  prometheus.Gauge

		log zerolog.Logger
	}

	Option func(*Ledger)
)

const (
	defaultClosureMemory = 16_384
	defaultRecentFlights = 8_192
)

func WithStorage(s Storage) Option {
	return func(l *Ledger) {
		l.storage = s
	}
}

func WithDuplicateCounter(c prometheus.Counter) Option {
	return func(l *Ledger) {
		l.duplicates = c
	}
}

func WithOpenFlightsGauge(g prometheus.Gauge) Option {
	return func(l *Ledger) {
		l.openGauge = g
	}
}

func NewLedger(opts ...Option) *Ledger {
	closed, _ := lru.New[closureKey, struct{}](defaultClosureMemory)
	l := &Ledger{
		open:   make(map[string]*flight.Flight),
		byID:   make(map[string]*flight.Flight),
		closed: closed,
		log:    log.With().Str("section", "ledger").Logger(),
	}
	// when a closed flight ages out of the recent cache its byID entry
	// goes with it, so late annotations cannot resurrect arbitrary history
	l.recent, _ = lru.NewWithEvict[string, *flight.Flight](defaultRecentFlights, func(id string, _ *flight.Flight) {
		delete(l.byID, id)
	})
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnFlightEvent applies one event. Reapplying an already-applied event is a
// no-op; events arrive at-least-once from upstream.
func (l *Ledger) OnFlightEvent(e flight.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch e.Kind {
	case flight.Opened, flight.Resurrected:
		l.applyOpen(e)
	case flight.Closed:
		l.applyClose(e)
	case flight.TouchAndGo:
		l.applyTouchAndGo(e)
	}
}

func (l *Ledger) applyOpen(e flight.Event) {
	if existing, ok := l.byID[e.Flight.ID]; ok && existing.Open() {
		// duplicate delivery
		if nil != l.duplicates {
			l.duplicates.Inc()
		}
		return
	}

	// a resumption pulls a just-closed flight back out of retirement
	if e.Resumed {
		l.recent.Remove(e.Flight.ID)
	}

	// one open flight per aircraft, no exceptions. A machine restart can
	// emit a fresh Opened while we still hold an older one; the old record
	// is closed at its last evidence rather than leaking forever.
	if prev, ok := l.open[e.AircraftID]; ok && prev.ID != e.Flight.ID {
		l.log.Warn().
			Str("aircraft", e.AircraftID).
			Str("superseded", prev.ID).
			Str("by", e.Flight.ID).
			Msg("Open flight superseded")
		prev.Closed = true
		prev.TimedOut = true
		prev.LandingAt = prev.LastFixAt
		if prev.LandingAt.Before(prev.TakeoffAt) {
			prev.LandingAt = prev.TakeoffAt
		}
		l.retire(prev)
		l.persistFlight(*prev)
	}

	f := e.Flight
	l.open[e.AircraftID] = &f
	l.byID[f.ID] = &f
	l.updateOpenGauge()
	l.persistFlight(f)
	l.persistEvent(e)
}

func (l *Ledger) applyClose(e flight.Event) {
	key := closureKey{flightID: e.Flight.ID, landingAt: e.Flight.LandingAt}
	if l.closed.Contains(key) {
		if nil != l.duplicates {
			l.duplicates.Inc()
		}
		return
	}
	l.closed.Add(key, struct{}{})

	f, ok := l.byID[e.Flight.ID]
	if !ok {
		// closure for a flight we never saw open (restart, replay): take
		// the snapshot as truth
		snap := e.Flight
		f = &snap
		l.byID[f.ID] = f
	}

	// carry the closure snapshot over, but never lose a tow annotation we
	// already applied locally
	towedBy, towedByFlight := f.TowedByAircraftID, f.TowedByFlightID
	towAt, towAlt := f.TowReleaseAt, f.TowReleaseAltitude
	*f = e.Flight
	if "" == f.TowedByAircraftID && "" != towedBy {
		f.TowedByAircraftID = towedBy
		f.TowedByFlightID = towedByFlight
		f.TowReleaseAt = towAt
		f.TowReleaseAltitude = towAlt
	}

	if open, ok := l.open[e.AircraftID]; ok && open.ID == f.ID {
		delete(l.open, e.AircraftID)
	}
	l.retire(f)
	l.updateOpenGauge()
	l.persistFlight(*f)
	l.persistEvent(e)
}

func (l *Ledger) applyTouchAndGo(e flight.Event) {
	// touch-and-gos do not change the record, but they are part of the
	// flight's story
	l.persistEvent(e)
}

// AnnotateTow marks a glider flight with its tug. It works on open and
// recently closed flights alike; the annotation arrives whenever the
// correlator confirms the release, which can be after the flight ended.
func (l *Ledger) AnnotateTow(gliderFlightID, tugAircraftID, tugFlightID string, at time.Time, altitude int, hasAltitude bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.byID[gliderFlightID]
	if !ok {
		l.log.Warn().Str("flight", gliderFlightID).Msg("Tow annotation for unknown flight")
		return false
	}
	f.TowedByAircraftID = tugAircraftID
	f.TowedByFlightID = tugFlightID
	f.TowReleaseAt = at
	if hasAltitude {
		f.TowReleaseAltitude = altitude
	}
	l.persistFlight(*f)
	return true
}

// OpenFlight returns the aircraft's in-progress flight, if any
func (l *Ledger) OpenFlight(aircraftID string) (flight.Flight, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.open[aircraftID]
	if !ok {
		return flight.Flight{}, false
	}
	return *f, true
}

func (l *Ledger) OpenFlights() []flight.Flight {
	l.mu.Lock()
	defer l.mu.Unlock()
	flights := make([]flight.Flight, 0, len(l.open))
	for _, f := range l.open {
		flights = append(flights, *f)
	}
	return flights
}

func (l *Ledger) FlightByID(id string) (flight.Flight, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.byID[id]
	if !ok {
		return flight.Flight{}, false
	}
	return *f, true
}

func (l *Ledger) NumOpen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

// retire moves a closed flight to the recent cache. byID keeps pointing at
// it until the cache evicts, so late tow annotations still land.
func (l *Ledger) retire(f *flight.Flight) {
	l.recent.Add(f.ID, f)
}

func (l *Ledger) persistFlight(f flight.Flight) {
	if nil == l.storage {
		return
	}
	if err := l.storage.SaveFlight(context.Background(), f); nil != err {
		l.log.Error().Err(err).Str("flight", f.ID).Msg("Failed to save flight")
	}
}

func (l *Ledger) persistEvent(e flight.Event) {
	if nil == l.storage {
		return
	}
	if err := l.storage.SaveEvent(context.Background(), e); nil != err {
		l.log.Error().Err(err).Str("flight", e.Flight.ID).Msg("Failed to save event")
	}
}

func (l *Ledger) updateOpenGauge() {
	if nil != l.openGauge {
		l.openGauge.Set(float64(len(l.open)))
	}
}

func (l *Ledger) HealthCheckName() string {
	return "ledger"
}

func (l *Ledger) HealthCheck() bool {
	return true
}
