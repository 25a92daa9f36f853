// Package tow pairs a glider with the towplane dragging it aloft, purely
// from how the two tracks move: both freshly departed, climbing together,
// and close enough that nothing else explains it. It then watches for the
// release and reports where and how high it happened.
package tow

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/flight"
	"github.com/hut8/soar-sub008/lib/geom"
)

type (
	// Category is what an aircraft is, when somebody actually knows
	Category string

	// CategoryLookup resolves an aircraft to its category. Optional; when
	// absent the correlator decides roles from behaviour at release time.
	CategoryLookup func(aircraftID string) Category

	// Release describes one confirmed tow release
	Release struct {
		TugAircraftID    string    `json:"tugAircraftId"`
		TugFlightID      string    `json:"tugFlightId"`
		GliderAircraftID string    `json:"gliderAircraftId"`
		GliderFlightID   string    `json:"gliderFlightId"`
		At               time.Time `json:"at"`
		Altitude         int       `json:"altitude,omitempty"`
		HasAltitude      bool      `json:"hasAltitude,omitempty"`
	}

	ReleaseHandler func(Release)

	craft struct {
		id        string
		flightID  string
		takeoffAt time.Time

		at       time.Time
		lat, lon float64
		alt      int
		hasAlt   bool

		prevAltAt time.Time
		prevAlt   int
		climbFpm  int
		hasClimb  bool

		pairedWith string
	}

	pair struct {
		a, b *craft // a took off first

		// release confirmation: the breakup condition must hold this long
		breakingSince time.Time
		lastSep       float64

		// last moment both were within pairing distance; the release is
		// stamped here, not at the end of the confirmation window
		lastTogether    time.Time
		lastTogetherAlt int
		hasTogetherAlt  bool
	}

	Correlator struct {
		mu     sync.Mutex
		crafts map[string]*craft
		pairs  map[string]*pair

		lookup  CategoryLookup
		handler ReleaseHandler

		pairDistanceM    float64
		releaseDistanceM float64
		pairingWindow    time.Duration
		climbFpm         int
		releaseConfirm   time.Duration
		coFixTolerance   time.Duration

		log zerolog.Logger
	}

	Option func(*Correlator)
)

const (
	CategoryTowplane Category = "towplane"
	CategoryGlider   Category = "glider"
	CategoryUnknown  Category = ""
)

func WithCategoryLookup(l CategoryLookup) Option {
	return func(c *Correlator) {
		c.lookup = l
	}
}

func WithReleaseHandler(h ReleaseHandler) Option {
	return func(c *Correlator) {
		c.handler = h
	}
}

func WithPairingWindow(d time.Duration) Option {
	return func(c *Correlator) {
		c.pairingWindow = d
	}
}

func NewCorrelator(opts ...Option) *Correlator {
	c := &Correlator{
		crafts:           make(map[string]*craft),
		pairs:            make(map[string]*pair),
		pairDistanceM:    150,
		releaseDistanceM: 300,
		pairingWindow:    2 * time.Minute,
		climbFpm:         100,
		releaseConfirm:   15 * time.Second,
		coFixTolerance:   10 * time.Second,
		log:              log.With().Str("section", "tow").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnFlightEvent keeps the candidate set in step with the flight lifecycle.
// Only aircraft with an open flight can pair.
func (c *Correlator) OnFlightEvent(e flight.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Kind {
	case flight.Opened, flight.Resurrected:
		c.crafts[e.AircraftID] = &craft{
			id:        e.AircraftID,
			flightID:  e.Flight.ID,
			takeoffAt: e.Flight.TakeoffAt,
		}
	case flight.Closed:
		cr, ok := c.crafts[e.AircraftID]
		if !ok {
			return
		}
		if "" != cr.pairedWith {
			// the flight ended while still paired; no release to report
			c.dissolve(cr)
		}
		delete(c.crafts, e.AircraftID)
	}
}

// Advance feeds the correlator one ordered fix
func (c *Correlator) Advance(f fix.Fix) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cr, ok := c.crafts[f.AircraftID]
	if !ok {
		return
	}
	c.observe(cr, f)

	if "" != cr.pairedWith {
		c.checkRelease(cr, f.ReportedAt)
		return
	}
	c.tryPair(cr)
}

func (c *Correlator) observe(cr *craft, f fix.Fix) {
	if f.HasAltitude {
		if cr.hasAlt && f.ReportedAt.Sub(cr.prevAltAt) >= 2*time.Second {
			span := f.ReportedAt.Sub(cr.prevAltAt)
			cr.climbFpm = int(float64(f.AltitudeMSL-cr.prevAlt) / span.Minutes())
			cr.hasClimb = true
		}
		cr.prevAltAt = f.ReportedAt
		cr.prevAlt = f.AltitudeMSL
	}
	if f.HasClimbRate {
		cr.climbFpm = f.ClimbRate
		cr.hasClimb = true
	}
	cr.at = f.ReportedAt
	cr.lat, cr.lon = f.Lat, f.Lon
	cr.alt = f.AltitudeMSL
	cr.hasAlt = f.HasAltitude
}

// tryPair looks for one other freshly-departed, climbing, unpaired aircraft
// inside pairing distance. Pairs are exclusive; a third aircraft in the same
// thermal stays solo.
func (c *Correlator) tryPair(cr *craft) {
	if !c.eligible(cr) {
		return
	}
	for _, other := range c.crafts {
		if other.id == cr.id || "" != other.pairedWith {
			continue
		}
		if !c.eligible(other) {
			continue
		}
		if absDur(cr.at.Sub(other.at)) > c.coFixTolerance {
			continue
		}
		sep := geom.Distance(cr.lat, cr.lon, other.lat, other.lon)
		if sep > c.pairDistanceM {
			continue
		}

		first, second := cr, other
		if other.takeoffAt.Before(cr.takeoffAt) {
			first, second = other, cr
		}
		p := &pair{a: first, b: second, lastTogether: cr.at}
		if cr.hasAlt {
			p.lastTogetherAlt = cr.alt
			p.hasTogetherAlt = true
		}
		cr.pairedWith = other.id
		other.pairedWith = cr.id
		c.pairs[cr.id] = p
		c.pairs[other.id] = p

		c.log.Info().
			Str("first", first.id).
			Str("second", second.id).
			Float64("separation", sep).
			Msg("Tow pair formed")
		return
	}
}

func (c *Correlator) eligible(cr *craft) bool {
	if cr.at.IsZero() {
		return false
	}
	if cr.at.Sub(cr.takeoffAt) > c.pairingWindow {
		return false
	}
	return cr.hasClimb && cr.climbFpm >= c.climbFpm
}

// checkRelease watches a paired couple for separation or one of them
// falling away. Either has to hold for the confirmation window before we
// call it a release; a single noisy fix is not a breakup.
func (c *Correlator) checkRelease(cr *craft, at time.Time) {
	p, ok := c.pairs[cr.id]
	if !ok {
		return
	}
	other := p.a
	if other.id == cr.id {
		other = p.b
	}

	sep := geom.Distance(cr.lat, cr.lon, other.lat, other.lon)
	p.lastSep = sep

	diverging := cr.hasClimb && other.hasClimb &&
		((cr.climbFpm >= c.climbFpm && other.climbFpm <= -c.climbFpm) ||
			(other.climbFpm >= c.climbFpm && cr.climbFpm <= -c.climbFpm))
	breaking := sep > c.releaseDistanceM || diverging

	if !breaking {
		p.breakingSince = time.Time{}
		if sep <= c.pairDistanceM {
			p.lastTogether = at
			if cr.hasAlt {
				p.lastTogetherAlt = cr.alt
				p.hasTogetherAlt = true
			}
		}
		return
	}

	if p.breakingSince.IsZero() {
		p.breakingSince = at
		return
	}
	if at.Sub(p.breakingSince) < c.releaseConfirm {
		return
	}
	c.confirmRelease(p)
}

func (c *Correlator) confirmRelease(p *pair) {
	tug, glider := c.assignRoles(p)

	rel := Release{
		TugAircraftID:    tug.id,
		TugFlightID:      tug.flightID,
		GliderAircraftID: glider.id,
		GliderFlightID:   glider.flightID,
		At:               p.lastTogether,
		Altitude:         p.lastTogetherAlt,
		HasAltitude:      p.hasTogetherAlt,
	}

	c.dissolve(p.a)

	c.log.Info().
		Str("tug", rel.TugAircraftID).
		Str("glider", rel.GliderAircraftID).
		Time("at", rel.At).
		Msg("Tow release")

	if nil != c.handler {
		c.handler(rel)
	}
}

// assignRoles prefers known categories; otherwise the one heading back down
// is the towplane, and failing even that, the first one off the ground is
func (c *Correlator) assignRoles(p *pair) (tug, glider *craft) {
	if nil != c.lookup {
		ca, cb := c.lookup(p.a.id), c.lookup(p.b.id)
		if CategoryTowplane == ca || CategoryGlider == cb {
			return p.a, p.b
		}
		if CategoryTowplane == cb || CategoryGlider == ca {
			return p.b, p.a
		}
	}
	if p.a.hasClimb && p.b.hasClimb && p.a.climbFpm != p.b.climbFpm {
		if p.a.climbFpm < p.b.climbFpm {
			return p.a, p.b
		}
		return p.b, p.a
	}
	return p.a, p.b
}

func (c *Correlator) dissolve(cr *craft) {
	p, ok := c.pairs[cr.id]
	if !ok {
		return
	}
	delete(c.pairs, p.a.id)
	delete(c.pairs, p.b.id)
	p.a.pairedWith = ""
	p.b.pairedWith = ""
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
