package tow

import (
	"testing"
	"time"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/flight"
)

var testT0 = time.Date(2023, 7, 14, 9, 0, 0, 0, time.UTC)

const baseLat = -32.0
const baseLon = 116.0

// metres of northing to degrees of latitude, near enough for test geometry
func northM(m float64) float64 {
	return baseLat + m/111_320.0
}

func towFix(id string, at time.Time, northOffsetM float64, climbFpm, alt int) fix.Fix {
	return fix.Fix{
		AircraftID:   id,
		ReportedAt:   at,
		Lat:          northM(northOffsetM),
		Lon:          baseLon,
		GroundSpeed:  60,
		AltitudeMSL:  alt,
		HasAltitude:  true,
		ClimbRate:    climbFpm,
		HasClimbRate: true,
	}
}

func opened(id, flightID string, takeoffAt time.Time) flight.Event {
	return flight.Event{
		Kind:       flight.Opened,
		AircraftID: id,
		At:         takeoffAt,
		Flight:     flight.Flight{ID: flightID, AircraftID: id, TakeoffAt: takeoffAt},
	}
}

func TestTowPairAndRelease(t *testing.T) {
	var releases []Release
	c := NewCorrelator(WithReleaseHandler(func(r Release) {
		releases = append(releases, r)
	}))

	c.OnFlightEvent(opened("TUG111", "flight-tug", testT0))
	c.OnFlightEvent(opened("GLD222", "flight-gld", testT0))

	// climbing out together, 50m apart
	var lastTogetherAlt int
	var lastTogether time.Time
	for i := 0; i < 4; i++ {
		at := testT0.Add(time.Duration(10+i*5) * time.Second)
		alt := 1000 + i*100
		c.Advance(towFix("TUG111", at, 0, 500, alt))
		c.Advance(towFix("GLD222", at, 50, 500, alt))
		lastTogether, lastTogetherAlt = at, alt
	}
	if 2 != len(c.pairs) {
		t.Fatalf("pair index has %d entries, expected 2", len(c.pairs))
	}
	if 0 != len(releases) {
		t.Fatalf("release reported while still together")
	}

	// the tug peels off and heads down; the glider keeps climbing. The
	// breakup has to persist before anything is reported.
	for i := 0; i < 4; i++ {
		at := testT0.Add(time.Duration(35+i*5) * time.Second)
		c.Advance(towFix("TUG111", at, 0, -300, 1400-i*50))
		c.Advance(towFix("GLD222", at, 450, 300, 1400+i*50))
	}

	if 1 != len(releases) {
		t.Fatalf("releases %d, expected exactly 1", len(releases))
	}
	rel := releases[0]
	if "TUG111" != rel.TugAircraftID || "GLD222" != rel.GliderAircraftID {
		t.Errorf("roles tug=%s glider=%s", rel.TugAircraftID, rel.GliderAircraftID)
	}
	if "flight-gld" != rel.GliderFlightID {
		t.Errorf("glider flight %s", rel.GliderFlightID)
	}
	if !rel.At.Equal(lastTogether) {
		t.Errorf("release at %s, expected last moment together %s", rel.At, lastTogether)
	}
	if !rel.HasAltitude || rel.Altitude != lastTogetherAlt {
		t.Errorf("release altitude %d (has=%v), expected %d", rel.Altitude, rel.HasAltitude, lastTogetherAlt)
	}
	if 0 != len(c.pairs) {
		t.Errorf("pair index not cleared after release")
	}
}

func TestBriefSeparationIsNotARelease(t *testing.T) {
	var releases []Release
	c := NewCorrelator(WithReleaseHandler(func(r Release) {
		releases = append(releases, r)
	}))

	c.OnFlightEvent(opened("TUG111", "flight-tug", testT0))
	c.OnFlightEvent(opened("GLD222", "flight-gld", testT0))

	at := testT0.Add(10 * time.Second)
	c.Advance(towFix("TUG111", at, 0, 500, 1000))
	c.Advance(towFix("GLD222", at, 50, 500, 1000))

	// one wide fix, then straight back together: GPS noise, not a release
	at = at.Add(5 * time.Second)
	c.Advance(towFix("TUG111", at, 0, 500, 1050))
	c.Advance(towFix("GLD222", at, 400, 500, 1050))
	at = at.Add(5 * time.Second)
	c.Advance(towFix("TUG111", at, 0, 500, 1100))
	c.Advance(towFix("GLD222", at, 60, 500, 1100))

	// another minute together, well past the confirmation window
	for i := 0; i < 6; i++ {
		at = at.Add(10 * time.Second)
		c.Advance(towFix("TUG111", at, 0, 500, 1200+i*50))
		c.Advance(towFix("GLD222", at, 60, 500, 1200+i*50))
	}

	if 0 != len(releases) {
		t.Errorf("noisy fix reported as release: %+v", releases[0])
	}
	if 2 != len(c.pairs) {
		t.Errorf("pair dissolved by a single noisy fix")
	}
}

func TestSoloClimberNeverPairs(t *testing.T) {
	var releases []Release
	c := NewCorrelator(WithReleaseHandler(func(r Release) {
		releases = append(releases, r)
	}))

	c.OnFlightEvent(opened("GLD222", "flight-gld", testT0))
	for i := 0; i < 10; i++ {
		at := testT0.Add(time.Duration(10+i*5) * time.Second)
		c.Advance(towFix("GLD222", at, 0, 500, 1000+i*100))
	}

	if 0 != len(c.pairs) {
		t.Errorf("solo aircraft paired with itself")
	}
	if 0 != len(releases) {
		t.Errorf("solo aircraft produced a release")
	}
}

func TestFlightClosureDissolvesPairSilently(t *testing.T) {
	var releases []Release
	c := NewCorrelator(WithReleaseHandler(func(r Release) {
		releases = append(releases, r)
	}))

	c.OnFlightEvent(opened("TUG111", "flight-tug", testT0))
	c.OnFlightEvent(opened("GLD222", "flight-gld", testT0))

	at := testT0.Add(10 * time.Second)
	c.Advance(towFix("TUG111", at, 0, 500, 1000))
	c.Advance(towFix("GLD222", at, 50, 500, 1000))
	if 2 != len(c.pairs) {
		t.Fatal("pair never formed")
	}

	c.OnFlightEvent(flight.Event{
		Kind:       flight.Closed,
		AircraftID: "GLD222",
		At:         at.Add(time.Minute),
		Flight:     flight.Flight{ID: "flight-gld", AircraftID: "GLD222", Closed: true},
	})

	if 0 != len(c.pairs) {
		t.Errorf("pair survived flight closure")
	}
	if 0 != len(releases) {
		t.Errorf("flight closure reported as release")
	}
}

func TestCategoryLookupDecidesRoles(t *testing.T) {
	var releases []Release
	c := NewCorrelator(
		WithReleaseHandler(func(r Release) {
			releases = append(releases, r)
		}),
		WithCategoryLookup(func(id string) Category {
			if "AAA111" == id {
				return CategoryGlider
			}
			return CategoryUnknown
		}),
	)

	// AAA111 takes off first, so behaviour alone would call it the tug
	c.OnFlightEvent(opened("AAA111", "flight-a", testT0))
	c.OnFlightEvent(opened("BBB222", "flight-b", testT0.Add(5*time.Second)))

	for i := 0; i < 3; i++ {
		at := testT0.Add(time.Duration(10+i*5) * time.Second)
		c.Advance(towFix("AAA111", at, 0, 500, 1000+i*100))
		c.Advance(towFix("BBB222", at, 50, 500, 1000+i*100))
	}

	// both still climbing at the split, so behaviour says nothing either
	for i := 0; i < 5; i++ {
		at := testT0.Add(time.Duration(25+i*5) * time.Second)
		c.Advance(towFix("AAA111", at, 0, 200, 1300+i*20))
		c.Advance(towFix("BBB222", at, 500, 200, 1300+i*20))
	}

	if 1 != len(releases) {
		t.Fatalf("releases %d, expected 1", len(releases))
	}
	if "AAA111" != releases[0].GliderAircraftID || "BBB222" != releases[0].TugAircraftID {
		t.Errorf("category lookup ignored: tug=%s glider=%s", releases[0].TugAircraftID, releases[0].GliderAircraftID)
	}
}
