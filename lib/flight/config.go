package flight

import "time"

type (
	// Config holds the detection thresholds. The defaults are aviation
	// domain norms, not calibrated truth; every one of them is expected to
	// be tuned against real recorded tracks.
	Config struct {
		// TakeoffSpeedKnots is the ground speed above which a fix counts
		// towards a takeoff run
		TakeoffSpeedKnots float64
		// TakeoffClimbFpm is the alternative signal, a sustained positive
		// climb at or above this rate
		TakeoffClimbFpm int
		// TakeoffSustain is how long the takeoff signal must hold before we
		// open a flight
		TakeoffSustain time.Duration

		// LandingSpeedKnots is the speed below which an airborne aircraft
		// becomes a landing candidate
		LandingSpeedKnots float64
		// LandingGrace is how long a landing candidate must stay slow
		// before the flight closes. A resumption inside this window is a
		// touch-and-go
		LandingGrace time.Duration

		// Timeout closes an open flight when no fix has arrived for this
		// long despite coverage
		Timeout time.Duration
		// Resurrection decides split-vs-resume when fixes come back after a
		// timeout: a gap above this opens a brand-new flight
		Resurrection time.Duration

		// ReopenTolerance is how far past a confirmed landing a late fix
		// may still drag landing time forward
		ReopenTolerance time.Duration

		// SpuriousMinFixes / SpuriousMinDuration / SpuriousMinDisplacementM
		// flag (never discard) flights too thin to be real
		SpuriousMinFixes         int
		SpuriousMinDuration      time.Duration
		SpuriousMinDisplacementM float64

		// ClimbWindow bounds how far back we look when deriving a climb
		// rate from altitude history
		ClimbWindow time.Duration
	}
)

func DefaultConfig() Config {
	return Config{
		TakeoffSpeedKnots: 35,
		TakeoffClimbFpm:   150,
		TakeoffSustain:    10 * time.Second,

		LandingSpeedKnots: 20,
		LandingGrace:      30 * time.Second,

		Timeout:      5 * time.Minute,
		Resurrection: 5 * time.Minute,

		ReopenTolerance: 2 * time.Minute,

		SpuriousMinFixes:         5,
		SpuriousMinDuration:      2 * time.Minute,
		SpuriousMinDisplacementM: 500,

		ClimbWindow: 60 * time.Second,
	}
}
