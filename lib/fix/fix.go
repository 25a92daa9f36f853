package fix

import (
	"time"
)

type (
	// AddressType is the flavour of transponder address a report arrived with.
	// An airframe can carry several, at most one of each type.
	AddressType string

	// RawReport is what the protocol decoders hand us. One position beacon,
	// already unframed, not yet attached to an aircraft identity.
	RawReport struct {
		AircraftAddress string      `json:"address"`
		AddressType     AddressType `json:"addressType"`
		ReportedAt      time.Time   `json:"reportedAt"`
		Lat             float64     `json:"lat"`
		Lon             float64     `json:"lon"`
		AltitudeMSL     int         `json:"altitudeMsl"`
		HasAltitude     bool        `json:"hasAltitude"`
		GroundSpeed     float64     `json:"groundSpeed"` // knots
		Track           float64     `json:"track"`
		ClimbRate       int         `json:"climbRate"` // feet per minute
		HasClimbRate    bool        `json:"hasClimbRate"`
		CallSign        string      `json:"callSign,omitempty"`
		ReceiverID      string      `json:"receiverId"`
		Protocol        string      `json:"protocol"`
	}

	// Fix is one normalized position report for one aircraft. A Fix is
	// immutable once produced, except for the asynchronous AGL enrichment.
	Fix struct {
		AircraftID string    `json:"aircraftId"`
		ReceiverID string    `json:"receiverId"`
		ReportedAt time.Time `json:"reportedAt"`
		ReceivedAt time.Time `json:"receivedAt"`

		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`

		AltitudeMSL int  `json:"altitudeMsl"`
		HasAltitude bool `json:"hasAltitude"`
		AltitudeAGL int  `json:"altitudeAgl,omitempty"`
		HasAGL      bool `json:"hasAgl"`

		GroundSpeed  float64 `json:"groundSpeed"`
		TrackDegrees float64 `json:"track"`
		ClimbRate    int     `json:"climbRate"`
		HasClimbRate bool    `json:"hasClimbRate"`

		CallSign string `json:"callSign,omitempty"`

		// TimeGap is ReportedAt minus the previous fix's ReportedAt for the
		// same aircraft. Zero value + HasTimeGap=false on the first fix.
		TimeGap    time.Duration `json:"timeGap"`
		HasTimeGap bool          `json:"hasTimeGap"`
	}

	// Key is the natural key a Fix is unique under. Redelivery of the same
	// report must map to the same Key.
	Key struct {
		AircraftID string
		ReportedAt time.Time
	}
)

const (
	AddressIcao  AddressType = "icao"
	AddressFlarm AddressType = "flarm"
	AddressOgn   AddressType = "ogn"
	AddressOther AddressType = "other"
)

func (f *Fix) Key() Key {
	return Key{AircraftID: f.AircraftID, ReportedAt: f.ReportedAt}
}

// Less orders keys by aircraft then time, for the dedupe index
func (k Key) Less(other Key) bool {
	if k.AircraftID != other.AircraftID {
		return k.AircraftID < other.AircraftID
	}
	return k.ReportedAt.Before(other.ReportedAt)
}

// EnrichAGL applies the late above-ground-level backfill. AGL is
// informational only and never feeds back into flight detection.
func (f *Fix) EnrichAGL(agl int) {
	f.AltitudeAGL = agl
	f.HasAGL = true
}

func (f *Fix) String() string {
	return f.AircraftID + "@" + f.ReportedAt.UTC().Format(time.RFC3339)
}
