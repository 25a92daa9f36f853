// Package archive streams fixes, flights and flight events into ClickHouse.
// Everything is append-only: a flight row is written once per accepted
// change and the flights table is expected to be a ReplacingMergeTree keyed
// on the flight ID, so the newest version wins on merge.
package archive

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hut8/soar-sub008/lib/clickhouse"
	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/flight"
)

type (
	Archive struct {
		fixes   chan *fixRow
		flights chan *flightRow
		events  chan *eventRow
		chs     *clickhouse.Server
		log     zerolog.Logger
	}

	fixRow struct {
		AircraftId   string
		ReceiverId   string
		ReportedAt   time.Time
		ReceivedAt   time.Time
		Lat          float64
		Lon          float64
		AltitudeMsl  int32
		HasAltitude  uint8
		AltitudeAgl  int32
		HasAgl       uint8
		GroundSpeed  float64
		Track        float64
		ClimbRate    int32
		HasClimbRate uint8
		CallSign     string
		TimeGapMs    int64
		HasTimeGap   uint8
	}

	flightRow struct {
		Id                 string
		AircraftId         string
		CallSign           string
		TakeoffAt          time.Time
		LandingAt          time.Time
		Closed             uint8
		TimedOut           uint8
		PhaseAtClose       string
		TowedByAircraftId  string
		TowedByFlightId    string
		TowReleaseAt       time.Time
		TowReleaseAltitude int32
		Spurious           uint8
		SpuriousReasons    string
		FixCount           int32
		LastFixAt          time.Time
		UpdatedAt          time.Time
	}

	eventRow struct {
		Kind       string
		AircraftId string
		FlightId   string
		At         time.Time
		Resumed    uint8
	}
)

const (
	fixTable    = "fixes"
	flightTable = "flights"
	eventTable  = "flight_events"
)

func NewArchive(chs *clickhouse.Server) *Archive {
	a := &Archive{
		fixes:   make(chan *fixRow, 2000),
		flights: make(chan *flightRow, 500),
		events:  make(chan *eventRow, 500),
		chs:     chs,
		log:     log.With().Str("section", "archive").Logger(),
	}
	go handleQueue(a, a.fixes, fixTable)
	go handleQueue(a, a.flights, flightTable)
	go handleQueue(a, a.events, eventTable)
	return a
}

// handleQueue single threadedly accumulates and sends one table's rows
func handleQueue[T any](a *Archive, q chan *T, table string) {
	ticker := time.NewTicker(time.Second)
	max := 50_000
	updates := make([]any, max)
	updateId := 0
	send := func() {
		if 0 == updateId {
			return
		}
		a.log.Debug().Int("num", updateId).Str("table", table).Msg("Sending Batch To Clickhouse")
		if err := a.chs.Inserts(table, updates, updateId); nil != err {
			a.log.Err(err).Str("table", table).Msg("Did not save batch to clickhouse")
		}
		updateId = 0
	}
	for {
		select {
		case <-ticker.C:
			send()
		case row, ok := <-q:
			if !ok {
				send()
				return
			}
			updates[updateId] = row
			updateId++
			if updateId >= max {
				send()
			}
		}
	}
}

func bool2int(x bool) uint8 {
	if x {
		return 1
	}
	return 0
}

// AddFix archives one normalized fix
func (a *Archive) AddFix(f fix.Fix) {
	a.fixes <- &fixRow{
		AircraftId:   f.AircraftID,
		ReceiverId:   f.ReceiverID,
		ReportedAt:   f.ReportedAt,
		ReceivedAt:   f.ReceivedAt,
		Lat:          f.Lat,
		Lon:          f.Lon,
		AltitudeMsl:  int32(f.AltitudeMSL),
		HasAltitude:  bool2int(f.HasAltitude),
		AltitudeAgl:  int32(f.AltitudeAGL),
		HasAgl:       bool2int(f.HasAGL),
		GroundSpeed:  f.GroundSpeed,
		Track:        f.TrackDegrees,
		ClimbRate:    int32(f.ClimbRate),
		HasClimbRate: bool2int(f.HasClimbRate),
		CallSign:     f.CallSign,
		TimeGapMs:    f.TimeGap.Milliseconds(),
		HasTimeGap:   bool2int(f.HasTimeGap),
	}
}

// SaveFlight writes one version of a flight record
func (a *Archive) SaveFlight(_ context.Context, f flight.Flight) error {
	a.flights <- &flightRow{
		Id:                 f.ID,
		AircraftId:         f.AircraftID,
		CallSign:           f.CallSign,
		TakeoffAt:          f.TakeoffAt,
		LandingAt:          f.LandingAt,
		Closed:             bool2int(f.Closed),
		TimedOut:           bool2int(f.TimedOut),
		PhaseAtClose:       string(f.PhaseAtClose),
		TowedByAircraftId:  f.TowedByAircraftID,
		TowedByFlightId:    f.TowedByFlightID,
		TowReleaseAt:       f.TowReleaseAt,
		TowReleaseAltitude: int32(f.TowReleaseAltitude),
		Spurious:           bool2int(f.Spurious),
		SpuriousReasons:    strings.Join(f.SpuriousReasons, ","),
		FixCount:           int32(f.FixCount),
		LastFixAt:          f.LastFixAt,
		UpdatedAt:          time.Now(),
	}
	return nil
}

// SaveEvent archives one flight lifecycle event
func (a *Archive) SaveEvent(_ context.Context, e flight.Event) error {
	a.events <- &eventRow{
		Kind:       string(e.Kind),
		AircraftId: e.AircraftID,
		FlightId:   e.Flight.ID,
		At:         e.At,
		Resumed:    bool2int(e.Resumed),
	}
	return nil
}

func (a *Archive) Stop() {
	close(a.fixes)
	close(a.flights)
	close(a.events)
}

func (a *Archive) HealthCheckName() string {
	return "archive"
}

func (a *Archive) HealthCheck() bool {
	return a.chs.HealthCheck()
}
