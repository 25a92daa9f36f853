package main

import (
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/flight"
	"github.com/hut8/soar-sub008/lib/logging"
	"github.com/hut8/soar-sub008/lib/natsio"
)

const (
	natsUrl      = "nats"
	aircraftFlag = "aircraft"
)

func main() {
	app := cli.NewApp()
	app.Name = "soar_tap"
	app.Description = "Taps the soar bus and shows you what is flowing through it.\n" +
		"Fixes are shown as a rolling latest-per-aircraft table, flight events as they happen."

	app.Commands = cli.Commands{
		{
			Name:        "fixes",
			Description: "Shows the latest fix per aircraft, refreshed every few seconds",
			Action:      tapFixes,
		},
		{
			Name:        "flights",
			Description: "Shows flight lifecycle events as they happen; summary table on exit",
			Action:      tapFlights,
		},
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  natsUrl,
			Usage: "nats url",
			Value: "nats://localhost:4222/",
		},
		&cli.StringFlag{
			Name:  aircraftFlag,
			Usage: "if specified, only show this aircraft id",
		},
	}
	logging.IncludeVerbosityFlags(app)
	app.Before = func(c *cli.Context) error {
		logging.SetLoggingLevel(c)
		logging.ConfigureForCli()
		return nil
	}

	if err := app.Run(os.Args); nil != err {
		log.Error().Err(err).Send()
	}
}

func connect(c *cli.Context) (*natsio.Server, error) {
	return natsio.NewServer(c.String(natsUrl), "soar_tap")
}

func tapFixes(c *cli.Context) error {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	svr, err := connect(c)
	if nil != err {
		return err
	}
	defer svr.Close()

	ch, err := svr.Subscribe(natsio.SubjectFixUpdates)
	if nil != err {
		return err
	}

	only := strings.ToUpper(c.String(aircraftFlag))
	latest := make(map[string]*fix.Fix)

	chSignal := make(chan os.Signal, 1)
	signal.Notify(chSignal, syscall.SIGINT, syscall.SIGTERM)
	redraw := time.NewTicker(3 * time.Second)
	defer redraw.Stop()

	for {
		select {
		case msg := <-ch:
			f, err := fix.FromJSONBytes(msg.Data)
			if nil != err {
				continue
			}
			if "" != only && !strings.Contains(strings.ToUpper(f.AircraftID), only) {
				continue
			}
			latest[f.AircraftID] = f
		case <-redraw.C:
			if 0 == len(latest) {
				continue
			}
			tbl := tablewriter.NewWriter(os.Stdout)
			tbl.SetHeader([]string{"Aircraft", "CallSign", "Lat", "Lon", "Alt", "Speed", "Climb", "Reported"})
			tbl.SetBorder(false)
			tbl.SetAutoWrapText(false)
			for _, f := range latest {
				alt := "-"
				if f.HasAltitude {
					alt = strconv.Itoa(f.AltitudeMSL)
				}
				climb := "-"
				if f.HasClimbRate {
					climb = strconv.Itoa(f.ClimbRate)
				}
				tbl.Append([]string{
					f.AircraftID,
					f.CallSign,
					strconv.FormatFloat(f.Lat, 'f', 5, 64),
					strconv.FormatFloat(f.Lon, 'f', 5, 64),
					alt,
					strconv.FormatFloat(f.GroundSpeed, 'f', 0, 64),
					climb,
					f.ReportedAt.Format(time.TimeOnly),
				})
			}
			tbl.Render()
		case <-chSignal:
			return nil
		}
	}
}

func tapFlights(c *cli.Context) error {
	svr, err := connect(c)
	if nil != err {
		return err
	}
	defer svr.Close()

	ch, err := svr.Subscribe(natsio.SubjectFlightEvents)
	if nil != err {
		return err
	}

	only := strings.ToUpper(c.String(aircraftFlag))

	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.SetHeader([]string{"Kind", "Aircraft", "CallSign", "Flight", "Takeoff", "Landing", "Timed Out", "Spurious"})
	tbl.SetBorder(false)
	tbl.SetAutoWrapText(false)

	chSignal := make(chan os.Signal, 1)
	signal.Notify(chSignal, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case msg := <-ch:
			e, err := flight.EventFromJSONBytes(msg.Data)
			if nil != err {
				continue
			}
			if "" != only && !strings.Contains(strings.ToUpper(e.AircraftID), only) {
				continue
			}
			log.Info().
				Str("kind", string(e.Kind)).
				Str("aircraft", e.AircraftID).
				Str("flight", e.Flight.ID).
				Bool("resumed", e.Resumed).
				Msg("Flight event")
			landing := "-"
			if !e.Flight.LandingAt.IsZero() {
				landing = e.Flight.LandingAt.Format(time.TimeOnly)
			}
			tbl.Append([]string{
				string(e.Kind),
				e.AircraftID,
				e.Flight.CallSign,
				e.Flight.ID,
				e.Flight.TakeoffAt.Format(time.TimeOnly),
				landing,
				strconv.FormatBool(e.Flight.TimedOut),
				strconv.FormatBool(e.Flight.Spurious),
			})
		case <-chSignal:
			tbl.Render()
			return nil
		}
	}
}
