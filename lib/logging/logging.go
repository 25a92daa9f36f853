package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

// IncludeVerbosityFlags adds our standard verbosity control to an app
func IncludeVerbosityFlags(app *cli.App) {
	app.Flags = append(app.Flags, []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Show Debug level logs",
			EnvVars: []string{"DEBUG"},
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Usage:   "Only show important logs",
			EnvVars: []string{"QUIET"},
		},
	}...)
}

// SetLoggingLevel applies the verbosity flags. Default level is Info
func SetLoggingLevel(c *cli.Context) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if c.Bool("quiet") {
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
	if c.Bool("debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// ConfigureForCli swaps the default JSON output for something a human in a
// terminal wants to read
func ConfigureForCli() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Stamp,
	})
}
