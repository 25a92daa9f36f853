package monitoring

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

type (
	// HealthCheck is implemented by anything that wants a row on /status
	HealthCheck interface {
		HealthCheckName() string
		HealthCheck() bool
	}
)

var (
	healthChecksMutex sync.Mutex
	healthChecks      []HealthCheck
)

// IncludeMonitoringFlags adds the flags that control the monitoring web server
func IncludeMonitoringFlags(app *cli.App, defaultPort int) {
	app.Flags = append(app.Flags, []cli.Flag{
		&cli.StringFlag{
			Name:    "monitoring-addr",
			Usage:   "Where prometheus metrics and health checks are served",
			Value:   fmt.Sprintf(":%d", defaultPort),
			EnvVars: []string{"MONITORING_ADDR"},
		},
	}...)
}

// AddHealthCheck registers something for the /status endpoint
func AddHealthCheck(hc HealthCheck) {
	if nil == hc {
		return
	}
	healthChecksMutex.Lock()
	defer healthChecksMutex.Unlock()
	healthChecks = append(healthChecks, hc)
}

// ClearHealthChecks empties the health check list, for tests
func ClearHealthChecks() {
	healthChecksMutex.Lock()
	defer healthChecksMutex.Unlock()
	healthChecks = nil
}

func statusPage(w http.ResponseWriter, r *http.Request) {
	healthChecksMutex.Lock()
	defer healthChecksMutex.Unlock()
	allGood := true
	body := ""
	for _, hc := range healthChecks {
		ok := hc.HealthCheck()
		if !ok {
			allGood = false
		}
		body += fmt.Sprintf("%s: %t\n", hc.HealthCheckName(), ok)
	}
	if allGood {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusInternalServerError)
	}
	_, _ = w.Write([]byte(body))
}

// RunWebServer starts the monitoring endpoint in the background.
// /metrics for prometheus, /status for health, pprof for debugging
func RunWebServer(c *cli.Context) {
	addr := c.String("monitoring-addr")
	if "" == addr {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", statusPage)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		log.Info().Str("MonitoringAddr", addr).Msg("Monitoring listening on")
		if err := http.ListenAndServe(addr, mux); nil != err {
			log.Error().Err(err).Msg("monitoring web server died")
		}
	}()
}
