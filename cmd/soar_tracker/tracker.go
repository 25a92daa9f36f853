package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/hut8/soar-sub008/lib/archive"
	"github.com/hut8/soar-sub008/lib/clickhouse"
	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/flight"
	"github.com/hut8/soar-sub008/lib/ledger"
	"github.com/hut8/soar-sub008/lib/monitoring"
	"github.com/hut8/soar-sub008/lib/natsio"
	"github.com/hut8/soar-sub008/lib/normalizer"
	"github.com/hut8/soar-sub008/lib/registry"
	"github.com/hut8/soar-sub008/lib/sink"
	"github.com/hut8/soar-sub008/lib/tow"
)

const (
	reorderWindowDefault = 5 * time.Second
	idleEvictDefault     = 30 * time.Minute
	flightTimeoutDefault = 5 * time.Minute
)

type (
	tracker struct {
		nats *natsio.Server

		norm *normalizer.Normalizer
		reg  *registry.Registry
		ldgr *ledger.Ledger
		corr *tow.Correlator

		sinks []*sink.Sink
		arch  *archive.Archive

		incoming chan []byte
	}
)

func run(c *cli.Context) error {
	monitoring.RunWebServer(c)

	t := &tracker{
		incoming: make(chan []byte, 1000),
	}

	var err error
	if t.nats, err = natsio.NewServer(c.String("nats"), "soar_tracker"); nil != err {
		return err
	}
	monitoring.AddHealthCheck(t.nats)

	// the write side: bus sinks and the optional clickhouse archive
	natsSink := sink.NewDirectSink(t.nats, fixesPublished, eventsPublished)
	t.sinks = append(t.sinks, natsSink)

	if rabbitHost := c.String("rabbitmq"); "" != rabbitHost {
		rabbitSink, err := newRabbitSink(c, rabbitHost)
		if nil != err {
			return err
		}
		t.sinks = append(t.sinks, rabbitSink)
		monitoring.AddHealthCheck(rabbitSink)
	}

	var ledgerOpts []ledger.Option
	ledgerOpts = append(ledgerOpts,
		ledger.WithDuplicateCounter(ledgerDuplicates),
		ledger.WithOpenFlightsGauge(openFlights),
	)
	if chURL := c.String("clickhouse"); "" != chURL {
		chs, err := clickhouse.New(chURL)
		if nil != err {
			return err
		}
		t.arch = archive.NewArchive(chs)
		ledgerOpts = append(ledgerOpts, ledger.WithStorage(t.arch))
		monitoring.AddHealthCheck(t.arch)
	}
	t.ldgr = ledger.NewLedger(ledgerOpts...)
	monitoring.AddHealthCheck(t.ldgr)

	t.corr = tow.NewCorrelator(tow.WithReleaseHandler(t.onTowRelease))

	cfg := flight.DefaultConfig()
	cfg.Timeout = c.Duration("flight-timeout")
	cfg.Resurrection = c.Duration("flight-timeout")

	t.reg = registry.NewRegistry(cfg,
		registry.WithShardCount(c.Int("num-shards")),
		registry.WithReorderWindow(c.Duration("reorder-window")),
		registry.WithIdleTTL(c.Duration("idle-evict")),
		registry.WithListener(t.ldgr),
		registry.WithListener(t.corr),
		registry.WithListener(eventFanout{t}),
		registry.WithFixHandler(t.onFix),
		registry.WithDroppedFixCounter(fixesDropped),
		registry.WithLateFixCounter(fixesLate),
		registry.WithTrackedAircraftGauge(trackedAircraft),
	)
	monitoring.AddHealthCheck(t.reg)

	t.norm = normalizer.New(normalizer.PrefixResolver{},
		normalizer.WithRejectedCounter(reportsRejected),
		normalizer.WithDuplicateCounter(reportsDuplicate),
	)
	defer t.norm.Stop()

	ch, err := t.nats.Subscribe(c.String("source-subject"))
	if nil != err {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chSignal := make(chan os.Signal, 1)
	signal.Notify(chSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-chSignal
		log.Info().Str("signal", sig.String()).Msg("Shutting Down")
		t.nats.Close()
		cancel()
	}()

	// pump bus messages into the worker channel
	go func() {
		for msg := range ch {
			select {
			case t.incoming <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
		close(t.incoming)
	}()

	var wg sync.WaitGroup

	numWorkers := c.Int("num-workers")
	log.Info().Msgf("Starting with %d workers...", numWorkers)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			t.normalizeWorker(ctx)
			wg.Done()
		}()
	}

	wg.Add(1)
	go func() {
		t.reg.Run(ctx)
		wg.Done()
	}()

	wg.Wait()

	for _, s := range t.sinks {
		s.Stop()
	}
	if nil != t.arch {
		t.arch.Stop()
	}
	return nil
}

func newRabbitSink(c *cli.Context, hostPort string) (*sink.Sink, error) {
	host, port := hostPort, "5672"
	if h, p, err := net.SplitHostPort(hostPort); nil == err {
		host, port = h, p
	}
	return sink.NewRabbitSink(
		sink.WithHost(host, port),
		sink.WithUserPass(c.String("rabbitmq-user"), c.String("rabbitmq-pass")),
		sink.WithConnectionName("soar_tracker"),
		sink.WithPrometheusCounters(fixesPublished, eventsPublished),
	)
}

func (t *tracker) normalizeWorker(ctx context.Context) {
	for {
		select {
		case msg, ok := <-t.incoming:
			if !ok {
				return
			}
			t.handleMsg(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (t *tracker) handleMsg(msg []byte) {
	reportsProcessed.Inc()

	raw, err := fix.RawReportFromJSONBytes(msg)
	if nil != err {
		log.Error().Err(err).Msg("Unable to unmarshal JSON")
		return
	}

	f, fresh, err := t.norm.Submit(*raw)
	if nil != err {
		if !errors.Is(err, normalizer.ErrRejected) {
			log.Error().Err(err).Msg("Failed to normalize report")
		}
		return
	}
	if !fresh {
		return
	}
	t.reg.Submit(f)
}

// onFix sees every fix after per-aircraft ordering
func (t *tracker) onFix(f fix.Fix) {
	t.corr.Advance(f)
	for _, s := range t.sinks {
		s.OnFix(f)
	}
	if nil != t.arch {
		t.arch.AddFix(f)
	}
}

// onTowRelease lands the annotation in the ledger and tells the bus
func (t *tracker) onTowRelease(rel tow.Release) {
	if !t.ldgr.AnnotateTow(rel.GliderFlightID, rel.TugAircraftID, rel.TugFlightID, rel.At, rel.Altitude, rel.HasAltitude) {
		return
	}
	glider, ok := t.ldgr.FlightByID(rel.GliderFlightID)
	if !ok {
		return
	}
	e := flight.Event{
		Kind:       flight.TowReleased,
		AircraftID: rel.GliderAircraftID,
		At:         rel.At,
		Flight:     glider,
	}
	for _, s := range t.sinks {
		s.OnFlightEvent(e)
	}
	if nil != t.arch {
		_ = t.arch.SaveEvent(context.Background(), e)
	}
}

// eventFanout forwards registry events to the bus sinks and the archive's
// event log. The ledger keeps its own storage hook for accepted changes.
type eventFanout struct {
	t *tracker
}

func (ef eventFanout) OnFlightEvent(e flight.Event) {
	for _, s := range ef.t.sinks {
		s.OnFlightEvent(e)
	}
}
