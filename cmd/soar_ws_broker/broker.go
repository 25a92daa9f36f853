package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/live"
	"github.com/hut8/soar-sub008/lib/monitoring"
	"github.com/hut8/soar-sub008/lib/natsio"
	"github.com/hut8/soar-sub008/lib/ws"
)

const (
	clusterIntervalDefault = time.Minute
	sendTickDefault        = time.Second
	snapshotMirrorEvery    = 10 * time.Second
)

func run(c *cli.Context) error {
	monitoring.RunWebServer(c)

	nats, err := natsio.NewServer(c.String("nats"), "soar_ws_broker")
	if nil != err {
		return err
	}
	monitoring.AddHealthCheck(nats)

	dist := live.NewDistributor(
		live.WithMaxDisplay(c.Int("max-display")),
		live.WithClusterInterval(c.Duration("cluster-interval")),
		live.WithSubscriberGauge(numClients),
		live.WithDroppedSendCounter(updatesShed),
	)
	monitoring.AddHealthCheck(dist)

	server := ws.NewServer(c.String("http-addr"), dist)
	server.SendTickDuration = c.Duration("send-tick")
	monitoring.AddHealthCheck(server)

	ch, err := nats.Subscribe(natsio.SubjectFixUpdates)
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
		nats.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(shutdownCtx)
		done()
		cancel()
	}()

	go dist.Run(ctx)

	if redisAddr := c.String("redis"); "" != redisAddr {
		mirror := live.NewSnapshotMirror(dist, redisAddr, snapshotMirrorEvery)
		monitoring.AddHealthCheck(mirror)
		go mirror.Run(ctx)
	}

	go func() {
		for msg := range ch {
			fixesReceived.Inc()
			f, err := fix.FromJSONBytes(msg.Data)
			if nil != err {
				fixesBadJSON.Inc()
				log.Error().Err(err).Msg("Unable to unmarshal fix update")
				continue
			}
			dist.Submit(*f)
		}
	}()

	exitChan := make(chan bool, 1)
	go server.ListenAndServe(exitChan)
	<-exitChan
	return nil
}
