package sink

import (
	"net"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/hut8/soar-sub008/lib/natsio"
)

type (
	NatsDestination struct {
		Config
		server *natsio.Server
	}
)

func NewNatsSink(opts ...Option) (*Sink, error) {
	n := &NatsDestination{}
	n.setupConfig(opts)
	if err := n.connect(); nil != err {
		log.Error().Err(err).Msg("Unable to setup nats sink")
		return nil, err
	}
	return NewSink(&n.Config, n), nil
}

// NewDirectSink rides an already-connected nats server rather than opening
// a second connection
func NewDirectSink(server *natsio.Server, fixes, events prometheus.Counter) *Sink {
	n := &NatsDestination{server: server}
	n.setupConfig([]Option{WithPrometheusCounters(fixes, events)})
	return NewSink(&n.Config, n)
}

func (n *NatsDestination) connect() error {
	var err error
	serverUrl := url.URL{
		Scheme: "nats", // tls for secure
		User:   url.UserPassword(n.user, n.pass),
		Host:   net.JoinHostPort(n.host, n.port),
	}
	n.server, err = natsio.NewServer(serverUrl.String(), n.connectionName)
	return err
}

func (n *NatsDestination) PublishJson(subject string, msg []byte) error {
	return n.server.Publish(subject, msg)
}

func (n *NatsDestination) Stop() {
	n.server.Close()
}

func (n *NatsDestination) HealthCheck() bool {
	return n.server.HealthCheck()
}

func (n *NatsDestination) HealthCheckName() string {
	return n.server.HealthCheckName()
}
