package sink

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	QueueFixUpdates   = "fix-updates"
	QueueFlightEvents = "flight-events"
)

type (
	Config struct {
		host, port string
		secure     bool

		vhost      string
		user, pass string

		connectionName string

		waiter sync.WaitGroup

		stats struct {
			fixes, events prometheus.Counter
		}

		sendDelay time.Duration
	}

	Option func(*Config)
)

func (c *Config) setupConfig(opts []Option) {
	c.sendDelay = 300 * time.Millisecond
	for _, opt := range opts {
		opt(c)
	}
}

func WithConnectionName(name string) Option {
	return func(conf *Config) {
		conf.connectionName = name
	}
}

func WithHost(host, port string) Option {
	return func(conf *Config) {
		conf.host = host
		conf.port = port
	}
}

func WithUserPass(user, pass string) Option {
	return func(conf *Config) {
		conf.user = user
		conf.pass = pass
	}
}

func WithVHost(vhost string) Option {
	return func(conf *Config) {
		conf.vhost = vhost
	}
}

func WithPrometheusCounters(fixes, events prometheus.Counter) Option {
	return func(conf *Config) {
		conf.stats.fixes = fixes
		conf.stats.events = events
	}
}

// WithSendDelay sets how long fixes accumulate before a batch goes onto the
// bus. Zero sends every fix immediately.
func WithSendDelay(delay time.Duration) Option {
	return func(conf *Config) {
		conf.sendDelay = delay
	}
}

func (c *Config) Finish() {
	c.waiter.Wait()
}
