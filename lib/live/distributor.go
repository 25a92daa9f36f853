// Package live fans fixes out to map viewers. Each subscriber has a
// viewport; fixes inside it are forwarded as they arrive, until the
// viewport gets busy enough that the subscriber is flipped into clustered
// mode and receives periodic cluster summaries instead.
package live

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/geom"
)

type (
	UpdateKind string

	// Update is one message bound for a subscriber
	Update struct {
		Kind      UpdateKind `json:"kind"`
		Fix       *fix.Fix   `json:"fix,omitempty"`
		Clusters  []Cluster  `json:"clusters,omitempty"`
		Clustered bool       `json:"clustered"`
	}

	// Subscription is one viewer. Updates come out of Updates(); a slow
	// consumer loses its oldest queued updates, never its connection.
	Subscription struct {
		d   *Distributor
		out chan Update

		mu        sync.Mutex
		view      geom.Bounds
		clustered bool
		closed    bool

		// distinct aircraft delivered since the last mode evaluation;
		// once it outgrows maxDisplay the mode is re-checked without
		// waiting for the cluster ticker
		seen map[string]struct{}
	}

	// liveAircraft is the last known state of one aircraft on the map
	liveAircraft struct {
		f      fix.Fix
		seenAt time.Time
	}

	Distributor struct {
		// aircraft ID -> *liveAircraft
		aircraft sync.Map
		subs     sync.Map // *Subscription -> struct{}

		maxDisplay      int
		hysteresisRatio float64
		clusterInterval time.Duration
		subDepth        int

		numSubs      prometheus.Gauge
		droppedSends prometheus.Counter

		sweeperControl chan int

		log zerolog.Logger
	}

	DistOption func(*Distributor)
)

const (
	UpdateFix      UpdateKind = "fix"
	UpdateClusters UpdateKind = "clusters"
	UpdateMode     UpdateKind = "mode"
)

func WithMaxDisplay(n int) DistOption {
	return func(d *Distributor) {
		if n > 0 {
			d.maxDisplay = n
		}
	}
}

func WithClusterInterval(interval time.Duration) DistOption {
	return func(d *Distributor) {
		d.clusterInterval = interval
	}
}

func WithSubscriberDepth(n int) DistOption {
	return func(d *Distributor) {
		if n > 0 {
			d.subDepth = n
		}
	}
}

func WithSubscriberGauge(g prometheus.Gauge) DistOption {
	return func(d *Distributor) {
		d.numSubs = g
	}
}

func WithDroppedSendCounter(c prometheus.Counter) DistOption {
	return func(d *Distributor) {
		d.droppedSends = c
	}
}

func NewDistributor(opts ...DistOption) *Distributor {
	d := &Distributor{
		maxDisplay:      50,
		hysteresisRatio: 0.8,
		clusterInterval: time.Minute,
		subDepth:        512,
		sweeperControl:  make(chan int),
		log:             log.With().Str("section", "live").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives the cluster refresh and staleness sweeps until ctx ends
func (d *Distributor) Run(ctx context.Context) {
	clusterTick := time.NewTicker(d.clusterInterval)
	sweepTick := time.NewTicker(time.Minute)
	defer clusterTick.Stop()
	defer sweepTick.Stop()

	for {
		select {
		case <-clusterTick.C:
			d.refreshClusters()
		case <-sweepTick.C:
			d.sweep(time.Now())
		case <-d.sweeperControl:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Distributor) Stop() {
	select {
	case d.sweeperControl <- 1:
	default:
	}
}

// Subscribe registers a viewer for the given viewport
func (d *Distributor) Subscribe(view geom.Bounds) *Subscription {
	s := &Subscription{
		d:    d,
		out:  make(chan Update, d.subDepth),
		view: view,
		seen: make(map[string]struct{}),
	}
	d.subs.Store(s, struct{}{})
	if nil != d.numSubs {
		d.numSubs.Inc()
	}
	d.evaluateMode(s)
	return s
}

// Submit places a fix on the live map and forwards it to every subscriber
// whose viewport contains it
func (d *Distributor) Submit(f fix.Fix) {
	d.aircraft.Store(f.AircraftID, &liveAircraft{f: f, seenAt: time.Now()})

	d.subs.Range(func(key, _ interface{}) bool {
		s := key.(*Subscription)
		s.mu.Lock()
		view, clustered := s.view, s.clustered
		s.mu.Unlock()

		if !view.Contains(f.Lat, f.Lon) {
			return true
		}
		if clustered {
			// cluster-mode viewers get their summaries from the ticker
			return true
		}
		fc := f
		d.send(s, Update{Kind: UpdateFix, Fix: &fc})

		// a viewport can fill up between cluster ticks; once this viewer
		// has been handed more distinct aircraft than it can display,
		// re-check its mode right away
		s.mu.Lock()
		s.seen[f.AircraftID] = struct{}{}
		recheck := len(s.seen) > d.maxDisplay
		s.mu.Unlock()
		if recheck {
			d.evaluateMode(s)
		}
		return true
	})
}

// Snapshot returns the current state of every aircraft inside the viewport
func (d *Distributor) Snapshot(view geom.Bounds) []fix.Fix {
	var fixes []fix.Fix
	d.aircraft.Range(func(_, value interface{}) bool {
		la := value.(*liveAircraft)
		if view.Contains(la.f.Lat, la.f.Lon) {
			fixes = append(fixes, la.f)
		}
		return true
	})
	return fixes
}

// NumAircraft counts everything currently on the live map
func (d *Distributor) NumAircraft() (n int) {
	d.aircraft.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (s *Subscription) Updates() <-chan Update {
	return s.out
}

// Viewport replaces the subscription's viewport and re-evaluates which
// display mode it should be in
func (s *Subscription) Viewport(view geom.Bounds) {
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
	s.d.evaluateMode(s)
}

func (s *Subscription) Clustered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clustered
}

func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.d.subs.Delete(s)
	if nil != s.d.numSubs {
		s.d.numSubs.Dec()
	}
	close(s.out)
}

// send delivers to the subscriber's queue, shedding the oldest update when
// the viewer cannot keep up
func (d *Distributor) send(s *Subscription, u Update) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	defer s.mu.Unlock()

	select {
	case s.out <- u:
		return
	default:
	}
	select {
	case <-s.out:
		if nil != d.droppedSends {
			d.droppedSends.Inc()
		}
	default:
	}
	select {
	case s.out <- u:
	default:
	}
}

// evaluateMode flips a subscription between individual and clustered
// display. The thresholds deliberately do not meet: flipping to clusters
// happens above maxDisplay, flipping back only below 80% of it, so a count
// wobbling on the boundary does not strobe the viewer.
func (d *Distributor) evaluateMode(s *Subscription) {
	s.mu.Lock()
	view := s.view
	clustered := s.clustered
	s.seen = make(map[string]struct{})
	s.mu.Unlock()

	count := len(d.Snapshot(view))

	switch {
	case !clustered && count > d.maxDisplay:
		s.mu.Lock()
		s.clustered = true
		s.mu.Unlock()
		d.send(s, Update{Kind: UpdateMode, Clustered: true})
		d.sendClusters(s)
	case clustered && float64(count) < d.hysteresisRatio*float64(d.maxDisplay):
		s.mu.Lock()
		s.clustered = false
		s.mu.Unlock()
		d.send(s, Update{Kind: UpdateMode, Clustered: false})
	}
}

func (d *Distributor) refreshClusters() {
	d.subs.Range(func(key, _ interface{}) bool {
		s := key.(*Subscription)
		d.evaluateMode(s)
		if s.Clustered() {
			d.sendClusters(s)
		}
		return true
	})
}

func (d *Distributor) sendClusters(s *Subscription) {
	s.mu.Lock()
	view := s.view
	s.mu.Unlock()
	clusters := buildClusters(view, d.Snapshot(view))
	d.send(s, Update{Kind: UpdateClusters, Clusters: clusters, Clustered: true})
}

// sweep drops aircraft that have not reported for a while, so a viewer
// panning across quiet airspace does not see ghosts
func (d *Distributor) sweep(now time.Time) {
	removed := 0
	d.aircraft.Range(func(key, value interface{}) bool {
		la := value.(*liveAircraft)
		if now.Sub(la.seenAt) > staleAfter {
			d.aircraft.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		d.log.Debug().Int("removed", removed).Msg("Swept stale aircraft from live map")
	}
}

func (d *Distributor) HealthCheckName() string {
	return "live-distributor"
}

func (d *Distributor) HealthCheck() bool {
	return true
}
