// Package registry routes normalized fixes to per-aircraft flight state
// machines. Aircraft are spread across a fixed set of shards; each shard is
// a single goroutine owning its machines outright, so no machine ever sees
// two fixes at once, and fixes for one aircraft are always handled in order.
package registry

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/flight"
)

type (
	// FixHandler receives each fix after the reorder buffer has released it.
	// Fixes come out in per-aircraft reported-time order.
	FixHandler func(fix.Fix)

	// pendingFix sits in a unit's reorder buffer until the reorder window
	// has passed
	pendingFix struct {
		f       fix.Fix
		addedAt time.Time
	}

	// aircraftUnit is one aircraft's machine plus its reorder buffer. Only
	// its owning shard goroutine touches it.
	aircraftUnit struct {
		machine  *flight.Machine
		pending  *btree.BTreeG[pendingFix]
		maxSeen  time.Time // newest reported time we have accepted
		released time.Time // newest reported time handed to the machine
		lastSeen time.Time // wall clock, drives idle eviction
	}

	shard struct {
		n     int
		r     *Registry
		inbox chan fix.Fix
		units map[string]*aircraftUnit

		queries chan chan []flight.Flight

		lastMachineTick time.Time
		lastEvictSweep  time.Time

		log zerolog.Logger
	}

	Registry struct {
		cfg    flight.Config
		shards []*shard

		numShards     int
		inboxDepth    int
		reorderWindow time.Duration
		maxPending    int
		tickEvery     time.Duration
		machineTick   time.Duration
		evictSweep    time.Duration
		idleTTL       time.Duration

		listeners  []flight.Listener
		fixHandler FixHandler

		droppedFixes    prometheus.Counter
		lateFixes       prometheus.Counter
		trackedAircraft prometheus.Gauge

		wg      sync.WaitGroup
		running atomic.Bool
	}

	Option func(*Registry)
)

func WithShardCount(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.numShards = n
		}
	}
}

func WithInboxDepth(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.inboxDepth = n
		}
	}
}

// WithReorderWindow sets how long a fix may wait for older stragglers
// before it is released to the state machine
func WithReorderWindow(d time.Duration) Option {
	return func(r *Registry) {
		r.reorderWindow = d
	}
}

// WithIdleTTL sets how long an aircraft can stay silent before its machine
// is evicted
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTTL = d
	}
}

func WithListener(l flight.Listener) Option {
	return func(r *Registry) {
		r.listeners = append(r.listeners, l)
	}
}

func WithFixHandler(h FixHandler) Option {
	return func(r *Registry) {
		r.fixHandler = h
	}
}

func WithDroppedFixCounter(c prometheus.Counter) Option {
	return func(r *Registry) {
		r.droppedFixes = c
	}
}

func WithLateFixCounter(c prometheus.Counter) Option {
	return func(r *Registry) {
		r.lateFixes = c
	}
}

func WithTrackedAircraftGauge(g prometheus.Gauge) Option {
	return func(r *Registry) {
		r.trackedAircraft = g
	}
}

func NewRegistry(cfg flight.Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:           cfg,
		numShards:     8,
		inboxDepth:    1024,
		reorderWindow: 5 * time.Second,
		maxPending:    64,
		tickEvery:     time.Second,
		machineTick:   5 * time.Second,
		evictSweep:    time.Minute,
		idleTTL:       30 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.shards = make([]*shard, r.numShards)
	for i := 0; i < r.numShards; i++ {
		r.shards[i] = &shard{
			n:       i,
			r:       r,
			inbox:   make(chan fix.Fix, r.inboxDepth),
			units:   make(map[string]*aircraftUnit),
			queries: make(chan chan []flight.Flight, 4),
			log:     log.With().Str("section", "registry").Int("shard", i).Logger(),
		}
	}
	return r
}

// Run starts the shard goroutines and blocks until ctx is cancelled
func (r *Registry) Run(ctx context.Context) {
	r.running.Store(true)
	for _, s := range r.shards {
		r.wg.Add(1)
		go func(s *shard) {
			s.run(ctx)
			r.wg.Done()
		}(s)
	}
	r.wg.Wait()
	r.running.Store(false)
}

// Submit hands a fix to its aircraft's shard. When the shard is saturated
// the oldest queued fix is dropped to make room, never the newest.
func (r *Registry) Submit(f fix.Fix) {
	s := r.shards[r.shardFor(f.AircraftID)]
	select {
	case s.inbox <- f:
		return
	default:
	}

	// full: shed the oldest and try once more
	select {
	case <-s.inbox:
		if nil != r.droppedFixes {
			r.droppedFixes.Inc()
		}
	default:
	}
	select {
	case s.inbox <- f:
	default:
		if nil != r.droppedFixes {
			r.droppedFixes.Inc()
		}
	}
}

// OpenFlights snapshots every in-progress flight across all shards
func (r *Registry) OpenFlights() []flight.Flight {
	var flights []flight.Flight
	for _, s := range r.shards {
		reply := make(chan []flight.Flight, 1)
		select {
		case s.queries <- reply:
			flights = append(flights, <-reply...)
		default:
			// shard is not running, skip it
		}
	}
	return flights
}

func (r *Registry) shardFor(aircraftID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aircraftID))
	return int(h.Sum32() % uint32(r.numShards))
}

func (r *Registry) emit(events []flight.Event) {
	for _, e := range events {
		for _, l := range r.listeners {
			l.OnFlightEvent(e)
		}
	}
}

func (r *Registry) HealthCheckName() string {
	return "registry"
}

func (r *Registry) HealthCheck() bool {
	return r.running.Load()
}

func lessPending(a, b pendingFix) bool {
	return a.f.ReportedAt.Before(b.f.ReportedAt)
}

func (s *shard) run(ctx context.Context) {
	ticker := time.NewTicker(s.r.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.inbox:
			s.ingest(f, time.Now())
		case now := <-ticker.C:
			s.tick(now)
		case reply := <-s.queries:
			reply <- s.openFlights()
		case <-ctx.Done():
			s.log.Debug().Msg("Ending shard")
			return
		}
	}
}

func (s *shard) unitFor(aircraftID string, now time.Time) *aircraftUnit {
	u, ok := s.units[aircraftID]
	if !ok {
		u = &aircraftUnit{
			machine: flight.NewMachine(aircraftID, s.r.cfg),
			pending: btree.NewG[pendingFix](4, lessPending),
		}
		s.units[aircraftID] = u
		if nil != s.r.trackedAircraft {
			s.r.trackedAircraft.Inc()
		}
	}
	u.lastSeen = now
	return u
}

func (s *shard) ingest(f fix.Fix, now time.Time) {
	u := s.unitFor(f.AircraftID, now)

	// anything at or behind what the machine has already consumed missed
	// the reorder window: it goes down the late path, it cannot be replayed
	if !u.released.IsZero() && !f.ReportedAt.After(u.released) {
		if nil != s.r.lateFixes {
			s.r.lateFixes.Inc()
		}
		s.r.emit(u.machine.LateFix(f))
		return
	}

	u.pending.ReplaceOrInsert(pendingFix{f: f, addedAt: now})
	if f.ReportedAt.After(u.maxSeen) {
		u.maxSeen = f.ReportedAt
	}

	// a runaway buffer releases from the bottom rather than growing
	for u.pending.Len() > s.r.maxPending {
		if p, ok := u.pending.DeleteMin(); ok {
			s.release(u, p.f)
		}
	}

	s.flush(u, now)
}

// flush releases every buffered fix that is either older than the reorder
// window relative to the newest reported time, or has simply waited out the
// window on the wall clock
func (s *shard) flush(u *aircraftUnit, now time.Time) {
	horizon := u.maxSeen.Add(-s.r.reorderWindow)
	for {
		p, ok := u.pending.Min()
		if !ok {
			break
		}
		if p.f.ReportedAt.After(horizon) && now.Sub(p.addedAt) < s.r.reorderWindow {
			break
		}
		u.pending.DeleteMin()
		s.release(u, p.f)
	}
}

func (s *shard) release(u *aircraftUnit, f fix.Fix) {
	u.released = f.ReportedAt
	s.r.emit(u.machine.Advance(f))
	if nil != s.r.fixHandler {
		s.r.fixHandler(f)
	}
}

func (s *shard) tick(now time.Time) {
	for _, u := range s.units {
		s.flush(u, now)
	}

	if now.Sub(s.lastMachineTick) >= s.r.machineTick {
		s.lastMachineTick = now
		for _, u := range s.units {
			s.r.emit(u.machine.Tick(now))
		}
	}

	if now.Sub(s.lastEvictSweep) >= s.r.evictSweep {
		s.lastEvictSweep = now
		s.evict(now)
	}
}

// evict drops aircraft nobody has heard from in idleTTL. Buffered fixes are
// pushed through first so nothing silently disappears with the unit.
func (s *shard) evict(now time.Time) {
	for id, u := range s.units {
		if now.Sub(u.lastSeen) <= s.r.idleTTL {
			continue
		}
		for {
			p, ok := u.pending.DeleteMin()
			if !ok {
				break
			}
			s.release(u, p.f)
		}
		s.r.emit(u.machine.Tick(now))
		delete(s.units, id)
		if nil != s.r.trackedAircraft {
			s.r.trackedAircraft.Dec()
		}
		s.log.Debug().Str("aircraft", id).Msg("Evicted idle aircraft")
	}
}

func (s *shard) openFlights() []flight.Flight {
	var flights []flight.Flight
	for _, u := range s.units {
		if f, ok := u.machine.OpenFlight(); ok {
			flights = append(flights, f)
		}
	}
	return flights
}
