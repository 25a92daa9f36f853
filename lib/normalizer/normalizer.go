package normalizer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hut8/soar-sub008/lib/fix"
)

/**
This package turns raw position reports into canonical Fixes.

A report is a duplicate if we have already produced a Fix for the same
(aircraft, reported_at) pair recently. Duplicates come back with the
previously produced Fix and have no side effects, which is what keeps the
rest of the pipeline safe under at-least-once redelivery.
*/

var (
	// ErrRejected wraps every way a raw report can be refused
	ErrRejected = errors.New("rejected input")

	ErrBadPosition   = fmt.Errorf("%w: position out of range", ErrRejected)
	ErrNoTimestamp   = fmt.Errorf("%w: missing reported_at", ErrRejected)
	ErrNoIdentity    = fmt.Errorf("%w: no aircraft address", ErrRejected)
	ErrUnresolvable  = fmt.Errorf("%w: could not resolve aircraft identity", ErrRejected)
	ErrFutureFix     = fmt.Errorf("%w: reported_at too far in the future", ErrRejected)
)

type (
	// AircraftResolver maps a typed transponder address onto a stable
	// aircraft id. Multi-address airframes are the resolver's problem,
	// not ours; we only ever key state by the resolved id.
	AircraftResolver interface {
		Resolve(address string, addressType fix.AddressType) (string, error)
	}

	keyAndFix struct {
		key   fix.Key
		f     fix.Fix
		added time.Time
	}

	Option func(*Normalizer)

	Normalizer struct {
		resolver AircraftResolver

		mu    sync.Mutex
		index *btree.BTreeG[keyAndFix]

		// last reported_at per aircraft, for TimeGap
		lastSeen *lru.Cache[string, time.Time]

		btreeDegree   int
		lastSeenSize  int
		sweepInterval time.Duration
		sweeperMaxAge time.Duration
		futureSlop    time.Duration

		sweeperControlChan chan int
		sweeperTimerChan   *time.Ticker

		rejectedCounter  prometheus.Counter
		duplicateCounter prometheus.Counter
	}
)

func WithBtreeDegree(degree int) Option {
	return func(n *Normalizer) {
		n.btreeDegree = degree
	}
}

func WithLastSeenSize(size int) Option {
	return func(n *Normalizer) {
		n.lastSeenSize = size
	}
}

func WithSweeperDuration(d time.Duration) Option {
	return func(n *Normalizer) {
		n.sweepInterval = d
	}
}

// WithDedupeMaxAge sets a time after which we no longer remember a fix for
// duplicate detection. Older redeliveries fall through to the late-fix
// handling downstream, they do not crash anything.
func WithDedupeMaxAge(d time.Duration) Option {
	return func(n *Normalizer) {
		if d > 0 {
			d = -d
		}
		n.sweeperMaxAge = d
	}
}

func WithRejectedCounter(c prometheus.Counter) Option {
	return func(n *Normalizer) {
		n.rejectedCounter = c
	}
}

func WithDuplicateCounter(c prometheus.Counter) Option {
	return func(n *Normalizer) {
		n.duplicateCounter = c
	}
}

func New(resolver AircraftResolver, opts ...Option) *Normalizer {
	n := &Normalizer{
		resolver:      resolver,
		btreeDegree:   16,
		lastSeenSize:  8192,
		sweepInterval: 10 * time.Second,
		sweeperMaxAge: -10 * time.Minute,
		futureSlop:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}

	n.index = btree.NewG[keyAndFix](n.btreeDegree, func(a, b keyAndFix) bool {
		return a.key.Less(b.key)
	})
	n.lastSeen, _ = lru.New[string, time.Time](n.lastSeenSize)

	if n.sweepInterval > 0 {
		n.sweeperControlChan = make(chan int)
		n.sweeperTimerChan = time.NewTicker(n.sweepInterval)
		go func() {
			for {
				select {
				case <-n.sweeperControlChan:
					return
				case <-n.sweeperTimerChan.C:
					n.sweep()
				}
			}
		}()
	}

	return n
}

func (n *Normalizer) Stop() {
	if nil != n.sweeperControlChan {
		n.sweeperControlChan <- 1
	}
}

func (n *Normalizer) String() string {
	return "Normalizer"
}

// Submit validates, resolves and dedupes one raw report.
// The bool is false for a duplicate; the returned Fix is then the one we
// produced the first time around and nothing has changed underneath.
func (n *Normalizer) Submit(raw fix.RawReport) (fix.Fix, bool, error) {
	if err := n.validate(&raw); nil != err {
		if nil != n.rejectedCounter {
			n.rejectedCounter.Inc()
		}
		return fix.Fix{}, false, err
	}

	aircraftID, err := n.resolver.Resolve(raw.AircraftAddress, raw.AddressType)
	if nil != err {
		if nil != n.rejectedCounter {
			n.rejectedCounter.Inc()
		}
		return fix.Fix{}, false, fmt.Errorf("%w: %s", ErrUnresolvable, err)
	}

	key := fix.Key{AircraftID: aircraftID, ReportedAt: raw.ReportedAt}

	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.index.Get(keyAndFix{key: key}); ok {
		if nil != n.duplicateCounter {
			n.duplicateCounter.Inc()
		}
		return existing.f, false, nil
	}

	f := fix.Fix{
		AircraftID:   aircraftID,
		ReceiverID:   raw.ReceiverID,
		ReportedAt:   raw.ReportedAt,
		ReceivedAt:   time.Now().UTC(),
		Lat:          raw.Lat,
		Lon:          raw.Lon,
		AltitudeMSL:  raw.AltitudeMSL,
		HasAltitude:  raw.HasAltitude,
		GroundSpeed:  raw.GroundSpeed,
		TrackDegrees: raw.Track,
		ClimbRate:    raw.ClimbRate,
		HasClimbRate: raw.HasClimbRate,
		CallSign:     raw.CallSign,
	}

	// the gap only ever moves forward; an old fix slipping in does not
	// rewind the watermark
	if last, ok := n.lastSeen.Get(aircraftID); ok {
		if raw.ReportedAt.After(last) {
			f.TimeGap = raw.ReportedAt.Sub(last)
			f.HasTimeGap = true
			n.lastSeen.Add(aircraftID, raw.ReportedAt)
		} else {
			f.TimeGap = 0
			f.HasTimeGap = true
		}
	} else {
		n.lastSeen.Add(aircraftID, raw.ReportedAt)
	}

	n.index.ReplaceOrInsert(keyAndFix{key: key, f: f, added: time.Now()})

	return f, true, nil
}

func (n *Normalizer) validate(raw *fix.RawReport) error {
	if "" == raw.AircraftAddress {
		return ErrNoIdentity
	}
	if raw.ReportedAt.IsZero() {
		return ErrNoTimestamp
	}
	if time.Until(raw.ReportedAt) > n.futureSlop {
		return ErrFutureFix
	}
	if raw.Lat < -90 || raw.Lat > 90 || raw.Lon < -180 || raw.Lon > 180 {
		return ErrBadPosition
	}
	if 0 == raw.Lat && 0 == raw.Lon {
		// null island is a decoder failure, not a position
		return ErrBadPosition
	}
	return nil
}

func (n *Normalizer) sweep() {
	n.mu.Lock()
	defer n.mu.Unlock()
	olderThan := time.Now().Add(n.sweeperMaxAge)
	toRemove := make([]keyAndFix, 0, n.index.Len()/2)
	n.index.Descend(func(item keyAndFix) bool {
		if item.added.Before(olderThan) {
			toRemove = append(toRemove, item)
		}
		return true
	})
	for _, item := range toRemove {
		n.index.Delete(item)
	}
}

// IndexLen is how many fixes the dedupe window currently remembers
func (n *Normalizer) IndexLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.index.Len()
}
