package registry

import (
	"context"
	"testing"
	"time"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/flight"
)

var testT0 = time.Date(2023, 7, 14, 9, 0, 0, 0, time.UTC)

type eventCapture struct {
	events []flight.Event
}

func (ec *eventCapture) OnFlightEvent(e flight.Event) {
	ec.events = append(ec.events, e)
}

func testFix(id string, at time.Time, speed float64) fix.Fix {
	return fix.Fix{
		AircraftID:  id,
		ReportedAt:  at,
		Lat:         -31.95,
		Lon:         115.86,
		GroundSpeed: speed,
	}
}

func TestShardRoutingIsStable(t *testing.T) {
	r := NewRegistry(flight.DefaultConfig(), WithShardCount(8))
	for _, id := range []string{"7CA123", "7C0001", "C81EE7", "DDFAA3"} {
		first := r.shardFor(id)
		for i := 0; i < 10; i++ {
			if got := r.shardFor(id); got != first {
				t.Errorf("shardFor(%s) moved from %d to %d", id, first, got)
			}
		}
		if first < 0 || first >= 8 {
			t.Errorf("shardFor(%s) = %d, out of range", id, first)
		}
	}
}

func TestReorderBufferReleasesInOrder(t *testing.T) {
	var released []time.Time
	r := NewRegistry(flight.DefaultConfig(),
		WithShardCount(1),
		WithReorderWindow(5*time.Second),
		WithFixHandler(func(f fix.Fix) {
			released = append(released, f.ReportedAt)
		}),
	)
	s := r.shards[0]

	wall := time.Now()
	// arrival order scrambled, reported order is t0, +1s, +2s, +3s
	for _, offset := range []time.Duration{2 * time.Second, 0, 3 * time.Second, time.Second} {
		s.ingest(testFix("7CA123", testT0.Add(offset), 10), wall)
	}
	if len(released) != 0 {
		t.Fatalf("%d fixes released before the reorder window passed", len(released))
	}

	// the wall clock waits out the window and everything flushes, sorted
	s.tick(wall.Add(6 * time.Second))
	if 4 != len(released) {
		t.Fatalf("released %d fixes, expected 4", len(released))
	}
	for i := 1; i < len(released); i++ {
		if released[i].Before(released[i-1]) {
			t.Errorf("release order broken at %d: %s before %s", i, released[i-1], released[i])
		}
	}
}

func TestFixBehindWatermarkTakesLatePath(t *testing.T) {
	var released []time.Time
	r := NewRegistry(flight.DefaultConfig(),
		WithShardCount(1),
		WithReorderWindow(5*time.Second),
		WithFixHandler(func(f fix.Fix) {
			released = append(released, f.ReportedAt)
		}),
	)
	s := r.shards[0]

	wall := time.Now()
	s.ingest(testFix("7CA123", testT0.Add(10*time.Second), 10), wall)
	s.tick(wall.Add(6 * time.Second))
	if 1 != len(released) {
		t.Fatalf("released %d fixes, expected 1", len(released))
	}

	// a fix older than what the machine already consumed must not be
	// replayed through the ordered stream
	s.ingest(testFix("7CA123", testT0, 10), wall.Add(7*time.Second))
	s.tick(wall.Add(20 * time.Second))
	if 1 != len(released) {
		t.Errorf("late fix leaked into the ordered stream, %d released", len(released))
	}
	if 1 != s.units["7CA123"].machine.OrphanedFixes() {
		t.Errorf("orphaned fixes %d, expected 1", s.units["7CA123"].machine.OrphanedFixes())
	}
}

func TestBoundedBufferReleasesOldestFirst(t *testing.T) {
	var released []time.Time
	r := NewRegistry(flight.DefaultConfig(),
		WithShardCount(1),
		WithReorderWindow(time.Hour), // never release by window in this test
		WithFixHandler(func(f fix.Fix) {
			released = append(released, f.ReportedAt)
		}),
	)
	s := r.shards[0]

	wall := time.Now()
	for i := 0; i <= r.maxPending; i++ {
		s.ingest(testFix("7CA123", testT0.Add(time.Duration(i)*time.Second), 10), wall)
	}
	if 1 != len(released) {
		t.Fatalf("released %d fixes after overflowing the buffer, expected 1", len(released))
	}
	if !released[0].Equal(testT0) {
		t.Errorf("overflow released %s, expected the oldest %s", released[0], testT0)
	}
	if s.units["7CA123"].pending.Len() != r.maxPending {
		t.Errorf("buffer holds %d, expected %d", s.units["7CA123"].pending.Len(), r.maxPending)
	}
}

func TestIdleEvictionAndReappearance(t *testing.T) {
	r := NewRegistry(flight.DefaultConfig(),
		WithShardCount(1),
		WithReorderWindow(time.Second),
	)
	s := r.shards[0]

	wall := time.Now()
	s.ingest(testFix("7CA123", testT0, 10), wall)
	if 1 != len(s.units) {
		t.Fatalf("units %d, expected 1", len(s.units))
	}

	s.evict(wall.Add(31 * time.Minute))
	if 0 != len(s.units) {
		t.Fatalf("idle aircraft not evicted, units %d", len(s.units))
	}

	// the aircraft coming back gets a fresh unit, not a panic
	s.ingest(testFix("7CA123", testT0.Add(40*time.Minute), 10), wall.Add(40*time.Minute))
	if 1 != len(s.units) {
		t.Errorf("reappearing aircraft not re-registered, units %d", len(s.units))
	}
}

func TestOpenFlightsSnapshot(t *testing.T) {
	ec := &eventCapture{}
	r := NewRegistry(flight.DefaultConfig(),
		WithShardCount(1),
		WithReorderWindow(time.Second),
		WithListener(ec),
	)
	s := r.shards[0]

	// reported times track the wall clock here so the machine's own
	// timeout sweep stays quiet
	base := time.Now()
	wall := base
	for i := 0; i <= 3; i++ {
		s.ingest(testFix("7CA123", base.Add(time.Duration(i)*5*time.Second), 50), wall)
		wall = wall.Add(2 * time.Second)
		s.tick(wall)
	}

	open := s.openFlights()
	if 1 != len(open) {
		t.Fatalf("open flights %d, expected 1", len(open))
	}
	if open[0].AircraftID != "7CA123" {
		t.Errorf("open flight aircraft %s", open[0].AircraftID)
	}

	sawOpened := false
	for _, e := range ec.events {
		if flight.Opened == e.Kind {
			sawOpened = true
		}
	}
	if !sawOpened {
		t.Error("listener never saw the Opened event")
	}
}

// HealthCheck is read from the monitoring goroutine while Run owns the
// running flag, so both sides have to be safe under the race detector
func TestHealthCheckTracksRunState(t *testing.T) {
	r := NewRegistry(flight.DefaultConfig(), WithShardCount(2))
	if r.HealthCheck() {
		t.Error("registry healthy before Run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !r.HealthCheck() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !r.HealthCheck() {
		t.Error("registry running but not healthy")
	}

	cancel()
	<-done
	if r.HealthCheck() {
		t.Error("registry stopped but still healthy")
	}
}
