package live

import (
	"fmt"
	"testing"
	"time"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/geom"
)

var perth = geom.Bounds{North: -31, East: 117, South: -33, West: 115}

func liveFix(id string, lat, lon float64) fix.Fix {
	return fix.Fix{
		AircraftID: id,
		ReportedAt: time.Now(),
		Lat:        lat,
		Lon:        lon,
	}
}

// spread n aircraft evenly through the viewport
func fillViewport(d *Distributor, view geom.Bounds, n int) {
	for i := 0; i < n; i++ {
		lat := view.South + (view.Height() * float64(i%10+1) / 12.0)
		lon := view.West + (view.Width() * float64(i/10+1) / 12.0)
		d.Submit(liveFix(fmt.Sprintf("AC%04d", i), lat, lon))
	}
}

func drain(s *Subscription) []Update {
	var updates []Update
	for {
		select {
		case u := <-s.Updates():
			updates = append(updates, u)
		default:
			return updates
		}
	}
}

func TestFanOutRespectsViewport(t *testing.T) {
	d := NewDistributor()
	s := d.Subscribe(perth)
	defer s.Close()

	d.Submit(liveFix("INSIDE", -32, 116))
	d.Submit(liveFix("OUTSIDE", -20, 130))

	updates := drain(s)
	if 1 != len(updates) {
		t.Fatalf("updates %d, expected 1", len(updates))
	}
	if UpdateFix != updates[0].Kind || "INSIDE" != updates[0].Fix.AircraftID {
		t.Errorf("got %s for %v", updates[0].Kind, updates[0].Fix)
	}
}

func TestBusyViewportGoesClustered(t *testing.T) {
	d := NewDistributor()
	fillViewport(d, perth, 60)

	s := d.Subscribe(perth)
	defer s.Close()

	if !s.Clustered() {
		t.Fatal("60 aircraft in view, subscription not clustered")
	}

	updates := drain(s)
	var clusters []Cluster
	sawMode := false
	for _, u := range updates {
		if UpdateMode == u.Kind && u.Clustered {
			sawMode = true
		}
		if UpdateClusters == u.Kind {
			clusters = u.Clusters
		}
	}
	if !sawMode {
		t.Error("mode switch never announced")
	}
	if nil == clusters {
		t.Fatal("no cluster summary sent")
	}
	total := 0
	sawMultiMember := false
	for _, c := range clusters {
		total += c.Count
		if !perth.Contains(c.Lat, c.Lon) {
			t.Errorf("cluster centroid (%f,%f) outside viewport", c.Lat, c.Lon)
		}
		switch {
		case 1 == c.Count && 0 != c.RadiusM:
			t.Errorf("singleton cluster has radius %fm", c.RadiusM)
		case c.Count > 1 && c.RadiusM <= 0:
			t.Errorf("%d-member cluster has no radius", c.Count)
		case c.RadiusM > 300_000:
			t.Errorf("cluster radius %fm is bigger than the viewport", c.RadiusM)
		}
		if c.Count > 1 {
			sawMultiMember = true
		}
	}
	if 60 != total {
		t.Errorf("clusters cover %d aircraft, expected 60", total)
	}
	if !sawMultiMember {
		t.Error("60 aircraft in an 8x8 grid produced no multi-member cluster")
	}

	// clustered viewers do not get individual fix spam
	d.Submit(liveFix("MORE", -32, 116))
	for _, u := range drain(s) {
		if UpdateFix == u.Kind {
			t.Error("individual fix sent in clustered mode")
		}
	}
}

// A viewport that fills up while someone is already watching must flip to
// clustered as the fixes arrive, not wait for the next cluster refresh.
func TestViewportFillingMidStreamFlipsToClustered(t *testing.T) {
	d := NewDistributor()
	s := d.Subscribe(perth)
	defer s.Close()
	if s.Clustered() {
		t.Fatal("empty viewport started clustered")
	}

	fillViewport(d, perth, 60)

	if !s.Clustered() {
		t.Fatal("still individual after 60 aircraft arrived in view")
	}

	individual := 0
	sawMode := false
	for _, u := range drain(s) {
		switch u.Kind {
		case UpdateFix:
			individual++
			if sawMode {
				t.Error("individual fix delivered after the mode switch")
			}
		case UpdateMode:
			if u.Clustered {
				sawMode = true
			}
		}
	}
	if !sawMode {
		t.Error("mode switch never announced")
	}
	if individual > d.maxDisplay+1 {
		t.Errorf("%d individual pushes before switching, cap is %d", individual, d.maxDisplay)
	}
}

func TestQuietViewportStaysIndividual(t *testing.T) {
	d := NewDistributor()
	fillViewport(d, perth, 40)

	s := d.Subscribe(perth)
	defer s.Close()

	if s.Clustered() {
		t.Fatal("40 aircraft in view, subscription clustered")
	}
	d.Submit(liveFix("ONEMORE", -32, 116))
	found := false
	for _, u := range drain(s) {
		if UpdateFix == u.Kind && "ONEMORE" == u.Fix.AircraftID {
			found = true
		}
	}
	if !found {
		t.Error("individual fix not delivered below the display cap")
	}
}

func TestModeSwitchHysteresis(t *testing.T) {
	d := NewDistributor()
	fillViewport(d, perth, 45)

	s := d.Subscribe(perth)
	defer s.Close()
	if s.Clustered() {
		t.Fatal("45 aircraft should not start clustered")
	}

	// a clustered viewer at 45 aircraft stays clustered: 45 is between
	// the 80% floor (40) and the cap (50)
	s.mu.Lock()
	s.clustered = true
	s.mu.Unlock()
	d.evaluateMode(s)
	if !s.Clustered() {
		t.Error("count inside the hysteresis band flipped mode back")
	}

	// dropping under the floor flips it back
	d.sweep(time.Now().Add(staleAfter + time.Minute))
	d.evaluateMode(s)
	if s.Clustered() {
		t.Error("empty viewport still clustered")
	}
}

func TestSlowConsumerLosesOldestUpdate(t *testing.T) {
	d := NewDistributor(WithSubscriberDepth(2))
	s := d.Subscribe(perth)
	defer s.Close()

	d.Submit(liveFix("A1", -32, 116))
	d.Submit(liveFix("A2", -32, 116))
	d.Submit(liveFix("A3", -32, 116))

	updates := drain(s)
	if 2 != len(updates) {
		t.Fatalf("queued updates %d, expected depth 2", len(updates))
	}
	if "A2" != updates[0].Fix.AircraftID || "A3" != updates[1].Fix.AircraftID {
		t.Errorf("kept %s,%s; expected the newest two", updates[0].Fix.AircraftID, updates[1].Fix.AircraftID)
	}
}

func TestViewportChangeReassessesMembership(t *testing.T) {
	d := NewDistributor()
	s := d.Subscribe(perth)
	defer s.Close()

	d.Submit(liveFix("NORTHERN", -20, 130))
	if n := len(drain(s)); 0 != n {
		t.Fatalf("fix outside viewport delivered, %d updates", n)
	}

	s.Viewport(geom.Bounds{North: -18, East: 132, South: -22, West: 128})
	d.Submit(liveFix("NORTHERN", -20, 130))
	found := false
	for _, u := range drain(s) {
		if UpdateFix == u.Kind && "NORTHERN" == u.Fix.AircraftID {
			found = true
		}
	}
	if !found {
		t.Error("fix not delivered after viewport move")
	}
}

func TestSnapshotAndSweep(t *testing.T) {
	d := NewDistributor()
	fillViewport(d, perth, 10)
	d.Submit(liveFix("FARAWAY", 50, 10))

	if got := len(d.Snapshot(perth)); 10 != got {
		t.Errorf("snapshot %d, expected 10", got)
	}
	if got := d.NumAircraft(); 11 != got {
		t.Errorf("live aircraft %d, expected 11", got)
	}

	d.sweep(time.Now().Add(staleAfter + time.Minute))
	if got := d.NumAircraft(); 0 != got {
		t.Errorf("stale aircraft survived the sweep: %d", got)
	}
}
