package live

import (
	"math"
	"time"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/geom"
)

type (
	// Cluster is one grid cell's worth of aircraft, centred on their mean
	// position. Sent instead of individual aircraft when a viewport is too
	// busy to draw them all. RadiusM is the distance from the centroid to
	// the farthest member, so a viewer can size the marker.
	Cluster struct {
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
		Count   int     `json:"count"`
		RadiusM float64 `json:"radiusM"`
	}
)

// clusterGridSize is the number of cells along each viewport axis. 8x8
// keeps the worst case at 64 clusters, close to the individual display cap.
const clusterGridSize = 8

// buildClusters buckets the given positions into a grid laid over the
// viewport. Cells are viewport-relative so zooming in re-buckets naturally.
func buildClusters(view geom.Bounds, positions []fix.Fix) []Cluster {
	width := view.Width()
	height := view.Height()
	if width <= 0 || height <= 0 {
		return nil
	}

	type cell struct {
		sumLat, sumLon float64
		members        []fix.Fix
	}
	cells := make(map[int]*cell)

	for _, p := range positions {
		col := int(math.Floor(((p.Lon - view.West) / width) * clusterGridSize))
		row := int(math.Floor(((p.Lat - view.South) / height) * clusterGridSize))
		if col < 0 || col >= clusterGridSize || row < 0 || row >= clusterGridSize {
			continue
		}
		idx := row*clusterGridSize + col
		c, ok := cells[idx]
		if !ok {
			c = &cell{}
			cells[idx] = c
		}
		c.sumLat += p.Lat
		c.sumLon += p.Lon
		c.members = append(c.members, p)
	}

	clusters := make([]Cluster, 0, len(cells))
	for _, c := range cells {
		n := float64(len(c.members))
		lat := c.sumLat / n
		lon := c.sumLon / n
		radius := 0.0
		for _, m := range c.members {
			if d := geom.Distance(lat, lon, m.Lat, m.Lon); d > radius {
				radius = d
			}
		}
		clusters = append(clusters, Cluster{
			Lat:     lat,
			Lon:     lon,
			Count:   len(c.members),
			RadiusM: radius,
		})
	}
	return clusters
}

// staleAfter is how long an aircraft stays on the live map without a fix
const staleAfter = 10 * time.Minute
