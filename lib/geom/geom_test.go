package geom

import (
	"testing"
)

func TestBounds_Contains(t *testing.T) {
	type pt struct {
		lat, lon float64
	}
	perth := pt{lat: -31.952162, lon: 115.943482}
	tests := []struct {
		name   string
		bounds Bounds
		args   pt
		want   bool
	}{
		{
			"top left of map",
			Bounds{North: 90, West: -180, South: 75, East: -165},
			pt{lat: 80, lon: -170},
			true,
		},
		{
			"top left of map no perth",
			Bounds{North: 90, West: -180, South: 75, East: -165},
			perth,
			false,
		},
		{
			"contains centre",
			Bounds{North: 20, West: -20, South: -20, East: 20},
			pt{lat: 0, lon: 0},
			true,
		},
		{
			"world contains Perth",
			Bounds{North: 90, West: -180, South: -90, East: 180},
			perth,
			true,
		},
		{
			"northern hemisphere does not contain Perth",
			Bounds{North: 90, West: -180, South: 0, East: 180},
			perth,
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.bounds.Contains(tt.args.lat, tt.args.lon); got != tt.want {
				t.Errorf("Contains() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBounds_Valid(t *testing.T) {
	tests := []struct {
		name   string
		bounds Bounds
		want   bool
	}{
		{"normal box", Bounds{North: 10, South: -10, West: -10, East: 10}, true},
		{"inside out", Bounds{North: -10, South: 10, West: -10, East: 10}, false},
		{"off the globe", Bounds{North: 91, South: -10, West: -10, East: 10}, false},
		{"bad lon", Bounds{North: 10, South: -10, West: -181, East: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.bounds.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDistance(t *testing.T) {
	// Perth -> Perth Airport, roughly 10km
	d := Distance(-31.952162, 115.943482, -31.940278, 115.966944)
	if d < 1500 || d > 3500 {
		t.Errorf("unexpected distance %0.1fm", d)
	}

	if 0 != Distance(10, 10, 10, 10) {
		t.Error("distance between identical points should be zero")
	}
}
