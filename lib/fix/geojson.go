package fix

import (
	"github.com/kpawlik/geojson"
)

// ToGeoJSON renders a set of fixes as a FeatureCollection, for the snapshot
// endpoints. One point feature per fix, properties carry the bits a map
// client cares about.
func ToGeoJSON(fixes []Fix) ([]byte, error) {
	fc := geojson.NewFeatureCollection(make([]*geojson.Feature, 0, len(fixes)))
	for i := range fixes {
		f := &fixes[i]
		pt := geojson.NewPoint(geojson.Coordinate{
			geojson.Coord(f.Lon),
			geojson.Coord(f.Lat),
		})
		props := map[string]interface{}{
			"aircraftId":  f.AircraftID,
			"reportedAt":  f.ReportedAt,
			"groundSpeed": f.GroundSpeed,
			"track":       f.TrackDegrees,
		}
		if f.HasAltitude {
			props["altitudeMsl"] = f.AltitudeMSL
		}
		if f.HasAGL {
			props["altitudeAgl"] = f.AltitudeAGL
		}
		if "" != f.CallSign {
			props["callSign"] = f.CallSign
		}
		fc.AddFeatures(geojson.NewFeature(pt, props, f.AircraftID))
	}
	return json.Marshal(fc)
}
