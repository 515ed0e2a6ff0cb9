package visual

import (
	"math"
	"sort"

	"hotmess-kernel/internal/models"
)

// Summary aggregates a group of beacons for dense-area rendering.
type Summary struct {
	Count     int               `json:"count"`
	Intensity float64           `json:"intensity"`
	Dominant  models.BeaconType `json:"dominant"`
	Lat       float64           `json:"lat"`
	Lng       float64           `json:"lng"`
}

// Cluster summarizes beacons: combined intensity, centroid, and the type with the
// highest z-priority. An empty input yields the zero Summary.
func Cluster(beacons []models.Beacon) Summary {
	if len(beacons) == 0 {
		return Summary{}
	}

	values := make([]float64, len(beacons))
	var lat, lng float64
	dominant := beacons[0].Type
	for i, b := range beacons {
		values[i] = b.Intensity
		lat += b.Lat
		lng += b.Lng
		if ZPriority(b.Type) > ZPriority(dominant) {
			dominant = b.Type
		}
	}
	n := float64(len(beacons))
	return Summary{
		Count:     len(beacons),
		Intensity: ClusterIntensity(values),
		Dominant:  dominant,
		Lat:       lat / n,
		Lng:       lng / n,
	}
}

type cell struct{ row, col int64 }

// GridClusters buckets beacons into cellDeg x cellDeg degree cells and summarizes each.
// Output is ordered by dominant z-priority, then count, then cell position.
func GridClusters(beacons []models.Beacon, cellDeg float64) []Summary {
	if cellDeg <= 0 || len(beacons) == 0 {
		return nil
	}

	buckets := make(map[cell][]models.Beacon)
	for _, b := range beacons {
		c := cell{
			row: int64(math.Floor(b.Lat / cellDeg)),
			col: int64(math.Floor(b.Lng / cellDeg)),
		}
		buckets[c] = append(buckets[c], b)
	}

	cells := make([]cell, 0, len(buckets))
	for c := range buckets {
		cells = append(cells, c)
	}
	summaries := make(map[cell]Summary, len(buckets))
	for _, c := range cells {
		summaries[c] = Cluster(buckets[c])
	}

	sort.Slice(cells, func(i, j int) bool {
		a, b := summaries[cells[i]], summaries[cells[j]]
		if za, zb := ZPriority(a.Dominant), ZPriority(b.Dominant); za != zb {
			return za > zb
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if cells[i].row != cells[j].row {
			return cells[i].row < cells[j].row
		}
		return cells[i].col < cells[j].col
	})

	out := make([]Summary, len(cells))
	for i, c := range cells {
		out[i] = summaries[c]
	}
	return out
}
