// Package visual derives rendering parameters from beacon type and intensity.
// Everything here is pure and recomputed on demand.
package visual

import (
	"math"
	"sort"

	"hotmess-kernel/internal/intensity"
	"hotmess-kernel/internal/models"
)

// Params is the bundle a renderer needs for one beacon.
type Params struct {
	Color          string  `json:"color"`
	PulseSpeed     float64 `json:"pulse_speed"`
	PulseAmplitude float64 `json:"pulse_amplitude"`
	BaseOpacity    float64 `json:"base_opacity"`
	GlowRadius     float64 `json:"glow_radius"`
	ZPriority      int     `json:"z_priority"`
}

// span is a linear range: base at intensity 0, base+delta at intensity 1.
type span struct{ base, delta float64 }

func (s span) at(i float64) float64 { return s.base + s.delta*i }

type style struct {
	color     string
	pulse     span
	amplitude span
	opacity   span
	glow      span
	z         int
}

var styles = [...]style{
	models.BeaconSocial: {
		color:     "#FF2D95",
		pulse:     span{0.8, 1.2},
		amplitude: span{0.15, 0.35},
		opacity:   span{0.45, 0.5},
		glow:      span{0.6, 0.9},
		z:         4,
	},
	models.BeaconEvent: {
		color:     "#FFB300",
		pulse:     span{0.5, 1.5},
		amplitude: span{0.1, 0.4},
		opacity:   span{0.4, 0.55},
		glow:      span{0.8, 1.2},
		z:         3,
	},
	models.BeaconRadio: {
		color:     "#7C4DFF",
		pulse:     span{0.4, 1.8},
		amplitude: span{0.1, 0.3},
		opacity:   span{0.35, 0.45},
		glow:      span{0.5, 0.7},
		z:         1,
	},
	models.BeaconMarket: {
		color:     "#00E5FF",
		pulse:     span{0.3, 0.6},
		amplitude: span{0.05, 0.2},
		opacity:   span{0.4, 0.4},
		glow:      span{0.4, 0.5},
		z:         2,
	},
	models.BeaconSafety: {
		color: "#FF1744",
		z:     5,
	},
}

var _ = [1]struct{}{}[int(models.NumBeaconTypes)-len(styles)]

// safetyParams is returned for SAFETY beacons regardless of intensity.
var safetyParams = Params{
	Color:          styles[models.BeaconSafety].color,
	PulseSpeed:     4.0,
	PulseAmplitude: 1.0,
	BaseOpacity:    1.0,
	GlowRadius:     2.5,
	ZPriority:      styles[models.BeaconSafety].z,
}

// For maps (type, intensity) to rendering parameters. Intensity is clamped to [0,1].
func For(t models.BeaconType, level float64) Params {
	if t == models.BeaconSafety {
		return safetyParams
	}
	if !t.Valid() {
		return Params{}
	}
	i := intensity.Clamp(level)
	s := styles[t]
	return Params{
		Color:          s.color,
		PulseSpeed:     s.pulse.at(i),
		PulseAmplitude: s.amplitude.at(i),
		BaseOpacity:    intensity.Clamp(s.opacity.at(i)),
		GlowRadius:     s.glow.at(i),
		ZPriority:      s.z,
	}
}

// ZPriority is the draw order of t; higher draws on top.
func ZPriority(t models.BeaconType) int {
	if !t.Valid() {
		return 0
	}
	return styles[t].z
}

// DistanceAttenuation fades opacity quadratically to zero at maxKm.
func DistanceAttenuation(opacity, distanceKm, maxKm float64) float64 {
	if maxKm <= 0 || distanceKm >= maxKm {
		return 0
	}
	if distanceKm <= 0 {
		return opacity
	}
	r := distanceKm / maxKm
	return opacity * (1 - r*r)
}

// MaxClusterIntensity is the soft cap of ClusterIntensity.
const MaxClusterIntensity = 1.5

// ClusterIntensity combines member intensities as sum/sqrt(n), capped at 1.5.
func ClusterIntensity(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return math.Min(sum/math.Sqrt(float64(len(values))), MaxClusterIntensity)
}

// SortBeacons orders beacons by z-priority descending, then id.
func SortBeacons(beacons []models.Beacon) {
	sort.SliceStable(beacons, func(i, j int) bool {
		zi, zj := ZPriority(beacons[i].Type), ZPriority(beacons[j].Type)
		if zi != zj {
			return zi > zj
		}
		return beacons[i].ID < beacons[j].ID
	})
}
