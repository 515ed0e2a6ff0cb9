package geo

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"testing"

	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ewkbHex(lat, lng float64) string {
	b := make([]byte, 1+4+4+16)
	b[0] = 1
	binary.LittleEndian.PutUint32(b[1:5], wkbPoint|ewkbSRID)
	binary.LittleEndian.PutUint32(b[5:9], 4326)
	binary.LittleEndian.PutUint64(b[9:17], math.Float64bits(lng))
	binary.LittleEndian.PutUint64(b[17:25], math.Float64bits(lat))
	return hex.EncodeToString(b)
}

func TestNormalize_EncodingsAgree(t *testing.T) {
	want := models.Coords{Lat: 51.5074, Lng: -0.1278}

	rows := map[string]store.Row{
		"fields":          {"lat": 51.5074, "lng": -0.1278},
		"fields as text":  {"latitude": "51.5074", "longitude": "-0.1278"},
		"geojson map":     {"geo": map[string]any{"type": "Point", "coordinates": []any{-0.1278, 51.5074}}},
		"geojson string":  {"location": `{"type":"Point","coordinates":[-0.1278,51.5074]}`},
		"wkt":             {"geo": "POINT(-0.1278 51.5074)"},
		"ewkt":            {"geo": "SRID=4326;POINT(-0.1278 51.5074)"},
		"ewkb":            {"geo": ewkbHex(51.5074, -0.1278)},
		"wkt lower space": {"location": "  point ( -0.1278   51.5074 ) "},
	}

	for name, row := range rows {
		t.Run(name, func(t *testing.T) {
			got, ok := Normalize(row)
			require.True(t, ok)
			assert.Equal(t, want, got)
		})
	}
}

func TestNormalize_PriorityOrder(t *testing.T) {
	row := store.Row{
		"lat": 10.0,
		"lng": 20.0,
		"geo": "POINT(1 2)",
	}

	got, ok := Normalize(row)
	require.True(t, ok)
	assert.Equal(t, models.Coords{Lat: 10, Lng: 20}, got)
}

func TestNormalize_FallsThroughBrokenForms(t *testing.T) {
	row := store.Row{
		"lat":      "not a number",
		"lng":      1.0,
		"geo":      `{"type":"LineString","coordinates":[[0,0],[1,1]]}`,
		"location": "POINT(3 4)",
	}

	got, ok := Normalize(row)
	require.True(t, ok)
	assert.Equal(t, models.Coords{Lat: 4, Lng: 3}, got)
}

func TestNormalize_NoLocation(t *testing.T) {
	tests := map[string]store.Row{
		"empty":        {},
		"null geo":     {"geo": nil},
		"out of range": {"lat": 91.0, "lng": 0.0},
		"garbage":      {"geo": "somewhere nice"},
		"swapped wkt":  {"geo": "POINT(51.5 -190)"},
	}

	for name, row := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := Normalize(row)
			assert.False(t, ok)
		})
	}
}

func TestEncodeWKT_RoundTrip(t *testing.T) {
	c := models.Coords{Lat: 40.7128, Lng: -74.006}

	wkt := EncodeWKT(c)
	assert.Equal(t, "POINT(-74.006 40.7128)", wkt)

	got, ok := Parse(wkt)
	require.True(t, ok)
	assert.Equal(t, c, got)
}
