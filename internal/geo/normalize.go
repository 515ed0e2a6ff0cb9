// Package geo turns the location encodings found in backing rows into one coordinate pair.
package geo

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/store"

	geojson "github.com/paulmach/go.geojson"
)

// Columns that may carry a GeoJSON object, WKT or EWKB.
var geometryColumns = []string{"geo", "location"}

var wktPoint = regexp.MustCompile(`(?i)^\s*(?:SRID=\d+;)?\s*POINT\s*\(\s*([-+]?[0-9]*\.?[0-9]+(?:[eE][-+]?\d+)?)\s+([-+]?[0-9]*\.?[0-9]+(?:[eE][-+]?\d+)?)\s*\)\s*$`)

// Normalize extracts coordinates from row. Forms are tried in order:
// lat/lng fields, a GeoJSON Point, WKT POINT(lng lat), then PostGIS hex EWKB.
// The first that parses to an in-range pair wins.
func Normalize(row store.Row) (models.Coords, bool) {
	if c, ok := fromFields(row, "lat", "lng"); ok {
		return c, true
	}
	if c, ok := fromFields(row, "latitude", "longitude"); ok {
		return c, true
	}
	for _, col := range geometryColumns {
		v, ok := row[col]
		if !ok || v == nil {
			continue
		}
		if c, ok := Parse(v); ok {
			return c, true
		}
	}
	return models.Coords{}, false
}

// Parse decodes a single geometry value: a GeoJSON object (map or JSON text),
// a WKT string, or a hex EWKB string.
func Parse(v any) (models.Coords, bool) {
	switch val := v.(type) {
	case map[string]any:
		raw, err := json.Marshal(val)
		if err != nil {
			return models.Coords{}, false
		}
		return fromGeoJSON(raw)
	case store.Row:
		return Parse(map[string]any(val))
	case []byte:
		return Parse(string(val))
	case string:
		s := strings.TrimSpace(val)
		if strings.HasPrefix(s, "{") {
			return fromGeoJSON([]byte(s))
		}
		if c, ok := fromWKT(s); ok {
			return c, true
		}
		return fromEWKB(s)
	}
	return models.Coords{}, false
}

// EncodeWKT renders c as POINT(lng lat), the order PostGIS expects.
func EncodeWKT(c models.Coords) string {
	return fmt.Sprintf("POINT(%s %s)",
		strconv.FormatFloat(c.Lng, 'f', -1, 64),
		strconv.FormatFloat(c.Lat, 'f', -1, 64))
}

func fromFields(row store.Row, latKey, lngKey string) (models.Coords, bool) {
	lat, okLat := row.Float(latKey)
	lng, okLng := row.Float(lngKey)
	if !okLat || !okLng {
		return models.Coords{}, false
	}
	return checked(lat, lng)
}

func fromGeoJSON(raw []byte) (models.Coords, bool) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil || !g.IsPoint() || len(g.Point) < 2 {
		return models.Coords{}, false
	}
	return checked(g.Point[1], g.Point[0])
}

func fromWKT(s string) (models.Coords, bool) {
	m := wktPoint.FindStringSubmatch(s)
	if m == nil {
		return models.Coords{}, false
	}
	lng, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return models.Coords{}, false
	}
	lat, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return models.Coords{}, false
	}
	return checked(lat, lng)
}

const (
	wkbPoint   = 1
	ewkbSRID   = 0x20000000
	ewkbZ      = 0x80000000
	ewkbM      = 0x40000000
	ewkbFlags  = ewkbSRID | ewkbZ | ewkbM
	minPointSz = 1 + 4 + 16
)

// fromEWKB decodes a 2D (optionally SRID-tagged) point as returned for
// geography/geometry columns read without a cast.
func fromEWKB(s string) (models.Coords, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) < minPointSz {
		return models.Coords{}, false
	}

	var order binary.ByteOrder = binary.BigEndian
	if b[0] == 1 {
		order = binary.LittleEndian
	}
	typ := order.Uint32(b[1:5])
	if typ&^ewkbFlags != wkbPoint {
		return models.Coords{}, false
	}

	off := 5
	if typ&ewkbSRID != 0 {
		off += 4
	}
	if len(b) < off+16 {
		return models.Coords{}, false
	}
	lng := math.Float64frombits(order.Uint64(b[off : off+8]))
	lat := math.Float64frombits(order.Uint64(b[off+8 : off+16]))
	return checked(lat, lng)
}

func checked(lat, lng float64) (models.Coords, bool) {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return models.Coords{}, false
	}
	c := models.Coords{Lat: lat, Lng: lng}
	if !c.Valid() {
		return models.Coords{}, false
	}
	return c, true
}
