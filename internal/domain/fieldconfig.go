package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// acceptedCRS lists the coordinate reference systems the loader accepts.
// Everything is evaluated in one lon/lat frame without reprojection.
var acceptedCRS = map[string]bool{
	"":          true,
	"CRS84":     true,
	"EPSG:4326": true,
	"http://www.opengis.net/def/crs/OGC/1.3/CRS84": true,
	"urn:ogc:def:crs:OGC:1.3:CRS84":                true,
	"urn:ogc:def:crs:EPSG::4326":                   true,
}

type boundaryDocument struct {
	Type       string            `json:"type"`
	Properties locationProps     `json:"properties"`
	Features   []json.RawMessage `json:"features"`
}

type locationProps struct {
	LocationID   string    `json:"location_id"`
	LocationName string    `json:"location_name"`
	BBox         []float64 `json:"bbox"`
	CRS          string    `json:"crs"`
}

type boundaryFeature struct {
	Geometry   json.RawMessage `json:"geometry"`
	Properties struct {
		FieldID         string `json:"field_id"`
		Name            string `json:"name"`
		MonitoringStart string `json:"monitoring_start"`
	} `json:"properties"`
}

// LoadFieldConfig reads a field-boundary GeoJSON document from path. The file
// stem is the fallback location id.
func LoadFieldConfig(path string) (FieldConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FieldConfig{}, fmt.Errorf("%w: read field config: %v", ErrConfig, err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ParseFieldConfig(data, stem)
}

// ParseFieldConfig decodes and validates a field-boundary FeatureCollection.
//
// Location metadata lives in the collection's top-level "properties": bbox
// (required, [min_lon, min_lat, max_lon, max_lat]), location_id (defaults to
// fallbackID), location_name (defaults to the id) and an optional crs. Each
// feature needs a Polygon geometry plus field_id and monitoring_start
// properties; features with a null geometry are skipped.
func ParseFieldConfig(data []byte, fallbackID string) (FieldConfig, error) {
	var doc boundaryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return FieldConfig{}, fmt.Errorf("%w: decode field config: %v", ErrConfig, err)
	}
	if doc.Type != "" && doc.Type != "FeatureCollection" {
		return FieldConfig{}, fmt.Errorf("%w: expected FeatureCollection, got %q", ErrConfig, doc.Type)
	}

	props := doc.Properties
	if !acceptedCRS[props.CRS] {
		return FieldConfig{}, fmt.Errorf("%w: unsupported crs %q, fields must be lon/lat (CRS84)", ErrConfig, props.CRS)
	}
	if len(props.BBox) != 4 {
		return FieldConfig{}, fmt.Errorf("%w: bbox must have 4 values, got %d", ErrConfig, len(props.BBox))
	}
	bbox := BoundingBox{MinLon: props.BBox[0], MinLat: props.BBox[1], MaxLon: props.BBox[2], MaxLat: props.BBox[3]}
	if err := bbox.Validate(); err != nil {
		return FieldConfig{}, err
	}
	// Without a declared crs the document is in an implicit common frame,
	// planar or geographic, and only lon/lat ranges of a declared geographic
	// crs are enforced.
	geographic := props.CRS != ""
	for _, p := range []orb.Point{{bbox.MinLon, bbox.MinLat}, {bbox.MaxLon, bbox.MaxLat}} {
		if err := checkPoint(p, geographic); err != nil {
			return FieldConfig{}, fmt.Errorf("%w: bbox: %v", ErrConfig, err)
		}
	}

	cfg := FieldConfig{
		LocationID:   props.LocationID,
		LocationName: props.LocationName,
		BBox:         bbox,
	}
	if cfg.LocationID == "" {
		cfg.LocationID = fallbackID
	}
	if cfg.LocationName == "" {
		cfg.LocationName = cfg.LocationID
	}

	seen := make(map[string]bool, len(doc.Features))
	for i, raw := range doc.Features {
		field, skip, err := parseField(raw, geographic)
		if err != nil {
			return FieldConfig{}, fmt.Errorf("%w: feature %d: %v", ErrConfig, i, err)
		}
		if skip {
			continue
		}
		if seen[field.ID] {
			return FieldConfig{}, fmt.Errorf("%w: duplicate field_id %q", ErrConfig, field.ID)
		}
		seen[field.ID] = true
		cfg.Fields = append(cfg.Fields, field)
	}

	return cfg, nil
}

func parseField(raw json.RawMessage, geographic bool) (Field, bool, error) {
	var feat boundaryFeature
	if err := json.Unmarshal(raw, &feat); err != nil {
		return Field{}, false, fmt.Errorf("decode feature: %w", err)
	}
	if len(feat.Geometry) == 0 || string(feat.Geometry) == "null" {
		return Field{}, true, nil
	}

	g, err := geojson.UnmarshalGeometry(feat.Geometry)
	if err != nil {
		return Field{}, false, fmt.Errorf("decode geometry: %w", err)
	}
	poly, ok := g.Geometry().(orb.Polygon)
	if !ok {
		return Field{}, false, fmt.Errorf("geometry must be Polygon, got %s", g.Type)
	}

	p := feat.Properties
	if p.FieldID == "" {
		return Field{}, false, fmt.Errorf("missing field_id")
	}
	if p.MonitoringStart == "" {
		return Field{}, false, fmt.Errorf("missing monitoring_start for field %s", p.FieldID)
	}
	start, err := ParseDate(p.MonitoringStart)
	if err != nil {
		return Field{}, false, fmt.Errorf("field %s: %w", p.FieldID, err)
	}

	poly, err = normalizePolygon(poly, geographic)
	if err != nil {
		return Field{}, false, fmt.Errorf("field %s: %w", p.FieldID, err)
	}

	name := p.Name
	if name == "" {
		name = p.FieldID
	}
	return Field{ID: p.FieldID, Name: name, Polygon: poly, MonitoringStart: start}, false, nil
}

// normalizePolygon closes open rings, drops repeated consecutive vertices and
// rejects rings that are too small, out of range or self-intersecting.
func normalizePolygon(poly orb.Polygon, geographic bool) (orb.Polygon, error) {
	if len(poly) == 0 {
		return nil, fmt.Errorf("polygon has no rings")
	}
	out := make(orb.Polygon, 0, len(poly))
	for i, ring := range poly {
		r, err := normalizeRing(ring, geographic)
		if err != nil {
			return nil, fmt.Errorf("ring %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func normalizeRing(ring orb.Ring, geographic bool) (orb.Ring, error) {
	r := make(orb.Ring, 0, len(ring)+1)
	for _, p := range ring {
		if err := checkPoint(p, geographic); err != nil {
			return nil, err
		}
		if len(r) > 0 && r[len(r)-1].Equal(p) {
			continue
		}
		r = append(r, p)
	}
	if len(r) > 1 && r[0].Equal(r[len(r)-1]) {
		r = r[:len(r)-1]
	}
	if len(r) < 3 {
		return nil, fmt.Errorf("ring needs at least 3 distinct vertices, got %d", len(r))
	}
	if selfIntersects(r) {
		return nil, fmt.Errorf("ring is self-intersecting")
	}
	return append(r, r[0]), nil
}

// checkPoint rejects non-finite coordinates and, in a geographic crs,
// coordinates outside the lon/lat range.
func checkPoint(p orb.Point, geographic bool) error {
	x, y := p.X(), p.Y()
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return fmt.Errorf("non-finite coordinate")
	}
	if geographic && (x < -180 || x > 180 || y < -90 || y > 90) {
		return fmt.Errorf("coordinate (%g, %g) outside lon/lat range", x, y)
	}
	return nil
}

// selfIntersects reports whether any two non-adjacent edges of the open
// ring r (closing edge implied) touch or cross.
func selfIntersects(r orb.Ring) bool {
	n := len(r)
	for i := 0; i < n; i++ {
		a, b := r[i], r[(i+1)%n]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			c, d := r[j], r[(j+1)%n]
			if segmentsIntersect(a, b, c, d) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(a, b, c, d orb.Point) bool {
	o1 := orientation(a, b, c)
	o2 := orientation(a, b, d)
	o3 := orientation(c, d, a)
	o4 := orientation(c, d, b)
	if o1 != o2 && o3 != o4 && o1 != 0 && o2 != 0 && o3 != 0 && o4 != 0 {
		return true
	}
	return (o1 == 0 && onSegment(a, c, b)) ||
		(o2 == 0 && onSegment(a, d, b)) ||
		(o3 == 0 && onSegment(c, a, d)) ||
		(o4 == 0 && onSegment(c, b, d))
}

func orientation(a, b, c orb.Point) int {
	v := (b.X()-a.X())*(c.Y()-a.Y()) - (b.Y()-a.Y())*(c.X()-a.X())
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// onSegment reports whether q, known to be collinear with pr, lies on it.
func onSegment(p, q, r orb.Point) bool {
	return q.X() <= math.Max(p.X(), r.X()) && q.X() >= math.Min(p.X(), r.X()) &&
		q.Y() <= math.Max(p.Y(), r.Y()) && q.Y() >= math.Min(p.Y(), r.Y())
}
