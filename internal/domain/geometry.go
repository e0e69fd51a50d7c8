package domain

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// BoundingBox is the spatial extent of one raster grid, in lon/lat.
type BoundingBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Validate checks that the box is finite and non-empty on both axes.
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: bbox has non-finite coordinate", ErrConfig)
		}
	}
	if b.MinLon >= b.MaxLon {
		return fmt.Errorf("%w: bbox min_lon %g must be < max_lon %g", ErrConfig, b.MinLon, b.MaxLon)
	}
	if b.MinLat >= b.MaxLat {
		return fmt.Errorf("%w: bbox min_lat %g must be < max_lat %g", ErrConfig, b.MinLat, b.MaxLat)
	}
	return nil
}

// Bound converts the box to an orb.Bound.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinLon, b.MinLat},
		Max: orb.Point{b.MaxLon, b.MaxLat},
	}
}

// Slice returns the box in (min_lon, min_lat, max_lon, max_lat) order.
func (b BoundingBox) Slice() []float64 {
	return []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

// Affine maps pixel (col, row) to coordinates:
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
//
// Only north-up grids are produced here, so B and D are always zero.
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// NewAffine builds the north-up transform for a width x height grid over bbox.
// E is negative: row index increases southwards.
func NewAffine(bbox BoundingBox, width, height int) Affine {
	return Affine{
		A: (bbox.MaxLon - bbox.MinLon) / float64(width),
		C: bbox.MinLon,
		E: -(bbox.MaxLat - bbox.MinLat) / float64(height),
		F: bbox.MaxLat,
	}
}

// Apply returns the coordinate of the pixel-space point (col, row).
// Integer inputs address the pixel's north-west corner; add 0.5 for its center.
func (t Affine) Apply(col, row float64) (x, y float64) {
	return t.A*col + t.B*row + t.C, t.D*col + t.E*row + t.F
}

// Invert maps a coordinate back to fractional pixel space. It assumes B and D
// are zero, which holds for every transform built by NewAffine.
func (t Affine) Invert(x, y float64) (col, row float64) {
	return (x - t.C) / t.A, (y - t.F) / t.E
}

// cell returns the closed coordinate rectangle covered by pixel (col, row).
func (t Affine) cell(col, row int) (minX, minY, maxX, maxY float64) {
	x0, y0 := t.Apply(float64(col), float64(row))
	x1, y1 := t.Apply(float64(col+1), float64(row+1))
	return math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)
}
