package domain

import (
	"math"
	"slices"

	"github.com/paulmach/orb"
)

// PixelMask is a row-major boolean grid aligned with a Raster.
type PixelMask struct {
	Width  int
	Height int
	Bits   []bool
}

// NewPixelMask returns an all-false mask of the given shape.
func NewPixelMask(width, height int) PixelMask {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return PixelMask{Width: width, Height: height, Bits: make([]bool, width*height)}
}

// At reports whether pixel (row, col) is covered.
func (m PixelMask) At(row, col int) bool {
	return m.Bits[row*m.Width+col]
}

func (m PixelMask) set(row, col int) {
	m.Bits[row*m.Width+col] = true
}

// Count returns the number of covered pixels.
func (m PixelMask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// RasterizeField builds the mask of f over a width x height grid spanning bbox.
func RasterizeField(f Field, bbox BoundingBox, width, height int, allTouched bool) PixelMask {
	return RasterizePolygon(f.Polygon, NewAffine(bbox, width, height), width, height, allTouched)
}

// RasterizePolygon burns poly into a width x height mask under transform t.
//
// With allTouched unset a pixel is covered when its center lies inside the
// polygon (even-odd over all rings, so holes are excluded). Crossings use a
// half-open rule, which keeps zero-area polygons from covering anything.
//
// With allTouched set a pixel is covered when its closed cell intersects the
// closed polygon, so cells that merely share an edge or a corner with the
// boundary are included as well.
func RasterizePolygon(poly orb.Polygon, t Affine, width, height int, allTouched bool) PixelMask {
	mask := NewPixelMask(width, height)
	if len(poly) == 0 || width <= 0 || height <= 0 || t.A == 0 || t.E == 0 {
		return mask
	}

	c0, r0, c1, r1, ok := pixelWindow(poly.Bound(), t, width, height)
	if !ok {
		return mask
	}

	burnCenters(mask, poly, t, c0, r0, c1, r1)
	if allTouched {
		burnEdges(mask, poly, t, width, height)
	}
	return mask
}

// pixelWindow returns the inclusive pixel range that can intersect b, padded
// by one pixel on each side and clamped to the grid.
func pixelWindow(b orb.Bound, t Affine, width, height int) (c0, r0, c1, r1 int, ok bool) {
	colA, rowA := t.Invert(b.Min.X(), b.Max.Y())
	colB, rowB := t.Invert(b.Max.X(), b.Min.Y())

	c0 = max(0, int(math.Floor(math.Min(colA, colB)))-1)
	c1 = min(width-1, int(math.Floor(math.Max(colA, colB)))+1)
	r0 = max(0, int(math.Floor(math.Min(rowA, rowB)))-1)
	r1 = min(height-1, int(math.Floor(math.Max(rowA, rowB)))+1)
	return c0, r0, c1, r1, c0 <= c1 && r0 <= r1
}

// burnCenters scans each row at its center latitude and marks pixels whose
// center falls inside an even-odd span.
func burnCenters(mask PixelMask, poly orb.Polygon, t Affine, c0, r0, c1, r1 int) {
	xs := make([]float64, 0, 16)
	for row := r0; row <= r1; row++ {
		_, yc := t.Apply(0, float64(row)+0.5)

		xs = xs[:0]
		for _, ring := range poly {
			n := len(ring)
			for i := 0; i < n; i++ {
				p, q := ring[i], ring[(i+1)%n]
				if (p.Y() > yc) == (q.Y() > yc) {
					continue
				}
				xs = append(xs, p.X()+(yc-p.Y())*(q.X()-p.X())/(q.Y()-p.Y()))
			}
		}
		if len(xs) < 2 {
			continue
		}
		slices.Sort(xs)

		for i := 0; i+1 < len(xs); i += 2 {
			lo, hi := xs[i], xs[i+1]
			for col := c0; col <= c1; col++ {
				xc, _ := t.Apply(float64(col)+0.5, 0)
				if xc >= lo && xc < hi {
					mask.set(row, col)
				}
			}
		}
	}
}

// burnEdges marks every cell that a ring segment intersects or touches.
func burnEdges(mask PixelMask, poly orb.Polygon, t Affine, width, height int) {
	for _, ring := range poly {
		n := len(ring)
		for i := 0; i < n; i++ {
			p, q := ring[i], ring[(i+1)%n]
			seg := orb.Bound{Min: p, Max: p}.Extend(q)
			c0, r0, c1, r1, ok := pixelWindow(seg, t, width, height)
			if !ok {
				continue
			}
			for row := r0; row <= r1; row++ {
				for col := c0; col <= c1; col++ {
					if mask.At(row, col) {
						continue
					}
					minX, minY, maxX, maxY := t.cell(col, row)
					if segmentTouchesRect(p, q, minX, minY, maxX, maxY) {
						mask.set(row, col)
					}
				}
			}
		}
	}
}

// segmentTouchesRect reports whether segment pq intersects the closed
// rectangle. Degenerate segments reduce to a point-in-rectangle test.
func segmentTouchesRect(p, q orb.Point, minX, minY, maxX, maxY float64) bool {
	if math.Max(p.X(), q.X()) < minX || math.Min(p.X(), q.X()) > maxX ||
		math.Max(p.Y(), q.Y()) < minY || math.Min(p.Y(), q.Y()) > maxY {
		return false
	}

	dx, dy := q.X()-p.X(), q.Y()-p.Y()
	var pos, neg bool
	for _, c := range [4][2]float64{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}} {
		s := dx*(c[1]-p.Y()) - dy*(c[0]-p.X())
		switch {
		case s > 0:
			pos = true
		case s < 0:
			neg = true
		default:
			return true
		}
	}
	return pos && neg
}
