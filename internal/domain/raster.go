package domain

import (
	"image"
	"math"
)

// Raster is a row-major grid of NDWI samples, nominally in [-1, 1].
type Raster struct {
	Width  int
	Height int
	Values []float64
}

// NewRaster returns a zero-filled raster.
func NewRaster(width, height int) Raster {
	return Raster{Width: width, Height: height, Values: make([]float64, width*height)}
}

// FilledRaster returns a raster with every sample set to v.
func FilledRaster(width, height int, v float64) Raster {
	r := NewRaster(width, height)
	for i := range r.Values {
		r.Values[i] = v
	}
	return r
}

// At returns the sample at (row, col).
func (r Raster) At(row, col int) float64 {
	return r.Values[row*r.Width+col]
}

// Set stores v at (row, col).
func (r Raster) Set(row, col int, v float64) {
	r.Values[row*r.Width+col] = v
}

// Masked returns the samples under mask in row-major order. Shapes must
// match; a mismatched mask yields nil.
func (r Raster) Masked(mask PixelMask) []float64 {
	if mask.Width != r.Width || mask.Height != r.Height {
		return nil
	}
	var out []float64
	for i, covered := range mask.Bits {
		if covered {
			out = append(out, r.Values[i])
		}
	}
	return out
}

// PixelToNDWI rescales an 8-bit quantized sample to [-1, 1].
func PixelToNDWI(p uint8) float64 {
	return (float64(p)/255.0)*2.0 - 1.0
}

// NDWIToPixel quantizes v back to 8 bits, clamping out-of-range values.
func NDWIToPixel(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	p := math.Round((v + 1) / 2 * 255)
	return uint8(math.Max(0, math.Min(255, p)))
}

// RasterFromGray converts an 8-bit grayscale image to NDWI samples.
func RasterFromGray(img *image.Gray) Raster {
	b := img.Bounds()
	r := NewRaster(b.Dx(), b.Dy())
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			r.Set(y, x, PixelToNDWI(img.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
		}
	}
	return r
}

// ToGray quantizes the raster into an 8-bit grayscale image.
func (r Raster) ToGray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			img.Pix[y*img.Stride+x] = NDWIToPixel(r.At(y, x))
		}
	}
	return img
}

// Stats summarizes the whole raster against threshold.
func (r Raster) Stats(threshold float64) ValueStats {
	return ComputeValueStats(r.Values, threshold)
}
