// Package imagecodec converts single-band imagery to and from domain rasters.
package imagecodec

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	"golang.org/x/image/tiff"

	"github.com/couchcryptid/water-monitor-etl/internal/domain"
)

// PNGContentType is the MIME type of encoded rasters.
const PNGContentType = "image/png"

var (
	pngMagic    = []byte("\x89PNG\r\n\x1a\n")
	tiffMagicLE = []byte("II*\x00")
	tiffMagicBE = []byte("MM\x00*")
)

// Decode reads a PNG or GeoTIFF image and rescales its first band to NDWI.
// Colour images are reduced to 8-bit luma first.
func Decode(data []byte) (domain.Raster, error) {
	img, err := decodeImage(data)
	if err != nil {
		return domain.Raster{}, err
	}
	if img.Bounds().Empty() {
		return domain.Raster{}, fmt.Errorf("%w: image has no pixels", domain.ErrSchema)
	}
	return domain.RasterFromGray(toGray(img)), nil
}

// EncodePNG quantizes r to an 8-bit grayscale PNG.
func EncodePNG(r domain.Raster) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.ToGray()); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeImage(data []byte) (image.Image, error) {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode png: %w", err)
		}
		return img, nil
	case bytes.HasPrefix(data, tiffMagicLE), bytes.HasPrefix(data, tiffMagicBE):
		img, err := tiff.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode tiff: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized image format", domain.ErrSchema)
	}
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}
