package mapstore

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/tiff"
)

// TIFFConverter is the default RasterConverter: it decodes a GeoTIFF's
// pixel values as elevation samples (meters), using whatever the source
// image's color model reports as sample intensity.
type TIFFConverter struct {
	// Resolution is the fixed meters/pixel to record, since the plain TIFF
	// decoder carries no geotransform. A production deployment reading
	// GeoTIFF tags would derive this from the file instead.
	Resolution float64
}

// Decode implements RasterConverter.
func (c TIFFConverter) Decode(r io.Reader) (Grid, Meta, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return Grid{}, Meta{}, fmt.Errorf("decode tiff: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	values := make([]float64, width*height)

	min, max := math.Inf(1), math.Inf(-1)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := sampleValue(img, bounds.Min.X+x, bounds.Min.Y+y)
			values[y*width+x] = v
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	if width == 0 || height == 0 {
		return Grid{}, Meta{}, fmt.Errorf("empty raster")
	}

	resolution := c.Resolution
	if resolution == 0 {
		resolution = 1
	}

	return Grid{Width: width, Height: height, Values: values},
		Meta{Width: width, Height: height, MinHeight: min, MaxHeight: max, Resolution: resolution},
		nil
}

// sampleValue extracts a single intensity sample from whatever color model
// the source image uses, as a float64.
func sampleValue(img image.Image, x, y int) float64 {
	switch px := img.At(x, y).(type) {
	case color.Gray16:
		return float64(px.Y)
	case color.Gray:
		return float64(px.Y)
	default:
		r, _, _, _ := img.At(x, y).RGBA()
		return float64(r)
	}
}

// encodePNG normalizes grid linearly into [0, 2^16-1] using meta's
// recorded extrema (spec §4.2's exact reconstruction formula) and encodes
// it as a single-channel 16-bit grayscale PNG.
func encodePNG(grid Grid, meta Meta) ([]byte, error) {
	img := image.NewGray16(image.Rect(0, 0, grid.Width, grid.Height))

	span := meta.MaxHeight - meta.MinHeight
	for y := 0; y < grid.Height; y++ {
		for x := 0; x < grid.Width; x++ {
			v := grid.Values[y*grid.Width+x]
			var normalized float64
			if span > 0 {
				normalized = (v - meta.MinHeight) / span * 65535
			}
			if normalized < 0 {
				normalized = 0
			}
			if normalized > 65535 {
				normalized = 65535
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(normalized)})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
