// Package overlay draws detection polygons onto JPEG frames.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/aflt-toolscan/kit-verifier/internal/geometry"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

// Options controls rendering
type Options struct {
	Mirror      bool    // Flip the frame horizontally (preview orientation)
	StrokeWidth float32 // Outline width in pixels
	FillAlpha   uint8   // Polygon fill opacity, 0 disables fill
	Quality     int     // Output JPEG quality
}

// DefaultOptions matches the operator preview
func DefaultOptions() Options {
	return Options{Mirror: true, StrokeWidth: 3, FillAlpha: 48, Quality: 85}
}

// Render decodes frame, draws overlays and re-encodes it. Overlay polygons
// must already be mapped to the frame's pixel size with the same mirroring.
func Render(frame []byte, overlays []geometry.Overlay, opts Options) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Src)
	if opts.Mirror {
		mirror(dst)
	}

	Draw(dst, overlays, opts)

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultOptions().Quality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Draw fills and outlines every overlay polygon on dst
func Draw(dst *image.RGBA, overlays []geometry.Overlay, opts Options) {
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	if w == 0 || h == 0 {
		return
	}
	z := vector.NewRasterizer(w, h)

	for _, ov := range overlays {
		if len(ov.Polygon) < 3 {
			continue
		}
		if opts.FillAlpha > 0 {
			z.Reset(w, h)
			z.DrawOp = xdraw.Over
			tracePolygon(z, ov.Polygon)
			fill := color.NRGBA{R: ov.Color.R, G: ov.Color.G, B: ov.Color.B, A: opts.FillAlpha}
			z.Draw(dst, dst.Bounds(), image.NewUniform(fill), image.Point{})
		}
		if opts.StrokeWidth > 0 {
			stroke(z, dst, ov.Polygon, opts.StrokeWidth, ov.Color)
		}
	}
}

func tracePolygon(z *vector.Rasterizer, poly []types.Point) {
	z.MoveTo(float32(poly[0].X), float32(poly[0].Y))
	for _, p := range poly[1:] {
		z.LineTo(float32(p.X), float32(p.Y))
	}
	z.ClosePath()
}

// stroke draws each edge as its own thick quad so overlapping joints do not
// cancel out under the non-zero winding rule.
func stroke(z *vector.Rasterizer, dst *image.RGBA, poly []types.Point, width float32, c color.RGBA) {
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	src := image.NewUniform(c)
	half := float64(width) / 2

	for i := 0; i+1 < len(poly); i++ {
		a, b := poly[i], poly[i+1]
		dx, dy := b.X-a.X, b.Y-a.Y
		length := math.Hypot(dx, dy)
		if length == 0 {
			continue
		}
		// unit normal scaled to half the width, segment extended by half on both ends
		nx, ny := -dy/length*half, dx/length*half
		ex, ey := dx/length*half, dy/length*half

		z.Reset(w, h)
		z.DrawOp = xdraw.Over
		z.MoveTo(float32(a.X-ex+nx), float32(a.Y-ey+ny))
		z.LineTo(float32(b.X+ex+nx), float32(b.Y+ey+ny))
		z.LineTo(float32(b.X+ex-nx), float32(b.Y+ey-ny))
		z.LineTo(float32(a.X-ex-nx), float32(a.Y-ey-ny))
		z.ClosePath()
		z.Draw(dst, dst.Bounds(), src, image.Point{})
	}
}

func mirror(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Min.X, y)+b.Dx()*4]
		for l, r := 0, b.Dx()-1; l < r; l, r = l+1, r-1 {
			lo, ro := l*4, r*4
			for k := 0; k < 4; k++ {
				row[lo+k], row[ro+k] = row[ro+k], row[lo+k]
			}
		}
	}
}
