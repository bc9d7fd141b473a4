// Package geometry maps normalized oriented boxes to viewport pixels.
package geometry

import (
	"image/color"

	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

// Palette is cycled by detection order within one event.
var Palette = []color.RGBA{
	{R: 255, G: 35, B: 35, A: 255},  // Red
	{R: 35, G: 200, B: 35, A: 255},  // Green
	{R: 40, G: 110, B: 255, A: 255}, // Blue
	{R: 255, G: 200, B: 0, A: 255},  // Yellow
	{R: 255, G: 0, B: 255, A: 255},  // Magenta
	{R: 0, G: 220, B: 220, A: 255},  // Cyan
	{R: 255, G: 130, B: 0, A: 255},  // Orange
	{R: 150, G: 80, B: 255, A: 255}, // Violet
}

// ColorFor returns the render color of the i-th box of an event
func ColorFor(i int) color.RGBA {
	n := len(Palette)
	return Palette[((i%n)+n)%n]
}

// ToPolygon maps quad to a closed pixel polygon (first point repeated last).
// Callers pass the current viewport on every call; nothing is cached.
func ToPolygon(quad types.OrientedQuad, viewportW, viewportH float64, mirrorX bool) []types.Point {
	poly := make([]types.Point, 0, len(quad)+1)
	for _, p := range quad {
		x := p.X
		if mirrorX {
			x = 1 - x
		}
		poly = append(poly, types.Point{X: x * viewportW, Y: p.Y * viewportH})
	}
	return append(poly, poly[0])
}

// Overlay is one render-ready detected box.
type Overlay struct {
	Class       types.ToolClass `json:"class"`
	Probability float64         `json:"probability"`
	Polygon     []types.Point   `json:"polygon"`
	Color       color.RGBA      `json:"-"`
}

// Overlays maps every box of the snapshot for the given viewport.
func Overlays(s types.Snapshot, viewportW, viewportH float64, mirrorX bool) []Overlay {
	out := make([]Overlay, 0, len(s.Quads))
	for i, q := range s.Quads {
		ov := Overlay{
			Polygon: ToPolygon(q, viewportW, viewportH, mirrorX),
			Color:   ColorFor(i),
		}
		if i < len(s.Classes) {
			ov.Class = s.Classes[i]
		}
		if i < len(s.Probs) {
			ov.Probability = s.Probs[i]
		}
		out = append(out, ov)
	}
	return out
}
