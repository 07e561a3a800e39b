// Package colormap provides shared color utilities for rendering count grids.
package colormap

import (
	"image/color"
	"math"
)

// Common colors used for annotations on rendered patterns.
var (
	Black = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Gray  = color.RGBA{R: 128, G: 128, B: 128, A: 255}
)

// Heat maps a normalized value in [0, 1] to a blue-green-yellow-red heat color.
// Values outside the range are clamped.
func Heat(v float64) color.RGBA {
	if math.IsNaN(v) {
		return Gray
	}
	v = math.Max(0, math.Min(1, v))

	// Piecewise linear ramp: blue -> cyan -> green -> yellow -> red.
	var r, g, b float64
	switch {
	case v < 0.25:
		t := v / 0.25
		r, g, b = 0, t, 1
	case v < 0.5:
		t := (v - 0.25) / 0.25
		r, g, b = 0, 1, 1-t
	case v < 0.75:
		t := (v - 0.5) / 0.25
		r, g, b = t, 1, 0
	default:
		t := (v - 0.75) / 0.25
		r, g, b = 1, 1-t, 0
	}
	return color.RGBA{
		R: uint8(r*255 + 0.5),
		G: uint8(g*255 + 0.5),
		B: uint8(b*255 + 0.5),
		A: 255,
	}
}

// Diverging maps a value in [-1, 1] to a blue-white-red diverging color,
// used for residual (sim minus data) views.
func Diverging(v float64) color.RGBA {
	if math.IsNaN(v) {
		return Gray
	}
	v = math.Max(-1, math.Min(1, v))
	if v < 0 {
		t := 1 + v // 0 at -1, 1 at 0
		return color.RGBA{R: uint8(t*255 + 0.5), G: uint8(t*255 + 0.5), B: 255, A: 255}
	}
	t := 1 - v
	return color.RGBA{R: 255, G: uint8(t*255 + 0.5), B: uint8(t*255 + 0.5), A: 255}
}
