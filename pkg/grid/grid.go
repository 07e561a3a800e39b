// Package grid provides basic detector-grid types used throughout the application.
//
// A Pattern is a two-dimensional grid of event counts recorded by a
// position-sensitive detector, together with an aligned validity mask and
// per-cell angular coordinate meshes. The fitting core only ever reads a
// Pattern; derived grids are produced as copies.
package grid

import (
	"fmt"
	"math"
)

// Point represents a 2D point in detector angular coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Extent represents the coordinate range covered by a mesh.
type Extent struct {
	XMin, XMax float64
	YMin, YMax float64
}

// Contains returns true if the point lies inside the extent.
func (e Extent) Contains(p Point) bool {
	return p.X >= e.XMin && p.X <= e.XMax && p.Y >= e.YMin && p.Y <= e.YMax
}

// Pattern is a 2D count grid with a validity mask and coordinate meshes.
// Data, Mask, X and Y are row-major with length Width*Height. A true mask
// entry marks the cell as invalid (outside the measurement or fit region).
//
// Center and Angle are annotations set by whoever produced the pattern
// (typically a detected axis position); they seed default fit orientations.
type Pattern struct {
	Width  int
	Height int
	Data   []float64
	Mask   []bool
	X      []float64
	Y      []float64

	Center Point
	Angle  float64
}

// New creates a Pattern from row-major data, mask and coordinate meshes.
// Mask may be nil, in which case every cell is valid.
func New(width, height int, data []float64, mask []bool, x, y []float64) (*Pattern, error) {
	n := width * height
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid pattern size %dx%d", width, height)
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match %dx%d grid", len(data), width, height)
	}
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("mask length %d does not match %dx%d grid", len(mask), width, height)
	}
	if len(x) != n || len(y) != n {
		return nil, fmt.Errorf("mesh length %d/%d does not match %dx%d grid", len(x), len(y), width, height)
	}
	if mask == nil {
		mask = make([]bool, n)
	}
	return &Pattern{Width: width, Height: height, Data: data, Mask: mask, X: x, Y: y}, nil
}

// Len returns the number of cells.
func (p *Pattern) Len() int { return p.Width * p.Height }

// At returns the count at cell (ix, iy).
func (p *Pattern) At(ix, iy int) float64 { return p.Data[iy*p.Width+ix] }

// Masked returns true if cell (ix, iy) is invalid.
func (p *Pattern) Masked(ix, iy int) bool { return p.Mask[iy*p.Width+ix] }

// CoordAt returns the angular coordinates of cell (ix, iy).
func (p *Pattern) CoordAt(ix, iy int) Point {
	i := iy*p.Width + ix
	return Point{X: p.X[i], Y: p.Y[i]}
}

// Sum returns the total counts over valid cells.
func (p *Pattern) Sum() float64 {
	var total float64
	for i, v := range p.Data {
		if !p.Mask[i] {
			total += v
		}
	}
	return total
}

// SumAll returns the total counts over all cells, masked included.
func (p *Pattern) SumAll() float64 {
	var total float64
	for _, v := range p.Data {
		total += v
	}
	return total
}

// ValidCount returns the number of unmasked cells.
func (p *Pattern) ValidCount() int {
	n := 0
	for _, m := range p.Mask {
		if !m {
			n++
		}
	}
	return n
}

// Extent returns the bounding coordinate range of the mesh.
func (p *Pattern) Extent() Extent {
	if p.Len() == 0 {
		return Extent{}
	}
	e := Extent{XMin: p.X[0], XMax: p.X[0], YMin: p.Y[0], YMax: p.Y[0]}
	for i := 1; i < p.Len(); i++ {
		e.XMin = math.Min(e.XMin, p.X[i])
		e.XMax = math.Max(e.XMax, p.X[i])
		e.YMin = math.Min(e.YMin, p.Y[i])
		e.YMax = math.Max(e.YMax, p.Y[i])
	}
	return e
}

// Clone returns a deep copy of the pattern.
func (p *Pattern) Clone() *Pattern {
	c := &Pattern{
		Width:  p.Width,
		Height: p.Height,
		Data:   append([]float64(nil), p.Data...),
		Mask:   append([]bool(nil), p.Mask...),
		X:      append([]float64(nil), p.X...),
		Y:      append([]float64(nil), p.Y...),
		Center: p.Center,
		Angle:  p.Angle,
	}
	return c
}

// Scaled returns a copy with every count multiplied by factor.
// The mask and meshes are shared semantics-wise but copied for safety.
func (p *Pattern) Scaled(factor float64) *Pattern {
	c := p.Clone()
	for i := range c.Data {
		c.Data[i] *= factor
	}
	return c
}
