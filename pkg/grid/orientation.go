package grid

import "math"

// Orientation is a rigid transform applied to a simulated pattern before it
// is compared against measured data: a translation (Dx, Dy) in detector
// angular units and a rotation Phi in degrees about the pattern centre.
type Orientation struct {
	Dx  float64 `json:"dx"`
	Dy  float64 `json:"dy"`
	Phi float64 `json:"phi"`
}

// Apply maps a detector coordinate into the simulated pattern's frame:
// translate by (-Dx, -Dy), then rotate by -Phi.
func (o Orientation) Apply(p Point) Point {
	rad := -o.Phi * math.Pi / 180
	cos := math.Cos(rad)
	sin := math.Sin(rad)
	x := p.X - o.Dx
	y := p.Y - o.Dy
	return Point{
		X: cos*x - sin*y,
		Y: sin*x + cos*y,
	}
}

// Inverse returns the orientation that undoes o.
func (o Orientation) Inverse() Orientation {
	rad := o.Phi * math.Pi / 180
	cos := math.Cos(rad)
	sin := math.Sin(rad)
	return Orientation{
		Dx:  -(cos*o.Dx + sin*o.Dy),
		Dy:  -(-sin*o.Dx + cos*o.Dy),
		Phi: -o.Phi,
	}
}
