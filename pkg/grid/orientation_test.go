package grid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrientationIdentity(t *testing.T) {
	o := Orientation{}
	p := o.Apply(Point{X: 0.3, Y: -0.7})
	require.InDelta(t, 0.3, p.X, 1e-12)
	require.InDelta(t, -0.7, p.Y, 1e-12)
}

func TestOrientationTranslation(t *testing.T) {
	o := Orientation{Dx: 0.5, Dy: -0.25}
	p := o.Apply(Point{X: 0.5, Y: -0.25})
	require.InDelta(t, 0, p.X, 1e-12)
	require.InDelta(t, 0, p.Y, 1e-12)
}

func TestOrientationRotation(t *testing.T) {
	// A pure 90 degree rotation maps the +x axis onto -y in the pattern frame.
	o := Orientation{Phi: 90}
	p := o.Apply(Point{X: 1, Y: 0})
	require.InDelta(t, 0, p.X, 1e-12)
	require.InDelta(t, -1, p.Y, 1e-12)
}

func TestOrientationInverseRoundTrip(t *testing.T) {
	cases := []Orientation{
		{},
		{Dx: 0.1, Dy: -0.2, Phi: 3},
		{Dx: -1.5, Dy: 0.75, Phi: -120},
		{Phi: 45},
	}
	for _, o := range cases {
		inv := o.Inverse()
		for _, start := range []Point{{X: 0.4, Y: 0.9}, {X: -1, Y: 2}, {}} {
			p := inv.Apply(o.Apply(start))
			require.InDelta(t, start.X, p.X, 1e-12, "orientation %+v", o)
			require.InDelta(t, start.Y, p.Y, 1e-12, "orientation %+v", o)
		}
	}
}
