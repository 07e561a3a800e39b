// Package simtest provides in-memory sim collaborators for tests.
//
// The generator renders an analytic stand-in for a channeling pattern: each
// site contributes a normalized Gaussian peak at a fixed offset from the
// pattern centre, deformed by the requested rigid orientation and widened by
// the smoothing sigma. The model is smooth in every fit parameter, so
// recovery tests have a well-defined optimum.
package simtest

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/stat/distuv"

	"channelfit/internal/sim"
	"channelfit/pkg/grid"
)

const outOfRangeFloor = 1e-12

// Library is an in-memory sim.Library.
type Library struct {
	Sites []sim.SiteInfo
}

// SiteInfo implements sim.Library.
func (l *Library) SiteInfo(index int) (sim.SiteInfo, error) {
	if index < 0 || index >= len(l.Sites) {
		return sim.SiteInfo{}, fmt.Errorf("pattern index %d out of library range [0, %d)", index, len(l.Sites))
	}
	return l.Sites[index], nil
}

// NumSites implements sim.Library.
func (l *Library) NumSites() int { return len(l.Sites) }

// NewLibrary builds a library with n generic sites.
func NewLibrary(n int) *Library {
	lib := &Library{}
	for i := 0; i < n; i++ {
		lib.Sites = append(lib.Sites, sim.SiteInfo{
			Number:      i + 1,
			Description: fmt.Sprintf("test site %d", i+1),
			Factor:      1,
			U1:          0.05 * float64(i+1),
		})
	}
	return lib
}

// siteCenters fixes where each library site's peak sits in the undeformed
// frame. Offsets are asymmetric so that rotation is observable.
var siteCenters = []grid.Point{
	{X: 0.6, Y: 0.0},
	{X: -0.4, Y: 0.5},
	{X: 0.2, Y: -0.7},
	{X: -0.6, Y: -0.3},
}

// Generator is an analytic sim.Generator bound to one site selection.
type Generator struct {
	lib            *Library
	data           *grid.Pattern
	sites          []int
	subPixels      int
	maskOutOfRange bool
	stop           *sim.StopFlag

	// PeakWidth is the intrinsic width of each site peak before smoothing.
	PeakWidth float64
	// RangeLimit is the radius of the simulated range in the pattern frame.
	// Cells mapping outside it are out of simulated range.
	RangeLimit float64
	// Seed drives the stochastic rendering modes.
	Seed uint64
}

// Factory is a sim.Factory producing analytic generators.
type Factory struct {
	PeakWidth  float64
	RangeLimit float64
	Seed       uint64
}

// NewGenerator implements sim.Factory.
func (f *Factory) NewGenerator(lib sim.Library, data *grid.Pattern, sites []int, subPixels int, maskOutOfRange bool, stop *sim.StopFlag) (sim.Generator, error) {
	tl, ok := lib.(*Library)
	if !ok {
		return nil, fmt.Errorf("simtest factory needs a simtest library, got %T", lib)
	}
	for _, s := range sites {
		if err := sim.CheckIndex(lib, s); err != nil {
			return nil, err
		}
	}
	if subPixels < 1 {
		return nil, fmt.Errorf("sub pixels must be >= 1, got %d", subPixels)
	}
	g := &Generator{
		lib:            tl,
		data:           data,
		sites:          append([]int(nil), sites...),
		subPixels:      subPixels,
		maskOutOfRange: maskOutOfRange,
		stop:           stop,
		PeakWidth:      f.PeakWidth,
		RangeLimit:     f.RangeLimit,
		Seed:           f.Seed,
	}
	if g.PeakWidth <= 0 {
		g.PeakWidth = 0.3
	}
	if g.RangeLimit <= 0 {
		g.RangeLimit = math.Inf(1)
	}
	if g.Seed == 0 {
		g.Seed = 1
	}
	return g, nil
}

// sampleOffsets returns the in-cell sample offsets for sub-pixel
// integration: a subPixels x subPixels grid centered on the cell, spaced by
// the mesh pitch. One sample at the cell center when subPixels is 1.
func (g *Generator) sampleOffsets() []grid.Point {
	if g.subPixels <= 1 || g.data.Width < 2 {
		return []grid.Point{{}}
	}
	pitchX := (g.data.X[g.data.Len()-1] - g.data.X[0]) / float64(g.data.Width-1)
	pitchY := (g.data.Y[g.data.Len()-1] - g.data.Y[0]) / float64(g.data.Height-1)
	var offsets []grid.Point
	s := float64(g.subPixels)
	for iy := 0; iy < g.subPixels; iy++ {
		for ix := 0; ix < g.subPixels; ix++ {
			offsets = append(offsets, grid.Point{
				X: pitchX * ((float64(ix)+0.5)/s - 0.5),
				Y: pitchY * ((float64(iy)+0.5)/s - 0.5),
			})
		}
	}
	return offsets
}

// MakePattern implements sim.Generator.
func (g *Generator) MakePattern(dx, dy, phi float64, fractions []float64, totalEvents, sigma float64, mode sim.Mode) (*grid.Pattern, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown generation mode %q", mode)
	}
	if len(fractions) != len(g.sites)+1 {
		return nil, fmt.Errorf("got %d fractions for %d sites", len(fractions), len(g.sites))
	}

	orient := grid.Orientation{Dx: dx, Dy: dy, Phi: phi}
	width := math.Sqrt(g.PeakWidth*g.PeakWidth + sigma*sigma)

	out := g.data.Clone()
	for i := range out.Data {
		out.Data[i] = 0
	}
	if g.maskOutOfRange {
		// The mask reports exactly the out-of-range cells so callers can
		// separate range geometry from the measurement mask.
		out.Mask = make([]bool, out.Len())
	}

	// First pass: unnormalized per-site shapes over every in-range cell.
	// Only cells valid in the data contribute to the normalization. Each
	// cell is averaged over a subPixels x subPixels sample grid.
	n := g.data.Len()
	shapes := make([][]float64, len(g.sites))
	for si := range shapes {
		shapes[si] = make([]float64, n)
	}
	sums := make([]float64, len(g.sites))
	outOfRange := make([]bool, n)
	validCells := 0
	offsets := g.sampleOffsets()
	for c := 0; c < n; c++ {
		if c%g.data.Width == 0 && g.stop != nil && g.stop.Stopped() {
			return nil, sim.ErrStopped
		}
		p := orient.Apply(grid.Point{X: g.data.X[c], Y: g.data.Y[c]})
		if math.Hypot(p.X, p.Y) > g.RangeLimit {
			outOfRange[c] = true
			continue
		}
		if !g.data.Mask[c] {
			validCells++
		}
		for si := range g.sites {
			center := siteCenters[g.sites[si]%len(siteCenters)]
			var v float64
			for _, off := range offsets {
				q := orient.Apply(grid.Point{X: g.data.X[c] + off.X, Y: g.data.Y[c] + off.Y})
				ddx := q.X - center.X
				ddy := q.Y - center.Y
				v += math.Exp(-(ddx*ddx + ddy*ddy) / (2 * width * width))
			}
			v /= float64(len(offsets))
			shapes[si][c] = v
			if !g.data.Mask[c] {
				sums[si] += v
			}
		}
	}
	if validCells == 0 {
		return nil, fmt.Errorf("no valid cells in simulated range")
	}

	// Second pass: per-cell expectation of the superposed model.
	background := fractions[0]
	uniform := 1.0 / float64(validCells)
	for c := 0; c < n; c++ {
		if outOfRange[c] {
			if g.maskOutOfRange {
				out.Mask[c] = true
			} else {
				out.Data[c] = outOfRangeFloor
			}
			continue
		}
		q := background * uniform
		for si := range g.sites {
			if sums[si] > 0 {
				q += fractions[si+1] * shapes[si][c] / sums[si]
			}
		}
		switch mode {
		case sim.ModeYield:
			out.Data[c] = q * float64(validCells)
		default:
			out.Data[c] = q * totalEvents
		}
	}

	switch mode {
	case sim.ModeIdeal, sim.ModeYield:
		return out, nil
	case sim.ModePoisson:
		src := rand.NewSource(g.Seed)
		for c := 0; c < n; c++ {
			if out.Mask[c] || out.Data[c] <= 0 {
				continue
			}
			out.Data[c] = distuv.Poisson{Lambda: out.Data[c], Src: src}.Rand()
		}
		return out, nil
	case sim.ModeMonteCarlo:
		// Sample whole events into cells proportionally to the ideal pattern.
		src := rand.New(rand.NewSource(g.Seed))
		total := out.Sum()
		if total <= 0 {
			return out, nil
		}
		sampled := out.Clone()
		for i := range sampled.Data {
			sampled.Data[i] = 0
		}
		events := int(totalEvents)
		for e := 0; e < events; e++ {
			r := src.Float64() * total
			acc := 0.0
			for c := 0; c < n; c++ {
				if out.Mask[c] {
					continue
				}
				acc += out.Data[c]
				if r <= acc {
					sampled.Data[c]++
					break
				}
			}
		}
		return sampled, nil
	}
	return out, nil
}
