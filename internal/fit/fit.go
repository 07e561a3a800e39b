package fit

import (
	"errors"
	"fmt"
	"math"

	"channelfit/internal/sim"
	"channelfit/pkg/grid"
)

// Cost selects the cost function minimized by a fit.
type Cost string

const (
	// CostChi2 is the Pearson chi-square statistic.
	CostChi2 Cost = "chi2"
	// CostML is the Poisson negative log-likelihood. The model is treated as
	// a per-cell probability density, so total counts is never free.
	CostML Cost = "ml"
)

// Valid reports whether c names a supported cost function.
func (c Cost) Valid() bool { return c == CostChi2 || c == CostML }

// syntheticFloor guards the chi-square division and the likelihood log
// against synthetic cells that evaluate to exactly zero. It matches the
// substitution value generators use for out-of-range cells.
const syntheticFloor = 1e-12

// Observer is invoked with the synthetic pattern after each cost evaluation.
// It must not modify the pattern; it exists for live visualization and is
// skipped entirely when nil.
type Observer func(*grid.Pattern)

// Fit couples one parameter registry with one data pattern, one site
// selection and one pattern generator, and evaluates the configured cost
// function over reduced parameter vectors.
type Fit struct {
	Params *Registry

	cost     Cost
	data     *grid.Pattern
	sites    []int
	gen      sim.Generator
	observer Observer

	simPattern *grid.Pattern
	evalErr    error
	result     *Result
}

// NewFit builds a Fit bound to a site selection. The registry must have
// exactly len(sites) site slots.
func NewFit(cost Cost, params *Registry, data *grid.Pattern, sites []int, gen sim.Generator) (*Fit, error) {
	if !cost.Valid() {
		return nil, fmt.Errorf("unsupported cost function %q", cost)
	}
	if params.NSites() != len(sites) {
		return nil, fmt.Errorf("site selection has %d entries for %d slots", len(sites), params.NSites())
	}
	if data == nil || gen == nil {
		return nil, errors.New("fit needs a data pattern and a generator")
	}
	if cost == CostML {
		// The likelihood model normalizes automatically.
		if err := params.Fix(KeyTotalCounts, true); err != nil {
			return nil, err
		}
	}
	return &Fit{cost: cost, Params: params, data: data, sites: append([]int(nil), sites...), gen: gen}, nil
}

// Cost returns the configured cost function.
func (f *Fit) Cost() Cost { return f.cost }

// Sites returns the site selection this fit is bound to.
func (f *Fit) Sites() []int { return append([]int(nil), f.sites...) }

// SetObserver installs a callback receiving the synthetic pattern after each
// evaluation.
func (f *Fit) SetObserver(obs Observer) { f.observer = obs }

// SimPattern returns the synthetic pattern of the most recent evaluation.
func (f *Fit) SimPattern() *grid.Pattern { return f.simPattern }

// Result returns the outcome of the last minimization, or nil.
func (f *Fit) Result() *Result { return f.result }

// DOF returns the fit's degrees of freedom: valid data cells minus free
// parameters.
func (f *Fit) DOF() int {
	return f.data.ValidCount() - f.Params.FreeCount()
}

// Evaluate scores a reduced parameter vector. When scaled is true each free
// entry of v is in the optimizer's scaled space and is multiplied by its
// parameter scale before use.
func (f *Fit) Evaluate(v []float64, scaled bool) (float64, error) {
	full := f.Params.Reconstruct(v, scaled)
	dx, dy, phi := full[0], full[1], full[2]
	totalCounts := full[3]
	sigma := full[4]

	// Split out the fractions of active slots; the implied background
	// fraction is whatever they leave over. It is deliberately not clamped:
	// the configured bounds are responsible for keeping it non-negative.
	var siteFractions []float64
	for slot := 0; slot < f.Params.NSites(); slot++ {
		if f.Params.SiteActive(slot) {
			siteFractions = append(siteFractions, full[5+slot])
		}
	}
	background := 1.0
	for _, fr := range siteFractions {
		background -= fr
	}
	fractions := append([]float64{background}, siteFractions...)

	if f.cost == CostML {
		totalCounts = 1
	}

	sp, err := f.gen.MakePattern(dx, dy, phi, fractions, totalCounts, sigma, sim.ModeIdeal)
	if err != nil {
		return 0, fmt.Errorf("pattern synthesis failed: %w", err)
	}
	f.simPattern = sp

	var score float64
	switch f.cost {
	case CostChi2:
		score = f.chiSquare(sp)
	case CostML:
		score = f.negLogLikelihood(sp)
	}

	if f.observer != nil {
		f.observer(sp)
	}
	return score, nil
}

// chiSquare is the Pearson statistic over valid cells, with the synthetic
// value floored to keep the division defined.
func (f *Fit) chiSquare(sp *grid.Pattern) float64 {
	var chi2 float64
	for i, obs := range f.data.Data {
		if f.data.Mask[i] || sp.Mask[i] {
			continue
		}
		s := math.Abs(sp.Data[i])
		if s < syntheticFloor {
			s = syntheticFloor
		}
		d := obs - sp.Data[i]
		chi2 += d * d / s
	}
	return chi2
}

// negLogLikelihood is -sum(observed * log(probability)) over valid cells.
func (f *Fit) negLogLikelihood(sp *grid.Pattern) float64 {
	var ll float64
	for i, obs := range f.data.Data {
		if f.data.Mask[i] || sp.Mask[i] {
			continue
		}
		p := sp.Data[i]
		if p < syntheticFloor {
			p = syntheticFloor
		}
		ll += obs * math.Log(p)
	}
	return -ll
}

// objective adapts Evaluate to an error-free closure for the optimizer,
// latching the first synthesis error and pushing the iterate away with +Inf.
func (f *Fit) objective(scaled bool) func([]float64) float64 {
	return func(v []float64) float64 {
		score, err := f.Evaluate(v, scaled)
		if err != nil {
			if f.evalErr == nil {
				f.evalErr = err
			}
			return math.Inf(1)
		}
		return score
	}
}
