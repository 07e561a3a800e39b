package fit

import "fmt"

// Profile names a predefined set of minimization options.
type Profile string

const (
	ProfileCoarse  Profile = "coarse"
	ProfileDefault Profile = "default"
	ProfileFine    Profile = "fine"
	ProfileCustom  Profile = "custom"
)

// Options configures the bounded quasi-Newton search.
type Options struct {
	// MaxIterations caps major optimizer iterations.
	MaxIterations int
	// MaxFunEvals caps cost-function evaluations.
	MaxFunEvals int
	// Ftol is the relative function-value convergence tolerance.
	Ftol float64
	// MaxCorrections is the limited-memory history size.
	MaxCorrections int
}

// Validate checks the option budgets.
func (o Options) Validate() error {
	if o.MaxIterations <= 0 || o.MaxFunEvals <= 0 {
		return fmt.Errorf("iteration budgets must be positive, got %d/%d", o.MaxIterations, o.MaxFunEvals)
	}
	if o.Ftol <= 0 {
		return fmt.Errorf("ftol must be positive, got %g", o.Ftol)
	}
	if o.MaxCorrections <= 0 {
		return fmt.Errorf("max corrections must be positive, got %d", o.MaxCorrections)
	}
	return nil
}

// profileOptions are the immutable option presets. Likelihood values are
// orders of magnitude bigger than chi-square values, so they get a smaller
// ftol.
var profileOptions = map[Profile]map[Cost]Options{
	ProfileCoarse: {
		CostML:   {MaxIterations: 10, MaxFunEvals: 200, Ftol: 1e-7, MaxCorrections: 10},
		CostChi2: {MaxIterations: 10, MaxFunEvals: 200, Ftol: 1e-6, MaxCorrections: 10},
	},
	ProfileDefault: {
		CostML:   {MaxIterations: 20, MaxFunEvals: 200, Ftol: 1e-9, MaxCorrections: 10},
		CostChi2: {MaxIterations: 20, MaxFunEvals: 300, Ftol: 1e-6, MaxCorrections: 10},
	},
	ProfileFine: {
		CostML:   {MaxIterations: 60, MaxFunEvals: 1200, Ftol: 1e-12, MaxCorrections: 10},
		CostChi2: {MaxIterations: 60, MaxFunEvals: 1200, Ftol: 1e-9, MaxCorrections: 10},
	},
}

// ProfileOptions returns the preset options for a profile and cost function.
func ProfileOptions(p Profile, c Cost) (Options, error) {
	if !c.Valid() {
		return Options{}, fmt.Errorf("unsupported cost function %q", c)
	}
	byCost, ok := profileOptions[p]
	if !ok {
		return Options{}, fmt.Errorf("profile must be coarse, default or fine, got %q", p)
	}
	return byCost[c], nil
}
