package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// ErrSingularHessian is returned when the numeric Hessian at the optimum
// cannot be inverted, typically because a parameter is degenerate or the fit
// sits on a bound.
var ErrSingularHessian = errors.New("singular hessian")

// StdFromHessian estimates the standard errors of the free parameters from
// the curvature of the cost function at x (a reduced vector, in scaled space
// when scaled is true, matching the space the minimizer searched).
//
// The Hessian is computed by central differences. For the likelihood cost it
// is inverted directly; for chi-square, 0.5 x Hessian is inverted, the
// least-squares-to-quadratic-form correction. Standard errors are the square
// roots of the inverse's diagonal, rescaled back to physical units, and are
// stored into the registry.
func (f *Fit) StdFromHessian(x []float64, scaled bool) ([]float64, error) {
	if len(x) != f.Params.FreeCount() {
		return nil, fmt.Errorf("reduced vector has %d entries for %d free parameters", len(x), f.Params.FreeCount())
	}

	f.evalErr = nil
	hess := mat.NewSymDense(len(x), nil)
	fd.Hessian(hess, f.objective(scaled), x, &fd.Settings{Formula: fd.Central2nd})
	if f.evalErr != nil {
		return nil, f.evalErr
	}

	n := len(x)
	h := mat.NewDense(n, n, nil)
	factor := 1.0
	if f.cost == CostChi2 {
		factor = 0.5
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			h.Set(i, j, factor*hess.At(i, j))
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(h); err != nil {
		// A Condition error is a warning about conditioning, not a failure.
		if _, ok := err.(mat.Condition); !ok {
			return nil, fmt.Errorf("%w: %v", ErrSingularHessian, err)
		}
	}

	std := make([]float64, n)
	freeKeys := f.Params.FreeKeys()
	for i := 0; i < n; i++ {
		variance := inv.At(i, i)
		if !(variance >= 0) || math.IsInf(variance, 0) {
			return nil, fmt.Errorf("%w: non-positive curvature for %q", ErrSingularHessian, freeKeys[i])
		}
		std[i] = math.Sqrt(variance)
		if scaled {
			p, err := f.Params.Get(freeKeys[i])
			if err != nil {
				return nil, err
			}
			std[i] *= math.Abs(p.Scale)
		}
	}

	f.Params.setStdErr(std)
	return std, nil
}
