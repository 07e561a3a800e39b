package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
)

// Result is the immutable outcome of one minimization.
type Result struct {
	// Cost is the cost-function value at termination.
	Cost float64
	// Success reports whether the search converged.
	Success bool
	// Status is the optimizer's termination status.
	Status string
	// X is the solution reduced vector, in scaled space.
	X []float64
	// Gradient is the scaled-space cost gradient at termination.
	Gradient []float64
	// OrientationGrad is the gradient restricted to the free orientation
	// parameters (dx, dy, phi); its norm is the convergence diagnostic.
	OrientationGrad []float64
	// Iterations and FuncEvals are the consumed budgets.
	Iterations int
	FuncEvals  int
	// DOF is valid data cells minus free parameters.
	DOF int
}

// OrientationGradNorm returns the Euclidean norm of OrientationGrad.
func (r *Result) OrientationGradNorm() float64 {
	var s float64
	for _, g := range r.OrientationGrad {
		s += g * g
	}
	return math.Sqrt(s)
}

// boundTransform maps between the optimizer's unbounded search space and the
// box-constrained scaled parameter space, giving L-BFGS-B semantics over an
// unconstrained limited-memory quasi-Newton method. Two-sided bounds use the
// sine transform, one-sided bounds the hyperbolic one.
type boundTransform struct {
	bounds []Bounds
}

func (t boundTransform) toBounded(u []float64) []float64 {
	x := make([]float64, len(u))
	for i, b := range t.bounds {
		switch {
		case b.HasLower && b.HasUpper:
			if b.Upper == b.Lower {
				x[i] = b.Lower
				break
			}
			x[i] = b.Lower + (b.Upper-b.Lower)*(math.Sin(u[i])+1)/2
		case b.HasLower:
			x[i] = b.Lower - 1 + math.Sqrt(u[i]*u[i]+1)
		case b.HasUpper:
			x[i] = b.Upper + 1 - math.Sqrt(u[i]*u[i]+1)
		default:
			x[i] = u[i]
		}
	}
	return x
}

func (t boundTransform) toUnbounded(x []float64) []float64 {
	u := make([]float64, len(x))
	for i, b := range t.bounds {
		v := b.Clamp(x[i])
		switch {
		case b.HasLower && b.HasUpper:
			if b.Upper == b.Lower {
				u[i] = 0
				break
			}
			arg := 2*(v-b.Lower)/(b.Upper-b.Lower) - 1
			u[i] = math.Asin(math.Max(-1, math.Min(1, arg)))
		case b.HasLower:
			d := v - b.Lower + 1
			u[i] = math.Sqrt(math.Max(0, d*d-1))
		case b.HasUpper:
			d := b.Upper - v + 1
			u[i] = math.Sqrt(math.Max(0, d*d-1))
		default:
			u[i] = v
		}
	}
	return u
}

// Minimize runs the bounded quasi-Newton search over the free, scaled
// parameters and writes fitted values back into the registry. Non-convergence
// is not an error: it is surfaced as Success=false on the Result. Errors are
// reserved for synthesis failures and invalid configuration.
func (f *Fit) Minimize(opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if f.Params.FreeCount() == 0 {
		return nil, errors.New("no free parameters to fit")
	}

	p0 := f.Params.ReducedVector()
	transform := boundTransform{bounds: f.Params.ScaledBounds()}
	u0 := transform.toUnbounded(p0)

	f.evalErr = nil
	cost := f.objective(true)
	objective := func(u []float64) float64 {
		return cost(transform.toBounded(u))
	}

	problem := optimize.Problem{
		Func: objective,
		Grad: func(grad, u []float64) {
			fd.Gradient(grad, objective, u, &fd.Settings{Formula: fd.Central})
		},
	}
	method := &optimize.LBFGS{Store: opts.MaxCorrections}
	settings := &optimize.Settings{
		MajorIterations: opts.MaxIterations,
		FuncEvaluations: opts.MaxFunEvals,
		Converger: &optimize.FunctionConverge{
			Relative:   opts.Ftol,
			Absolute:   opts.Ftol,
			Iterations: 3,
		},
	}

	res, optErr := optimize.Minimize(problem, u0, settings, method)
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	if res == nil {
		return nil, fmt.Errorf("minimization failed: %w", optErr)
	}

	x := transform.toBounded(res.X)
	f.Params.writeBack(x)

	gradient := make([]float64, len(x))
	fd.Gradient(gradient, cost, x, &fd.Settings{Formula: fd.Central})
	if f.evalErr != nil {
		return nil, f.evalErr
	}

	result := &Result{
		Cost:       res.F,
		Status:     res.Status.String(),
		X:          x,
		Gradient:   gradient,
		Iterations: res.Stats.MajorIterations,
		FuncEvals:  res.Stats.FuncEvaluations,
		DOF:        f.DOF(),
	}
	for i, k := range f.Params.FreeKeys() {
		if k == KeyDx || k == KeyDy || k == KeyPhi {
			result.OrientationGrad = append(result.OrientationGrad, gradient[i])
		}
	}

	switch res.Status {
	case optimize.GradientThreshold, optimize.FunctionConvergence,
		optimize.StepConvergence, optimize.MethodConverge, optimize.Success:
		result.Success = optErr == nil
	default:
		result.Success = false
	}
	if optErr != nil {
		result.Status = fmt.Sprintf("%s: %v", result.Status, optErr)
	}

	f.result = result
	return result, nil
}
