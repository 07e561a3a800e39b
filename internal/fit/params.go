// Package fit implements the parameter-driven optimization engine: a typed
// parameter registry, chi-square and maximum-likelihood cost evaluators, the
// bounded quasi-Newton driver and the Hessian-based uncertainty estimator.
package fit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Key identifies a fit parameter. The canonical ordering used for vector
// flattening is dx, dy, phi, total_cts, sigma, then one fraction per site.
type Key string

const (
	KeyDx          Key = "dx"
	KeyDy          Key = "dy"
	KeyPhi         Key = "phi"
	KeyTotalCounts Key = "total_cts"
	KeySigma       Key = "sigma"
)

// FractionKey returns the key of the site fraction for slot (0-based).
func FractionKey(slot int) Key {
	return Key("f_p" + strconv.Itoa(slot+1))
}

// fractionSlot returns the 0-based site slot of a fraction key, or -1.
func fractionSlot(k Key) int {
	s, ok := strings.CutPrefix(string(k), "f_p")
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return -1
	}
	return n - 1
}

// Registry errors.
var (
	ErrUnknownParameter = errors.New("unknown parameter key")
	ErrZeroScale        = errors.New("parameter scale must be non-zero")
	ErrBadBounds        = errors.New("malformed parameter bounds")
)

// Bounds is an optionally one- or two-sided box constraint.
type Bounds struct {
	Lower, Upper       float64
	HasLower, HasUpper bool
}

// Unbounded returns bounds with no constraint.
func Unbounded() Bounds { return Bounds{} }

// Bounded returns two-sided bounds [lo, hi].
func Bounded(lo, hi float64) Bounds {
	return Bounds{Lower: lo, Upper: hi, HasLower: true, HasUpper: true}
}

// AtLeast returns a lower-only bound.
func AtLeast(lo float64) Bounds { return Bounds{Lower: lo, HasLower: true} }

// AtMost returns an upper-only bound.
func AtMost(hi float64) Bounds { return Bounds{Upper: hi, HasUpper: true} }

// Validate checks that the bounds describe a non-empty interval.
func (b Bounds) Validate() error {
	if b.HasLower && b.HasUpper && b.Lower > b.Upper {
		return fmt.Errorf("%w: lower %g > upper %g", ErrBadBounds, b.Lower, b.Upper)
	}
	return nil
}

// Clamp returns v limited to the bounds.
func (b Bounds) Clamp(v float64) float64 {
	if b.HasLower && v < b.Lower {
		v = b.Lower
	}
	if b.HasUpper && v > b.Upper {
		v = b.Upper
	}
	return v
}

// scaled returns the bounds expressed in the optimizer's scaled space.
// A negative scale flips the interval.
func (b Bounds) scaled(scale float64) Bounds {
	s := Bounds{
		Lower: b.Lower / scale, HasLower: b.HasLower,
		Upper: b.Upper / scale, HasUpper: b.HasUpper,
	}
	if scale < 0 {
		s.Lower, s.Upper = s.Upper, s.Lower
		s.HasLower, s.HasUpper = s.HasUpper, s.HasLower
	}
	return s
}

// Parameter is one entry of the registry: initial value, free/fixed state,
// numeric conditioning scale, box bounds, and the fit outputs.
type Parameter struct {
	Initial   float64
	Free      bool
	Scale     float64
	Bounds    Bounds
	Value     float64
	StdErr    float64
	HasStdErr bool
}

// Registry is the ordered collection of fit parameters. The order of Keys is
// the canonical flattening order; exactly the free parameters participate in
// the optimizer's reduced vector.
type Registry struct {
	order  []Key
	params map[Key]*Parameter
	active []bool // per site slot; an inactive site cannot have a free fraction
}

// NewRegistry creates a registry for nSites site slots with the default
// parameter configuration: orientation free, counts and sigma fixed,
// fractions free, near-unit scales and physically sensible bounds.
func NewRegistry(nSites int) (*Registry, error) {
	if nSites < 1 {
		return nil, fmt.Errorf("need at least one site slot, got %d", nSites)
	}
	r := &Registry{
		params: make(map[Key]*Parameter),
		active: make([]bool, nSites),
	}
	add := func(k Key, p Parameter) {
		r.order = append(r.order, k)
		cp := p
		r.params[k] = &cp
	}
	add(KeyDx, Parameter{Free: true, Scale: 1, Bounds: Bounded(-3, 3)})
	add(KeyDy, Parameter{Free: true, Scale: 1, Bounds: Bounded(-3, 3)})
	add(KeyPhi, Parameter{Free: true, Scale: 1, Bounds: Unbounded()})
	add(KeyTotalCounts, Parameter{Free: false, Scale: 1, Bounds: AtLeast(1)})
	add(KeySigma, Parameter{Free: false, Scale: 1, Bounds: AtLeast(0.01)})
	for i := 0; i < nSites; i++ {
		r.active[i] = true
		add(FractionKey(i), Parameter{Free: true, Scale: 1, Bounds: Bounded(0, 1)})
	}
	return r, nil
}

// NSites returns the number of site slots.
func (r *Registry) NSites() int { return len(r.active) }

// Keys returns the parameter keys in canonical order.
func (r *Registry) Keys() []Key { return append([]Key(nil), r.order...) }

func (r *Registry) get(k Key) (*Parameter, error) {
	p, ok := r.params[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, k)
	}
	return p, nil
}

// Get returns a copy of the named parameter.
func (r *Registry) Get(k Key) (Parameter, error) {
	p, err := r.get(k)
	if err != nil {
		return Parameter{}, err
	}
	return *p, nil
}

// ValueOf returns the parameter's fitted value (or its initial value before
// any fit wrote one back).
func (r *Registry) ValueOf(k Key) (float64, error) {
	p, err := r.get(k)
	if err != nil {
		return 0, err
	}
	return p.Value, nil
}

// SetInitial sets a parameter's initial value.
func (r *Registry) SetInitial(k Key, v float64) error {
	p, err := r.get(k)
	if err != nil {
		return err
	}
	p.Initial = v
	p.Value = v
	return nil
}

// SetScale sets a parameter's numeric conditioning scale. Zero is rejected;
// the scale has no physical meaning.
func (r *Registry) SetScale(k Key, scale float64) error {
	p, err := r.get(k)
	if err != nil {
		return err
	}
	if scale == 0 {
		return fmt.Errorf("%s: %w", k, ErrZeroScale)
	}
	p.Scale = scale
	return nil
}

// SetBounds sets a parameter's box bounds.
func (r *Registry) SetBounds(k Key, b Bounds) error {
	p, err := r.get(k)
	if err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%s: %w", k, err)
	}
	p.Bounds = b
	return nil
}

// Fix fixes or frees a parameter. Freeing the fraction of a site slot that is
// not active is refused silently: a site not in play cannot have a free
// fraction.
func (r *Registry) Fix(k Key, fixed bool) error {
	p, err := r.get(k)
	if err != nil {
		return err
	}
	if slot := fractionSlot(k); slot >= 0 && slot < len(r.active) && !r.active[slot] {
		p.Free = false
		return nil
	}
	p.Free = !fixed
	return nil
}

// SetSiteActive marks a site slot as participating in the fit. Deactivating
// a slot forces its fraction fixed.
func (r *Registry) SetSiteActive(slot int, active bool) error {
	if slot < 0 || slot >= len(r.active) {
		return fmt.Errorf("site slot %d out of range [0, %d)", slot, len(r.active))
	}
	r.active[slot] = active
	if !active {
		r.params[FractionKey(slot)].Free = false
	}
	return nil
}

// SiteActive reports whether a site slot participates in the fit.
func (r *Registry) SiteActive(slot int) bool { return r.active[slot] }

// FreeKeys returns the keys of the free parameters in canonical order.
func (r *Registry) FreeKeys() []Key {
	var keys []Key
	for _, k := range r.order {
		if r.params[k].Free {
			keys = append(keys, k)
		}
	}
	return keys
}

// FreeCount returns the length of the reduced vector.
func (r *Registry) FreeCount() int { return len(r.FreeKeys()) }

// ReducedVector returns the initial reduced vector: each free parameter's
// initial value divided by its scale, in canonical order.
func (r *Registry) ReducedVector() []float64 {
	var v []float64
	for _, k := range r.order {
		if p := r.params[k]; p.Free {
			v = append(v, p.Initial/p.Scale)
		}
	}
	return v
}

// ScaledBounds returns the free parameters' bounds in scaled space, aligned
// with ReducedVector.
func (r *Registry) ScaledBounds() []Bounds {
	var b []Bounds
	for _, k := range r.order {
		if p := r.params[k]; p.Free {
			b = append(b, p.Bounds.scaled(p.Scale))
		}
	}
	return b
}

// Reconstruct expands a reduced vector to the full physical parameter tuple
// in canonical order. Free entries become v[i]*scale[i] when scaled is true
// (v[i] as-is otherwise); fixed entries fall back to their initial value.
func (r *Registry) Reconstruct(v []float64, scaled bool) []float64 {
	full := make([]float64, 0, len(r.order))
	i := 0
	for _, k := range r.order {
		p := r.params[k]
		if p.Free {
			x := v[i]
			if scaled {
				x *= p.Scale
			}
			full = append(full, x)
			i++
		} else {
			full = append(full, p.Initial)
		}
	}
	return full
}

// writeBack stores the optimizer's solution: each free coordinate multiplied
// by its scale becomes the fitted value, fixed parameters keep their initial
// value.
func (r *Registry) writeBack(x []float64) {
	i := 0
	for _, k := range r.order {
		p := r.params[k]
		if p.Free {
			p.Value = x[i] * p.Scale
			i++
		} else {
			p.Value = p.Initial
		}
	}
}

// setStdErr stores the standard errors of the free parameters, aligned with
// the reduced vector.
func (r *Registry) setStdErr(std []float64) {
	i := 0
	for _, k := range r.order {
		p := r.params[k]
		if p.Free {
			p.StdErr = std[i]
			p.HasStdErr = true
			i++
		}
	}
}

// Snapshot returns an immutable copy of the registry's parameters.
func (r *Registry) Snapshot() map[Key]Parameter {
	m := make(map[Key]Parameter, len(r.order))
	for k, p := range r.params {
		m[k] = *p
	}
	return m
}
