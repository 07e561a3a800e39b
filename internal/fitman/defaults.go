package fitman

import (
	"math"

	"channelfit/internal/fit"
	"channelfit/pkg/grid"
)

// Default per-parameter step scales. The total-counts scale is additionally
// multiplied by the data's order of magnitude for the chi-square cost.
var defaultScale = map[fit.Key]float64{
	fit.KeyDx:          0.01,
	fit.KeyDy:          0.01,
	fit.KeyPhi:         0.10,
	fit.KeyTotalCounts: 0.01,
	fit.KeySigma:       0.001,
}

const defaultFractionScale = 0.01

// ParameterKeys returns the canonical parameter keys for nSites site slots.
func ParameterKeys(nSites int) []fit.Key {
	keys := []fit.Key{fit.KeyDx, fit.KeyDy, fit.KeyPhi, fit.KeyTotalCounts, fit.KeySigma}
	for i := 0; i < nSites; i++ {
		keys = append(keys, fit.FractionKey(i))
	}
	return keys
}

// ComputeInitialValues resolves the initial value and fixed state of every
// parameter for a fit against data. User-fixed values win, then user initial
// values, then data-driven defaults: orientation from the pattern's detected
// center and angle, counts from its total (fixed), sigma 0.1 (fixed), and a
// small fraction split across sites.
func ComputeInitialValues(data *grid.Pattern, nSites int, fixedValues, initialValues map[fit.Key]float64) (p0 []float64, pFix []bool) {
	for _, key := range ParameterKeys(nSites) {
		if v, ok := fixedValues[key]; ok {
			p0 = append(p0, v)
			pFix = append(pFix, true)
			continue
		}
		if v, ok := initialValues[key]; ok {
			p0 = append(p0, v)
			pFix = append(pFix, false)
			continue
		}
		switch key {
		case fit.KeyDx:
			p0 = append(p0, data.Center.X)
			pFix = append(pFix, false)
		case fit.KeyDy:
			p0 = append(p0, data.Center.Y)
			pFix = append(pFix, false)
		case fit.KeyPhi:
			p0 = append(p0, data.Angle)
			pFix = append(pFix, false)
		case fit.KeyTotalCounts:
			p0 = append(p0, data.Sum())
			pFix = append(pFix, true)
		case fit.KeySigma:
			p0 = append(p0, 0.1)
			pFix = append(pFix, true)
		default: // a site fraction
			p0 = append(p0, math.Min(0.15, 0.5/float64(nSites)))
			pFix = append(pFix, false)
		}
	}
	return p0, pFix
}

// ComputeBounds resolves the box bounds for every parameter: orientation
// bounded by the mesh extent, fractions in [0,1], counts and sigma kept
// positive. Overrides win wholesale per key.
func ComputeBounds(data *grid.Pattern, nSites int, overrides map[fit.Key]fit.Bounds) map[fit.Key]fit.Bounds {
	bounds := map[fit.Key]fit.Bounds{
		fit.KeyDx:          fit.Bounded(-3, 3),
		fit.KeyDy:          fit.Bounded(-3, 3),
		fit.KeyPhi:         fit.Unbounded(),
		fit.KeyTotalCounts: fit.AtLeast(1),
		fit.KeySigma:       fit.AtLeast(0.01),
	}
	for i := 0; i < nSites; i++ {
		bounds[fit.FractionKey(i)] = fit.Bounded(0, 1)
	}
	if data != nil {
		e := data.Extent()
		bounds[fit.KeyDx] = fit.Bounded(round2(e.XMin), round2(e.XMax))
		bounds[fit.KeyDy] = fit.Bounded(round2(e.YMin), round2(e.YMax))
	}
	for _, key := range ParameterKeys(nSites) {
		if b, ok := overrides[key]; ok {
			bounds[key] = b
		}
	}
	return bounds
}

// ComputeScale resolves the per-parameter conditioning scales. For the
// chi-square cost the total-counts scale tracks the data's order of
// magnitude; for maximum likelihood total counts never enters the fit and
// keeps a sentinel scale.
func ComputeScale(data *grid.Pattern, nSites int, cost fit.Cost, overrides map[fit.Key]float64) map[fit.Key]float64 {
	scale := make(map[fit.Key]float64, nSites+5)
	for k, v := range defaultScale {
		scale[k] = v
	}
	for i := 0; i < nSites; i++ {
		scale[fit.FractionKey(i)] = defaultFractionScale
	}
	for _, key := range ParameterKeys(nSites) {
		if s, ok := overrides[key]; ok {
			scale[key] = s
		}
	}
	if cost == fit.CostChi2 {
		if data != nil {
			scale[fit.KeyTotalCounts] *= countsOrderOfMagnitude(data)
		}
	} else {
		scale[fit.KeyTotalCounts] = -1
	}
	return scale
}

// countsOrderOfMagnitude returns 10^floor(log10(total counts)), at least 1.
func countsOrderOfMagnitude(data *grid.Pattern) float64 {
	total := data.Sum()
	if total < 10 {
		return 1
	}
	return math.Pow(10, math.Floor(math.Log10(total)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
