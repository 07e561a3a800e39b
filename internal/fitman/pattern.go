package fitman

import (
	"errors"
	"fmt"

	"channelfit/internal/fit"
	"channelfit/internal/sim"
	"channelfit/pkg/grid"
)

// Normalization selects how a retrieved pattern is rescaled.
type Normalization string

const (
	// NormNone returns the raw pattern.
	NormNone Normalization = "none"
	// NormCounts rescales to match the total observed counts.
	NormCounts Normalization = "counts"
	// NormYield rescales to match the total synthesized yield.
	NormYield Normalization = "yield"
	// NormProbability rescales to a per-cell probability.
	NormProbability Normalization = "probability"
)

// Which selects between the best and the most recent fit record.
type Which string

const (
	WhichBest Which = "best"
	WhichLast Which = "last"
)

// ErrNoFit reports that no fit record is available yet.
var ErrNoFit = errors.New("no fit has completed yet")

// patternSource tells the normalization which model produced a pattern: the
// likelihood model, the chi-square model, or the raw data.
type patternSource string

const (
	sourceData patternSource = "data"
	sourceChi2 patternSource = "chi2"
	sourceML   patternSource = "ml"
)

func (m *Manager) costSource() patternSource {
	if m.cfg.CostFunction == fit.CostML {
		return sourceML
	}
	return sourceChi2
}

func (m *Manager) record(which Which) (*FitRecord, error) {
	var rec *FitRecord
	switch which {
	case WhichBest:
		rec = m.best
	case WhichLast:
		rec = m.last
	default:
		return nil, fmt.Errorf("fit selector must be %q or %q, got %q", WhichBest, WhichLast, which)
	}
	if rec == nil || rec.Result == nil {
		return nil, ErrNoFit
	}
	return rec, nil
}

// normalizationFactor resolves the rescaling factor for a pattern of the
// given source. The yield normalization needs a fit record to synthesize the
// total yield from.
func (m *Manager) normalizationFactor(norm Normalization, source patternSource, rec *FitRecord) (float64, error) {
	totalCounts := m.data.Sum()
	switch norm {
	case NormNone, "":
		return 1, nil
	case NormCounts:
		if source == sourceML {
			return totalCounts, nil
		}
		return 1, nil
	case NormYield:
		if rec == nil {
			return 0, errors.New("yield normalization needs a completed fit")
		}
		yieldPattern, err := m.genPatternFromFit(rec, sim.ModeYield, false)
		if err != nil {
			return 0, fmt.Errorf("synthesizing yield pattern: %w", err)
		}
		totalYield := yieldPattern.Sum()
		if source == sourceML {
			return totalYield, nil
		}
		return totalYield / totalCounts, nil
	case NormProbability:
		if source == sourceML {
			return 1, nil
		}
		return 1 / totalCounts, nil
	default:
		return 0, fmt.Errorf("normalization must be none, counts, yield or probability, got %q", norm)
	}
}

// genPatternFromFit re-synthesizes a pattern at a record's fitted parameters.
// With rangeMask, the returned mask marks only out-of-simulated-range cells.
func (m *Manager) genPatternFromFit(rec *FitRecord, mode sim.Mode, rangeMask bool) (*grid.Pattern, error) {
	dx := rec.Params[fit.KeyDx].Value
	dy := rec.Params[fit.KeyDy].Value
	phi := rec.Params[fit.KeyPhi].Value
	sigma := rec.Params[fit.KeySigma].Value

	totalEvents := m.data.Sum()
	if m.cfg.CostFunction == fit.CostChi2 {
		totalEvents = rec.Params[fit.KeyTotalCounts].Value
	}

	siteFractions := make([]float64, 0, m.cfg.NSites)
	background := 1.0
	for i := 0; i < m.cfg.NSites; i++ {
		f := rec.Params[fit.FractionKey(i)].Value
		siteFractions = append(siteFractions, f)
		background -= f
	}
	fractions := append([]float64{background}, siteFractions...)

	gen, err := m.factory.NewGenerator(m.lib, m.data, rec.Sites, m.cfg.SubPixels, rangeMask, nil)
	if err != nil {
		return nil, err
	}
	return gen.MakePattern(dx, dy, phi, fractions, totalEvents, sigma, mode)
}

// PatternFromFit returns the synthetic pattern of the selected fit under the
// requested normalization.
func (m *Manager) PatternFromFit(which Which, norm Normalization) (*grid.Pattern, error) {
	rec, err := m.record(which)
	if err != nil {
		return nil, err
	}
	factor, err := m.normalizationFactor(norm, m.costSource(), rec)
	if err != nil {
		return nil, err
	}
	return rec.SimPattern.Scaled(factor), nil
}

// PatternFromBestFit returns the best fit's synthetic pattern.
func (m *Manager) PatternFromBestFit(norm Normalization) (*grid.Pattern, error) {
	return m.PatternFromFit(WhichBest, norm)
}

// PatternFromLastFit returns the most recent fit's synthetic pattern.
func (m *Manager) PatternFromLastFit(norm Normalization) (*grid.Pattern, error) {
	return m.PatternFromFit(WhichLast, norm)
}

// DataPattern returns a copy of the measured pattern under the requested
// normalization. When substitute is a valid rendering mode, masked cells that
// are inside the simulated range are replaced by the selected fit's model
// values and the mask is cleared.
func (m *Manager) DataPattern(norm Normalization, substitute sim.Mode, which Which) (*grid.Pattern, error) {
	if m.data == nil {
		return nil, ErrNoPattern
	}
	out := m.data.Clone()

	var rec *FitRecord
	if m.best != nil || m.last != nil {
		r, err := m.record(which)
		if err != nil && !errors.Is(err, ErrNoFit) {
			return nil, err
		}
		rec = r
	}

	if substitute != "" {
		if rec == nil {
			return nil, fmt.Errorf("masked-cell substitution needs a completed fit: %w", ErrNoFit)
		}
		sp, err := m.genPatternFromFit(rec, substitute, true)
		if err != nil {
			return nil, fmt.Errorf("synthesizing substitution pattern: %w", err)
		}
		for i := range out.Data {
			if out.Mask[i] && !sp.Mask[i] {
				out.Data[i] = sp.Data[i]
				out.Mask[i] = false
			}
		}
	}

	factor, err := m.normalizationFactor(norm, sourceData, rec)
	if err != nil {
		return nil, err
	}
	return out.Scaled(factor), nil
}
