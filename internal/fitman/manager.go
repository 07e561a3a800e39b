// Package fitman orchestrates multi-site fits: it enumerates candidate site
// combinations, runs one bounded minimization per combination, tracks the
// best and most recent results and assembles the tabular output.
package fitman

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"channelfit/internal/fit"
	"channelfit/internal/sim"
	"channelfit/internal/version"
	"channelfit/pkg/grid"
)

// passResultsOffset is added to seeded initial values so a fit never starts
// exactly on the previous optimum.
const passResultsOffset = 1e-5

// ErrOutOfRange reports that part of the data pattern maps outside the
// simulated range at the initial orientation. It is a warning: a sweep may
// proceed, flagged.
var ErrOutOfRange = errors.New("data pattern is not inside the simulated range")

// ErrNoPattern reports that the manager has no data pattern configured.
var ErrNoPattern = errors.New("data pattern is not set")

// Config fixes a manager's cost function, number of site slots and the
// sub-pixel integration factor handed to the pattern generator.
type Config struct {
	CostFunction fit.Cost
	NSites       int
	SubPixels    int
}

// RunOptions tunes one sweep.
type RunOptions struct {
	// PassResults seeds each fit's initial values from the previous
	// successful fit, nudged by a small offset.
	PassResults bool
	// GetErrors runs the Hessian-based error estimator after each fit.
	GetErrors bool
	// Observer receives every synthetic pattern evaluated during the sweep.
	Observer fit.Observer
}

// FitRecord is the retained outcome of one combination: an immutable
// snapshot of the registry, the minimization result and the last synthetic
// pattern. Err is set when the combination failed.
type FitRecord struct {
	Sites      []int
	Params     map[fit.Key]fit.Parameter
	Result     *fit.Result
	SimPattern *grid.Pattern
	Err        error
}

// Manager is the multi-site fit orchestrator.
type Manager struct {
	cfg Config
	log zerolog.Logger

	data    *grid.Pattern
	lib     sim.Library
	factory sim.Factory

	profile fit.Profile
	options fit.Options

	initialValues map[fit.Key]float64
	fixedValues   map[fit.Key]float64
	boundOverride map[fit.Key]fit.Bounds
	scaleOverride map[fit.Key]float64

	horizontal *Table
	vertical   *Table

	best    *FitRecord
	last    *FitRecord
	minCost float64
	failed  int

	stop           sim.StopFlag
	current        *fit.Fit
	settingsLogged bool
}

// New creates a manager. SubPixels defaults to 1.
func New(cfg Config) (*Manager, error) {
	if !cfg.CostFunction.Valid() {
		return nil, fmt.Errorf("cost function not valid, use %q or %q", fit.CostChi2, fit.CostML)
	}
	if cfg.NSites < 1 {
		return nil, fmt.Errorf("need at least one site slot, got %d", cfg.NSites)
	}
	if cfg.SubPixels == 0 {
		cfg.SubPixels = 1
	}
	if cfg.SubPixels < 1 {
		return nil, fmt.Errorf("sub pixels must be >= 1, got %d", cfg.SubPixels)
	}
	m := &Manager{
		cfg:           cfg,
		log:           zerolog.Nop(),
		profile:       fit.ProfileDefault,
		initialValues: make(map[fit.Key]float64),
		fixedValues:   make(map[fit.Key]float64),
		boundOverride: make(map[fit.Key]fit.Bounds),
		scaleOverride: make(map[fit.Key]float64),
		horizontal:    newTable(horizontalColumns(cfg.NSites)),
		vertical:      newTable(verticalColumns()),
	}
	opts, err := fit.ProfileOptions(fit.ProfileDefault, cfg.CostFunction)
	if err != nil {
		return nil, err
	}
	m.options = opts
	return m, nil
}

// SetLogger installs a logger for progress and diagnostics.
func (m *Manager) SetLogger(log zerolog.Logger) { m.log = log }

// SetPattern binds the data pattern, the pattern library and the generator
// factory used for every fit of this manager.
func (m *Manager) SetPattern(data *grid.Pattern, lib sim.Library, factory sim.Factory) error {
	if data == nil || lib == nil || factory == nil {
		return errors.New("pattern, library and generator factory are all required")
	}
	m.data = data
	m.lib = lib
	m.factory = factory
	m.log.Info().
		Float64("x", data.Center.X).
		Float64("y", data.Center.Y).
		Float64("phi", data.Angle).
		Msg("data pattern added; initial orientation from pattern")
	return nil
}

// checkKey validates that key names a parameter of this manager.
func (m *Manager) checkKey(key fit.Key) error {
	for _, k := range ParameterKeys(m.cfg.NSites) {
		if k == key {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", fit.ErrUnknownParameter, key)
}

// SetInitialValues sets user initial values. They may be overwritten when a
// sweep runs with PassResults.
func (m *Manager) SetInitialValues(values map[fit.Key]float64) error {
	for k, v := range values {
		if err := m.checkKey(k); err != nil {
			return err
		}
		m.initialValues[k] = v
	}
	return nil
}

// SetFixedValues fixes parameters to values, overriding initial values.
func (m *Manager) SetFixedValues(values map[fit.Key]float64) error {
	for k, v := range values {
		if err := m.checkKey(k); err != nil {
			return err
		}
		m.fixedValues[k] = v
	}
	return nil
}

// SetBounds overrides per-parameter bounds.
func (m *Manager) SetBounds(bounds map[fit.Key]fit.Bounds) error {
	for k, b := range bounds {
		if err := m.checkKey(k); err != nil {
			return err
		}
		if err := b.Validate(); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		m.boundOverride[k] = b
	}
	return nil
}

// SetScale overrides per-parameter step scales.
func (m *Manager) SetScale(scale map[fit.Key]float64) error {
	for k, s := range scale {
		if err := m.checkKey(k); err != nil {
			return err
		}
		if s == 0 {
			return fmt.Errorf("%s: %w", k, fit.ErrZeroScale)
		}
		m.scaleOverride[k] = s
	}
	return nil
}

// SetMinimizationSettings selects an option profile, or installs custom
// options wholesale when custom is non-nil.
func (m *Manager) SetMinimizationSettings(profile fit.Profile, custom *fit.Options) error {
	if custom != nil {
		if err := custom.Validate(); err != nil {
			return err
		}
		m.profile = fit.ProfileCustom
		m.options = *custom
		return nil
	}
	opts, err := fit.ProfileOptions(profile, m.cfg.CostFunction)
	if err != nil {
		return err
	}
	m.profile = profile
	m.options = opts
	return nil
}

// PatternCounts returns the total counts of the pattern to fit.
func (m *Manager) PatternCounts(ignoreMasked bool) (float64, error) {
	if m.data == nil {
		return 0, ErrNoPattern
	}
	if ignoreMasked {
		return m.data.Sum(), nil
	}
	return m.data.SumAll(), nil
}

// BestFit returns the lowest-cost record of the sweep so far, or nil.
func (m *Manager) BestFit() *FitRecord { return m.best }

// LastFit returns the most recently completed record, or nil.
func (m *Manager) LastFit() *FitRecord { return m.last }

// FailedCount returns the number of combinations that failed during sweeps.
func (m *Manager) FailedCount() int { return m.failed }

// HorizontalTable returns the wide result table (one row per combination).
func (m *Manager) HorizontalTable() *Table { return m.horizontal }

// VerticalTable returns the long result table (one row per combination/site).
func (m *Manager) VerticalTable() *Table { return m.vertical }

// SaveTable writes one of the result tables to path; the format follows the
// file extension.
func (m *Manager) SaveTable(path string, layout Layout) error {
	switch layout {
	case LayoutHorizontal:
		return m.horizontal.Save(path)
	case LayoutVertical:
		return m.vertical.Save(path)
	default:
		return fmt.Errorf("unknown table layout %q", layout)
	}
}

// StopCurrentFit requests cooperative cancellation of the in-progress
// combination. Later combinations of the same sweep still run.
func (m *Manager) StopCurrentFit() { m.stop.Stop() }

// InRange checks that every valid data cell maps to a cell inside the
// simulated range at the given orientation (or the initial orientation when
// orientation is nil).
func (m *Manager) InRange(orientation *grid.Orientation) (bool, error) {
	if m.data == nil {
		return false, ErrNoPattern
	}
	var o grid.Orientation
	if orientation != nil {
		o = *orientation
	} else {
		p0, _ := ComputeInitialValues(m.data, m.cfg.NSites, m.fixedValues, m.initialValues)
		o = grid.Orientation{Dx: p0[0], Dy: p0[1], Phi: p0[2]}
	}

	// A background-only pattern over one library site: only the range
	// geometry matters here, not the site content.
	gen, err := m.factory.NewGenerator(m.lib, m.data, []int{0}, m.cfg.SubPixels, true, nil)
	if err != nil {
		return false, err
	}
	sp, err := gen.MakePattern(o.Dx, o.Dy, o.Phi, []float64{1, 0}, 1, 0, sim.ModeIdeal)
	if err != nil {
		return false, err
	}
	for i := range m.data.Data {
		if !m.data.Mask[i] && sp.Mask[i] {
			return false, nil
		}
	}
	return true, nil
}

// RunFits sweeps the cartesian product of the candidate site indices, one
// bounded fit per combination. There must be one candidate set per site
// slot. Failures inside a combination are recorded in the result tables and
// counted, never fatal; configuration errors abort before any fit runs.
func (m *Manager) RunFits(candidateSets [][]int, opts RunOptions) error {
	if m.data == nil {
		return ErrNoPattern
	}
	if len(candidateSets) != m.cfg.NSites {
		return fmt.Errorf("need candidate site indices for all %d site slots, got %d sets",
			m.cfg.NSites, len(candidateSets))
	}
	iter, err := newCartesian(candidateSets)
	if err != nil {
		return err
	}

	if inRange, err := m.InRange(nil); err != nil {
		return err
	} else if !inRange {
		m.log.Warn().Msg("data pattern is not in the simulation range; " +
			"consider reducing the fit range around the axis")
	}

	m.stop.Reset()
	m.settingsLogged = false

	total := iter.count()
	done := 0
	for {
		sites, ok := iter.next()
		if !ok {
			break
		}
		done++
		m.log.Info().Ints("sites", sites).Int("combination", done).Int("of", total).Msg("fitting")
		if err := m.singleFit(sites, opts); err != nil {
			if errors.Is(err, sim.ErrStopped) {
				m.log.Info().Ints("sites", sites).Msg("fit stopped")
				m.stop.Reset()
				continue
			}
			m.log.Error().Err(err).Ints("sites", sites).Msg("combination failed")
		}
	}
	if m.failed > 0 {
		m.log.Warn().Int("failed", m.failed).Int("total", total).Msg("sweep finished with failures")
	}
	return nil
}

// RunSingleFit fits exactly one site combination. Unlike RunFits, the
// combination's failure is returned to the caller as well as recorded.
func (m *Manager) RunSingleFit(sites []int, opts RunOptions) error {
	if m.data == nil {
		return ErrNoPattern
	}
	if inRange, err := m.InRange(nil); err != nil {
		return err
	} else if !inRange {
		m.log.Warn().Msg("data pattern is not in the simulation range")
	}
	m.stop.Reset()
	m.settingsLogged = false
	return m.singleFit(sites, opts)
}

// buildFit assembles a fresh registry, generator and Fit for one site
// selection. Per-site fraction bounds and scales are duplicated from the
// configured defaults, one copy per slot.
func (m *Manager) buildFit(sites []int, passResults bool) (*fit.Fit, error) {
	if len(sites) != m.cfg.NSites {
		return nil, fmt.Errorf("need pattern indices for all %d expected sites, %d were provided",
			m.cfg.NSites, len(sites))
	}
	for _, s := range sites {
		if err := sim.CheckIndex(m.lib, s); err != nil {
			return nil, err
		}
	}

	reg, err := fit.NewRegistry(m.cfg.NSites)
	if err != nil {
		return nil, err
	}

	p0, pFix := m.seedInitialValues(passResults)
	bounds := ComputeBounds(m.data, m.cfg.NSites, m.boundOverride)
	scale := ComputeScale(m.data, m.cfg.NSites, m.cfg.CostFunction, m.scaleOverride)

	for i, key := range ParameterKeys(m.cfg.NSites) {
		if err := reg.SetInitial(key, p0[i]); err != nil {
			return nil, err
		}
		if err := reg.Fix(key, pFix[i]); err != nil {
			return nil, err
		}
		if err := reg.SetBounds(key, bounds[key]); err != nil {
			return nil, err
		}
		if err := reg.SetScale(key, scale[key]); err != nil {
			return nil, err
		}
	}

	gen, err := m.factory.NewGenerator(m.lib, m.data, sites, m.cfg.SubPixels, false, &m.stop)
	if err != nil {
		return nil, err
	}
	return fit.NewFit(m.cfg.CostFunction, reg, m.data, sites, gen)
}

// seedInitialValues resolves initial values, optionally seeding from the
// previous successful fit.
func (m *Manager) seedInitialValues(passResults bool) ([]float64, []bool) {
	initial := m.initialValues
	if passResults && m.last != nil && m.last.Result != nil && m.last.Result.Success {
		initial = make(map[fit.Key]float64, len(m.initialValues))
		for k, v := range m.initialValues {
			initial[k] = v
		}
		for _, key := range ParameterKeys(m.cfg.NSites) {
			if _, isFixed := m.fixedValues[key]; isFixed {
				continue
			}
			if p, ok := m.last.Params[key]; ok && p.Free {
				initial[key] = p.Value + passResultsOffset
			}
		}
	}
	return ComputeInitialValues(m.data, m.cfg.NSites, m.fixedValues, initial)
}

// singleFit runs one combination end to end: build, minimize, estimate
// errors, record. Any failure is recorded as a failed row; the manager's
// state stays consistent for the next combination.
func (m *Manager) singleFit(sites []int, opts RunOptions) (err error) {
	defer func() { m.current = nil }()

	ft, err := m.buildFit(sites, opts.PassResults)
	if err != nil {
		m.recordFailure(sites, err)
		return err
	}
	m.current = ft
	if opts.Observer != nil {
		ft.SetObserver(opts.Observer)
	}
	if !m.settingsLogged {
		m.logSettings(ft)
	}

	res, err := ft.Minimize(m.options)
	if err != nil {
		m.recordFailure(sites, err)
		return err
	}

	var failReason string
	if opts.GetErrors {
		if _, err := ft.StdFromHessian(res.X, true); err != nil {
			failReason = err.Error()
			m.failed++
			m.log.Warn().Err(err).Ints("sites", sites).Msg("error estimation failed")
		}
	}

	record := &FitRecord{
		Sites:      append([]int(nil), sites...),
		Params:     ft.Params.Snapshot(),
		Result:     res,
		SimPattern: ft.SimPattern(),
	}
	m.appendRows(record, opts.GetErrors && failReason == "", failReason)

	if m.best == nil || res.Cost < m.minCost {
		m.best = record
		m.minCost = res.Cost
	}
	m.last = record
	return nil
}

// recordFailure appends a failed row for a combination that produced no
// result, so failures stay visible and countable in the output.
func (m *Manager) recordFailure(sites []int, cause error) {
	m.failed++
	record := &FitRecord{Sites: append([]int(nil), sites...), Err: cause}
	m.appendRows(record, false, cause.Error())
}

// appendRows renders one record into both table layouts.
func (m *Manager) appendRows(rec *FitRecord, withErrors bool, failReason string) {
	cells := map[string]any{
		"value":                math.NaN(),
		"D.O.F.":               math.NaN(),
		"x":                    math.NaN(),
		"x_err":                math.NaN(),
		"y":                    math.NaN(),
		"y_err":                math.NaN(),
		"phi":                  math.NaN(),
		"phi_err":              math.NaN(),
		"counts":               math.NaN(),
		"counts_err":           math.NaN(),
		"sigma":                math.NaN(),
		"sigma_err":            math.NaN(),
		"success":              false,
		"orientation gradient": math.NaN(),
		"fail reason":          failReason,
	}
	if rec.Result != nil {
		cells["value"] = rec.Result.Cost
		cells["D.O.F."] = float64(rec.Result.DOF)
		cells["success"] = rec.Result.Success
		cells["orientation gradient"] = rec.Result.OrientationGradNorm()
		cells["x"] = rec.Params[fit.KeyDx].Value
		cells["y"] = rec.Params[fit.KeyDy].Value
		cells["phi"] = rec.Params[fit.KeyPhi].Value
		cells["sigma"] = rec.Params[fit.KeySigma].Value
		if m.cfg.CostFunction == fit.CostChi2 {
			cells["counts"] = rec.Params[fit.KeyTotalCounts].Value
		}
		if withErrors {
			cells["x_err"] = rec.Params[fit.KeyDx].StdErr
			cells["y_err"] = rec.Params[fit.KeyDy].StdErr
			cells["phi_err"] = rec.Params[fit.KeyPhi].StdErr
			cells["sigma_err"] = rec.Params[fit.KeySigma].StdErr
			if m.cfg.CostFunction == fit.CostChi2 {
				cells["counts_err"] = rec.Params[fit.KeyTotalCounts].StdErr
			}
		}
	}

	horizontal := make(map[string]any, len(cells)+7*m.cfg.NSites)
	for k, v := range cells {
		horizontal[k] = v
	}
	for i, siteIdx := range rec.Sites {
		info, err := m.lib.SiteInfo(siteIdx)
		if err != nil {
			info = sim.SiteInfo{Number: siteIdx}
		}
		horizontal[fmt.Sprintf("site%d n", i+1)] = info.Number
		horizontal[fmt.Sprintf("p%d", i+1)] = siteIdx
		horizontal[fmt.Sprintf("site%d description", i+1)] = info.Description
		horizontal[fmt.Sprintf("site%d factor", i+1)] = info.Factor
		horizontal[fmt.Sprintf("site%d u1", i+1)] = info.U1
		fraction, fractionErr := math.NaN(), math.NaN()
		if rec.Result != nil {
			p := rec.Params[fit.FractionKey(i)]
			fraction = p.Value
			if withErrors {
				fractionErr = p.StdErr
			}
		}
		horizontal[fmt.Sprintf("site%d fraction", i+1)] = fraction
		horizontal[fmt.Sprintf("fraction%d_err", i+1)] = fractionErr
	}
	m.horizontal.appendRow(horizontal)

	for i, siteIdx := range rec.Sites {
		info, err := m.lib.SiteInfo(siteIdx)
		if err != nil {
			info = sim.SiteInfo{Number: siteIdx}
		}
		vertical := make(map[string]any, len(cells)+7)
		for k, v := range cells {
			vertical[k] = v
		}
		vertical["site n"] = info.Number
		vertical["p"] = siteIdx
		vertical["site description"] = info.Description
		vertical["site factor"] = info.Factor
		vertical["site u1"] = info.U1
		fraction, fractionErr := math.NaN(), math.NaN()
		if rec.Result != nil {
			p := rec.Params[fit.FractionKey(i)]
			fraction = p.Value
			if withErrors {
				fractionErr = p.StdErr
			}
		}
		vertical["site fraction"] = fraction
		vertical["fraction_err"] = fractionErr
		m.vertical.appendRow(vertical)
	}
}

// logSettings dumps the fit and parameter settings once per sweep.
func (m *Manager) logSettings(ft *fit.Fit) {
	m.settingsLogged = true
	ev := m.log.Info().
		Str("version", version.Version).
		Str("cost", string(m.cfg.CostFunction)).
		Str("profile", string(m.profile)).
		Int("max_iterations", m.options.MaxIterations).
		Int("max_fun_evals", m.options.MaxFunEvals).
		Float64("ftol", m.options.Ftol).
		Int("sub_pixels", m.cfg.SubPixels)
	ev.Msg("fit settings")
	for _, key := range ParameterKeys(m.cfg.NSites) {
		p, err := ft.Params.Get(key)
		if err != nil {
			continue
		}
		m.log.Info().
			Str("name", string(key)).
			Float64("initial", p.Initial).
			Bool("fixed", !p.Free).
			Float64("scale", p.Scale).
			Msg("parameter")
	}
}
