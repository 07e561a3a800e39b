package fitman

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"channelfit/internal/fit"
	"channelfit/internal/sim"
	"channelfit/internal/sim/simtest"
	"channelfit/pkg/grid"
)

// sweepFixture is a manager bound to a noiseless pattern synthesized from
// library site 0 at a known orientation.
type sweepFixture struct {
	m    *Manager
	data *grid.Pattern

	dx, dy, phi float64
	fraction    float64
	total       float64
}

func newSweepFixture(t *testing.T, cost fit.Cost) *sweepFixture {
	t.Helper()
	fx := &sweepFixture{dx: 0.1, dy: -0.2, phi: 3.0, fraction: 0.6, total: 1e6}

	lib := simtest.NewLibrary(3)
	factory := &simtest.Factory{PeakWidth: 0.4}
	mesh := simtest.DetectorMesh(21, 21, 2.0)
	gen, err := factory.NewGenerator(lib, mesh, []int{0}, 1, false, nil)
	require.NoError(t, err)
	data, err := gen.MakePattern(fx.dx, fx.dy, fx.phi,
		[]float64{1 - fx.fraction, fx.fraction}, fx.total, 0, sim.ModeIdeal)
	require.NoError(t, err)
	fx.data = data

	m, err := New(Config{CostFunction: cost, NSites: 1})
	require.NoError(t, err)
	require.NoError(t, m.SetPattern(data, lib, factory))
	require.NoError(t, m.SetMinimizationSettings(fit.ProfileFine, nil))
	// The data was synthesized without smoothing; the model must match.
	require.NoError(t, m.SetFixedValues(map[fit.Key]float64{fit.KeySigma: 0}))
	fx.m = m
	return fx
}

func (fx *sweepFixture) column(t *testing.T, layout Layout, name string) int {
	t.Helper()
	tb := fx.m.HorizontalTable()
	if layout == LayoutVertical {
		tb = fx.m.VerticalTable()
	}
	i := slices.Index(tb.Columns, name)
	require.GreaterOrEqual(t, i, 0, "column %q", name)
	return i
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{CostFunction: "huber", NSites: 1})
	require.Error(t, err)
	_, err = New(Config{CostFunction: fit.CostChi2, NSites: 0})
	require.Error(t, err)
	_, err = New(Config{CostFunction: fit.CostChi2, NSites: 1, SubPixels: -2})
	require.Error(t, err)

	m, err := New(Config{CostFunction: fit.CostChi2, NSites: 1})
	require.NoError(t, err)
	require.Equal(t, 1, m.cfg.SubPixels, "sub pixels defaults to 1")
}

func TestSettersValidateKeys(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	m := fx.m

	require.ErrorIs(t, m.SetInitialValues(map[fit.Key]float64{"bogus": 1}), fit.ErrUnknownParameter)
	require.ErrorIs(t, m.SetFixedValues(map[fit.Key]float64{"f_p9": 1}), fit.ErrUnknownParameter)
	require.ErrorIs(t, m.SetScale(map[fit.Key]float64{fit.KeyDx: 0}), fit.ErrZeroScale)
	require.ErrorIs(t, m.SetBounds(map[fit.Key]fit.Bounds{fit.KeyDx: fit.Bounded(2, -2)}), fit.ErrBadBounds)

	require.NoError(t, m.SetInitialValues(map[fit.Key]float64{fit.KeyDx: 0.05}))
	require.NoError(t, m.SetFixedValues(map[fit.Key]float64{fit.KeySigma: 0}))
}

func TestSetMinimizationSettings(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	m := fx.m

	require.Error(t, m.SetMinimizationSettings("ultra", nil))

	custom := &fit.Options{MaxIterations: 5, MaxFunEvals: 50, Ftol: 1e-4, MaxCorrections: 10}
	require.NoError(t, m.SetMinimizationSettings("", custom))
	require.Equal(t, fit.ProfileCustom, m.profile)
	require.Equal(t, *custom, m.options)

	require.Error(t, m.SetMinimizationSettings("", &fit.Options{}))
}

func TestPatternCounts(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	masked, err := fx.m.PatternCounts(true)
	require.NoError(t, err)
	all, err := fx.m.PatternCounts(false)
	require.NoError(t, err)
	require.Equal(t, fx.data.Sum(), masked)
	require.Equal(t, fx.data.SumAll(), all)

	empty, err := New(Config{CostFunction: fit.CostChi2, NSites: 1})
	require.NoError(t, err)
	_, err = empty.PatternCounts(true)
	require.ErrorIs(t, err, ErrNoPattern)
}

func TestRunFitsSweep(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	m := fx.m

	require.NoError(t, m.RunFits([][]int{{0, 1}}, RunOptions{GetErrors: true}))

	require.Equal(t, 2, m.HorizontalTable().Len(), "one row per combination")
	require.Equal(t, 2, m.VerticalTable().Len(), "one row per combination and site")
	require.Equal(t, 0, m.FailedCount())

	best := m.BestFit()
	require.NotNil(t, best)
	require.Equal(t, []int{0}, best.Sites, "the data was synthesized from site 0")
	require.InDelta(t, fx.dx, best.Params[fit.KeyDx].Value, 1e-3)
	require.InDelta(t, fx.dy, best.Params[fit.KeyDy].Value, 1e-3)
	require.InDelta(t, fx.fraction, best.Params[fit.FractionKey(0)].Value, 1e-2)
	require.True(t, best.Params[fit.KeyDx].HasStdErr)

	last := m.LastFit()
	require.NotNil(t, last)
	require.Equal(t, []int{1}, last.Sites)
	require.LessOrEqual(t, best.Result.Cost, last.Result.Cost)

	successCol := fx.column(t, LayoutHorizontal, "success")
	require.Equal(t, true, m.HorizontalTable().Rows[0][successCol])

	errCol := fx.column(t, LayoutHorizontal, "x_err")
	xErr, ok := m.HorizontalTable().Rows[0][errCol].(float64)
	require.True(t, ok)
	require.Greater(t, xErr, 0.0, "GetErrors fills the error columns")
}

func TestRunFitsValidatesSetCount(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	require.Error(t, fx.m.RunFits([][]int{{0}, {1}}, RunOptions{}))
	require.Error(t, fx.m.RunFits(nil, RunOptions{}))
}

func TestRunFitsFailureIsolation(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	m := fx.m

	// Site 9 does not exist; its combination must fail without aborting the
	// sweep or losing the good combination.
	require.NoError(t, m.RunFits([][]int{{9, 0}}, RunOptions{}))

	require.Equal(t, 2, m.HorizontalTable().Len())
	require.Equal(t, 1, m.FailedCount())

	reasonCol := fx.column(t, LayoutHorizontal, "fail reason")
	require.NotEmpty(t, m.HorizontalTable().Rows[0][reasonCol])
	require.Empty(t, m.HorizontalTable().Rows[1][reasonCol])

	best := m.BestFit()
	require.NotNil(t, best)
	require.Equal(t, []int{0}, best.Sites)
}

func TestRunSingleFit(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	m := fx.m

	require.NoError(t, m.RunSingleFit([]int{0}, RunOptions{}))
	require.NotNil(t, m.BestFit())
	require.Equal(t, 1, m.HorizontalTable().Len())

	require.Error(t, m.RunSingleFit([]int{7}, RunOptions{}),
		"a single fit surfaces its failure to the caller")
	require.Equal(t, 1, m.FailedCount())
}

func TestRunFitsNoPattern(t *testing.T) {
	m, err := New(Config{CostFunction: fit.CostChi2, NSites: 1})
	require.NoError(t, err)
	require.ErrorIs(t, m.RunFits([][]int{{0}}, RunOptions{}), ErrNoPattern)
}

func TestSeedInitialValuesPassResults(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	m := fx.m

	require.NoError(t, m.RunSingleFit([]int{0}, RunOptions{}))
	last := m.LastFit()
	require.NotNil(t, last)
	require.True(t, last.Result.Success)

	p0, _ := m.seedInitialValues(true)
	require.InDelta(t, last.Params[fit.KeyDx].Value+passResultsOffset, p0[0], 1e-12)
	require.InDelta(t, last.Params[fit.KeyDy].Value+passResultsOffset, p0[1], 1e-12)

	// Without pass_results the configured defaults stand.
	q0, _ := m.seedInitialValues(false)
	require.Equal(t, fx.data.Center.X, q0[0])
}

func TestStopCurrentFitSkipsCombination(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	m := fx.m

	stopped := false
	obs := func(*grid.Pattern) {
		if !stopped {
			stopped = true
			m.StopCurrentFit()
		}
	}
	require.NoError(t, m.RunFits([][]int{{0, 1}}, RunOptions{Observer: obs}))

	require.Equal(t, 1, m.FailedCount(), "the stopped combination is recorded as failed")
	require.Equal(t, 2, m.HorizontalTable().Len())
	last := m.LastFit()
	require.NotNil(t, last, "the second combination still ran")
	require.Equal(t, []int{1}, last.Sites)
}

func TestInRange(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	ok, err := fx.m.InRange(nil)
	require.NoError(t, err)
	require.True(t, ok, "the analytic generator has no range limit by default")

	// Rebind with a range smaller than the mesh: corners fall outside.
	lib := simtest.NewLibrary(3)
	require.NoError(t, fx.m.SetPattern(fx.data, lib, &simtest.Factory{PeakWidth: 0.4, RangeLimit: 1.0}))
	ok, err = fx.m.InRange(&grid.Orientation{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveTable(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	m := fx.m
	require.NoError(t, m.RunSingleFit([]int{0}, RunOptions{}))

	dir := t.TempDir()
	require.NoError(t, m.SaveTable(dir+"/horizontal.csv", LayoutHorizontal))
	require.NoError(t, m.SaveTable(dir+"/vertical.xlsx", LayoutVertical))
	require.Error(t, m.SaveTable(dir+"/out.csv", "diagonal"))
}

func TestVerticalTableOneRowPerSite(t *testing.T) {
	lib := simtest.NewLibrary(3)
	factory := &simtest.Factory{PeakWidth: 0.4}
	mesh := simtest.DetectorMesh(15, 15, 2.0)
	gen, err := factory.NewGenerator(lib, mesh, []int{0, 1}, 1, false, nil)
	require.NoError(t, err)
	data, err := gen.MakePattern(0, 0, 0, []float64{0.4, 0.3, 0.3}, 1e5, 0, sim.ModeIdeal)
	require.NoError(t, err)

	m, err := New(Config{CostFunction: fit.CostChi2, NSites: 2})
	require.NoError(t, err)
	require.NoError(t, m.SetPattern(data, lib, factory))

	require.NoError(t, m.RunFits([][]int{{0}, {1, 2}}, RunOptions{}))
	require.Equal(t, 2, m.HorizontalTable().Len())
	require.Equal(t, 4, m.VerticalTable().Len(), "two sites per combination")
}
