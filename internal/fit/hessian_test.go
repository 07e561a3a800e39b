package fit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"channelfit/internal/sim"
	"channelfit/internal/sim/simtest"
)

func TestStdFromHessianAtOptimum(t *testing.T) {
	fx := newTruthFixture(t)
	ft, err := NewFit(CostChi2, fx.registry(t), fx.data, []int{0}, fx.gen)
	require.NoError(t, err)

	opts, err := ProfileOptions(ProfileFine, CostChi2)
	require.NoError(t, err)
	res, err := ft.Minimize(opts)
	require.NoError(t, err)

	std, err := ft.StdFromHessian(res.X, true)
	require.NoError(t, err)
	require.Len(t, std, ft.Params.FreeCount())
	for i, s := range std {
		require.False(t, math.IsNaN(s) || math.IsInf(s, 0), "std %d", i)
		require.Greater(t, s, 0.0, "std %d", i)
	}

	for _, k := range ft.Params.FreeKeys() {
		p, err := ft.Params.Get(k)
		require.NoError(t, err)
		require.True(t, p.HasStdErr, "%s", k)
		require.Greater(t, p.StdErr, 0.0, "%s", k)
	}
}

func TestStdFromHessianScalesBackToPhysicalUnits(t *testing.T) {
	fx := newTruthFixture(t)

	fitA, err := NewFit(CostChi2, fx.registry(t), fx.data, []int{0}, fx.gen)
	require.NoError(t, err)
	opts, err := ProfileOptions(ProfileFine, CostChi2)
	require.NoError(t, err)
	resA, err := fitA.Minimize(opts)
	require.NoError(t, err)
	stdA, err := fitA.StdFromHessian(resA.X, true)
	require.NoError(t, err)

	regB := fx.registry(t)
	require.NoError(t, regB.SetScale(KeyDx, 0.05))
	fitB, err := NewFit(CostChi2, regB, fx.data, []int{0}, fx.gen)
	require.NoError(t, err)
	resB, err := fitB.Minimize(opts)
	require.NoError(t, err)
	stdB, err := fitB.StdFromHessian(resB.X, true)
	require.NoError(t, err)

	// Physical-unit errors must agree whatever scale the search used.
	require.InEpsilon(t, stdA[0], stdB[0], 0.05, "dx std")
}

func TestStdFromHessianDegenerateParameters(t *testing.T) {
	mesh := simtest.DetectorMesh(15, 15, 2.0)
	lib := simtest.NewLibrary(2)
	factory := &simtest.Factory{PeakWidth: 0.4}

	// Both slots select the same library site, so their fractions are
	// perfectly degenerate and the curvature matrix cannot be inverted.
	sites := []int{0, 0}
	gen, err := factory.NewGenerator(lib, mesh, sites, 1, false, nil)
	require.NoError(t, err)
	data, err := gen.MakePattern(0, 0, 0, []float64{0.4, 0.3, 0.3}, 1e5, 0, sim.ModeIdeal)
	require.NoError(t, err)

	reg, err := NewRegistry(2)
	require.NoError(t, err)
	require.NoError(t, reg.SetInitial(KeyTotalCounts, 1e5))
	require.NoError(t, reg.SetInitial(FractionKey(0), 0.3))
	require.NoError(t, reg.SetInitial(FractionKey(1), 0.3))
	for _, k := range []Key{KeyDx, KeyDy, KeyPhi} {
		require.NoError(t, reg.Fix(k, true))
	}

	fitGen, err := factory.NewGenerator(lib, data, sites, 1, false, nil)
	require.NoError(t, err)
	ft, err := NewFit(CostChi2, reg, data, sites, fitGen)
	require.NoError(t, err)

	_, err = ft.StdFromHessian(ft.Params.ReducedVector(), true)
	require.ErrorIs(t, err, ErrSingularHessian)
}

func TestStdFromHessianRejectsWrongLength(t *testing.T) {
	fx := newTruthFixture(t)
	ft, err := NewFit(CostChi2, fx.registry(t), fx.data, []int{0}, fx.gen)
	require.NoError(t, err)
	_, err = ft.StdFromHessian([]float64{1, 2}, true)
	require.Error(t, err)
}
