package fitman

import (
	"testing"

	"github.com/stretchr/testify/require"

	"channelfit/internal/fit"
	"channelfit/internal/sim"
)

func TestPatternBeforeAnyFit(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	_, err := fx.m.PatternFromBestFit(NormNone)
	require.ErrorIs(t, err, ErrNoFit)
	_, err = fx.m.PatternFromLastFit(NormCounts)
	require.ErrorIs(t, err, ErrNoFit)
}

func TestPatternFromBestFitNormalizations(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	require.NoError(t, fx.m.RunSingleFit([]int{0}, RunOptions{}))

	raw, err := fx.m.PatternFromBestFit(NormNone)
	require.NoError(t, err)
	require.InEpsilon(t, fx.total, raw.Sum(), 0.01,
		"chi-square synthetic patterns carry the fitted counts")

	counts, err := fx.m.PatternFromBestFit(NormCounts)
	require.NoError(t, err)
	require.InEpsilon(t, raw.Sum(), counts.Sum(), 1e-9,
		"counts normalization is the identity for chi-square")

	prob, err := fx.m.PatternFromBestFit(NormProbability)
	require.NoError(t, err)
	require.InEpsilon(t, raw.Sum()/fx.data.Sum(), prob.Sum(), 1e-9)

	yield, err := fx.m.PatternFromBestFit(NormYield)
	require.NoError(t, err)
	require.InEpsilon(t, float64(fx.data.ValidCount()), yield.Sum(), 0.05,
		"yield normalization rescales to the per-cell simulated yield")

	_, err = fx.m.PatternFromBestFit("median")
	require.Error(t, err)
}

func TestPatternFromBestFitLikelihood(t *testing.T) {
	fx := newSweepFixture(t, fit.CostML)
	require.NoError(t, fx.m.RunSingleFit([]int{0}, RunOptions{}))

	raw, err := fx.m.PatternFromBestFit(NormNone)
	require.NoError(t, err)
	require.InEpsilon(t, 1.0, raw.Sum(), 0.01,
		"likelihood synthetic patterns are probability densities")

	counts, err := fx.m.PatternFromBestFit(NormCounts)
	require.NoError(t, err)
	require.InEpsilon(t, fx.data.Sum(), counts.Sum(), 0.01)

	prob, err := fx.m.PatternFromBestFit(NormProbability)
	require.NoError(t, err)
	require.InEpsilon(t, 1.0, prob.Sum(), 0.01)
}

func TestDataPatternPlain(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)

	out, err := fx.m.DataPattern(NormNone, "", WhichLast)
	require.NoError(t, err)
	require.Equal(t, fx.data.Sum(), out.Sum())
	out.Data[0] = -1
	require.NotEqual(t, -1.0, fx.data.Data[0], "retrieval must copy")

	prob, err := fx.m.DataPattern(NormProbability, "", WhichLast)
	require.NoError(t, err)
	require.InEpsilon(t, 1.0, prob.Sum(), 1e-9)
}

func TestDataPatternSubstitutesMaskedCells(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	fx.data.Mask[25] = true
	fx.data.Data[25] = 0

	require.NoError(t, fx.m.RunSingleFit([]int{0}, RunOptions{}))

	plain, err := fx.m.DataPattern(NormNone, "", WhichBest)
	require.NoError(t, err)
	require.True(t, plain.Mask[25], "no substitution requested")

	filled, err := fx.m.DataPattern(NormNone, sim.ModeIdeal, WhichBest)
	require.NoError(t, err)
	require.False(t, filled.Mask[25], "substituted cells become valid")
	require.Greater(t, filled.Data[25], 0.0)
}

func TestDataPatternSubstitutionNeedsFit(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	_, err := fx.m.DataPattern(NormNone, sim.ModeIdeal, WhichBest)
	require.ErrorIs(t, err, ErrNoFit)
}

func TestRecordSelector(t *testing.T) {
	fx := newSweepFixture(t, fit.CostChi2)
	require.NoError(t, fx.m.RunSingleFit([]int{0}, RunOptions{}))
	_, err := fx.m.PatternFromFit("median", NormNone)
	require.Error(t, err)
}
