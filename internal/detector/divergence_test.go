package detector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
)

func TestKLIdentity(t *testing.T) {
	pmfs := []flow.PMF{
		{1},
		{0.5, 0.5},
		{0.1, 0.2, 0.7},
		{0, 0.25, 0, 0.75},
	}
	for _, p := range pmfs {
		d, err := KL(p, p)
		require.NoError(t, err)
		assert.Zero(t, d, "pmf %v", p)
	}
}

func TestKLValues(t *testing.T) {
	d, err := KL(flow.PMF{0.9, 0.1}, flow.PMF{0.5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.9*math.Log(1.8)+0.1*math.Log(0.2), d, 1e-12)
	assert.Greater(t, d, 0.0)

	// the baseline never saw state 1
	d, err = KL(flow.PMF{0.5, 0.5}, flow.PMF{1, 0})
	require.NoError(t, err)
	assert.True(t, math.IsInf(d, 1))

	// window mass only on shared support
	d, err = KL(flow.PMF{1, 0}, flow.PMF{0.5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), d, 1e-12)

	_, err = KL(flow.PMF{1}, flow.PMF{0.5, 0.5})
	assert.ErrorIs(t, err, flow.ErrDimensionMismatch)
}

func TestJointKLIdentity(t *testing.T) {
	em := flow.EmpiricalMeasure{
		Transition: flow.TransitionMatrix{{0.9, 0.1}, {0.3, 0.7}},
		Marginal:   flow.PMF{0.75, 0.25},
	}
	d, err := JointKL(em, em)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestJointKLMatchesJointDistribution(t *testing.T) {
	window := flow.EmpiricalMeasure{
		Transition: flow.TransitionMatrix{{0.6, 0.4}, {0.2, 0.8}},
		Marginal:   flow.PMF{0.3, 0.7},
	}
	baseline := flow.EmpiricalMeasure{
		Transition: flow.TransitionMatrix{{0.5, 0.5}, {0.5, 0.5}},
		Marginal:   flow.PMF{0.5, 0.5},
	}

	wj, err := window.Joint()
	require.NoError(t, err)
	bj, err := baseline.Joint()
	require.NoError(t, err)
	want := 0.0
	for i := range wj {
		for j := range wj[i] {
			want += wj[i][j] * math.Log(wj[i][j]/bj[i][j])
		}
	}

	got, err := JointKL(window, baseline)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
}

func TestJointKLErrors(t *testing.T) {
	small := flow.EmpiricalMeasure{Transition: flow.TransitionMatrix{{1}}, Marginal: flow.PMF{1}}
	big := flow.EmpiricalMeasure{
		Transition: flow.TransitionMatrix{{0.5, 0.5}, {0.5, 0.5}},
		Marginal:   flow.PMF{0.5, 0.5},
	}
	_, err := JointKL(small, big)
	assert.ErrorIs(t, err, flow.ErrDimensionMismatch)

	unseen := flow.EmpiricalMeasure{
		Transition: flow.TransitionMatrix{{1, 0}, {0, 1}},
		Marginal:   flow.PMF{0.5, 0.5},
	}
	d, err := JointKL(big, unseen)
	require.NoError(t, err)
	assert.True(t, math.IsInf(d, 1))
}

func TestJointKLNilRowsReadAsUniform(t *testing.T) {
	baseline := flow.EmpiricalMeasure{
		Transition: flow.TransitionMatrix{{0.6, 0.4}, {0.2, 0.8}},
		Marginal:   flow.PMF{0.5, 0.5},
	}
	sparse := flow.EmpiricalMeasure{
		Transition: flow.TransitionMatrix{{0.9, 0.1}, nil},
		Marginal:   flow.PMF{0.7, 0.3},
	}
	dense := flow.EmpiricalMeasure{
		Transition: flow.TransitionMatrix{{0.9, 0.1}, {0.5, 0.5}},
		Marginal:   flow.PMF{0.7, 0.3},
	}

	got, err := JointKL(sparse, baseline)
	require.NoError(t, err)
	want, err := JointKL(dense, baseline)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)

	ragged := flow.EmpiricalMeasure{
		Transition: flow.TransitionMatrix{{1}, nil},
		Marginal:   flow.PMF{0.5, 0.5},
	}
	_, err = JointKL(ragged, baseline)
	assert.ErrorIs(t, err, flow.ErrDimensionMismatch)
}
