package detector

import (
	"fmt"
	"math"

	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
)

// KL returns the relative entropy D(window || baseline) in nats.
// States the window never visits contribute nothing; a visited state with
// zero baseline mass makes the divergence infinite.
func KL(window, baseline flow.PMF) (float64, error) {
	if len(window) != len(baseline) {
		return 0, fmt.Errorf("%w: window has %d states, baseline %d", flow.ErrDimensionMismatch, len(window), len(baseline))
	}
	d := 0.0
	for x, nu := range window {
		d += Contribution(nu, baseline[x])
	}
	return clampZero(d), nil
}

// Contribution is the term nu ln(nu/mu) of a relative entropy sum.
func Contribution(nu, mu float64) float64 {
	switch {
	case nu <= 0:
		return 0
	case mu <= 0:
		return math.Inf(1)
	}
	return nu * math.Log(nu/mu)
}

// JointKL returns the relative entropy between the state-pair distributions
// of two Markov models, split by the chain rule into a transition term
// weighted by the window marginal plus the divergence of the marginals.
func JointKL(window, baseline flow.EmpiricalMeasure) (float64, error) {
	n := len(window.Marginal)
	if len(window.Transition) != n || len(baseline.Marginal) != n || len(baseline.Transition) != n {
		return 0, fmt.Errorf("%w: window has %d states, baseline %d", flow.ErrDimensionMismatch, n, len(baseline.Marginal))
	}

	for i := 0; i < n; i++ {
		if (window.Transition[i] != nil && len(window.Transition[i]) != n) ||
			(baseline.Transition[i] != nil && len(baseline.Transition[i]) != n) {
			return 0, fmt.Errorf("%w: transition row %d", flow.ErrDimensionMismatch, i)
		}
	}

	d := 0.0
	for i, nu := range window.Marginal {
		if nu <= 0 {
			continue
		}
		row := 0.0
		for j := 0; j < n; j++ {
			row += Contribution(window.Transition.At(i, j), baseline.Transition.At(i, j))
		}
		d += nu * row
	}

	marginal, err := KL(window.Marginal, baseline.Marginal)
	if err != nil {
		return 0, err
	}
	return clampZero(d + marginal), nil
}

// clampZero removes the tiny negative values rounding leaves behind when
// two measures are equal.
func clampZero(d float64) float64 {
	if d < 0 {
		return 0
	}
	return d
}
