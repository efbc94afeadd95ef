package ident

import (
	"fmt"

	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
	"github.com/kubilitics/kubilitics-flowguard/internal/metrics"
	"github.com/kubilitics/kubilitics-flowguard/internal/selection"
)

// Identify ranks the states (mf) or transitions (mb) that drive the abnormal
// windows and returns those selected by criteria, highest contribution first.
func Identify(measures []flow.EmpiricalMeasure, baseline flow.EmpiricalMeasure, abnormal []int,
	mode Mode, algorithm string, criteria selection.Criteria) ([]Contributor, error) {
	if len(abnormal) == 0 {
		return nil, ErrEmptyAbnormalSet
	}
	ctor, err := Lookup(algorithm)
	if err != nil {
		return nil, err
	}

	windows, base, n, err := distributions(measures, baseline, mode)
	if err != nil {
		return nil, err
	}

	flags := make([]int, len(measures))
	for _, w := range abnormal {
		if w < 0 || w >= len(measures) {
			return nil, fmt.Errorf("abnormal window %d outside [0, %d)", w, len(measures))
		}
		flags[w] = 1
	}

	alg := ctor(windows, base)
	if err := alg.SetDetectResult(flags); err != nil {
		return nil, err
	}
	ranked, err := alg.FilterStates(abnormal, criteria)
	if err != nil {
		return nil, fmt.Errorf("%s %s identification: %w", mode, alg.Name(), err)
	}

	out := make([]Contributor, len(ranked))
	for i, r := range ranked {
		c := Contributor{State: r.Item, Score: r.Score}
		if mode == ModeModelBased {
			c = Contributor{State: r.Item / n, Next: r.Item % n, Transition: true, Score: r.Score}
		}
		out[i] = c
	}
	metrics.IdentifiedContributors.WithLabelValues(string(mode)).Add(float64(len(out)))
	return out, nil
}

// distributions returns the per-window item distributions, the baseline
// distribution and the number of states.
func distributions(measures []flow.EmpiricalMeasure, baseline flow.EmpiricalMeasure, mode Mode) ([][]float64, []float64, int, error) {
	var item func(flow.EmpiricalMeasure) ([]float64, error)
	switch mode {
	case ModeModelFree:
		item = func(em flow.EmpiricalMeasure) ([]float64, error) {
			if !em.HasModelFree() {
				return nil, fmt.Errorf("%w: no pmf", flow.ErrInvalidMeasure)
			}
			return em.PMF, nil
		}
	case ModeModelBased:
		item = func(em flow.EmpiricalMeasure) ([]float64, error) {
			joint, err := em.Joint()
			if err != nil {
				return nil, err
			}
			flat := make([]float64, 0, len(joint)*len(joint))
			for _, row := range joint {
				flat = append(flat, row...)
			}
			return flat, nil
		}
	default:
		return nil, nil, 0, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	base, err := item(baseline)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("baseline: %w", err)
	}
	windows := make([][]float64, len(measures))
	for i, em := range measures {
		d, err := item(em)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("window %d: %w", i, err)
		}
		if len(d) != len(base) {
			return nil, nil, 0, fmt.Errorf("%w: window %d has %d items, baseline %d", flow.ErrDimensionMismatch, i, len(d), len(base))
		}
		windows[i] = d
	}

	n := len(base)
	if mode == ModeModelBased {
		n = len(baseline.Marginal)
	}
	return windows, base, n, nil
}
