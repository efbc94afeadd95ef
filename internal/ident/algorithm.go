package ident

import (
	"fmt"
	"sort"

	"github.com/kubilitics/kubilitics-flowguard/internal/detector"
	"github.com/kubilitics/kubilitics-flowguard/internal/selection"
)

// base holds what every algorithm needs: the distributions and the flags.
type base struct {
	windows  [][]float64
	baseline []float64
	flags    []int
}

func (b *base) SetDetectResult(flags []int) error {
	if len(flags) != len(b.windows) {
		return fmt.Errorf("%d detect flags for %d windows", len(flags), len(b.windows))
	}
	for i, f := range flags {
		if f != 0 && f != 1 {
			return fmt.Errorf("detect flag %d is %d, want 0 or 1", i, f)
		}
	}
	b.flags = append([]int(nil), flags...)
	return nil
}

func (b *base) checkAbnormal(abnormal []int) error {
	if len(abnormal) == 0 {
		return ErrEmptyAbnormalSet
	}
	for _, w := range abnormal {
		if w < 0 || w >= len(b.windows) {
			return fmt.Errorf("abnormal window %d outside [0, %d)", w, len(b.windows))
		}
	}
	return nil
}

// normal returns the windows flagged 0. Without flags every window outside
// abnormal counts as normal.
func (b *base) normal(abnormal []int) []int {
	flags := b.flags
	if flags == nil {
		flags = make([]int, len(b.windows))
		for _, w := range abnormal {
			flags[w] = 1
		}
	}
	var out []int
	for w, f := range flags {
		if f == 0 {
			out = append(out, w)
		}
	}
	return out
}

// rank selects the items meeting criteria and orders them by score.
func rank(scores []float64, criteria selection.Criteria) ([]Ranked, error) {
	idx, err := selection.Select(scores, criteria)
	if err != nil {
		return nil, err
	}
	out := make([]Ranked, len(idx))
	for i, item := range idx {
		out[i] = Ranked{Item: item, Score: scores[item]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// component scores an item by its mean term of the divergence sum over the
// abnormal windows.
type component struct{ base }

func newComponent(windows [][]float64, baseline []float64) Algorithm {
	return &component{base{windows: windows, baseline: baseline}}
}

func (*component) Name() string { return AlgorithmComponent }

func (a *component) FilterStates(abnormal []int, criteria selection.Criteria) ([]Ranked, error) {
	if err := a.checkAbnormal(abnormal); err != nil {
		return nil, err
	}
	scores := make([]float64, len(a.baseline))
	for _, w := range abnormal {
		for x, nu := range a.windows[w] {
			scores[x] += detector.Contribution(nu, a.baseline[x])
		}
	}
	for x := range scores {
		scores[x] /= float64(len(abnormal))
	}
	return rank(scores, criteria)
}

// massShift scores an item by how much more mass it carries in abnormal
// windows than in normal ones.
type massShift struct{ base }

func newMassShift(windows [][]float64, baseline []float64) Algorithm {
	return &massShift{base{windows: windows, baseline: baseline}}
}

func (*massShift) Name() string { return AlgorithmMassShift }

func (a *massShift) FilterStates(abnormal []int, criteria selection.Criteria) ([]Ranked, error) {
	if err := a.checkAbnormal(abnormal); err != nil {
		return nil, err
	}
	reference := a.baseline
	if normal := a.normal(abnormal); len(normal) > 0 {
		reference = a.mean(normal)
	}
	scores := a.mean(abnormal)
	for x := range scores {
		scores[x] -= reference[x]
	}
	return rank(scores, criteria)
}

func (a *massShift) mean(windows []int) []float64 {
	out := make([]float64, len(a.baseline))
	for _, w := range windows {
		for x, v := range a.windows[w] {
			out[x] += v
		}
	}
	for x := range out {
		out[x] /= float64(len(windows))
	}
	return out
}
