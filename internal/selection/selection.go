package selection

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrThresholdLength is returned when a per-window threshold sequence does
	// not line up with the score sequence.
	ErrThresholdLength = errors.New("threshold sequence length mismatch")

	// ErrInvalidCriteria is returned for criteria that cannot select anything
	// meaningful (no criterion, count <= 0, count above the score count, portion
	// outside [0, 1], NaN scores).
	ErrInvalidCriteria = errors.New("invalid selection criteria")
)

// Criteria chooses which scores count as abnormal. The first criterion set in
// priority order wins: Threshold/Thresholds, then Portion, then Count.
type Criteria struct {
	// Threshold selects every score >= *Threshold.
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`

	// Thresholds selects score[i] >= Thresholds[i]; it must be as long as the scores.
	Thresholds []float64 `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Portion turns into Count = floor(len(scores) * Portion).
	Portion *float64 `json:"portion,omitempty" yaml:"portion,omitempty"`

	// Count selects every score at or above the Count-th largest score.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`
}

// ByThreshold selects scores at or above t.
func ByThreshold(t float64) Criteria { return Criteria{Threshold: &t} }

// ByThresholds selects score[i] at or above ts[i].
func ByThresholds(ts []float64) Criteria { return Criteria{Thresholds: ts} }

// ByPortion selects the top portion p of the scores.
func ByPortion(p float64) Criteria { return Criteria{Portion: &p} }

// ByCount selects the top k scores, ties included.
func ByCount(k int) Criteria { return Criteria{Count: k} }

// IsZero reports whether no criterion is set.
func (c Criteria) IsZero() bool {
	return c.Threshold == nil && c.Thresholds == nil && c.Portion == nil && c.Count == 0
}

func (c Criteria) String() string {
	switch {
	case c.Thresholds != nil:
		return fmt.Sprintf("per-window thresholds (%d)", len(c.Thresholds))
	case c.Threshold != nil:
		return fmt.Sprintf("threshold %g", *c.Threshold)
	case c.Portion != nil:
		return fmt.Sprintf("top portion %g", *c.Portion)
	default:
		return fmt.Sprintf("top %d", c.Count)
	}
}

// Select returns, in ascending order, the indices of the scores that satisfy c.
func Select(scores []float64, c Criteria) ([]int, error) {
	for i, s := range scores {
		if math.IsNaN(s) {
			return nil, fmt.Errorf("%w: score[%d] is NaN", ErrInvalidCriteria, i)
		}
	}

	if c.Thresholds != nil {
		if len(c.Thresholds) != len(scores) {
			return nil, fmt.Errorf("%w: %d thresholds for %d scores", ErrThresholdLength, len(c.Thresholds), len(scores))
		}
		var idx []int
		for i, s := range scores {
			if s >= c.Thresholds[i] {
				idx = append(idx, i)
			}
		}
		return idx, nil
	}

	var threshold float64
	switch {
	case c.Threshold != nil:
		threshold = *c.Threshold
	default:
		k, err := topCount(len(scores), c)
		if err != nil {
			return nil, err
		}
		sorted := append([]float64(nil), scores...)
		sort.Float64s(sorted)
		threshold = sorted[len(sorted)-k]
	}

	var idx []int
	for i, s := range scores {
		if s >= threshold {
			idx = append(idx, i)
		}
	}
	return idx, nil
}

func topCount(n int, c Criteria) (int, error) {
	k := c.Count
	if c.Portion != nil {
		p := *c.Portion
		if p < 0 || p > 1 || math.IsNaN(p) {
			return 0, fmt.Errorf("%w: portion %g outside [0, 1]", ErrInvalidCriteria, p)
		}
		k = int(math.Floor(float64(n) * p))
	}
	if c.IsZero() {
		return 0, fmt.Errorf("%w: no criterion set", ErrInvalidCriteria)
	}
	if k <= 0 {
		return 0, fmt.Errorf("%w: selecting %d of %d scores", ErrInvalidCriteria, k, n)
	}
	if k > n {
		return 0, fmt.Errorf("%w: selecting %d of only %d scores", ErrInvalidCriteria, k, n)
	}
	return k, nil
}
