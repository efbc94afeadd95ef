package flow

import (
	"fmt"
	"math"
)

// quantizer maps a feature vector to a single state label. Each selected
// feature is binned uniformly between its corpus-wide min and max, and the
// bins are combined in mixed radix, first selected feature most significant.
type quantizer struct {
	columns   []int
	levels    []int
	mins      []float64
	maxs      []float64
	numStates int
}

func newQuantizer(names []string, records []Record, options map[string]int) (*quantizer, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("no quantized features configured")
	}
	index := make(map[string]int, len(names))
	for i, name := range names {
		index[name] = i
	}
	for name, lv := range options {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("quantized feature %q is not a corpus column", name)
		}
		if lv < 1 {
			return nil, fmt.Errorf("feature %q: quantization level must be at least 1, got %d", name, lv)
		}
	}

	q := &quantizer{numStates: 1}
	// Walk names, not the map, so the radix order is stable.
	for i, name := range names {
		lv, ok := options[name]
		if !ok {
			continue
		}
		q.columns = append(q.columns, i)
		q.levels = append(q.levels, lv)
		q.numStates *= lv
		if q.numStates > maxStates {
			return nil, fmt.Errorf("quantized state space exceeds %d states", maxStates)
		}
	}

	q.mins = make([]float64, len(q.columns))
	q.maxs = make([]float64, len(q.columns))
	for k := range q.columns {
		q.mins[k] = math.Inf(1)
		q.maxs[k] = math.Inf(-1)
	}
	for _, rec := range records {
		for k, col := range q.columns {
			v := rec.Features[col]
			q.mins[k] = math.Min(q.mins[k], v)
			q.maxs[k] = math.Max(q.maxs[k], v)
		}
	}
	return q, nil
}

func (q *quantizer) state(features []float64) State {
	s := 0
	for k, col := range q.columns {
		s = s*q.levels[k] + q.bin(k, features[col])
	}
	return State(s)
}

func (q *quantizer) bin(k int, v float64) int {
	lv := q.levels[k]
	span := q.maxs[k] - q.mins[k]
	if span <= 0 || math.IsNaN(v) {
		return 0
	}
	b := int((v - q.mins[k]) / span * float64(lv))
	if b >= lv {
		b = lv - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}
