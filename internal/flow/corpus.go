package flow

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// maxStates caps the size of the hashed state space. A stored transition row
// is maxStates wide, so one window's matrix stays under
// min(flows-1, maxStates) * maxStates * 8 bytes (8 MiB).
const maxStates = 1 << 10

// Record is one flow with its already-extracted feature values.
type Record struct {
	Seq       int       `json:"seq"`
	Timestamp float64   `json:"ts"`
	Features  []float64 `json:"features"`
}

// Corpus is an in-memory, indexed flow table implementing DataSource.
// Flow sequence numbers are row positions; rows must be ordered by timestamp.
type Corpus struct {
	names     []string
	records   []Record
	quantizer *quantizer
	states    []State
}

var _ DataSource = (*Corpus)(nil)

// NewCorpus indexes records and quantizes them into states.
// options maps a feature name to its number of quantization levels; only the
// listed features contribute to the state label.
func NewCorpus(names []string, records []Record, options map[string]int) (*Corpus, error) {
	for i, rec := range records {
		if len(rec.Features) != len(names) {
			return nil, fmt.Errorf("flow %d has %d features, want %d", i, len(rec.Features), len(names))
		}
		if i > 0 && rec.Timestamp < records[i-1].Timestamp {
			return nil, fmt.Errorf("flow %d timestamp %g precedes flow %d timestamp %g",
				i, rec.Timestamp, i-1, records[i-1].Timestamp)
		}
	}

	q, err := newQuantizer(names, records, options)
	if err != nil {
		return nil, err
	}

	c := &Corpus{
		names:     append([]string(nil), names...),
		records:   make([]Record, len(records)),
		quantizer: q,
		states:    make([]State, len(records)),
	}
	for i, rec := range records {
		rec.Seq = i
		c.records[i] = rec
		c.states[i] = q.state(rec.Features)
	}
	return c, nil
}

// Len returns the number of flows in the corpus.
func (c *Corpus) Len() int { return len(c.records) }

// NumStates returns the size of the quantized state space.
func (c *Corpus) NumStates() int { return c.quantizer.numStates }

// FeatureNames returns the feature column names.
func (c *Corpus) FeatureNames() []string {
	return append([]string(nil), c.names...)
}

// EmpiricalMeasure computes the state PMF, the transition matrix over
// consecutive flows and the marginal of transition origins for rg.
func (c *Corpus) EmpiricalMeasure(ctx context.Context, rg Range, axis AxisType) (EmpiricalMeasure, error) {
	if err := ctx.Err(); err != nil {
		return EmpiricalMeasure{}, err
	}
	lo, hi, err := c.locate(rg, axis)
	if err != nil {
		return EmpiricalMeasure{}, err
	}
	if hi <= lo {
		return EmpiricalMeasure{}, fmt.Errorf("%w: %s on %s axis", ErrNoDataInRange, rg, axis)
	}

	n := c.quantizer.numStates
	window := c.states[lo:hi]

	pmf := make(PMF, n)
	for _, s := range window {
		pmf[s]++
	}
	normalize(pmf, float64(len(window)))

	transition := make(TransitionMatrix, n)
	marginal := make(PMF, n)
	for k := 0; k+1 < len(window); k++ {
		from := window[k]
		if transition[from] == nil {
			transition[from] = make([]float64, n)
		}
		transition[from][window[k+1]]++
		marginal[from]++
	}
	for i, row := range transition {
		if row != nil {
			normalize(row, marginal[i])
		}
	}

	if pairs := len(window) - 1; pairs > 0 {
		normalize(marginal, float64(pairs))
	} else {
		copy(marginal, pmf)
	}

	return EmpiricalMeasure{PMF: pmf, Transition: transition, Marginal: marginal}, nil
}

// ResolveFlowRange maps rg to the sequence numbers of the flows inside it.
func (c *Corpus) ResolveFlowRange(ctx context.Context, rg Range, axis AxisType) (FlowRange, error) {
	if err := ctx.Err(); err != nil {
		return FlowRange{}, err
	}
	lo, hi, err := c.locate(rg, axis)
	if err != nil {
		return FlowRange{}, err
	}
	return FlowRange{Start: lo, End: hi}, nil
}

// FeatureSlice returns copies of the feature rows inside rg.
func (c *Corpus) FeatureSlice(ctx context.Context, rg Range, axis AxisType) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lo, hi, err := c.locate(rg, axis)
	if err != nil {
		return nil, err
	}
	rows := make([][]float64, 0, hi-lo)
	for _, rec := range c.records[lo:hi] {
		rows = append(rows, append([]float64(nil), rec.Features...))
	}
	return rows, nil
}

// QuantizedStates returns the state label of every flow in fr.
func (c *Corpus) QuantizedStates(ctx context.Context, fr FlowRange) ([]State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fr.Start < 0 || fr.End < fr.Start {
		return nil, fmt.Errorf("invalid flow range [%d, %d)", fr.Start, fr.End)
	}
	if fr.Start >= len(c.states) {
		return nil, fmt.Errorf("%w: flow %d of %d", ErrDataExhausted, fr.Start, len(c.states))
	}
	end := fr.End
	if end > len(c.states) {
		end = len(c.states)
	}
	return append([]State(nil), c.states[fr.Start:end]...), nil
}

// locate returns the row span [lo, hi) covered by rg.
func (c *Corpus) locate(rg Range, axis AxisType) (int, int, error) {
	n := len(c.records)
	switch axis {
	case AxisFlow:
		start := int(math.Ceil(rg.Start))
		end := int(math.Ceil(rg.End))
		if start >= n {
			return 0, 0, fmt.Errorf("%w: flow %d of %d", ErrDataExhausted, start, n)
		}
		if start < 0 {
			start = 0
		}
		if end > n {
			end = n
		}
		if end < start {
			end = start
		}
		return start, end, nil
	case AxisTime:
		if n == 0 || rg.Start > c.records[n-1].Timestamp {
			return 0, 0, fmt.Errorf("%w: time %g", ErrDataExhausted, rg.Start)
		}
		lo := sort.Search(n, func(i int) bool { return c.records[i].Timestamp >= rg.Start })
		hi := sort.Search(n, func(i int) bool { return c.records[i].Timestamp >= rg.End })
		if hi < lo {
			hi = lo
		}
		return lo, hi, nil
	default:
		return 0, 0, fmt.Errorf("%w: %q", ErrUnsupportedAxisType, axis)
	}
}

func normalize(v []float64, total float64) {
	for i := range v {
		v[i] /= total
	}
}

