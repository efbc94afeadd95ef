package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// alternatingCorpus builds flows whose flow_size alternates between the two
// quantization bins, so states go 0, 1, 0, 1, ...
func alternatingCorpus(t *testing.T, timestamps ...float64) *Corpus {
	t.Helper()
	records := make([]Record, len(timestamps))
	for i, ts := range timestamps {
		size := 0.0
		if i%2 == 1 {
			size = 10
		}
		records[i] = Record{Timestamp: ts, Features: []float64{size, 1.5}}
	}
	c, err := NewCorpus([]string{"flow_size", "duration"}, records, map[string]int{"flow_size": 2})
	require.NoError(t, err)
	return c
}

func TestNewCorpusValidation(t *testing.T) {
	names := []string{"flow_size", "duration"}
	tests := []struct {
		name    string
		records []Record
		options map[string]int
		errMsg  string
	}{
		{
			name:    "feature count mismatch",
			records: []Record{{Timestamp: 0, Features: []float64{1}}},
			options: map[string]int{"flow_size": 2},
			errMsg:  "has 1 features, want 2",
		},
		{
			name: "unsorted timestamps",
			records: []Record{
				{Timestamp: 5, Features: []float64{1, 1}},
				{Timestamp: 4, Features: []float64{1, 1}},
			},
			options: map[string]int{"flow_size": 2},
			errMsg:  "precedes",
		},
		{
			name:    "unknown feature",
			records: []Record{{Timestamp: 0, Features: []float64{1, 1}}},
			options: map[string]int{"dist_to_center": 2},
			errMsg:  "not a corpus column",
		},
		{
			name:    "zero level",
			records: []Record{{Timestamp: 0, Features: []float64{1, 1}}},
			options: map[string]int{"flow_size": 0},
			errMsg:  "at least 1",
		},
		{
			name:    "no features",
			records: []Record{{Timestamp: 0, Features: []float64{1, 1}}},
			options: nil,
			errMsg:  "no quantized features",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCorpus(names, tt.records, tt.options)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestQuantizationMixedRadix(t *testing.T) {
	records := []Record{
		{Timestamp: 0, Features: []float64{0, 0}},
		{Timestamp: 1, Features: []float64{10, 0}},
		{Timestamp: 2, Features: []float64{0, 9}},
		{Timestamp: 3, Features: []float64{10, 9}},
	}
	c, err := NewCorpus([]string{"flow_size", "duration"}, records, map[string]int{"flow_size": 2, "duration": 3})
	require.NoError(t, err)
	assert.Equal(t, 6, c.NumStates())

	states, err := c.QuantizedStates(context.Background(), FlowRange{Start: 0, End: 4})
	require.NoError(t, err)
	// flow_size bin * 3 + duration bin
	assert.Equal(t, []State{0, 3, 2, 5}, states)
}

func TestEmpiricalMeasureFlowAxis(t *testing.T) {
	c := alternatingCorpus(t, 0, 1, 2, 3, 4, 5)

	em, err := c.EmpiricalMeasure(context.Background(), Range{Start: 0, End: 4}, AxisFlow)
	require.NoError(t, err)
	require.NoError(t, em.Validate())

	assert.InDeltaSlice(t, []float64{0.5, 0.5}, em.PMF, 1e-12)
	assert.InDeltaSlice(t, []float64{0, 1}, em.Transition[0], 1e-12)
	assert.InDeltaSlice(t, []float64{1, 0}, em.Transition[1], 1e-12)
	// origins of the three transitions: 0, 1, 0
	assert.InDeltaSlice(t, []float64{2.0 / 3, 1.0 / 3}, em.Marginal, 1e-12)
}

func TestEmpiricalMeasureSingleFlow(t *testing.T) {
	c := alternatingCorpus(t, 0, 1, 2)

	em, err := c.EmpiricalMeasure(context.Background(), Range{Start: 1, End: 2}, AxisFlow)
	require.NoError(t, err)
	require.NoError(t, em.Validate())
	assert.Equal(t, PMF{0, 1}, em.PMF)
	assert.Equal(t, em.PMF, em.Marginal)
	// no transitions observed: no row is stored and every row reads as uniform
	assert.Zero(t, em.Transition.StoredRows())
	assert.Equal(t, 0.5, em.Transition.At(1, 0))
	assert.Equal(t, 0.5, em.Transition.At(1, 1))
}

func TestEmpiricalMeasureStoresVisitedRowsOnly(t *testing.T) {
	// three features of 4, 16 and 16 levels: 1024 states, the largest allowed
	records := make([]Record, 200)
	for i := range records {
		records[i] = Record{Timestamp: float64(i), Features: []float64{float64(i % 4), float64(i % 16), float64(i % 3)}}
	}
	c, err := NewCorpus([]string{"a", "b", "c"}, records, map[string]int{"a": 4, "b": 16, "c": 16})
	require.NoError(t, err)
	require.Equal(t, maxStates, c.NumStates())

	em, err := c.EmpiricalMeasure(context.Background(), Range{Start: 0, End: 10}, AxisFlow)
	require.NoError(t, err)
	require.NoError(t, em.Validate())
	assert.Len(t, em.Transition, maxStates)
	// ten flows leave at most nine distinct states
	assert.LessOrEqual(t, em.Transition.StoredRows(), 9)
	assert.Positive(t, em.Transition.StoredRows())

	// one level more is rejected
	_, err = NewCorpus([]string{"a", "b", "c"}, records, map[string]int{"a": 5, "b": 16, "c": 16})
	assert.ErrorContains(t, err, "exceeds")
}

func TestEmpiricalMeasureTimeAxis(t *testing.T) {
	c := alternatingCorpus(t, 0, 1, 2, 3, 10, 11)
	ctx := context.Background()

	fr, err := c.ResolveFlowRange(ctx, Range{Start: 1.5, End: 3.5}, AxisTime)
	require.NoError(t, err)
	assert.Equal(t, FlowRange{Start: 2, End: 4}, fr)

	_, err = c.EmpiricalMeasure(ctx, Range{Start: 4, End: 9}, AxisTime)
	assert.ErrorIs(t, err, ErrNoDataInRange)

	_, err = c.EmpiricalMeasure(ctx, Range{Start: 12, End: 20}, AxisTime)
	assert.ErrorIs(t, err, ErrDataExhausted)
}

func TestEmpiricalMeasureExhaustedFlowAxis(t *testing.T) {
	c := alternatingCorpus(t, 0, 1, 2, 3)

	_, err := c.EmpiricalMeasure(context.Background(), Range{Start: 4, End: 8}, AxisFlow)
	assert.ErrorIs(t, err, ErrDataExhausted)

	// a window overlapping the end is clipped, not exhausted
	em, err := c.EmpiricalMeasure(context.Background(), Range{Start: 2, End: 8}, AxisFlow)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, em.PMF, 1e-12)
}

func TestUnsupportedAxis(t *testing.T) {
	c := alternatingCorpus(t, 0, 1)

	_, err := c.EmpiricalMeasure(context.Background(), Range{Start: 0, End: 1}, AxisType("packet"))
	assert.ErrorIs(t, err, ErrUnsupportedAxisType)

	_, err = ParseAxisType("packet")
	assert.ErrorIs(t, err, ErrUnsupportedAxisType)

	axis, err := ParseAxisType("flow")
	require.NoError(t, err)
	assert.Equal(t, AxisFlow, axis)
}

func TestFeatureSliceCopiesRows(t *testing.T) {
	c := alternatingCorpus(t, 0, 1, 2)

	rows, err := c.FeatureSlice(context.Background(), Range{Start: 0, End: 2}, AxisFlow)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []float64{10, 1.5}, rows[1])

	rows[1][0] = -1
	again, err := c.FeatureSlice(context.Background(), Range{Start: 1, End: 2}, AxisFlow)
	require.NoError(t, err)
	assert.Equal(t, 10.0, again[0][0])
}

func TestQuantizedStatesBounds(t *testing.T) {
	c := alternatingCorpus(t, 0, 1, 2)
	ctx := context.Background()

	states, err := c.QuantizedStates(ctx, FlowRange{Start: 1, End: 10})
	require.NoError(t, err)
	assert.Equal(t, []State{1, 0}, states)

	_, err = c.QuantizedStates(ctx, FlowRange{Start: 3, End: 4})
	assert.ErrorIs(t, err, ErrDataExhausted)

	_, err = c.QuantizedStates(ctx, FlowRange{Start: 2, End: 1})
	assert.Error(t, err)
}

func TestContextCancelled(t *testing.T) {
	c := alternatingCorpus(t, 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.EmpiricalMeasure(ctx, Range{Start: 0, End: 1}, AxisFlow)
	assert.ErrorIs(t, err, context.Canceled)
}
