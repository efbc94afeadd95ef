package flow

import (
	"fmt"
	"math"
)

// AxisType selects the coordinate a window is measured on.
type AxisType string

const (
	// AxisTime windows cover a range of flow start timestamps (seconds).
	AxisTime AxisType = "time"
	// AxisFlow windows cover a range of flow sequence numbers.
	AxisFlow AxisType = "flow"
)

// ParseAxisType converts a configuration value into an AxisType.
func ParseAxisType(s string) (AxisType, error) {
	switch AxisType(s) {
	case AxisTime, AxisFlow:
		return AxisType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAxisType, s)
}

// Range is a half-open interval [Start, End) on either axis.
type Range struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g)", r.Start, r.End)
}

// FlowRange is a half-open range of flow sequence numbers.
type FlowRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Len returns the number of flows covered.
func (r FlowRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// State is the hashed quantization label of a flow's feature vector.
type State int

// PMF is a probability mass function indexed by State.
type PMF []float64

// TransitionMatrix holds P[i][j] = Pr(next state j | current state i).
// A nil row belongs to a state that is never left and reads as uniform, so
// a window only materializes the rows of the states its flows leave.
type TransitionMatrix [][]float64

// At returns P[i][j].
func (m TransitionMatrix) At(i, j int) float64 {
	if m[i] == nil {
		return 1 / float64(len(m))
	}
	return m[i][j]
}

// StoredRows returns the number of materialized rows.
func (m TransitionMatrix) StoredRows() int {
	n := 0
	for _, row := range m {
		if row != nil {
			n++
		}
	}
	return n
}

// probTolerance bounds the rounding error accepted when checking that
// probabilities sum to one.
const probTolerance = 1e-6

// Validate checks that p is a probability vector.
func (p PMF) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty pmf", ErrInvalidMeasure)
	}
	sum := 0.0
	for i, v := range p {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: pmf[%d] = %g", ErrInvalidMeasure, i, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > probTolerance {
		return fmt.Errorf("%w: pmf sums to %g", ErrInvalidMeasure, sum)
	}
	return nil
}

// Validate checks that every stored row of m is a probability vector and that m is square.
func (m TransitionMatrix) Validate() error {
	for i, row := range m {
		if row == nil {
			continue
		}
		if len(row) != len(m) {
			return fmt.Errorf("%w: transition row %d has %d columns, want %d", ErrInvalidMeasure, i, len(row), len(m))
		}
		if err := PMF(row).Validate(); err != nil {
			return fmt.Errorf("transition row %d: %w", i, err)
		}
	}
	return nil
}

// EmpiricalMeasure is the statistical summary of the flows in one window.
// Model-free consumers read PMF; model-based consumers read Transition and
// Marginal. A measure extracted for the combined detector carries all three.
type EmpiricalMeasure struct {
	PMF        PMF              `json:"pmf,omitempty" yaml:"pmf,omitempty"`
	Transition TransitionMatrix `json:"transition,omitempty" yaml:"transition,omitempty"`
	Marginal   PMF              `json:"marginal,omitempty" yaml:"marginal,omitempty"`
}

// HasModelFree reports whether the measure carries a state PMF.
func (m EmpiricalMeasure) HasModelFree() bool { return len(m.PMF) > 0 }

// HasModelBased reports whether the measure carries transition parameters.
func (m EmpiricalMeasure) HasModelBased() bool {
	return len(m.Transition) > 0 && len(m.Marginal) > 0
}

// Validate checks every component the measure carries.
func (m EmpiricalMeasure) Validate() error {
	if !m.HasModelFree() && !m.HasModelBased() {
		return fmt.Errorf("%w: measure has no components", ErrInvalidMeasure)
	}
	if m.HasModelFree() {
		if err := m.PMF.Validate(); err != nil {
			return err
		}
	}
	if m.HasModelBased() {
		if len(m.Transition) != len(m.Marginal) {
			return fmt.Errorf("%w: %d transition rows for %d marginal states",
				ErrInvalidMeasure, len(m.Transition), len(m.Marginal))
		}
		if err := m.Transition.Validate(); err != nil {
			return err
		}
		if err := m.Marginal.Validate(); err != nil {
			return fmt.Errorf("marginal: %w", err)
		}
	}
	return nil
}

// Joint returns the state-pair distribution joint[i][j] = marginal[i] * transition[i][j].
func (m EmpiricalMeasure) Joint() ([][]float64, error) {
	if !m.HasModelBased() {
		return nil, fmt.Errorf("%w: measure has no transition parameters", ErrInvalidMeasure)
	}
	if len(m.Transition) != len(m.Marginal) {
		return nil, fmt.Errorf("%w: %d transition rows for %d marginal states",
			ErrDimensionMismatch, len(m.Transition), len(m.Marginal))
	}
	n := len(m.Transition)
	joint := make([][]float64, n)
	for i, row := range m.Transition {
		if row != nil && len(row) != n {
			return nil, fmt.Errorf("%w: transition row %d has %d columns, want %d", ErrDimensionMismatch, i, len(row), n)
		}
		joint[i] = make([]float64, n)
		for j := range joint[i] {
			joint[i][j] = m.Marginal[i] * m.Transition.At(i, j)
		}
	}
	return joint, nil
}
