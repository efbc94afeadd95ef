package detector

import (
	"errors"
	"fmt"
	"math"

	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
)

// Package detector provides divergence-based anomaly detection over a flow corpus.
//
// Responsibilities:
//   - Slide a window along the time or flow axis of a DataSource
//   - Compute the nominal baseline measure once per run
//   - Score every window against the baseline with a pluggable divergence strategy
//   - Keep the ordered, append-only sequence of detection records
//   - Map record indices back to flow ranges
//   - Calibrate per-window Hoeffding thresholds
//
// Divergence Strategies:
//
//   1. Model-free (mf)
//      - Measure: PMF over quantized flow states
//      - Score: KL divergence D(window || baseline)
//
//   2. Model-based (mb)
//      - Measure: transition matrix + marginal over flow states
//      - Score: KL divergence of the joint state-pair distributions
//
//   3. Combined (mfmb)
//      - Measure: all of the above
//      - Score: the pair (mf, mb), both always evaluated
//
// Failure Handling:
//   - flow.ErrNoDataInRange: the window is skipped and leaves no record
//   - flow.ErrDataExhausted: the scan stops, accumulated records are returned
//   - everything else aborts the run
//
// A Detector is not safe for concurrent use.

// Component names one score of a detection strategy.
type Component string

const (
	// ModelFree is the PMF divergence component.
	ModelFree Component = "mf"
	// ModelBased is the transition divergence component.
	ModelBased Component = "mb"
)

var (
	// ErrUnknownStrategy is returned for a strategy name missing from the registry.
	ErrUnknownStrategy = errors.New("unknown detection strategy")

	// ErrUnknownComponent is returned when a score does not carry the requested component.
	ErrUnknownComponent = errors.New("score component not produced by strategy")

	// ErrNoBaseline is returned when records are queried before a run.
	ErrNoBaseline = errors.New("detector has not run")

	// ErrRecordIndex is returned for a record index outside the recorded sequence.
	ErrRecordIndex = errors.New("record index out of range")
)

// FlowRateFeature is the feature key whose presence delays the first window
// by the flow-rate sub-window size.
const FlowRateFeature = "flow_rate"

// Config is the immutable configuration of one detection run.
type Config struct {
	// WinType is the axis windows are measured on.
	WinType flow.AxisType `json:"win_type" yaml:"win_type"`

	// WinSize is the window width on the axis.
	WinSize float64 `json:"win_size" yaml:"win_size"`

	// Interval is the step between consecutive window starts.
	Interval float64 `json:"interval" yaml:"interval"`

	// NormalRange is the nominal range the baseline is computed over.
	NormalRange flow.Range `json:"normal_rg" yaml:"normal_rg"`

	// MaxDetectNum caps the number of attempted windows; 0 scans until exhaustion.
	MaxDetectNum int `json:"max_detect_num,omitempty" yaml:"max_detect_num,omitempty"`

	// FeatureOption maps enabled feature names to their quantization levels.
	FeatureOption map[string]int `json:"fea_option" yaml:"fea_option"`

	// FlowRateWinSize is the flow-rate sub-window size, used as the initial
	// cursor when FeatureOption enables flow_rate.
	FlowRateWinSize float64 `json:"fr_win_size,omitempty" yaml:"fr_win_size,omitempty"`
}

// Validate checks the configuration for values the scan cannot work with.
func (c Config) Validate() error {
	if _, err := flow.ParseAxisType(string(c.WinType)); err != nil {
		return err
	}
	if !(c.WinSize > 0) || math.IsInf(c.WinSize, 0) {
		return fmt.Errorf("win_size must be positive, got %g", c.WinSize)
	}
	if !(c.Interval > 0) || math.IsInf(c.Interval, 0) {
		return fmt.Errorf("interval must be positive, got %g", c.Interval)
	}
	if !(c.NormalRange.End > c.NormalRange.Start) {
		return fmt.Errorf("normal_rg %s is empty", c.NormalRange)
	}
	if c.MaxDetectNum < 0 {
		return fmt.Errorf("max_detect_num must not be negative, got %d", c.MaxDetectNum)
	}
	if c.FlowRateWinSize < 0 {
		return fmt.Errorf("fr_win_size must not be negative, got %g", c.FlowRateWinSize)
	}
	return nil
}

// InitialOffset is where the first window starts.
func (c Config) InitialOffset() float64 {
	if _, ok := c.FeatureOption[FlowRateFeature]; ok {
		return c.FlowRateWinSize
	}
	return 0
}

// Score is the divergence of one window. Components lists which of the
// values the producing strategy filled in.
type Score struct {
	ModelFree  float64     `json:"mf,omitempty" yaml:"mf,omitempty"`
	ModelBased float64     `json:"mb,omitempty" yaml:"mb,omitempty"`
	Components []Component `json:"components" yaml:"components"`
}

// Value returns the requested component.
func (s Score) Value(c Component) (float64, error) {
	for _, have := range s.Components {
		if have != c {
			continue
		}
		if c == ModelFree {
			return s.ModelFree, nil
		}
		return s.ModelBased, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownComponent, c)
}

func (s Score) String() string {
	switch len(s.Components) {
	case 1:
		v, _ := s.Value(s.Components[0])
		return fmt.Sprintf("%g", v)
	case 2:
		return fmt.Sprintf("(%g, %g)", s.ModelFree, s.ModelBased)
	}
	return "()"
}

// Record is the outcome of one scored window.
type Record struct {
	// Window is the position of the window in the scan, counting skipped ones.
	Window int `json:"window" yaml:"window"`

	// WindowStart is the window's start coordinate on the configured axis.
	WindowStart float64 `json:"window_start" yaml:"window_start"`

	Score Score `json:"score" yaml:"score"`

	// Threshold is 0 until calibrated.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	Measure flow.EmpiricalMeasure `json:"-" yaml:"-"`
}
