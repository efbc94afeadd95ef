package ident

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kubilitics/kubilitics-flowguard/internal/selection"
)

// Package ident ranks the flow states or state transitions behind abnormal windows.
//
// Responsibilities:
//   - Turn per-window measures into item distributions (states, or state pairs)
//   - Rank items with a pluggable algorithm chosen by registry key
//   - Filter the ranking with the same criteria as abnormal-window selection
//
// Modes:
//   - mf: items are states, distributions are the window PMFs
//   - mb: items are state pairs (i, j), distributions are the joint
//     marginal[i] * transition[i][j], flattened row-major
//
// Algorithms:
//   - component: mean divergence contribution nu(x) ln(nu(x)/mu(x)) over the abnormal windows
//   - mass_shift: mean abnormal-window mass minus mean normal-window mass

// Mode selects what an item is.
type Mode string

const (
	// ModeModelFree ranks single states.
	ModeModelFree Mode = "mf"
	// ModeModelBased ranks state transitions.
	ModeModelBased Mode = "mb"
)

var (
	// ErrEmptyAbnormalSet is returned when there is nothing to explain.
	ErrEmptyAbnormalSet = errors.New("abnormal window set is empty")

	// ErrUnknownAlgorithm is returned for an algorithm missing from the registry.
	ErrUnknownAlgorithm = errors.New("unknown identification algorithm")

	// ErrUnknownMode is returned for a mode other than mf or mb.
	ErrUnknownMode = errors.New("unknown identification mode")
)

// ParseMode converts a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeModelFree, ModeModelBased:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Ranked is one item with its contribution score.
type Ranked struct {
	Item  int
	Score float64
}

// Algorithm ranks the items of a set of window distributions against a baseline.
type Algorithm interface {
	// Name returns the registry key.
	Name() string

	// SetDetectResult records which windows were flagged (1) or not (0).
	SetDetectResult(flags []int) error

	// FilterStates returns the items selected by criteria among the scores
	// computed over the abnormal windows, highest score first.
	FilterStates(abnormal []int, criteria selection.Criteria) ([]Ranked, error)
}

// Constructor builds an algorithm from per-window item distributions and the
// baseline distribution.
type Constructor func(windows [][]float64, baseline []float64) Algorithm

// Registry keys.
const (
	AlgorithmComponent = "component"
	AlgorithmMassShift = "mass_shift"
)

var algorithms = map[string]Constructor{
	AlgorithmComponent: newComponent,
	AlgorithmMassShift: newMassShift,
}

// Lookup resolves an algorithm constructor by registry key.
func Lookup(name string) (Constructor, error) {
	ctor, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownAlgorithm, name, AlgorithmNames())
	}
	return ctor, nil
}

// AlgorithmNames returns the registry keys in sorted order.
func AlgorithmNames() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contributor is an identified state, or a transition when Transition is set.
type Contributor struct {
	State      int     `json:"state" yaml:"state"`
	Next       int     `json:"next,omitempty" yaml:"next,omitempty"`
	Transition bool    `json:"transition,omitempty" yaml:"transition,omitempty"`
	Score      float64 `json:"score" yaml:"score"`
}

func (c Contributor) String() string {
	if c.Transition {
		return fmt.Sprintf("%d->%d", c.State, c.Next)
	}
	return fmt.Sprintf("%d", c.State)
}
