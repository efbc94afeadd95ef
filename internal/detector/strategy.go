package detector

import (
	"context"
	"fmt"
	"sort"

	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
)

// Strategy computes the per-window measure and the divergence score of one
// detector family. The driver holds one Strategy and never inspects its type.
type Strategy interface {
	// Name returns the registry key.
	Name() string

	// Components lists the score components Score fills in.
	Components() []Component

	// ExtractMeasure pulls the measure this strategy needs for rg.
	ExtractMeasure(ctx context.Context, src flow.DataSource, rg flow.Range, axis flow.AxisType) (flow.EmpiricalMeasure, error)

	// Score compares a window measure against the baseline.
	Score(window, baseline flow.EmpiricalMeasure) (Score, error)
}

// Registry keys.
const (
	StrategyModelFree  = "mf"
	StrategyModelBased = "mb"
	StrategyCombined   = "mfmb"
)

var strategies = map[string]func() Strategy{
	StrategyModelFree:  func() Strategy { return modelFree{} },
	StrategyModelBased: func() Strategy { return modelBased{} },
	StrategyCombined:   func() Strategy { return combined{} },
}

// NewStrategy resolves a strategy by registry key.
func NewStrategy(name string) (Strategy, error) {
	ctor, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownStrategy, name, StrategyNames())
	}
	return ctor(), nil
}

// StrategyNames returns the registry keys in sorted order.
func StrategyNames() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type modelFree struct{}

func (modelFree) Name() string            { return StrategyModelFree }
func (modelFree) Components() []Component { return []Component{ModelFree} }

func (modelFree) ExtractMeasure(ctx context.Context, src flow.DataSource, rg flow.Range, axis flow.AxisType) (flow.EmpiricalMeasure, error) {
	em, err := src.EmpiricalMeasure(ctx, rg, axis)
	if err != nil {
		return flow.EmpiricalMeasure{}, err
	}
	if !em.HasModelFree() {
		return flow.EmpiricalMeasure{}, fmt.Errorf("%w: data source returned no pmf", flow.ErrInvalidMeasure)
	}
	return flow.EmpiricalMeasure{PMF: em.PMF}, nil
}

func (modelFree) Score(window, baseline flow.EmpiricalMeasure) (Score, error) {
	d, err := KL(window.PMF, baseline.PMF)
	if err != nil {
		return Score{}, fmt.Errorf("model-free divergence: %w", err)
	}
	return Score{ModelFree: d, Components: []Component{ModelFree}}, nil
}

type modelBased struct{}

func (modelBased) Name() string            { return StrategyModelBased }
func (modelBased) Components() []Component { return []Component{ModelBased} }

func (modelBased) ExtractMeasure(ctx context.Context, src flow.DataSource, rg flow.Range, axis flow.AxisType) (flow.EmpiricalMeasure, error) {
	em, err := src.EmpiricalMeasure(ctx, rg, axis)
	if err != nil {
		return flow.EmpiricalMeasure{}, err
	}
	if !em.HasModelBased() {
		return flow.EmpiricalMeasure{}, fmt.Errorf("%w: data source returned no transition model", flow.ErrInvalidMeasure)
	}
	return flow.EmpiricalMeasure{Transition: em.Transition, Marginal: em.Marginal}, nil
}

func (modelBased) Score(window, baseline flow.EmpiricalMeasure) (Score, error) {
	d, err := JointKL(window, baseline)
	if err != nil {
		return Score{}, fmt.Errorf("model-based divergence: %w", err)
	}
	return Score{ModelBased: d, Components: []Component{ModelBased}}, nil
}

type combined struct{}

func (combined) Name() string            { return StrategyCombined }
func (combined) Components() []Component { return []Component{ModelFree, ModelBased} }

func (combined) ExtractMeasure(ctx context.Context, src flow.DataSource, rg flow.Range, axis flow.AxisType) (flow.EmpiricalMeasure, error) {
	em, err := src.EmpiricalMeasure(ctx, rg, axis)
	if err != nil {
		return flow.EmpiricalMeasure{}, err
	}
	if !em.HasModelFree() || !em.HasModelBased() {
		return flow.EmpiricalMeasure{}, fmt.Errorf("%w: data source returned an incomplete measure", flow.ErrInvalidMeasure)
	}
	return em, nil
}

func (combined) Score(window, baseline flow.EmpiricalMeasure) (Score, error) {
	mf, err := modelFree{}.Score(window, baseline)
	if err != nil {
		return Score{}, err
	}
	mb, err := modelBased{}.Score(window, baseline)
	if err != nil {
		return Score{}, err
	}
	return Score{
		ModelFree:  mf.ModelFree,
		ModelBased: mb.ModelBased,
		Components: []Component{ModelFree, ModelBased},
	}, nil
}
