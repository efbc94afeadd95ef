package flow

import "context"

// Package flow holds the flow corpus the detectors scan.
//
// Responsibilities:
//   - Define the window axes (time, flow) and the range types on them
//   - Define the empirical measures computed per window (PMF, transition matrix, marginal)
//   - Define the DataSource contract the detectors pull windows from
//   - Provide an in-memory, already-indexed corpus implementing DataSource
//
// Failure signals:
//   - ErrNoDataInRange: the window is empty right now; the caller skips it
//   - ErrDataExhausted: the window lies beyond the data; the caller stops scanning
//
// The corpus does not parse packets or engineer features. Rows arrive with
// their feature values already extracted; the corpus only quantizes them into
// discrete states and counts.

// DataSource is the feature-extraction collaborator a detector reads from.
type DataSource interface {
	// EmpiricalMeasure summarizes the flows inside rg.
	// Returns ErrNoDataInRange or ErrDataExhausted as described above.
	EmpiricalMeasure(ctx context.Context, rg Range, axis AxisType) (EmpiricalMeasure, error)

	// ResolveFlowRange maps rg to the sequence numbers of the flows inside it.
	ResolveFlowRange(ctx context.Context, rg Range, axis AxisType) (FlowRange, error)

	// FeatureSlice returns the raw feature rows of the flows inside rg, in
	// FeatureNames order.
	FeatureSlice(ctx context.Context, rg Range, axis AxisType) ([][]float64, error)

	// FeatureNames returns the feature column names.
	FeatureNames() []string

	// QuantizedStates returns one state label per flow in fr.
	QuantizedStates(ctx context.Context, fr FlowRange) ([]State, error)
}
