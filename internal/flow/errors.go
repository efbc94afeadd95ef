package flow

import "errors"

var (
	// ErrNoDataInRange is returned when the queried window currently holds no
	// flows. Detectors skip the window and move on.
	ErrNoDataInRange = errors.New("no flow data in range")

	// ErrDataExhausted is returned when the queried window starts beyond the
	// last flow of the corpus. Detectors stop scanning.
	ErrDataExhausted = errors.New("flow data exhausted")

	// ErrUnsupportedAxisType is returned for any window axis other than time or flow.
	ErrUnsupportedAxisType = errors.New("unsupported axis type")

	// ErrInvalidMeasure is returned for probabilities that are negative, NaN or
	// do not sum to one.
	ErrInvalidMeasure = errors.New("invalid empirical measure")

	// ErrDimensionMismatch is returned when two measures are defined over
	// different state spaces.
	ErrDimensionMismatch = errors.New("measure dimension mismatch")
)
