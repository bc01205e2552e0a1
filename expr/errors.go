package expr

import "fmt"

// The pipeline's error taxonomy. Every stage failure is terminal for the
// run; errors identify the stage and the offending parameter and propagate
// unconverted.

// EmptyResultError reports that a filtering stage removed every cell or
// every gene.
type EmptyResultError struct {
	Stage  string
	Detail string
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("%s: no data left after filtering: %s", e.Stage, e.Detail)
}

// DegenerateFeatureError reports a zero-variance gene reaching a stage that
// cannot handle it (e.g. standardization).
type DegenerateFeatureError struct {
	Stage string
	Gene  string
}

func (e *DegenerateFeatureError) Error() string {
	return fmt.Sprintf("%s: gene %q has zero variance", e.Stage, e.Gene)
}

// InsufficientDataError reports a requested component, feature, or neighbor
// count exceeding what the data can support.
type InsufficientDataError struct {
	Stage     string
	Param     string
	Requested int
	Available int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: %s=%d exceeds available %d", e.Stage, e.Param, e.Requested, e.Available)
}

// ConfigurationError reports contradictory or out-of-range option values,
// detected before any stage runs.
type ConfigurationError struct {
	Param  string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Param, e.Detail)
}
