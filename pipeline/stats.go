package pipeline

import "fmt"

// Stats summarizes one run end to end.
type Stats struct {
	CellsIn, CellsKept int
	GenesIn, GenesKept int
	// ZeroCells counts cells that had no counts at normalization time.
	ZeroCells int
	// FeaturesSelected is the highly variable gene count actually used,
	// after clamping and degenerate-gene drops.
	FeaturesSelected int
	// VarianceCaptured is the variance fraction carried by the components
	// used for the neighbor graph.
	VarianceCaptured float64
	Edges            int
	Clusters         int
	MarkerRows       int
}

// Merge accumulates other into s, for callers that run the pipeline over
// several inputs and want one combined report.
func (s *Stats) Merge(other Stats) {
	s.CellsIn += other.CellsIn
	s.CellsKept += other.CellsKept
	s.GenesIn += other.GenesIn
	s.GenesKept += other.GenesKept
	s.ZeroCells += other.ZeroCells
	s.FeaturesSelected += other.FeaturesSelected
	s.VarianceCaptured += other.VarianceCaptured
	s.Edges += other.Edges
	s.Clusters += other.Clusters
	s.MarkerRows += other.MarkerRows
}

func (s Stats) String() string {
	return fmt.Sprintf("cells %d/%d, genes %d/%d, zerocells %d, features %d, variance %.3f, edges %d, clusters %d, markers %d",
		s.CellsKept, s.CellsIn, s.GenesKept, s.GenesIn, s.ZeroCells,
		s.FeaturesSelected, s.VarianceCaptured, s.Edges, s.Clusters, s.MarkerRows)
}
