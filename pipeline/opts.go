package pipeline

import (
	"github.com/sclabs/scrna/expr"
)

// Opts is the full configuration surface of a pipeline run. Every field
// is a scalar and overridable; the yaml tags let runs be described by a
// config file checked in next to the data.
type Opts struct {
	// Subtype, when nonempty, restricts the run to cells with this
	// metadata subtype label.
	Subtype string `yaml:"subtype"`

	// Quality filter thresholds.
	MinGenesPerCell  int     `yaml:"minGenesPerCell"`
	MaxGenesPerCell  int     `yaml:"maxGenesPerCell"` // <= 0 disables
	MinCountsPerCell int     `yaml:"minCountsPerCell"`
	MaxMitoFraction  float64 `yaml:"maxMitoFraction"`
	MitoPrefix       string  `yaml:"mitoPrefix"`
	MinCellsPerGene  int     `yaml:"minCellsPerGene"`

	// Normalization.
	TargetSum    float64 `yaml:"targetSum"`
	LogTransform bool    `yaml:"logTransform"`

	// Feature selection.
	NumFeatures    int `yaml:"numFeatures"`
	DispersionBins int `yaml:"dispersionBins"` // <= 0 uses hvg.DefaultBins

	// Scaling.
	MaxScaledValue float64 `yaml:"maxScaledValue"`

	// PCA and neighbor graph. UseDims is the elbow cut: how many leading
	// components feed the neighbor graph (0 = all). The elbow is a
	// judgment call; ElbowRatio only drives an advisory suggestion.
	NumComponents int     `yaml:"numComponents"`
	UseDims       int     `yaml:"useDims"`
	ElbowRatio    float64 `yaml:"elbowRatio"`
	Neighbors     int     `yaml:"neighbors"`

	// Clustering and layout. Seed 0 means unset: the run warns and
	// falls back to 1 so results stay reproducible by default.
	Resolution  float64 `yaml:"resolution"`
	Seed        int64   `yaml:"seed"`
	LayoutIters int     `yaml:"layoutIters"`

	// Marker thresholds.
	MinPct    float64 `yaml:"minPct"`
	MinLog2FC float64 `yaml:"minLog2FC"`
	Alpha     float64 `yaml:"alpha"`
}

// DefaultOpts are sane defaults for a 10x-scale tumor dataset.
var DefaultOpts = Opts{
	MinGenesPerCell:  200,
	MaxGenesPerCell:  2500,
	MinCountsPerCell: 500,
	MaxMitoFraction:  0.05,
	MitoPrefix:       "MT-",
	MinCellsPerGene:  3,
	TargetSum:        1e4,
	LogTransform:     true,
	NumFeatures:      2000,
	MaxScaledValue:   10,
	NumComponents:    50,
	UseDims:          10,
	ElbowRatio:       0.3,
	Neighbors:        15,
	Resolution:       0.5,
	LayoutIters:      100,
	MinPct:           0.25,
	MinLog2FC:        0.25,
	Alpha:            0.05,
}

// Validate rejects contradictory or out-of-range settings before any
// stage runs.
func (o Opts) Validate() error {
	bad := func(param, detail string) error {
		return &expr.ConfigurationError{Param: param, Detail: detail}
	}
	if o.MinGenesPerCell < 0 || o.MinCountsPerCell < 0 || o.MinCellsPerGene < 0 {
		return bad("qc", "minimum thresholds must be nonnegative")
	}
	if o.MaxGenesPerCell > 0 && o.MaxGenesPerCell < o.MinGenesPerCell {
		return bad("maxGenesPerCell", "upper bound below minGenesPerCell")
	}
	if o.MaxMitoFraction < 0 || o.MaxMitoFraction > 1 {
		return bad("maxMitoFraction", "fraction must be in [0, 1]")
	}
	if o.TargetSum <= 0 {
		return bad("targetSum", "normalization scale must be positive")
	}
	if o.NumFeatures <= 0 {
		return bad("numFeatures", "feature count must be positive")
	}
	if o.MaxScaledValue <= 0 {
		return bad("maxScaledValue", "clip magnitude must be positive")
	}
	if o.NumComponents <= 0 {
		return bad("numComponents", "component count must be positive")
	}
	if o.UseDims < 0 || o.UseDims > o.NumComponents {
		return bad("useDims", "elbow cut must be in [0, numComponents]")
	}
	if o.ElbowRatio <= 0 || o.ElbowRatio >= 1 {
		return bad("elbowRatio", "ratio must be in (0, 1)")
	}
	if o.Neighbors <= 0 {
		return bad("neighbors", "neighbor count must be positive")
	}
	if o.Resolution <= 0 {
		return bad("resolution", "resolution must be positive")
	}
	if o.MinPct < 0 || o.MinPct > 1 {
		return bad("minPct", "detection fraction must be in [0, 1]")
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		return bad("alpha", "significance level must be in (0, 1]")
	}
	return nil
}
