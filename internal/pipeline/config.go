package pipeline

import (
	"time"

	"github.com/ternarybob/compono/internal/common"
)

// Config carries the resolved orchestration timeouts and bounds. All
// durations are parsed once at wiring time; the TOML layer stores them
// as strings.
type Config struct {
	MaxIterations           int
	PreparationTimeout      time.Duration
	DecisionTimeout         time.Duration
	ConvergencePollInterval time.Duration
	ConvergenceCeiling      time.Duration
	AssemblyTimeout         time.Duration
	ScoringTimeout          time.Duration
	JobTimeout              time.Duration
}

// ConfigFrom resolves a pipeline config from its TOML representation
func ConfigFrom(pc *common.PipelineConfig) Config {
	maxIterations := pc.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 5
	}
	return Config{
		MaxIterations:           maxIterations,
		PreparationTimeout:      common.ParseDurationOr(pc.PreparationTimeout, 30*time.Minute),
		DecisionTimeout:         common.ParseDurationOr(pc.DecisionTimeout, 72*time.Hour),
		ConvergencePollInterval: common.ParseDurationOr(pc.ConvergencePollInterval, 10*time.Second),
		ConvergenceCeiling:      common.ParseDurationOr(pc.ConvergenceCeiling, 72*time.Hour),
		AssemblyTimeout:         common.ParseDurationOr(pc.AssemblyTimeout, 15*time.Minute),
		ScoringTimeout:          common.ParseDurationOr(pc.ScoringTimeout, 15*time.Minute),
		JobTimeout:              common.ParseDurationOr(pc.JobTimeout, 96*time.Hour),
	}
}
