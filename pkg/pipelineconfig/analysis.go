package pipelineconfig

import "time"

// AnalysisConfig controls the Analysis Engine (C6).
type AnalysisConfig struct {
	BatchDelay           time.Duration
	HighScoreThreshold   float64
	MediumScoreThreshold float64
}

// DefaultAnalysisConfig returns the built-in defaults.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		BatchDelay:           250 * time.Millisecond,
		HighScoreThreshold:   7.0,
		MediumScoreThreshold: 4.0,
	}
}

// LoadAnalysisConfigFromEnv loads AnalysisConfig, falling back to
// DefaultAnalysisConfig for anything unset or unparsable.
func LoadAnalysisConfigFromEnv() AnalysisConfig {
	cfg := DefaultAnalysisConfig()

	cfg.BatchDelay = envDuration("ANALYSIS_BATCH_DELAY_MS", cfg.BatchDelay)
	cfg.HighScoreThreshold = envFloat("ANALYSIS_HIGH_SCORE_THRESHOLD", cfg.HighScoreThreshold)
	cfg.MediumScoreThreshold = envFloat("ANALYSIS_MEDIUM_SCORE_THRESHOLD", cfg.MediumScoreThreshold)

	return cfg
}
