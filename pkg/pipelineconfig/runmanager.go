package pipelineconfig

import "time"

// RunManagerConfig controls the Run Manager's (C10) watchdog behavior.
type RunManagerConfig struct {
	// WatchdogTimeout is the run-wide timeout (spec §5: default 30m).
	// StartRun applies it to every run; there is no per-source or per-call
	// override.
	WatchdogTimeout time.Duration
}

// DefaultRunManagerConfig returns the built-in default.
func DefaultRunManagerConfig() RunManagerConfig {
	return RunManagerConfig{
		WatchdogTimeout: 30 * time.Minute,
	}
}
