package config

import (
	"github.com/ChamsBouzaiene/juno/internal/engine"
	"github.com/ChamsBouzaiene/juno/internal/progress"
)

// Pipeline builds the progress pipeline described by the progress section.
// The caller closes it when the engine no longer needs it.
func (c *Config) Pipeline(processors ...engine.ProgressProcessor) (*progress.Pipeline, error) {
	return progress.Build(progress.Options{
		Include:       c.Progress.Include,
		Exclude:       c.Progress.Exclude,
		SuppressKinds: c.Progress.SuppressKinds,
		FilterScript:  c.Progress.FilterScript,
	}, processors...)
}
