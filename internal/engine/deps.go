package engine

import (
	"fmt"

	"transmute/internal/config"
	"transmute/internal/deps"
)

// Dependencies reports the external binaries the configuration relies on.
func Dependencies(cfg *config.Config) []deps.Status {
	if cfg == nil {
		return nil
	}
	requirements := []deps.Requirement{{
		Name:        "FFprobe",
		Command:     cfg.FFprobeBinary(),
		Description: "Confirms video containers and scores video complexity",
		Optional:    true,
	}}
	for _, entry := range cfg.Backends.Command {
		requirements = append(requirements, deps.Requirement{
			Name:        entry.ID,
			Command:     entry.Binary,
			Description: fmt.Sprintf("Command backend for %d conversions", len(entry.Pairs)),
		})
	}
	statuses := deps.CheckBinaries(requirements)
	if cfg.Backends.Drapto.Enabled {
		statuses = append(statuses, deps.CheckFFmpeg(cfg.FFmpegBinary()))
	}
	return statuses
}
