package runner

import "github.com/forgepipe/conductor/internal/pipeline"

// TierConfig is one tier's classification bounds and default agent list.
// MaxFiles/MaxLines <= 0 mean unbounded (used for the large tier).
type TierConfig struct {
	MaxFiles int
	MaxLines int
	Agents   []string
}

// TiersConfig is the small/medium/large tier table, checked in that order
// so the smallest matching tier wins.
type TiersConfig struct {
	Small  TierConfig
	Medium TierConfig
	Large  TierConfig
}

func (t TierConfig) bounds(files, lines int) bool {
	if t.MaxFiles > 0 && files > t.MaxFiles {
		return false
	}
	if t.MaxLines > 0 && lines > t.MaxLines {
		return false
	}
	return true
}

// ClassifyTier picks the smallest tier whose max_files and max_lines both
// bound the change; large has infinite thresholds so it always matches.
// Bounds are inclusive: a change exactly at a tier's max falls in that tier.
func ClassifyTier(cfg TiersConfig, filesChanged, linesChanged int) string {
	switch {
	case cfg.Small.bounds(filesChanged, linesChanged):
		return pipeline.TierSmall
	case cfg.Medium.bounds(filesChanged, linesChanged):
		return pipeline.TierMedium
	default:
		return pipeline.TierLarge
	}
}

// AgentsFor returns the tier's configured default agent list.
func (c TiersConfig) AgentsFor(tier string) []string {
	switch tier {
	case pipeline.TierSmall:
		return c.Small.Agents
	case pipeline.TierMedium:
		return c.Medium.Agents
	default:
		return c.Large.Agents
	}
}
