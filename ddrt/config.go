// Package ddrt ties the R-tree engine to the replication fabric: each
// Instance is a single-writer actor owning one tree, publishing its
// mutations through a merkle diff into the CRDT and folding remote
// diffs back into its snapshot.
package ddrt

import (
	"log/slog"
)

// Mode selects whether an instance replicates.
type Mode string

const (
	ModeStandalone  Mode = "standalone"
	ModeDistributed Mode = "distributed"
)

// Config carries the per-instance tuning options.
type Config struct {
	// Width is the maximum fan-out of an internal tree node.
	Width int
	// Mode enables the replication layer.
	Mode Mode
	// Verbose turns on debug-level tracing of every operation.
	Verbose bool
	// Seed initializes the node-id generator.
	Seed int64
	// Dimensionality of all boxes, fixed at construction.
	Dimensionality int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Width:          6,
		Mode:           ModeStandalone,
		Seed:           0,
		Dimensionality: 2,
	}
}

// normalize applies the lenient option policy: recognized options that
// are out of range fall back to their default, with a warning so the
// fallback is visible.
func (c Config) normalize(log *slog.Logger) Config {
	def := DefaultConfig()
	if c.Width < 2 {
		log.Warn("config width out of range, using default", "got", c.Width, "default", def.Width)
		c.Width = def.Width
	}
	if c.Mode != ModeStandalone && c.Mode != ModeDistributed {
		log.Warn("config mode unrecognized, using default", "got", c.Mode, "default", def.Mode)
		c.Mode = def.Mode
	}
	if c.Dimensionality < 1 {
		log.Warn("config dimensionality out of range, using default", "got", c.Dimensionality, "default", def.Dimensionality)
		c.Dimensionality = def.Dimensionality
	}
	return c
}

// ConfigFromOptions builds a Config from a loose option map, as
// delivered by an API or config file. Unknown options are dropped
// silently; recognized options with unusable values fall back to the
// default via normalize.
func ConfigFromOptions(opts map[string]any, log *slog.Logger) Config {
	c := DefaultConfig()
	for k, v := range opts {
		switch k {
		case "width":
			if n, ok := asInt(v); ok {
				c.Width = n
			}
		case "mode":
			if s, ok := v.(string); ok {
				c.Mode = Mode(s)
			}
		case "verbose":
			if b, ok := v.(bool); ok {
				c.Verbose = b
			}
		case "seed":
			if n, ok := asInt(v); ok {
				c.Seed = int64(n)
			}
		case "dimensionality":
			if n, ok := asInt(v); ok {
				c.Dimensionality = n
			}
		}
	}
	return c.normalize(log)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
