// Package flags provides feature flag support for controlled feature rollout.
// Flags are read-only after initialization and provide safe defaults for unknown flags.
package flags

import (
	"maps"

	"github.com/buildd-ai/runner/internal/log"
)

// Flag name constants for type-safe flag access.
const (
	// FlagWorktrees controls whether sessions run in git worktrees.
	// On by default; turning it off runs sessions in the repository root.
	FlagWorktrees = "worktrees"

	// FlagSkillAgents controls whether assigned skills are exposed as
	// subagent definitions. Mirrors skills.use_skill_agents for rollout.
	FlagSkillAgents = "skill-agents"

	// FlagHistory controls whether evicted workers are archived to the
	// history database.
	FlagHistory = "history"

	// FlagClaimPoll controls the claim polling loop. Push-channel task
	// assignment works regardless.
	FlagClaimPoll = "claim-poll"
)

// defaults apply when the config map does not set a flag. Flags absent
// from this map default to false.
var defaults = map[string]bool{
	FlagWorktrees: true,
	FlagHistory:   true,
	FlagClaimPoll: true,
}

// Registry holds feature flag state loaded from configuration.
// Flags are read-only after initialization.
type Registry struct {
	flags map[string]bool
}

// New creates a Registry from a config map.
// If flags is nil, an empty registry is created (known flags keep their
// defaults, everything else is disabled).
func New(flags map[string]bool) *Registry {
	if flags == nil {
		flags = make(map[string]bool)
	}
	r := &Registry{flags: flags}
	log.Debug(log.CatConfig, "Feature flags initialized", "count", len(flags), "flags", r.All())
	return r
}

// Enabled returns true if the named flag is enabled.
// Config values win over defaults; unknown flags are false.
// Returns the default (or false) when called on a nil registry.
func (r *Registry) Enabled(name string) bool {
	if r != nil && r.flags != nil {
		if value, exists := r.flags[name]; exists {
			return value
		}
	}
	if value, exists := defaults[name]; exists {
		return value
	}
	log.Debug(log.CatConfig, "Unknown flag accessed", "flag", name, "result", false)
	return false
}

// All returns the effective flag state, defaults included (for
// debugging/logging).
func (r *Registry) All() map[string]bool {
	result := make(map[string]bool, len(defaults))
	maps.Copy(result, defaults)
	if r != nil && r.flags != nil {
		maps.Copy(result, r.flags)
	}
	return result
}
