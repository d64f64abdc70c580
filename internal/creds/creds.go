// Package creds reports whether engine credentials are present on this
// machine. Detection is presence-only: the runner warns at startup and
// includes the sources in its environment scan, but never reads
// credential contents.
package creds

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/buildd-ai/runner/internal/paths"
)

// Env vars the engine accepts in place of a credentials file.
const (
	envAPIKey    = "ANTHROPIC_API_KEY"
	envAuthToken = "ANTHROPIC_AUTH_TOKEN"
)

// Status describes whether credentials were found and where. File sources
// are reported relative to the home directory, env sources by variable
// name.
type Status struct {
	Present bool
	Sources []string
}

// Equal reports whether two statuses describe the same detection result.
func (s Status) Equal(other Status) bool {
	return s.Present == other.Present && slices.Equal(s.Sources, other.Sources)
}

// Detect checks the engine's credential locations: the credentials and
// settings files under ~/.claude, the top-level ~/.claude.json, and the
// API key env vars. Zero-byte files do not count.
func Detect() Status {
	var sources []string

	if dir := paths.ClaudeDir(); dir != "" {
		if nonEmptyFile(filepath.Join(dir, ".credentials.json")) {
			sources = append(sources, filepath.Join(".claude", ".credentials.json"))
		}
		matches, _ := filepath.Glob(filepath.Join(dir, "settings*.json"))
		for _, m := range matches {
			if nonEmptyFile(m) {
				sources = append(sources, filepath.Join(".claude", filepath.Base(m)))
			}
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		if nonEmptyFile(filepath.Join(home, ".claude.json")) {
			sources = append(sources, ".claude.json")
		}
	}

	for _, env := range []string{envAPIKey, envAuthToken} {
		if os.Getenv(env) != "" {
			sources = append(sources, env)
		}
	}

	return Status{Present: len(sources) > 0, Sources: sources}
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
