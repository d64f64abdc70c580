// Package paths provides path resolution for the runner's data directory.
package paths

import (
	"os"
	"path/filepath"
)

// envDataDir overrides the data directory when set. Tests and users running
// several runners on one machine point it at a private location.
const envDataDir = "BUILDD_HOME"

// DataDir resolves the runner's data directory.
//
// Resolution order:
//   - $BUILDD_HOME when set
//   - ~/.buildd
//   - ./.buildd when the home directory cannot be determined
func DataDir() string {
	if dir := os.Getenv(envDataDir); dir != "" {
		return filepath.Clean(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(".buildd")
	}
	return filepath.Join(home, ".buildd")
}

// WorkersDir is where per-worker JSON records live.
func WorkersDir() string {
	return filepath.Join(DataDir(), "workers")
}

// OutboxPath is the snapshot file for the offline mutation queue.
func OutboxPath() string {
	return filepath.Join(DataDir(), "outbox.json")
}

// HistoryPath is the SQLite archive of evicted terminal workers.
func HistoryPath() string {
	return filepath.Join(DataDir(), "history.db")
}

// LogPath is the default runner log file.
func LogPath() string {
	return filepath.Join(DataDir(), "runner.log")
}

// TracesPath is the default trace export file.
func TracesPath() string {
	return filepath.Join(DataDir(), "traces", "traces.jsonl")
}

// ConfigPath is the user-level config file.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// ExpandHome replaces a leading ~ or ~/ with the user's home directory.
// Paths without the prefix are returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !hasHomePrefix(path) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

func hasHomePrefix(path string) bool {
	return len(path) >= 2 && path[0] == '~' && (path[1] == '/' || path[1] == filepath.Separator)
}

// ClaudeDir is the engine's own config directory, read only to detect
// whether credentials exist.
func ClaudeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude")
}

// SkillsDir is the default install location for skill bundles.
func SkillsDir() string {
	dir := ClaudeDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "skills")
}
