// Package config provides configuration types and defaults for the runner.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/paths"
	"github.com/buildd-ai/runner/internal/push"
	"github.com/buildd-ai/runner/internal/workspace"
)

// EnvAPIKey is the environment fallback for server.api_key.
const EnvAPIKey = "BUILDD_API_KEY"

// Config holds all configuration options for the runner.
type Config struct {
	Server     ServerConfig       `mapstructure:"server" yaml:"server"`
	Runner     RunnerConfig       `mapstructure:"runner" yaml:"runner"`
	Engine     EngineConfig       `mapstructure:"engine" yaml:"engine"`
	Workspaces []WorkspaceMapping `mapstructure:"workspaces" yaml:"workspaces"`
	Skills     SkillsConfig       `mapstructure:"skills" yaml:"skills"`
	History    HistoryConfig      `mapstructure:"history" yaml:"history"`
	Tracing    TracingConfig      `mapstructure:"tracing" yaml:"tracing"`
	Flags      map[string]bool    `mapstructure:"flags" yaml:"flags,omitempty"`
	Log        LogConfig          `mapstructure:"log" yaml:"log"`
}

// ServerConfig identifies the BuilddServer this runner reports to.
type ServerConfig struct {
	URL string `mapstructure:"url" yaml:"url"`

	// APIKey authenticates the runner. Falls back to the BUILDD_API_KEY
	// environment variable when unset.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`

	// PushURL is the websocket push endpoint. Derived from URL when empty.
	PushURL string `mapstructure:"push_url" yaml:"push_url,omitempty"`
}

// ResolvedAPIKey returns the configured API key, falling back to the
// BUILDD_API_KEY environment variable.
func (s ServerConfig) ResolvedAPIKey() string {
	if s.APIKey != "" {
		return s.APIKey
	}
	return os.Getenv(EnvAPIKey)
}

// ResolvedPushURL returns the push endpoint, deriving it from the server
// URL when not configured explicitly.
func (s ServerConfig) ResolvedPushURL() string {
	if s.PushURL != "" {
		return s.PushURL
	}
	return push.DeriveURL(s.URL)
}

// RunnerConfig bounds local capacity and claim polling.
type RunnerConfig struct {
	// MaxTasks is the number of concurrent agent sessions this machine
	// will run. Default: 2.
	MaxTasks int `mapstructure:"max_tasks" yaml:"max_tasks"`

	// LocalUIURL is where the local dashboard is served.
	// Default: http://127.0.0.1:8787
	LocalUIURL string `mapstructure:"local_ui_url" yaml:"local_ui_url"`

	// PollInterval is the claim polling cadence. Zero disables polling;
	// push-channel assignment still works.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// MarshalYAML renders poll_interval in duration notation ("60s") instead
// of nanoseconds.
func (r RunnerConfig) MarshalYAML() (any, error) {
	type out struct {
		MaxTasks     int    `yaml:"max_tasks"`
		LocalUIURL   string `yaml:"local_ui_url"`
		PollInterval string `yaml:"poll_interval"`
	}
	return out{r.MaxTasks, r.LocalUIURL, r.PollInterval.String()}, nil
}

// EngineConfig selects and parameterizes the agent engine.
type EngineConfig struct {
	// Client names the engine adapter in the registry. Default: claude-cli.
	Client string `mapstructure:"client" yaml:"client"`

	// Model overrides the engine's default model when set.
	Model string `mapstructure:"model" yaml:"model,omitempty"`

	// Provider routes model traffic. "anthropic" (default) or "openrouter".
	Provider string `mapstructure:"provider" yaml:"provider"`

	OpenRouterAPIKey  string `mapstructure:"openrouter_api_key" yaml:"openrouter_api_key,omitempty"`
	OpenRouterBaseURL string `mapstructure:"openrouter_base_url" yaml:"openrouter_base_url,omitempty"`

	// BypassPermissions is the local default for permission resolution.
	// A workspace admin-confirmed setting takes precedence.
	BypassPermissions bool `mapstructure:"bypass_permissions" yaml:"bypass_permissions"`
}

// WorkspaceMapping pairs a server-side workspace name with a local
// repository path. RepoURL is optional and allows resolution when the
// server hands out a clone URL instead of a name.
type WorkspaceMapping struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Path    string `mapstructure:"path" yaml:"path"`
	RepoURL string `mapstructure:"repo_url" yaml:"repo_url,omitempty"`
}

// WorkspaceMappings converts the configured workspaces into resolver
// mappings. This is the preferred way to construct a workspace.Resolver.
func (c Config) WorkspaceMappings() []workspace.Mapping {
	out := make([]workspace.Mapping, 0, len(c.Workspaces))
	for _, w := range c.Workspaces {
		out = append(out, workspace.Mapping{Name: w.Name, Path: w.Path, RepoURL: w.RepoURL})
	}
	return out
}

// SkillsConfig holds skill bundle sync and installer policy.
type SkillsConfig struct {
	// Dir is where skill bundles are materialized.
	// Default: ~/.claude/skills
	Dir string `mapstructure:"dir" yaml:"dir"`

	// UseSkillAgents exposes assigned skills as subagent definitions
	// instead of Skill-tool directives.
	UseSkillAgents bool `mapstructure:"use_skill_agents" yaml:"use_skill_agents"`

	// AllowedInstallers are installer commands always permitted locally.
	AllowedInstallers []string `mapstructure:"allowed_installers" yaml:"allowed_installers,omitempty"`

	// RejectInstallers rejects installer commands not covered by an
	// allowlist.
	RejectInstallers bool `mapstructure:"reject_installers" yaml:"reject_installers"`
}

// HistoryConfig holds the session archive settings.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Path is the archive database file. Default: ~/.buildd/history.db
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// ResolvedPath returns the archive database path, expanding ~ and falling
// back to the data-dir default.
func (h HistoryConfig) ResolvedPath() string {
	if h.Path != "" {
		return paths.ExpandHome(h.Path)
	}
	return paths.HistoryPath()
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp". Default: "file".
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: ~/.buildd/traces/traces.jsonl
	FilePath string `mapstructure:"file_path" yaml:"file_path,omitempty"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint,omitempty"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces. Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// LogConfig holds runner log output settings.
type LogConfig struct {
	// Level is the minimum level written: debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`

	// File is the log destination. Default: ~/.buildd/runner.log
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// ResolvedFile returns the log file path, expanding ~ and falling back to
// the data-dir default.
func (l LogConfig) ResolvedFile() string {
	if l.File != "" {
		return paths.ExpandHome(l.File)
	}
	return paths.LogPath()
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	return paths.TracesPath()
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Runner: RunnerConfig{
			MaxTasks:     2,
			LocalUIURL:   "http://127.0.0.1:8787",
			PollInterval: 60 * time.Second,
		},
		Engine: EngineConfig{
			Client:   "claude-cli",
			Provider: "anthropic",
		},
		Skills: SkillsConfig{
			Dir: "~/.claude/skills",
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from the data dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the full configuration the run command needs.
// Sections with usable zero values validate clean.
func Validate(c Config) error {
	if err := ValidateServer(c.Server); err != nil {
		return err
	}
	if err := ValidateRunner(c.Runner); err != nil {
		return err
	}
	if err := ValidateEngine(c.Engine); err != nil {
		return err
	}
	if err := ValidateWorkspaces(c.Workspaces); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return ValidateLog(c.Log)
}

// ValidateServer checks the server section. The URL is required; the API
// key is not validated here because it may arrive via BUILDD_API_KEY.
func ValidateServer(s ServerConfig) error {
	if s.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url must use http or https, got %q", s.URL)
	}
	if s.PushURL != "" {
		pu, err := url.Parse(s.PushURL)
		if err != nil {
			return fmt.Errorf("server.push_url is not a valid URL: %w", err)
		}
		if pu.Scheme != "ws" && pu.Scheme != "wss" {
			return fmt.Errorf("server.push_url must use ws or wss, got %q", s.PushURL)
		}
	}
	return nil
}

// ValidateRunner checks the runner section for errors.
func ValidateRunner(r RunnerConfig) error {
	if r.MaxTasks < 1 {
		return fmt.Errorf("runner.max_tasks must be at least 1, got %d", r.MaxTasks)
	}
	if r.PollInterval < 0 {
		return fmt.Errorf("runner.poll_interval must not be negative, got %v", r.PollInterval)
	}
	if r.LocalUIURL != "" {
		if _, err := url.Parse(r.LocalUIURL); err != nil {
			return fmt.Errorf("runner.local_ui_url is not a valid URL: %w", err)
		}
	}
	return nil
}

// ValidateEngine checks the engine section for errors.
func ValidateEngine(e EngineConfig) error {
	switch e.Provider {
	case "", "anthropic", "openrouter":
		// Valid
	default:
		return fmt.Errorf("engine.provider must be \"anthropic\" or \"openrouter\", got %q", e.Provider)
	}
	if e.Provider == "openrouter" && e.OpenRouterAPIKey == "" {
		return fmt.Errorf("engine.openrouter_api_key is required when provider is \"openrouter\"")
	}
	return nil
}

// ValidateWorkspaces checks workspace mappings for errors.
// Returns nil if mappings are valid or empty.
func ValidateWorkspaces(mappings []WorkspaceMapping) error {
	seen := make(map[string]bool, len(mappings))
	for i, m := range mappings {
		if m.Name == "" {
			return fmt.Errorf("workspace %d: name is required", i)
		}
		if m.Path == "" {
			return fmt.Errorf("workspace %d (%s): path is required", i, m.Name)
		}
		if seen[m.Name] {
			return fmt.Errorf("workspace %d (%s): duplicate name", i, m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Path requirements only bind when tracing is on.
	if tracing.Enabled {
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// ValidateLog checks log configuration for errors.
func ValidateLog(l LogConfig) error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", l.Level)
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# buildd runner configuration

# BuilddServer connection (required for run/claim)
server:
  # url: https://buildd.example.com
  #
  # API key for runner authentication.
  # Falls back to the BUILDD_API_KEY environment variable when unset.
  # api_key: bk_live_...
  #
  # Websocket push endpoint. Derived from server.url when unset
  # (https://host becomes wss://host/api/push).
  # push_url: wss://buildd.example.com/api/push

# Local capacity and claim polling
runner:
  max_tasks: 2           # Concurrent agent sessions on this machine
  poll_interval: 60s     # Claim polling cadence; 0 disables polling
  # local_ui_url: http://127.0.0.1:8787

# Agent engine
engine:
  client: claude-cli     # Engine adapter
  provider: anthropic    # anthropic (default) or openrouter
  # model: opus
  #
  # OpenRouter routing (only used when provider: openrouter)
  # openrouter_api_key: sk-or-...
  # openrouter_base_url: https://openrouter.ai/api/v1
  #
  # Run sessions with permission prompts bypassed. A workspace
  # admin-confirmed setting on the server takes precedence.
  # bypass_permissions: false

# Workspace mappings: server-side workspace name to local repository path.
# repo_url is optional and lets tasks that carry a clone URL resolve too.
workspaces: []
# workspaces:
#   - name: my-app
#     path: ~/code/my-app
#     repo_url: git@github.com:acme/my-app.git

# Skill bundles synced from the server
skills:
  dir: ~/.claude/skills
  # Expose assigned skills as subagents instead of Skill-tool directives
  # use_skill_agents: false
  #
  # Installer commands always permitted on this machine
  # allowed_installers:
  #   - "npm install -g @acme/skill-pack"
  #
  # Reject installer commands not covered by an allowlist
  # reject_installers: false

# Session history archive
history:
  enabled: true
  # path: ~/.buildd/history.db

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: file                # none, file, stdout, otlp
#   file_path: ~/.buildd/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0              # 0.0-1.0

# Feature flags
# flags:
#   worktrees: true      # Run sessions in git worktrees
#   skill-agents: false  # Mirror of skills.use_skill_agents for rollout
#   history: true        # Archive evicted workers to the history db
#   claim-poll: true     # Poll for claimable tasks on runner.poll_interval

# Logging
log:
  level: info            # debug, info, warn, error
  # file: ~/.buildd/runner.log
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
