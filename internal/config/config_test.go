package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, 2, cfg.Runner.MaxTasks)
	require.Equal(t, "http://127.0.0.1:8787", cfg.Runner.LocalUIURL)
	require.Equal(t, 60*time.Second, cfg.Runner.PollInterval)
	require.Equal(t, "claude-cli", cfg.Engine.Client)
	require.Equal(t, "anthropic", cfg.Engine.Provider)
	require.Equal(t, "~/.claude/skills", cfg.Skills.Dir)
	require.True(t, cfg.History.Enabled)
	require.False(t, cfg.Tracing.Enabled)
	require.Equal(t, "file", cfg.Tracing.Exporter)
	require.Equal(t, 1.0, cfg.Tracing.SampleRate)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestDefaults_ValidateCleanExceptServer(t *testing.T) {
	cfg := Defaults()

	// Everything except the server section has a usable zero/default.
	require.NoError(t, ValidateRunner(cfg.Runner))
	require.NoError(t, ValidateEngine(cfg.Engine))
	require.NoError(t, ValidateWorkspaces(cfg.Workspaces))
	require.NoError(t, ValidateTracing(cfg.Tracing))
	require.NoError(t, ValidateLog(cfg.Log))

	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "server.url is required")
}

// === Server ===

func TestValidateServer_Valid(t *testing.T) {
	err := ValidateServer(ServerConfig{URL: "https://buildd.example.com"})
	require.NoError(t, err)
}

func TestValidateServer_MissingURL(t *testing.T) {
	err := ValidateServer(ServerConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "server.url is required")
}

func TestValidateServer_BadScheme(t *testing.T) {
	err := ValidateServer(ServerConfig{URL: "ftp://buildd.example.com"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "http or https")
}

func TestValidateServer_PushURL(t *testing.T) {
	good := ServerConfig{URL: "https://b.example.com", PushURL: "wss://b.example.com/api/push"}
	require.NoError(t, ValidateServer(good))

	bad := ServerConfig{URL: "https://b.example.com", PushURL: "https://b.example.com/api/push"}
	err := ValidateServer(bad)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ws or wss")
}

func TestServerConfig_ResolvedAPIKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")

	require.Equal(t, "cfg-key", ServerConfig{APIKey: "cfg-key"}.ResolvedAPIKey(),
		"explicit key wins over environment")
	require.Equal(t, "env-key", ServerConfig{}.ResolvedAPIKey(),
		"environment fills in when config is empty")
}

func TestServerConfig_ResolvedPushURL(t *testing.T) {
	explicit := ServerConfig{URL: "https://b.example.com", PushURL: "wss://push.example.com/ws"}
	require.Equal(t, "wss://push.example.com/ws", explicit.ResolvedPushURL())

	derived := ServerConfig{URL: "https://b.example.com"}
	require.Equal(t, "wss://b.example.com/api/push", derived.ResolvedPushURL())
}

// === Runner ===

func TestValidateRunner_Valid(t *testing.T) {
	err := ValidateRunner(RunnerConfig{MaxTasks: 4, PollInterval: time.Minute})
	require.NoError(t, err)
}

func TestValidateRunner_ZeroPollIntervalDisablesPolling(t *testing.T) {
	err := ValidateRunner(RunnerConfig{MaxTasks: 1, PollInterval: 0})
	require.NoError(t, err)
}

func TestValidateRunner_MaxTasksTooLow(t *testing.T) {
	err := ValidateRunner(RunnerConfig{MaxTasks: 0})
	require.Error(t, err)
	require.Contains(t, err.Error(), "runner.max_tasks must be at least 1")
}

func TestValidateRunner_NegativePollInterval(t *testing.T) {
	err := ValidateRunner(RunnerConfig{MaxTasks: 1, PollInterval: -time.Second})
	require.Error(t, err)
	require.Contains(t, err.Error(), "runner.poll_interval")
}

// === Engine ===

func TestValidateEngine(t *testing.T) {
	tests := []struct {
		name    string
		engine  EngineConfig
		wantErr string
	}{
		{
			name:   "defaults are valid",
			engine: EngineConfig{},
		},
		{
			name:   "anthropic provider",
			engine: EngineConfig{Provider: "anthropic"},
		},
		{
			name:   "openrouter with key",
			engine: EngineConfig{Provider: "openrouter", OpenRouterAPIKey: "sk-or-x"},
		},
		{
			name:    "openrouter without key",
			engine:  EngineConfig{Provider: "openrouter"},
			wantErr: "engine.openrouter_api_key is required",
		},
		{
			name:    "unknown provider",
			engine:  EngineConfig{Provider: "azure"},
			wantErr: "engine.provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEngine(tt.engine)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// === Workspaces ===

func TestValidateWorkspaces_Empty(t *testing.T) {
	require.NoError(t, ValidateWorkspaces(nil))
}

func TestValidateWorkspaces_Valid(t *testing.T) {
	err := ValidateWorkspaces([]WorkspaceMapping{
		{Name: "api", Path: "~/code/api"},
		{Name: "web", Path: "~/code/web", RepoURL: "git@github.com:acme/web.git"},
	})
	require.NoError(t, err)
}

func TestValidateWorkspaces_MissingName(t *testing.T) {
	err := ValidateWorkspaces([]WorkspaceMapping{{Path: "~/code/api"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "workspace 0: name is required")
}

func TestValidateWorkspaces_MissingPath(t *testing.T) {
	err := ValidateWorkspaces([]WorkspaceMapping{
		{Name: "api", Path: "~/code/api"},
		{Name: "web"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "workspace 1 (web): path is required")
}

func TestValidateWorkspaces_DuplicateName(t *testing.T) {
	err := ValidateWorkspaces([]WorkspaceMapping{
		{Name: "api", Path: "/a"},
		{Name: "api", Path: "/b"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate name")
}

func TestConfig_WorkspaceMappings(t *testing.T) {
	cfg := Config{Workspaces: []WorkspaceMapping{
		{Name: "api", Path: "~/code/api", RepoURL: "https://github.com/acme/api"},
	}}

	mappings := cfg.WorkspaceMappings()
	require.Len(t, mappings, 1)
	require.Equal(t, "api", mappings[0].Name)
	require.Equal(t, "~/code/api", mappings[0].Path)
	require.Equal(t, "https://github.com/acme/api", mappings[0].RepoURL)
}

// === Tracing ===

func TestValidateTracing(t *testing.T) {
	tests := []struct {
		name    string
		tracing TracingConfig
		wantErr string
	}{
		{
			name:    "zero value is valid",
			tracing: TracingConfig{},
		},
		{
			name:    "file exporter without path is valid (falls back to data dir)",
			tracing: TracingConfig{Enabled: true, Exporter: "file", SampleRate: 1.0},
		},
		{
			name:    "otlp exporter with endpoint",
			tracing: TracingConfig{Enabled: true, Exporter: "otlp", OTLPEndpoint: "localhost:4317", SampleRate: 1.0},
		},
		{
			name:    "otlp exporter without endpoint",
			tracing: TracingConfig{Enabled: true, Exporter: "otlp", SampleRate: 1.0},
			wantErr: "tracing.otlp_endpoint is required",
		},
		{
			name:    "unknown exporter",
			tracing: TracingConfig{Exporter: "jaeger"},
			wantErr: "tracing.exporter",
		},
		{
			name:    "sample rate above one",
			tracing: TracingConfig{SampleRate: 1.5},
			wantErr: "tracing.sample_rate",
		},
		{
			name:    "negative sample rate",
			tracing: TracingConfig{SampleRate: -0.1},
			wantErr: "tracing.sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTracing(tt.tracing)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// === Log ===

func TestValidateLog(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		require.NoError(t, ValidateLog(LogConfig{Level: level}), "level %q", level)
	}

	err := ValidateLog(LogConfig{Level: "verbose"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "log.level")
}

// === Paths ===

func TestHistoryConfig_ResolvedPath(t *testing.T) {
	t.Setenv("BUILDD_HOME", t.TempDir())

	explicit := HistoryConfig{Path: "/var/lib/buildd/history.db"}
	require.Equal(t, "/var/lib/buildd/history.db", explicit.ResolvedPath())

	fallback := HistoryConfig{}
	require.Equal(t, filepath.Join(os.Getenv("BUILDD_HOME"), "history.db"), fallback.ResolvedPath())
}

func TestHistoryConfig_ResolvedPathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := HistoryConfig{Path: "~/archive/history.db"}
	require.Equal(t, filepath.Join(home, "archive", "history.db"), cfg.ResolvedPath())
}

func TestLogConfig_ResolvedFile(t *testing.T) {
	t.Setenv("BUILDD_HOME", t.TempDir())

	explicit := LogConfig{File: "/tmp/runner.log"}
	require.Equal(t, "/tmp/runner.log", explicit.ResolvedFile())

	fallback := LogConfig{}
	require.Equal(t, filepath.Join(os.Getenv("BUILDD_HOME"), "runner.log"), fallback.ResolvedFile())
}

// === Template ===

func TestDefaultConfigTemplate_ReadableByViper(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(DefaultConfigTemplate())))

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	require.Equal(t, 2, cfg.Runner.MaxTasks)
	require.Equal(t, 60*time.Second, cfg.Runner.PollInterval)
	require.Equal(t, "claude-cli", cfg.Engine.Client)
	require.Equal(t, "anthropic", cfg.Engine.Provider)
	require.Equal(t, "~/.claude/skills", cfg.Skills.Dir)
	require.True(t, cfg.History.Enabled)
	require.Equal(t, "info", cfg.Log.Level)
	require.Empty(t, cfg.Workspaces)

	// The template leaves the server section commented out so the run
	// command fails with an actionable error until it is filled in.
	require.NoError(t, ValidateRunner(cfg.Runner))
	require.NoError(t, ValidateEngine(cfg.Engine))
	err := ValidateServer(cfg.Server)
	require.Error(t, err)
	require.Contains(t, err.Error(), "server.url is required")
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "buildd runner configuration")

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}
