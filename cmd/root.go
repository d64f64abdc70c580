// Package cmd wires the buildd-runner CLI: config loading, the long-running
// run command, the one-shot claim command, and worker listings.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildd-ai/runner/internal/config"
	"github.com/buildd-ai/runner/internal/paths"
)

// localConfigPath is checked before the user-level config so a repo can
// carry its own runner settings.
const localConfigPath = ".buildd/config.yaml"

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "buildd-runner",
	Short: "Local supervisor for buildd agent workers",
	Long: `buildd-runner claims coding tasks from a BuilddServer, spawns agent
sessions against the configured engine, and streams progress back to the
server. Worker state is persisted locally so sessions survive restarts.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.buildd/config.yaml, then ~/.buildd/config.yaml)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("runner.max_tasks", defaults.Runner.MaxTasks)
	viper.SetDefault("runner.local_ui_url", defaults.Runner.LocalUIURL)
	viper.SetDefault("runner.poll_interval", defaults.Runner.PollInterval)
	viper.SetDefault("engine.client", defaults.Engine.Client)
	viper.SetDefault("engine.provider", defaults.Engine.Provider)
	viper.SetDefault("skills.dir", defaults.Skills.Dir)
	viper.SetDefault("history.enabled", defaults.History.Enabled)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("log.level", defaults.Log.Level)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .buildd/config.yaml (current directory)
		// 2. ~/.buildd/config.yaml (user config)
		if _, err := os.Stat(localConfigPath); err == nil {
			viper.SetConfigFile(localConfigPath)
		} else {
			viper.AddConfigPath(filepath.Dir(paths.ConfigPath()))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create a commented default at
		// ~/.buildd/config.yaml so the next run has something to edit.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := paths.ConfigPath()
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
