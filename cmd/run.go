package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/config"
	"github.com/buildd-ai/runner/internal/creds"
	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/flags"
	"github.com/buildd-ai/runner/internal/git"
	"github.com/buildd-ai/runner/internal/history"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/manager"
	"github.com/buildd-ai/runner/internal/outbox"
	"github.com/buildd-ai/runner/internal/paths"
	"github.com/buildd-ai/runner/internal/pubsub"
	"github.com/buildd-ai/runner/internal/push"
	"github.com/buildd-ai/runner/internal/skills"
	"github.com/buildd-ai/runner/internal/store"
	"github.com/buildd-ai/runner/internal/tracing"
	"github.com/buildd-ai/runner/internal/workspace"

	// Register engine adapters (required for engine.New to resolve them)
	_ "github.com/buildd-ai/runner/internal/engine/claudecli"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent-worker supervisor",
	Long: `Run the supervisor that claims tasks from the BuilddServer, spawns agent
sessions against the configured engine, and streams progress back.

Assignments arrive over the websocket push channel immediately and via
claim polling on runner.poll_interval. The runner keeps at most
runner.max_tasks sessions live and persists worker state so it survives
restarts.

Example:
  buildd-runner run
  buildd-runner run --config ./staging.yaml`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(_ *cobra.Command, _ []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Server.ResolvedAPIKey() == "" {
		return fmt.Errorf("no API key: set server.api_key or the %s environment variable", config.EnvAPIKey)
	}

	logPath := cfg.Log.ResolvedFile()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
	log.Info(log.CatConfig, "runner starting",
		"version", version, "config", viper.ConfigFileUsed(), "server", cfg.Server.URL)

	// Sessions can start without credentials, they just fail at the engine.
	// Warn up front so the operator sees it before claiming anything.
	if st := creds.Detect(); !st.Present {
		fmt.Fprintln(os.Stderr, "warning: no engine credentials found; run the engine's login or set ANTHROPIC_API_KEY")
		log.Warn(log.CatCreds, "no engine credentials detected")
	}

	parts, err := buildRunner(true, cfg.Runner.PollInterval)
	if err != nil {
		return err
	}

	recovered, err := parts.manager.RecoverWorkers()
	if err != nil {
		return fmt.Errorf("recovering workers: %w", err)
	}

	parts.manager.StartTimers()
	parts.manager.StartPush()

	credsBroker := pubsub.NewBroker[creds.Status]()
	watcher, err := creds.NewWatcher(credsBroker, 0)
	if err != nil {
		log.ErrorErr(log.CatCreds, "credential watcher unavailable", err)
	} else if err := watcher.Start(); err != nil {
		log.ErrorErr(log.CatCreds, "starting credential watcher failed", err)
		_ = watcher.Stop()
		watcher = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		parts.push.Run(gctx)
		return nil
	})
	g.Go(func() error {
		for range credsBroker.Subscribe(gctx) {
			parts.manager.RefreshEnvironment()
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("buildd-runner %s started (max %d tasks, %d workers recovered)\n",
		version, cfg.Runner.MaxTasks, recovered)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case <-gctx.Done():
	}

	cancel()
	_ = g.Wait()
	if watcher != nil {
		_ = watcher.Stop()
	}
	credsBroker.Close()

	shutdownParts(parts)
	fmt.Println("Runner stopped")
	return nil
}

// runnerParts bundles the manager with the collaborators the commands must
// tear down themselves. The history archive is owned by the manager and
// closed in Destroy.
type runnerParts struct {
	manager *manager.Manager
	push    *push.Client
	tracing *tracing.Provider
}

// buildRunner constructs the manager and its collaborators from the loaded
// config. withPush controls whether a push client is built; the one-shot
// claim command works without one. pollInterval is forwarded separately so
// claim can disable the polling timer.
func buildRunner(withPush bool, pollInterval time.Duration) (*runnerParts, error) {
	apiKey := cfg.Server.ResolvedAPIKey()
	server := buildd.New(cfg.Server.URL, apiKey)

	st, err := store.New(paths.WorkersDir())
	if err != nil {
		return nil, fmt.Errorf("opening worker store: %w", err)
	}

	ob, err := outbox.New(paths.OutboxPath())
	if err != nil {
		return nil, fmt.Errorf("opening outbox: %w", err)
	}

	eng, err := engine.New(cfg.Engine.Client)
	if err != nil {
		return nil, fmt.Errorf("selecting engine: %w", err)
	}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     paths.ExpandHome(cfg.Tracing.FilePath),
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  "buildd-runner",
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	// The archive is a convenience; the runner works without it.
	var hist *history.DB
	if cfg.History.Enabled {
		hist, err = history.NewDB(cfg.History.ResolvedPath())
		if err != nil {
			log.ErrorErr(log.CatHistory, "opening history db failed", err)
			hist = nil
		}
	}

	var pushClient *push.Client
	if withPush {
		pushClient = push.New(cfg.Server.ResolvedPushURL(), apiKey)
	}

	syncer := skills.NewSyncer(paths.ExpandHome(cfg.Skills.Dir))
	installer := skills.NewInstaller(server, syncer, cfg.Skills.AllowedInstallers, cfg.Skills.RejectInstallers)

	mgr, err := manager.New(manager.Config{
		Server:     server,
		Store:      st,
		Outbox:     ob,
		Engine:     eng,
		Git:        git.NewExecutor,
		Workspaces: workspace.NewResolver(cfg.WorkspaceMappings()),
		Push:       pushClient,
		Skills:     syncer,
		Installer:  installer,
		History:    hist,
		Tracer:     tracing.NewManager(provider.Tracer()),
		Flags:      flags.New(cfg.Flags),

		MaxTasks:          cfg.Runner.MaxTasks,
		LocalUIURL:        cfg.Runner.LocalUIURL,
		PollInterval:      pollInterval,
		Model:             cfg.Engine.Model,
		Provider:          cfg.Engine.Provider,
		OpenRouterAPIKey:  cfg.Engine.OpenRouterAPIKey,
		OpenRouterBaseURL: cfg.Engine.OpenRouterBaseURL,
		BypassPermissions: cfg.Engine.BypassPermissions,
		UseSkillAgents:    cfg.Skills.UseSkillAgents,
		Version:           version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating manager: %w", err)
	}

	return &runnerParts{manager: mgr, push: pushClient, tracing: provider}, nil
}

// shutdownParts tears the runner down in order: sessions and timers first
// (which also closes the history archive), then the trace pipeline, bounded
// by a 30 s grace period.
func shutdownParts(p *runnerParts) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.manager.Destroy()
	if err := p.tracing.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatTrace, "tracing shutdown failed", err)
	}
}
