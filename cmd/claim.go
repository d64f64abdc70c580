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

	"github.com/buildd-ai/runner/internal/config"
	"github.com/buildd-ai/runner/internal/log"
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim queued tasks once and run them to completion",
	Long: `Claim up to runner.max_tasks queued tasks from a workspace, run their
agent sessions, and exit when every session has finished. Unlike run, no
push channel is opened and nothing further is claimed.

Example:
  buildd-runner claim --workspace ws-42
  buildd-runner claim --workspace ws-42 --task t-17`,
	RunE: runClaim,
}

var (
	claimWorkspace string
	claimTask      string
)

func init() {
	rootCmd.AddCommand(claimCmd)

	claimCmd.Flags().StringVar(&claimWorkspace, "workspace", "", "workspace id to claim from (required)")
	claimCmd.Flags().StringVar(&claimTask, "task", "", "claim a single specific task")
	_ = claimCmd.MarkFlagRequired("workspace")
}

func runClaim(_ *cobra.Command, _ []string) error {
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

	// No push channel and poll interval zero: this manager only ever runs
	// the sessions claimed below.
	parts, err := buildRunner(false, 0)
	if err != nil {
		return err
	}

	// Sync and persist timers still run so progress reaches the server
	// while the claimed sessions work.
	parts.manager.StartTimers()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	started, err := parts.manager.ClaimAndStart(ctx, claimWorkspace, claimTask)
	if err != nil {
		shutdownParts(parts)
		return fmt.Errorf("claiming tasks: %w", err)
	}
	if started == 0 {
		fmt.Println("Nothing to claim")
		shutdownParts(parts)
		return nil
	}
	fmt.Printf("Claimed %d task(s), waiting for sessions to finish\n", started)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted, shutting down...")
			break wait
		case <-ticker.C:
			if parts.manager.ActiveCount() == 0 {
				break wait
			}
		}
	}

	shutdownParts(parts)
	fmt.Println("Done")
	return nil
}
