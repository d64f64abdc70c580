package skills

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/cachemanager"
	"github.com/buildd-ai/runner/internal/log"
)

const (
	installTimeout    = 120 * time.Second
	maxOutputBytes    = 4096
	allowlistCacheTTL = 10 * time.Minute
)

// Request is one remote install instruction, decoded from a push event.
type Request struct {
	WorkspaceID      string
	RequestID        string
	Slug             string
	Bundle           string
	InstallerCommand string
}

// serverClient is the slice of the buildd client the installer needs.
type serverClient interface {
	WorkspaceConfig(ctx context.Context, workspaceID string) (*buildd.WorkspaceConfig, error)
	ReportSkillInstall(ctx context.Context, report buildd.SkillInstallReport) error
}

// Installer validates and executes remote skill installs and reports
// every outcome back to the server.
type Installer struct {
	client    serverClient
	syncer    *Syncer
	allowlist *cachemanager.ReadThroughCache[string, []string, string]
	local     []string
	rejectAll bool
	timeout   time.Duration
}

// NewInstaller wires an installer against the server client and local
// bundle syncer. localAllowlist and rejectAll come from the runner's
// skills config.
func NewInstaller(client serverClient, syncer *Syncer, localAllowlist []string, rejectAll bool) *Installer {
	cache := cachemanager.NewInMemoryCacheManager[[]string]("installer-allowlist",
		allowlistCacheTTL, 30*time.Minute)

	return &Installer{
		client: client,
		syncer: syncer,
		allowlist: cachemanager.NewReadThroughCache[string, []string, string](
			cache,
			func(ctx context.Context, workspaceID string) ([]string, error) {
				cfg, err := client.WorkspaceConfig(ctx, workspaceID)
				if err != nil {
					return nil, err
				}
				return cfg.InstallerAllowlist, nil
			},
			false,
		),
		local:     localAllowlist,
		rejectAll: rejectAll,
		timeout:   installTimeout,
	}
}

// Handle executes one remote install request and reports the result to
// the server. The sent report is returned.
func (i *Installer) Handle(ctx context.Context, req Request) buildd.SkillInstallReport {
	report := buildd.SkillInstallReport{RequestID: req.RequestID, Slug: req.Slug}

	switch {
	case req.Bundle != "":
		if _, err := i.syncer.WriteBundle(req.Slug, req.Bundle); err != nil {
			report.Error = err.Error()
		} else {
			report.Success = true
		}

	case req.InstallerCommand != "":
		out, err := i.runInstaller(ctx, req.WorkspaceID, req.InstallerCommand)
		report.Output = out
		if err != nil {
			report.Error = err.Error()
		} else {
			report.Success = true
		}

	default:
		report.Error = "install request carries neither bundle nor installer command"
	}

	if err := i.client.ReportSkillInstall(ctx, report); err != nil {
		log.Warn(log.CatSkills, "install report failed", "requestId", req.RequestID, "error", err)
	}
	return report
}

func (i *Installer) runInstaller(ctx context.Context, workspaceID, command string) (string, error) {
	if err := i.validate(ctx, workspaceID, command); err != nil {
		return "", err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	log.Info(log.CatSkills, "running installer", "workspace", workspaceID, "command", command)
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = home
	out, err := cmd.CombinedOutput()
	output := truncateOutput(out)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("installer timed out after %s", i.timeout)
	}
	if err != nil {
		return output, fmt.Errorf("installer failed: %w", err)
	}
	return output, nil
}

// validate decides whether command may run. Checked in order: the
// workspace allowlist (fetched through a 10 min cache), the local
// allowlist, then the local reject-all flag. A command no list approves
// runs only when reject_installers is off.
func (i *Installer) validate(ctx context.Context, workspaceID, command string) error {
	wsAllowlist, err := i.allowlist.Get(ctx, workspaceID, workspaceID, allowlistCacheTTL)
	if err != nil {
		log.Warn(log.CatSkills, "workspace allowlist unavailable", "workspace", workspaceID, "error", err)
	}

	if slices.Contains(wsAllowlist, command) {
		return nil
	}
	if slices.Contains(i.local, command) {
		return nil
	}
	if i.rejectAll {
		return errors.New("installer command rejected by runner configuration")
	}
	return nil
}

func truncateOutput(out []byte) string {
	if len(out) > maxOutputBytes {
		return string(out[:maxOutputBytes])
	}
	return string(out)
}
