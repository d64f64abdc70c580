// Package claudecli runs agent sessions against the claude CLI in headless
// stream-json mode. The binary reads user messages as JSONL on stdin and
// emits events as JSONL on stdout; hook callbacks travel over the same pipes
// as control-protocol frames.
package claudecli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/paths"
)

func init() {
	engine.Register(engine.TypeClaudeCLI, func() engine.Client { return New() })
}

// knownPaths are checked for the claude executable before falling back to
// PATH lookup.
var knownPaths = []string{
	"~/.claude/local/claude",
	"~/.claude/claude",
}

// Client spawns headless claude sessions.
type Client struct {
	// findBinary locates the claude executable; replaced in tests.
	findBinary func() (string, error)
}

// New creates a claude CLI client.
func New() *Client {
	return &Client{findBinary: findClaude}
}

// Type returns the provider type identifier.
func (c *Client) Type() string { return engine.TypeClaudeCLI }

// Query spawns a claude process for the given prompt and returns its event
// stream. The prompt goes out as the first user message on stdin; follow-up
// messages from opts.Input are bridged for as long as the session runs.
// Cancelling ctx kills the process.
func (c *Client) Query(ctx context.Context, prompt engine.Prompt, opts engine.Options) (engine.Stream, error) {
	binPath, err := c.findBinary()
	if err != nil {
		return nil, fmt.Errorf("claudecli: %w", err)
	}

	cmd := exec.CommandContext(ctx, binPath, buildArgs(opts)...) //nolint:gosec // G204: binary path comes from known locations or PATH
	cmd.Dir = opts.WorkDir
	if opts.Env != nil {
		cmd.Env = buildEnv(opts.Env)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("claudecli: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claudecli: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("claudecli: stderr pipe: %w", err)
	}

	p := newProcess(ctx, cmd, stdin, stdout, stderr, opts)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claudecli: start: %w", err)
	}

	log.Debug(log.CatEngine, "claude process started",
		"pid", cmd.Process.Pid,
		"workDir", opts.WorkDir,
		"model", opts.Model,
		"permissionMode", opts.PermissionMode,
		"resuming", opts.Resume != "")

	p.run(prompt)
	return p, nil
}

// findClaude locates the claude executable, preferring the CLI's own install
// locations over PATH.
func findClaude() (string, error) {
	for _, candidate := range knownPaths {
		path := paths.ExpandHome(candidate)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return path, nil
		}
	}
	path, err := exec.LookPath("claude")
	if err != nil {
		return "", fmt.Errorf("claude executable not found: %w", err)
	}
	return path, nil
}

// buildArgs constructs the command line for a session. The CLI's default
// system prompt is already the preset the caller asks for, so only
// SystemPrompt.Append maps to a flag.
func buildArgs(opts engine.Options) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if len(opts.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(opts.SettingSources, ","))
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowed-tools", tool)
	}
	if len(opts.Agents) > 0 {
		if data, err := json.Marshal(agentsArg(opts.Agents)); err == nil {
			args = append(args, "--agents", string(data))
		}
	}
	if opts.SystemPrompt.Append != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt.Append)
	}
	if len(opts.MCPServers) > 0 {
		if data, err := json.Marshal(map[string]any{"mcpServers": opts.MCPServers}); err == nil {
			args = append(args, "--mcp-config", string(data))
		}
	}
	return args
}

// agentArg is the CLI's JSON shape for one subagent definition.
type agentArg struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

func agentsArg(agents map[string]engine.AgentDef) map[string]agentArg {
	out := make(map[string]agentArg, len(agents))
	for name, a := range agents {
		out[name] = agentArg{
			Description: a.Description,
			Prompt:      a.Prompt,
			Tools:       a.Tools,
			Model:       a.Model,
		}
	}
	return out
}

// buildEnv flattens an environment map into the sorted KEY=value form
// exec.Cmd expects. Options.Env is a complete replacement; nothing from the
// parent environment is merged in here.
func buildEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
