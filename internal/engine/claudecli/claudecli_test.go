package claudecli

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildd-ai/runner/internal/engine"
)

// flagValue returns the value following flag, failing the test when the
// flag is absent.
func flagValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, a := range args {
		if a == flag {
			require.Less(t, i+1, len(args), "%s has no value", flag)
			return args[i+1]
		}
	}
	t.Fatalf("flag %s not found in %v", flag, args)
	return ""
}

// === Registration ===

func TestRegistersWithEngine(t *testing.T) {
	c, err := engine.New(engine.TypeClaudeCLI)
	require.NoError(t, err)
	require.Equal(t, engine.TypeClaudeCLI, c.Type())
}

// === buildArgs ===

func TestBuildArgs_Base(t *testing.T) {
	args := buildArgs(engine.Options{})

	require.Equal(t, []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}, args)
}

func TestBuildArgs_Model(t *testing.T) {
	args := buildArgs(engine.Options{Model: "opus"})
	require.Equal(t, "opus", flagValue(t, args, "--model"))
}

func TestBuildArgs_PermissionMode(t *testing.T) {
	args := buildArgs(engine.Options{PermissionMode: engine.PermissionAcceptEdits})
	require.Equal(t, "acceptEdits", flagValue(t, args, "--permission-mode"))
}

func TestBuildArgs_Resume(t *testing.T) {
	args := buildArgs(engine.Options{Resume: "sess-42"})
	require.Equal(t, "sess-42", flagValue(t, args, "--resume"))

	require.NotContains(t, buildArgs(engine.Options{}), "--resume")
}

func TestBuildArgs_SettingSourcesJoined(t *testing.T) {
	args := buildArgs(engine.Options{SettingSources: []string{"user", "project"}})
	require.Equal(t, "user,project", flagValue(t, args, "--setting-sources"))
}

func TestBuildArgs_AllowedToolsRepeated(t *testing.T) {
	args := buildArgs(engine.Options{AllowedTools: []string{"Read", "Skill(code-review)"}})

	var values []string
	for i, a := range args {
		if a == "--allowed-tools" {
			values = append(values, args[i+1])
		}
	}
	require.Equal(t, []string{"Read", "Skill(code-review)"}, values)
}

func TestBuildArgs_AgentsJSON(t *testing.T) {
	args := buildArgs(engine.Options{Agents: map[string]engine.AgentDef{
		"code-review": {
			Description: "Reviews diffs",
			Prompt:      "You review code.",
			Tools:       []string{"Read", "Grep"},
			Model:       "inherit",
		},
	}})

	var decoded map[string]agentArg
	require.NoError(t, json.Unmarshal([]byte(flagValue(t, args, "--agents")), &decoded))
	require.Len(t, decoded, 1)
	require.Equal(t, "Reviews diffs", decoded["code-review"].Description)
	require.Equal(t, "You review code.", decoded["code-review"].Prompt)
	require.Equal(t, []string{"Read", "Grep"}, decoded["code-review"].Tools)
	require.Equal(t, "inherit", decoded["code-review"].Model)
}

func TestBuildArgs_AppendSystemPrompt(t *testing.T) {
	args := buildArgs(engine.Options{SystemPrompt: engine.SystemPrompt{Append: "Use skills."}})
	require.Equal(t, "Use skills.", flagValue(t, args, "--append-system-prompt"))

	// The preset is the CLI's default prompt; it never becomes a flag.
	args = buildArgs(engine.Options{SystemPrompt: engine.SystemPrompt{Preset: "claude_code"}})
	require.NotContains(t, args, "--append-system-prompt")
}

func TestBuildArgs_MCPConfigWrapped(t *testing.T) {
	args := buildArgs(engine.Options{MCPServers: map[string]any{
		"buildd": map[string]any{"url": "http://localhost:8765"},
	}})

	var decoded struct {
		MCPServers map[string]map[string]string `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal([]byte(flagValue(t, args, "--mcp-config")), &decoded))
	require.Equal(t, "http://localhost:8765", decoded.MCPServers["buildd"]["url"])
}

func TestBuildArgs_FullCombination(t *testing.T) {
	args := buildArgs(engine.Options{
		Model:          "sonnet",
		PermissionMode: engine.PermissionBypass,
		Resume:         "sess-9",
		SettingSources: []string{"user"},
		AllowedTools:   []string{"Read"},
		SystemPrompt:   engine.SystemPrompt{Append: "extra"},
	})

	require.Equal(t, "--print", args[0])
	require.Contains(t, args, "--model")
	require.Contains(t, args, "--permission-mode")
	require.Contains(t, args, "--resume")
	require.Contains(t, args, "--setting-sources")
	require.Contains(t, args, "--allowed-tools")
	require.Contains(t, args, "--append-system-prompt")
}

// === buildEnv ===

func TestBuildEnv_SortedPairs(t *testing.T) {
	env := buildEnv(map[string]string{
		"ZED":  "last",
		"HOME": "/home/dev",
		"PATH": "/usr/bin",
	})
	require.Equal(t, []string{"HOME=/home/dev", "PATH=/usr/bin", "ZED=last"}, env)
}

func TestBuildEnv_Empty(t *testing.T) {
	require.Empty(t, buildEnv(map[string]string{}))
}

// === findClaude ===

func TestFindClaude_PrefersKnownPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	bin := filepath.Join(home, ".claude", "local", "claude")
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0755))
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755))

	path, err := findClaude()
	require.NoError(t, err)
	require.Equal(t, bin, path)
}

func TestFindClaude_FallsBackToPathLookup(t *testing.T) {
	home := t.TempDir()
	binDir := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PATH", binDir)

	bin := filepath.Join(binDir, "claude")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755))

	path, err := findClaude()
	require.NoError(t, err)
	require.Equal(t, bin, path)
}

func TestFindClaude_NotFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PATH", t.TempDir())

	_, err := findClaude()
	require.Error(t, err)
	require.Contains(t, err.Error(), "claude executable not found")
}

func TestFindClaude_SkipsNonExecutable(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PATH", t.TempDir())

	bin := filepath.Join(home, ".claude", "claude")
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0755))
	require.NoError(t, os.WriteFile(bin, []byte("not a binary"), 0644))

	_, err := findClaude()
	require.Error(t, err)
}

// === Query ===

func TestQuery_BinaryNotFound(t *testing.T) {
	c := New()
	c.findBinary = func() (string, error) {
		return "", errors.New("nothing installed")
	}

	_, err := c.Query(context.Background(), engine.Prompt{Text: "hi"}, engine.Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "nothing installed")
}
