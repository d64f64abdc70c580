// Package workspace maps server-side workspace identities to local
// repository directories. The server addresses workspaces by name (and
// sometimes by repository URL); the runner's config carries the local
// paths. The resolver is also the source of the availability report sent
// with claim and heartbeat environments.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/paths"
)

// ErrNotConfigured is returned when no mapping matches the requested
// workspace.
var ErrNotConfigured = errors.New("workspace not configured")

// Mapping pairs a server-side workspace name with a local repository path.
// RepoURL allows resolution when the server hands out a clone URL instead
// of a name.
type Mapping struct {
	Name    string
	Path    string
	RepoURL string
}

// Resolver resolves workspace names and URLs against configured mappings.
type Resolver struct {
	mappings []Mapping
}

// NewResolver builds a resolver over the configured mappings.
func NewResolver(mappings []Mapping) *Resolver {
	return &Resolver{mappings: mappings}
}

// Resolve maps a workspace name or repository URL to a local directory.
// The directory must exist and contain a .git entry.
func (r *Resolver) Resolve(nameOrURL string) (string, error) {
	m, ok := r.lookup(nameOrURL)
	if !ok {
		return "", fmt.Errorf("%q: %w", nameOrURL, ErrNotConfigured)
	}

	dir := paths.ExpandHome(m.Path)
	if !filepath.IsAbs(dir) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("workspace %q: resolve path: %w", m.Name, err)
		}
		dir = abs
	}

	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("workspace %q: %w", m.Name, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %q: %s is not a directory", m.Name, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "", fmt.Errorf("workspace %q: %s is not a git repository", m.Name, dir)
	}
	return dir, nil
}

func (r *Resolver) lookup(nameOrURL string) (Mapping, bool) {
	for _, m := range r.mappings {
		if m.Name == nameOrURL {
			return m, true
		}
	}
	want := normalizeRepoURL(nameOrURL)
	if want == "" {
		return Mapping{}, false
	}
	for _, m := range r.mappings {
		if m.RepoURL != "" && normalizeRepoURL(m.RepoURL) == want {
			return m, true
		}
	}
	return Mapping{}, false
}

// Availability reports, per configured mapping, whether the local
// directory currently resolves. Sent to the server so assignments only
// target runners that can actually serve them.
func (r *Resolver) Availability() []buildd.WorkspaceAvailability {
	out := make([]buildd.WorkspaceAvailability, 0, len(r.mappings))
	for _, m := range r.mappings {
		dir, err := r.Resolve(m.Name)
		if err != nil {
			log.Debug(log.CatWorkspace, "workspace unavailable", "name", m.Name, "error", err)
			out = append(out, buildd.WorkspaceAvailability{ID: m.Name, Name: m.Name, Available: false})
			continue
		}
		out = append(out, buildd.WorkspaceAvailability{ID: m.Name, Name: m.Name, Path: dir, Available: true})
	}
	return out
}

// Names lists the configured workspace names, used for push-topic
// subscriptions at startup.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.mappings))
	for _, m := range r.mappings {
		names = append(names, m.Name)
	}
	return names
}

// normalizeRepoURL strips the fragments that vary between otherwise equal
// clone URLs: trailing slashes, a .git suffix, and an ssh-style prefix.
func normalizeRepoURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	if rest, ok := strings.CutPrefix(u, "git@"); ok {
		u = strings.Replace(rest, ":", "/", 1)
	} else {
		for _, scheme := range []string{"https://", "http://", "ssh://git@", "ssh://"} {
			if rest, ok := strings.CutPrefix(u, scheme); ok {
				u = rest
				break
			}
		}
	}
	return strings.ToLower(u)
}
