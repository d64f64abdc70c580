// Package skills manages local skill bundles and remote install requests.
// Bundles live under the skills directory as <slug>/SKILL.md; the server
// pushes installs over the push channel and receives a result report for
// each one.
package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/paths"
)

// BundleFile is the canonical bundle file name inside a skill directory.
const BundleFile = "SKILL.md"

// Bundle is one locally installed skill.
type Bundle struct {
	Slug        string
	Name        string
	Description string
	Content     string
}

// AgentDescription is the subagent description, falling back to the name.
func (b Bundle) AgentDescription() string {
	if b.Description != "" {
		return b.Description
	}
	return b.Name
}

// Syncer reads and writes skill bundles under a local directory.
type Syncer struct {
	dir string
}

// NewSyncer creates a syncer rooted at dir. An empty dir uses the default
// skills directory.
func NewSyncer(dir string) *Syncer {
	if dir == "" {
		dir = paths.SkillsDir()
	}
	return &Syncer{dir: paths.ExpandHome(dir)}
}

// Dir returns the bundle root.
func (s *Syncer) Dir() string { return s.dir }

// Slugs are restricted to a safe character set so a pushed name can never
// escape the skills directory.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// WriteBundle stores content as the bundle for slug and returns the
// bundle path.
func (s *Syncer) WriteBundle(slug, content string) (string, error) {
	if !slugPattern.MatchString(slug) {
		return "", fmt.Errorf("invalid skill slug %q", slug)
	}

	dir := filepath.Join(s.dir, slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating skill dir: %w", err)
	}

	path := filepath.Join(dir, BundleFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing bundle: %w", err)
	}

	log.Info(log.CatSkills, "skill bundle written", "slug", slug, "path", path)
	return path, nil
}

// RemoveBundle deletes the bundle directory for slug.
func (s *Syncer) RemoveBundle(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid skill slug %q", slug)
	}
	return os.RemoveAll(filepath.Join(s.dir, slug))
}

// List returns all local bundles sorted by slug. A missing skills
// directory is an empty list, not an error.
func (s *Syncer) List() ([]Bundle, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading skills dir: %w", err)
	}

	var bundles []Bundle
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name(), BundleFile))
		if err != nil {
			continue
		}
		bundles = append(bundles, newBundle(entry.Name(), string(raw)))
	}
	return bundles, nil
}

// Slugs returns the slugs of all local bundles.
func (s *Syncer) Slugs() []string {
	bundles, err := s.List()
	if err != nil {
		return nil
	}
	slugs := make([]string, 0, len(bundles))
	for _, b := range bundles {
		slugs = append(slugs, b.Slug)
	}
	return slugs
}

// skillLister fetches workspace skills from the server.
type skillLister interface {
	ListSkills(ctx context.Context, workspaceID string) ([]buildd.Skill, error)
}

// Pull materializes the workspace's server-side skills as local bundles.
// Existing bundle content is overwritten; skills without content are
// skipped.
func (s *Syncer) Pull(ctx context.Context, client skillLister, workspaceID string) error {
	serverSkills, err := client.ListSkills(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("listing workspace skills: %w", err)
	}

	for _, skill := range serverSkills {
		if skill.Content == "" {
			continue
		}
		if _, err := s.WriteBundle(skill.Slug, skill.Content); err != nil {
			log.Warn(log.CatSkills, "skill pull skipped", "slug", skill.Slug, "error", err)
		}
	}
	return nil
}

// newBundle parses the optional YAML front matter the engine uses for
// skill metadata. Content keeps the raw bundle text.
func newBundle(slug, content string) Bundle {
	b := Bundle{Slug: slug, Name: slug, Content: content}

	meta, ok := frontMatter(content)
	if !ok {
		return b
	}
	if meta.Name != "" {
		b.Name = meta.Name
	}
	b.Description = meta.Description
	return b
}

type bundleMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func frontMatter(content string) (bundleMeta, bool) {
	var meta bundleMeta

	rest, ok := strings.CutPrefix(content, "---\n")
	if !ok {
		return meta, false
	}
	head, _, ok := strings.Cut(rest, "\n---")
	if !ok {
		return meta, false
	}
	if err := yaml.Unmarshal([]byte(head), &meta); err != nil {
		return bundleMeta{}, false
	}
	return meta, true
}
