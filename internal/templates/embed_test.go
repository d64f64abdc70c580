package templates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdminInstructions(t *testing.T) {
	got := AdminInstructions("Always run make lint before committing.")

	require.Contains(t, got, "## Workspace instructions")
	require.Contains(t, got, "Always run make lint before committing.")
}

func TestGitWorkflow_Worktree(t *testing.T) {
	got := GitWorkflow(GitWorkflowData{
		Strategy:      "worktree",
		DefaultBranch: "main",
		Branch:        "buildd/task-9",
	})

	require.Contains(t, got, "`buildd/task-9`")
	require.Contains(t, got, "`origin/main`")
	require.Contains(t, got, "do not force-push")
	require.NotContains(t, got, "pull requests")
}

func TestGitWorkflow_RepoRootWithPR(t *testing.T) {
	got := GitWorkflow(GitWorkflowData{
		Strategy:      "branch",
		DefaultBranch: "main",
		Branch:        "buildd/task-9",
		CommitStyle:   "conventional",
		RequiresPR:    true,
		TargetBranch:  "develop",
	})

	require.Contains(t, got, "repository checkout")
	require.Contains(t, got, "conventional style")
	require.Contains(t, got, "targeting `develop`")
}

func TestSkillsPreamble(t *testing.T) {
	got := SkillsPreamble([]SkillInfo{
		{Slug: "deploy-docs", Description: "Publishes the docs site"},
		{Slug: "lint"},
	})

	require.Contains(t, got, "- deploy-docs: Publishes the docs site")
	require.Contains(t, got, "- lint")
	require.NotContains(t, got, "- lint:")
}

func TestMetadataFooter(t *testing.T) {
	got := MetadataFooter(MetadataData{WorkerID: "w-1", Workspace: "webapp", Branch: "buildd/task-9"})

	require.Contains(t, got, "Worker: w-1")
	require.Contains(t, got, "Workspace: webapp")
	require.Contains(t, got, "Branch: buildd/task-9")

	noBranch := MetadataFooter(MetadataData{WorkerID: "w-1", Workspace: "webapp"})
	require.NotContains(t, noBranch, "Branch:")
}

func TestStaticPartsRender(t *testing.T) {
	for name, part := range map[string]string{
		"memory preamble":         MemoryPreamble(),
		"communication directive": CommunicationDirective(),
		"resume preamble":         ResumePreamble(),
	} {
		require.NotEmpty(t, part, "%s should render", name)
		require.False(t, strings.HasSuffix(part, "\n"), "%s should be trimmed", name)
	}
}

func TestSkillDirective(t *testing.T) {
	require.Equal(t,
		"Use the deploy-docs skill via the Skill tool when the task calls for it.",
		SkillDirective("deploy-docs"))
}
