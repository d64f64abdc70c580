// Package templates holds the embedded prompt parts the manager assembles
// into session prompts. Each part is a markdown fragment; parameterized
// parts render through text/template.
package templates

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/buildd-ai/runner/internal/log"
)

//go:embed prompts/*.md
var promptFiles embed.FS

var prompts = template.Must(template.ParseFS(promptFiles, "prompts/*.md"))

// AdminInstructions wraps the workspace admin's own agent instructions.
func AdminInstructions(instructions string) string {
	return render("admin_instructions.md", struct{ Instructions string }{instructions})
}

// GitWorkflowData parameterizes the git-workflow context block.
type GitWorkflowData struct {
	Strategy      string
	DefaultBranch string
	Branch        string
	CommitStyle   string
	RequiresPR    bool
	TargetBranch  string
}

// GitWorkflow renders the workspace's git policy for the agent.
func GitWorkflow(data GitWorkflowData) string {
	return render("git_workflow.md", data)
}

// MemoryPreamble heads the workspace-memory block.
func MemoryPreamble() string {
	return render("memory_preamble.md", nil)
}

// SkillInfo names one skill available to the agent.
type SkillInfo struct {
	Slug        string
	Description string
}

// SkillsPreamble lists the installed skills.
func SkillsPreamble(skills []SkillInfo) string {
	return render("skills_preamble.md", skills)
}

// CommunicationDirective steers the agent toward the question tool.
func CommunicationDirective() string {
	return render("communication.md", nil)
}

// MetadataData parameterizes the metadata footer.
type MetadataData struct {
	WorkerID  string
	Workspace string
	Branch    string
}

// MetadataFooter closes every prompt with worker identity.
func MetadataFooter(data MetadataData) string {
	return render("metadata_footer.md", data)
}

// ResumePreamble heads a reconstructed-context prompt when a session
// cannot be resumed through the engine.
func ResumePreamble() string {
	return render("resume_preamble.md", nil)
}

// SkillDirective is the one-line system-prompt addition for an assigned
// skill slug.
func SkillDirective(slug string) string {
	return fmt.Sprintf("Use the %s skill via the Skill tool when the task calls for it.", slug)
}

func render(name string, data any) string {
	var buf strings.Builder
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		log.Error(log.CatSession, "prompt template failed", "template", name, "error", err)
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}
