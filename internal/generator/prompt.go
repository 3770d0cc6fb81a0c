package generator

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

const (
	maxInlineAttachment = 8 << 10
	maxPreviousFile     = 6 << 10
)

const systemPrompt = `You build small static web applications that are deployed to GitHub Pages.
Reply with a single JSON object whose keys are relative file paths and whose values are the full file contents.
The site must work when served from the repository root with no build step.
Always include index.html, a README.md (summary, setup, usage, code explanation, license) and an MIT LICENSE.
Every listed check will be evaluated automatically against the deployed page.`

// buildMessages renders the brief, checks, attachments and, for later rounds,
// the previous round's files into a chat transcript.
func buildMessages(in domain.GenerateInput) []chatMessage {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\nRound: %d\n\n", in.Task, in.Round)
	if in.Round > 1 {
		b.WriteString("This is a revision of an existing project. Apply the brief as a change to the files below ")
		b.WriteString("and return the complete updated file set, not a diff.\n\n")
	}

	b.WriteString("Brief:\n")
	b.WriteString(strings.TrimSpace(in.Brief))
	b.WriteString("\n\n")

	if len(in.Checks) > 0 {
		b.WriteString("Checks:\n")
		for i, c := range in.Checks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(c))
		}
		b.WriteString("\n")
	}

	if kw := Keywords(in.Brief, in.Checks, 12); len(kw) > 0 {
		b.WriteString("Key terms that must appear in the page or README: ")
		b.WriteString(strings.Join(kw, ", "))
		b.WriteString("\n\n")
	}

	if len(in.Attachments) > 0 {
		b.WriteString("Attachments (saved at the repository root under these names):\n")
		for _, a := range in.Attachments {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", a.Name, a.MediaType, len(a.Content))
			if inlineable(a) {
				fmt.Fprintf(&b, "```\n%s\n```\n", string(a.Content))
			}
		}
		b.WriteString("\n")
	}

	if in.Round > 1 && len(in.PreviousFiles) > 0 {
		prev := make(map[string]string, len(in.PreviousFiles))
		for _, f := range in.PreviousFiles {
			content := string(f.Content)
			if len(content) > maxPreviousFile {
				content = content[:maxPreviousFile] + "\n... (truncated)"
			}
			prev[f.Path] = content
		}
		if js, err := json.MarshalIndent(prev, "", "  "); err == nil {
			b.WriteString("Current files:\n")
			b.Write(js)
			b.WriteString("\n")
		}
	}

	return []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func inlineable(a domain.ResolvedAttachment) bool {
	if len(a.Content) > maxInlineAttachment || !utf8.Valid(a.Content) {
		return false
	}
	mt := strings.ToLower(a.MediaType)
	return strings.HasPrefix(mt, "text/") ||
		strings.Contains(mt, "json") ||
		strings.Contains(mt, "csv") ||
		strings.Contains(mt, "xml") ||
		strings.Contains(mt, "markdown")
}
