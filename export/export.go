// Package export renders conversation transcripts. Markdown is the
// canonical format; HTML is a goldmark rendering of it for previews.
package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/nevindra/parley"
)

// renderer converts transcript markdown to HTML. GFM gives us tables and
// strikethrough; unsafe HTML stays off because message content is
// model-produced.
var renderer = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// Markdown renders a transcript from a state snapshot.
func Markdown(state parley.ConversationState) string {
	var b strings.Builder

	title := state.Scenario.Name
	if title == "" {
		title = "Conversation"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if state.Scenario.Goal != "" {
		fmt.Fprintf(&b, "> %s\n\n", state.Scenario.Goal)
	}

	fmt.Fprintf(&b, "- Started: %s\n", time.Unix(state.StartedAt, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Participants: %s\n", strings.Join(state.Scenario.Participants, ", "))
	fmt.Fprintf(&b, "- Cycles completed: %d\n", state.CurrentCycle)
	if state.Termination != nil {
		fmt.Fprintf(&b, "- Ended: %s (cycle %d)\n", state.Termination.Reason, state.Termination.AtCycle)
	}
	b.WriteString("\n---\n\n")

	for _, m := range state.Messages {
		writeMessage(&b, m)
	}
	return b.String()
}

func writeMessage(b *strings.Builder, m parley.Message) {
	switch m.Role {
	case parley.RoleCycleMarker:
		fmt.Fprintf(b, "---\n\n_%s_\n\n", m.Content)
	case parley.RoleHuman:
		fmt.Fprintf(b, "**%s** (opening):\n\n%s\n\n", m.AgentID, m.Content)
	case parley.RoleTool:
		fmt.Fprintf(b, "`tool result`:\n\n```\n%s\n```\n\n", m.Content)
	case parley.RoleAI:
		fmt.Fprintf(b, "**%s**:\n\n", m.AgentID)
		if m.Content != "" {
			fmt.Fprintf(b, "%s\n\n", m.Content)
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(b, "`tool call` %s(%s)\n\n", tc.Name, string(tc.Args))
		}
	default:
		fmt.Fprintf(b, "_%s_: %s\n\n", m.Role, m.Content)
	}
}

// HTML renders the markdown transcript to HTML.
func HTML(state parley.ConversationState) (string, error) {
	var buf bytes.Buffer
	if err := renderer.Convert([]byte(Markdown(state)), &buf); err != nil {
		return "", fmt.Errorf("export: render html: %w", err)
	}
	return buf.String(), nil
}
