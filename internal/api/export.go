package api

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/nugget/reeve/internal/eventlog"
)

// ExportHTML renders a conversation's events as a standalone HTML
// transcript. Message content is treated as markdown; tool traffic is
// summarized rather than dumped, and synthesized messages are labeled.
func ExportHTML(conversationID string, evs []eventlog.Event) (string, error) {
	md := transcriptMarkdown(conversationID, evs)

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render transcript: %w", err)
	}

	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Conversation %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48em; margin: 2em auto;">
%s
</body></html>`, conversationID, buf.String())

	return html, nil
}

// transcriptMarkdown builds the markdown source for a transcript.
func transcriptMarkdown(conversationID string, evs []eventlog.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Conversation %s\n\n", conversationID)

	for _, ev := range evs {
		switch ev.Kind {
		case eventlog.KindMessage:
			label := roleLabel(ev.Role)
			if ev.Synthetic {
				label += " (synthesized)"
			}
			fmt.Fprintf(&sb, "**%s** — %s\n\n", label, ev.TS.Format(time.RFC3339))
			sb.WriteString(ev.Content)
			sb.WriteString("\n\n")

		case eventlog.KindToolCall:
			if ev.Tool != nil {
				fmt.Fprintf(&sb, "*Tool call: `%s`*\n\n", ev.Tool.Name)
			}

		case eventlog.KindToolResult:
			if ev.ToolResult != nil {
				if ev.ToolResult.OK {
					sb.WriteString("*Tool result: ok*\n\n")
				} else {
					fmt.Fprintf(&sb, "*Tool result: failed — %s*\n\n", ev.ToolResult.Error)
				}
			}
		}
	}
	return sb.String()
}

func roleLabel(role string) string {
	switch role {
	case eventlog.RoleUser:
		return "User"
	case eventlog.RoleAssistant:
		return "Assistant"
	case eventlog.RoleSystem:
		return "System"
	default:
		return role
	}
}
