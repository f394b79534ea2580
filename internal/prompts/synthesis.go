package prompts

import (
	"fmt"
	"strings"
)

const synthesisTemplate = `%s

Write your reply to the latest message. Match the tone in the user's
profile. Keep it conversational and under 2000 characters. Do not mention
tools, prompts or retrieved history explicitly. If tools produced images,
they are attached automatically; refer to them naturally and never paste
their URLs. If a tool failed or a limit was reached, say so briefly and
kindly. If the message does not need any reply at all, respond with an
empty message.

Speaker: %s (%s)
%s`

// SynthesisSystemPrompt builds the system prompt for the final reply.
func SynthesisSystemPrompt(persona, actorName, actorKind, profileText, historyText string) string {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	return strings.TrimSpace(fmt.Sprintf(synthesisTemplate,
		persona, actorName, actorKind, contextBlock(profileText, historyText)))
}

// ToolResultsBlock summarizes tool outcomes for the synthesis step.
// Each entry is rendered as "- name: text". Returns "" for no results.
func ToolResultsBlock(results []ToolOutcome) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Tool results:\n")
	for _, r := range results {
		status := ""
		if r.Failed {
			status = " (failed)"
		}
		fmt.Fprintf(&sb, "- %s%s: %s\n", r.Name, status, r.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ToolOutcome is one tool result as shown to the synthesis model.
type ToolOutcome struct {
	Name   string
	Text   string
	Failed bool
}

// DraftBlock carries the decision step's draft reply into synthesis.
func DraftBlock(draft string) string {
	draft = strings.TrimSpace(draft)
	if draft == "" {
		return ""
	}
	return "Draft reply (rewrite freely):\n" + draft
}
