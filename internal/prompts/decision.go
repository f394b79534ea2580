package prompts

import (
	"fmt"
	"strings"
)

// DefaultPersona is used when no persona file or URL is configured.
const DefaultPersona = `You are Mobo, a friendly and curious member of this Discord server.
You talk like a person, not an assistant: short messages, natural tone,
no bullet-point essays unless someone asks for detail.`

const decisionTemplate = `%s

You are deciding how to handle the latest message in a Discord conversation.
If a tool would help (generating an image, remembering something about the
user, searching older conversation, checking limits), call it. Use the
profile tools proactively when the user reveals likes, dislikes, a nickname
or a preferred tone. Otherwise reply with a short draft of what you would say.

Speaker: %s (%s)
%s`

// DecisionSystemPrompt builds the system prompt for the decision step.
// profileText and historyText may be empty.
func DecisionSystemPrompt(persona, actorName, actorKind, profileText, historyText string) string {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	return strings.TrimSpace(fmt.Sprintf(decisionTemplate,
		persona, actorName, actorKind, contextBlock(profileText, historyText)))
}

func contextBlock(profileText, historyText string) string {
	var parts []string
	if profileText != "" {
		parts = append(parts, profileText)
	}
	if historyText != "" {
		parts = append(parts, historyText)
	}
	return strings.Join(parts, "\n\n")
}
