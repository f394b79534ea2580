package prompts

import "fmt"

// classifyQueryTemplate asks for a retrieval strategy as a bare JSON
// object. The field names match retrieval.Strategy's JSON tags.
const classifyQueryTemplate = `You analyze chat messages to decide how to search the conversation history for context.

Classify the message as one of:
- temporal: about order or timing ("what did we first talk about?", "when did I mention...")
- semantic: about a specific topic ("what did we say about cats?")
- personal: about the user themself (their name, preferences, things they told you)
- recent: about what just happened in the conversation
- general: anything else; needs broad context

Guidelines:
- temporal: similarity_threshold 0.4-0.5, prioritize_chronological true, include_earliest true
- semantic: similarity_threshold 0.6-0.7, prioritize_chronological false
- personal: similarity_threshold 0.5-0.6, include_earliest and include_recent true
- recent: similarity_threshold 0.6-0.8, include_recent true, include_earliest false
- general: similarity_threshold 0.5, include_recent true

Respond with only a JSON object, no prose and no code fences:
{"query_type": "...", "similarity_threshold": 0.5, "max_messages": 5, "include_earliest": false, "include_recent": true, "prioritize_chronological": false, "reasoning": "one short sentence"}

max_messages is between 1 and 20.`

// ClassifyQuerySystemPrompt returns the system prompt for query
// classification.
func ClassifyQuerySystemPrompt() string {
	return classifyQueryTemplate
}

// ClassifyQueryUserPrompt wraps the message being classified.
func ClassifyQueryUserPrompt(query string) string {
	return fmt.Sprintf("Message to analyze:\n%s", query)
}
