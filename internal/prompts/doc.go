// Package prompts contains all LLM prompt templates used internally by mobo.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. User-facing configuration lives in config.yaml
// and the persona file; this package holds the instructions we send to models
// for the pipeline's own steps (query classification, tool decision, reply
// synthesis).
//
// Convention: each prompt category gets its own file (classify.go,
// decision.go, synthesis.go) with an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string.
package prompts
