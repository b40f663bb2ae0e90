// Package prompts contains all LLM prompt templates used internally by Skald.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. User-facing configuration lives in skald.yaml;
// this package holds the instructions we send to models (the decision
// protocol, ad-copy generation, corrective re-prompts).
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully interpolated
// prompt string.
package prompts
