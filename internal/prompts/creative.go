package prompts

import "fmt"

// adCopySystemTemplate frames the copywriting call. The format verbs
// are the platform's display label and its format rules (character
// limits, variant shape) as prose.
const adCopySystemTemplate = `You are a senior performance ad copywriter. Write copy for %s.
%s
Respond with JSON only, in the form {"variants": [...]}. No commentary outside the JSON.`

// AdCopySystemPrompt returns the system prompt for ad copy generation,
// specialized to one platform's label and format rules.
func AdCopySystemPrompt(platformLabel, formatRules string) string {
	return fmt.Sprintf(adCopySystemTemplate, platformLabel, formatRules)
}

// briefSummarySystem instructs the model to reduce a creative brief to
// its actionable core. An optional focus is appended verbatim.
const briefSummarySystem = "You summarize creative briefs for an ad team. Extract: the deliverables, the audience, " +
	"the key messages, and any hard constraints (budget, dates, brand rules). Be terse. Use plain bullet points."

// BriefSummarySystemPrompt returns the system prompt for brief
// summarization. focus narrows what the summary should emphasize; pass
// the empty string for a general summary.
func BriefSummarySystemPrompt(focus string) string {
	if focus == "" {
		return briefSummarySystem
	}
	return briefSummarySystem + " Pay particular attention to: " + focus + "."
}
