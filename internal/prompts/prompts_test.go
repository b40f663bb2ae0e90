package prompts

import (
	"strings"
	"testing"
)

func TestBaseSystemPrompt(t *testing.T) {
	result := BaseSystemPrompt()

	if !strings.Contains(result, "Skald") {
		t.Error("prompt should name the assistant")
	}
	if !strings.Contains(result, "Thought:") {
		t.Error("prompt should describe the thought format")
	}
	if !strings.Contains(result, "ask_human") {
		t.Error("prompt should mention ask_human")
	}
	if !strings.Contains(result, "insufficient_credits") {
		t.Error("prompt should cover the credit-denial case")
	}
}

func TestAdCopySystemPrompt(t *testing.T) {
	result := AdCopySystemPrompt("Google Search ads", "headline max 30 characters")

	if !strings.Contains(result, "Google Search ads") {
		t.Error("prompt should contain the platform label")
	}
	if !strings.Contains(result, "headline max 30 characters") {
		t.Error("prompt should contain the format rules")
	}
	if !strings.Contains(result, "JSON only") {
		t.Error("prompt should demand JSON output")
	}
}

func TestBriefSummarySystemPrompt(t *testing.T) {
	plain := BriefSummarySystemPrompt("")
	if strings.Contains(plain, "particular attention") {
		t.Error("unfocused prompt should not carry a focus clause")
	}

	focused := BriefSummarySystemPrompt("launch dates")
	if !strings.Contains(focused, "launch dates") {
		t.Error("focused prompt should contain the focus")
	}
}
