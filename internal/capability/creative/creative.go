// Package creative generates ad copy through the model provider. Each
// platform carries its own field names and character limits; the
// limits go into the prompt and are re-checked on the way out, since
// models treat character budgets as suggestions.
package creative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/skaldhq/skald/internal/llm"
	"github.com/skaldhq/skald/internal/prompts"
)

// platformSpec describes one ad platform's copy format.
type platformSpec struct {
	Label string
	Rules string

	HeadlineMax    int
	DescriptionMax int
	PrimaryMax     int
	PostMax        int
}

var platforms = map[string]platformSpec{
	"google_search": {
		Label: "Google Search ads",
		Rules: `Each variant has a "headline" (max 30 characters) and a "description" (max 90 characters). ` +
			`Headlines lead with the benefit. Descriptions end with a call to action.`,
		HeadlineMax:    30,
		DescriptionMax: 90,
	},
	"facebook": {
		Label: "Facebook feed ads",
		Rules: `Each variant has a "primary_text" (max 125 characters) and a "headline" (max 40 characters). ` +
			`Primary text hooks in the first sentence.`,
		HeadlineMax: 40,
		PrimaryMax:  125,
	},
	"instagram": {
		Label: "Instagram feed ads",
		Rules: `Each variant has a "primary_text" (max 125 characters) and a "headline" (max 40 characters). ` +
			`Write visually, as a caption under an image.`,
		HeadlineMax: 40,
		PrimaryMax:  125,
	},
	"linkedin": {
		Label: "LinkedIn sponsored content",
		Rules: `Each variant has a "primary_text" (max 150 characters) and a "headline" (max 70 characters). ` +
			`Professional register, no hype.`,
		HeadlineMax: 70,
		PrimaryMax:  150,
	},
	"x": {
		Label: "X (Twitter) ads",
		Rules: `Each variant has a single "post" (max 280 characters). Conversational, no hashtag stuffing.`,
		PostMax: 280,
	},
}

// Platforms returns the supported platform keys, for schema enums.
func Platforms() []string {
	return []string{"google_search", "facebook", "instagram", "linkedin", "x"}
}

// CopyRequest describes what to write.
type CopyRequest struct {
	Product  string
	Platform string
	Audience string
	Tone     string
	Variants int
}

// AdVariant is one piece of generated copy. Which fields are set
// depends on the platform.
type AdVariant struct {
	Headline    string `json:"headline,omitempty"`
	Description string `json:"description,omitempty"`
	PrimaryText string `json:"primary_text,omitempty"`
	Post        string `json:"post,omitempty"`
}

// CopyResult is the generated copy plus limit warnings. Raw carries
// the model's text when it did not produce parseable JSON.
type CopyResult struct {
	Platform string      `json:"platform"`
	Product  string      `json:"product"`
	Variants []AdVariant `json:"variants,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
	Raw      string      `json:"raw,omitempty"`
	Model    string      `json:"model,omitempty"`
}

// Writer generates marketing copy through a model provider.
type Writer struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewWriter creates a Writer using model on client.
func NewWriter(client llm.Client, model string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{client: client, model: model, logger: logger.With("component", "creative")}
}

// GenerateAdCopy asks the model for platform-shaped ad copy variants.
func (w *Writer) GenerateAdCopy(ctx context.Context, req CopyRequest) (*CopyResult, error) {
	if strings.TrimSpace(req.Product) == "" {
		return nil, fmt.Errorf("product is required")
	}
	spec, ok := platforms[req.Platform]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", req.Platform)
	}
	variants := req.Variants
	if variants <= 0 {
		variants = 3
	}
	if variants > 10 {
		variants = 10
	}

	system := prompts.AdCopySystemPrompt(spec.Label, spec.Rules)

	var user strings.Builder
	fmt.Fprintf(&user, "Write %d ad variants for: %s.", variants, req.Product)
	if req.Audience != "" {
		fmt.Fprintf(&user, " Target audience: %s.", req.Audience)
	}
	if req.Tone != "" {
		fmt.Fprintf(&user, " Tone: %s.", req.Tone)
	}

	resp, err := w.client.Chat(ctx, w.model,
		[]llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user.String()},
		},
		nil,
		&llm.Options{Temperature: 0.9},
	)
	if err != nil {
		return nil, fmt.Errorf("generate ad copy: %w", err)
	}

	result := &CopyResult{Platform: req.Platform, Product: req.Product, Model: resp.Model}

	var parsed struct {
		Variants []AdVariant `json:"variants"`
	}
	if raw := extractJSON(resp.Message.Content); raw == "" || json.Unmarshal([]byte(raw), &parsed) != nil || len(parsed.Variants) == 0 {
		w.logger.Warn("ad copy response was not valid JSON", "model", resp.Model)
		result.Raw = strings.TrimSpace(resp.Message.Content)
		return result, nil
	}

	result.Variants = parsed.Variants
	result.Warnings = checkLimits(parsed.Variants, spec)
	return result, nil
}

// SummarizeBrief condenses a creative brief into its actionable core.
func (w *Writer) SummarizeBrief(ctx context.Context, brief, focus string) (string, error) {
	if strings.TrimSpace(brief) == "" {
		return "", fmt.Errorf("brief is required")
	}

	system := prompts.BriefSummarySystemPrompt(focus)

	resp, err := w.client.Chat(ctx, w.model,
		[]llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: brief},
		},
		nil,
		&llm.Options{Temperature: 0.2},
	)
	if err != nil {
		return "", fmt.Errorf("summarize brief: %w", err)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// checkLimits flags variants that blow their platform's character
// budgets. Counting is in runes; platforms count characters, not
// bytes.
func checkLimits(variants []AdVariant, spec platformSpec) []string {
	var warnings []string
	check := func(i int, field, value string, max int) {
		if max > 0 && value != "" && utf8.RuneCountInString(value) > max {
			warnings = append(warnings,
				fmt.Sprintf("variant %d: %s is %d characters, limit %d", i+1, field, utf8.RuneCountInString(value), max))
		}
	}
	for i, v := range variants {
		check(i, "headline", v.Headline, spec.HeadlineMax)
		check(i, "description", v.Description, spec.DescriptionMax)
		check(i, "primary_text", v.PrimaryText, spec.PrimaryMax)
		check(i, "post", v.Post, spec.PostMax)
	}
	return warnings
}

// extractJSON cuts the first top-level JSON object out of s, tolerating
// prose or code fences around it.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
