package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/skaldhq/skald/internal/tools"
)

// RegisterTools adds the market insight tools to the catalog. Both are
// read-only fetches of public pages; they cost credits because each
// call burns bandwidth and model context.
func RegisterTools(r *tools.Registry, a *Analyzer, logger *slog.Logger) error {
	catalog := []*tools.Tool{
		{
			Name: "fetch_page_summary",
			Description: "Fetch a web page and return its readable content: title, meta description, " +
				"headings, and visible text.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Page URL to fetch",
					},
					"max_chars": map[string]any{
						"type":        "integer",
						"description": "Maximum characters of text to return. Default: 4000.",
					},
				},
				"required": []string{"url"},
			},
			Cost:    2,
			Handler: summarizeHandler(a),
		},
		{
			Name: "analyze_competitor",
			Description: "Fetch a competitor page and distill its marketing signals: messaging " +
				"headings, keyword frequency, calls to action, and price points.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Competitor page URL to analyze",
					},
				},
				"required": []string{"url"},
			},
			Cost:    3,
			Handler: analyzeHandler(a),
		},
	}

	for _, t := range catalog {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

func summarizeHandler(a *Analyzer) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		url, _ := args["url"].(string)
		maxChars := 0
		if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
			maxChars = int(mc)
		}

		summary, err := a.Summarize(ctx, url, maxChars)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(summary)
		if err != nil {
			return "", fmt.Errorf("marshal summary: %w", err)
		}
		return string(out), nil
	}
}

func analyzeHandler(a *Analyzer) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		url, _ := args["url"].(string)

		report, err := a.Analyze(ctx, url)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(report)
		if err != nil {
			return "", fmt.Errorf("marshal report: %w", err)
		}
		return string(out), nil
	}
}
