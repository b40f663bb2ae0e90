package creative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/skaldhq/skald/internal/llm"
	"github.com/skaldhq/skald/internal/tools"
)

// RegisterTools adds the ad creative tools to the catalog. Both call
// the model provider, so both cost credits; neither changes state.
func RegisterTools(r *tools.Registry, client llm.Client, model string, logger *slog.Logger) error {
	w := NewWriter(client, model, logger)

	catalog := []*tools.Tool{
		{
			Name: "generate_ad_copy",
			Description: "Generate ad copy variants for a product, shaped to a platform's fields and " +
				"character limits. Returns the variants plus warnings for any that exceed the limits.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"product": map[string]any{
						"type":        "string",
						"description": "What is being advertised, in one or two sentences",
					},
					"platform": map[string]any{
						"type":        "string",
						"description": "Ad platform the copy targets",
						"enum":        Platforms(),
					},
					"audience": map[string]any{
						"type":        "string",
						"description": "Who the ad should speak to",
					},
					"tone": map[string]any{
						"type":        "string",
						"description": "Voice for the copy, e.g. playful, premium, urgent",
					},
					"variants": map[string]any{
						"type":        "integer",
						"description": "How many variants to write. Default: 3.",
					},
				},
				"required": []string{"product", "platform"},
			},
			Cost:    5,
			Handler: generateHandler(w),
		},
		{
			Name: "summarize_brief",
			Description: "Condense a creative brief into deliverables, audience, key messages, and " +
				"hard constraints.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"brief": map[string]any{
						"type":        "string",
						"description": "The full brief text",
					},
					"focus": map[string]any{
						"type":        "string",
						"description": "Aspect to emphasize in the summary",
					},
				},
				"required": []string{"brief"},
			},
			Cost:    2,
			Handler: summarizeBriefHandler(w),
		},
	}

	for _, t := range catalog {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

func generateHandler(w *Writer) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		req := CopyRequest{
			Product:  stringArg(args, "product"),
			Platform: stringArg(args, "platform"),
			Audience: stringArg(args, "audience"),
			Tone:     stringArg(args, "tone"),
		}
		if n, ok := args["variants"].(float64); ok {
			req.Variants = int(n)
		}

		result, err := w.GenerateAdCopy(ctx, req)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("marshal result: %w", err)
		}
		return string(out), nil
	}
}

func summarizeBriefHandler(w *Writer) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		return w.SummarizeBrief(ctx, stringArg(args, "brief"), stringArg(args, "focus"))
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
