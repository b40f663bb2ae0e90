package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/skaldhq/skald/internal/metrics"
	"github.com/skaldhq/skald/internal/tools"
)

// toolset binds the campaign store and the metrics KV to the tool
// handlers.
type toolset struct {
	store   *Store
	metrics *metrics.Store
	logger  *slog.Logger
}

// RegisterTools adds the campaign automation tools to the catalog.
// create_campaign and update_campaign are state-changing and gated
// behind a human confirmation; both replay as no-ops under the
// invocation ID carried in the call context.
func RegisterTools(r *tools.Registry, store *Store, metricsStore *metrics.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ts := &toolset{store: store, metrics: metricsStore, logger: logger.With("component", "campaign")}

	catalog := []*tools.Tool{
		{
			Name: "create_campaign",
			Description: "Create a new ad campaign for the current user. " +
				"The campaign starts in draft status unless told otherwise. " +
				"Budgets are daily and expressed in USD.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Campaign name shown in the dashboard",
					},
					"objective": map[string]any{
						"type":        "string",
						"enum":        []string{"traffic", "conversions", "awareness", "leads", "sales"},
						"description": "What the campaign optimizes for",
					},
					"channel": map[string]any{
						"type":        "string",
						"enum":        []string{"search", "social", "display", "video", "email"},
						"description": "Where the ads run",
					},
					"daily_budget": map[string]any{
						"type":        "number",
						"description": "Daily budget in USD",
					},
					"status": map[string]any{
						"type":        "string",
						"enum":        []string{"draft", "active"},
						"description": "Initial status. Default: draft",
					},
					"audience": map[string]any{
						"type":        "string",
						"description": "Free-text audience targeting notes",
					},
				},
				"required": []string{"name", "objective", "channel", "daily_budget"},
			},
			StateChanging:        true,
			RequiresConfirmation: true,
			Cost:                 10,
			Handler:              ts.handleCreate,
		},
		{
			Name: "update_campaign",
			Description: "Update an existing campaign: rename it, change its status " +
				"(draft, active, paused, archived), adjust the daily budget, or " +
				"replace the audience notes. Only the fields given are changed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"campaign_id": map[string]any{
						"type":        "string",
						"description": "ID of the campaign to update",
					},
					"name": map[string]any{
						"type": "string",
					},
					"status": map[string]any{
						"type": "string",
						"enum": []string{"draft", "active", "paused", "archived"},
					},
					"daily_budget": map[string]any{
						"type":        "number",
						"description": "New daily budget in USD",
					},
					"audience": map[string]any{
						"type": "string",
					},
				},
				"required": []string{"campaign_id"},
			},
			StateChanging:        true,
			RequiresConfirmation: true,
			Cost:                 5,
			Handler:              ts.handleUpdate,
		},
		{
			Name: "list_campaigns",
			Description: "List the current user's campaigns, newest first. " +
				"Optionally filter by status.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type": "string",
						"enum": []string{"draft", "active", "paused", "archived"},
					},
				},
			},
			Handler: ts.handleList,
		},
		{
			Name:        "get_campaign",
			Description: "Fetch one campaign by ID, including budget and status.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"campaign_id": map[string]any{
						"type": "string",
					},
				},
				"required": []string{"campaign_id"},
			},
			Handler: ts.handleGet,
		},
	}

	for _, t := range catalog {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

// createResult is the JSON payload returned by create_campaign and
// update_campaign. Applied is false when the invocation replayed.
type createResult struct {
	Campaign *Campaign `json:"campaign"`
	Applied  bool      `json:"applied"`
}

func (ts *toolset) handleCreate(ctx context.Context, args map[string]any) (string, error) {
	userID := tools.UserIDFromContext(ctx)
	if userID == "" {
		return "", fmt.Errorf("create_campaign: no user in call context")
	}
	invocationID := tools.InvocationIDFromContext(ctx)
	if invocationID == "" {
		return "", fmt.Errorf("create_campaign: no invocation id in call context")
	}

	c := Campaign{
		UserID:    userID,
		Name:      stringArg(args, "name"),
		Objective: stringArg(args, "objective"),
		Channel:   stringArg(args, "channel"),
		Status:    stringArg(args, "status"),
		Audience:  stringArg(args, "audience"),
	}
	if budget, ok := args["daily_budget"].(float64); ok {
		c.DailyBudgetCents = int64(math.Round(budget * 100))
	}

	created, applied, err := ts.store.Create(ctx, invocationID, c)
	if err != nil {
		return "", err
	}

	if applied {
		ts.recordSample(created)
	}

	out, err := json.Marshal(createResult{Campaign: created, Applied: applied})
	if err != nil {
		return "", fmt.Errorf("marshal campaign: %w", err)
	}
	return string(out), nil
}

func (ts *toolset) handleUpdate(ctx context.Context, args map[string]any) (string, error) {
	invocationID := tools.InvocationIDFromContext(ctx)
	if invocationID == "" {
		return "", fmt.Errorf("update_campaign: no invocation id in call context")
	}
	campaignID := stringArg(args, "campaign_id")
	if campaignID == "" {
		return "", fmt.Errorf("update_campaign: campaign_id is required")
	}

	var u Update
	if v, ok := args["name"].(string); ok {
		u.Name = &v
	}
	if v, ok := args["status"].(string); ok {
		u.Status = &v
	}
	if v, ok := args["daily_budget"].(float64); ok {
		cents := int64(math.Round(v * 100))
		u.DailyBudgetCents = &cents
	}
	if v, ok := args["audience"].(string); ok {
		u.Audience = &v
	}

	updated, applied, err := ts.store.Update(ctx, invocationID, campaignID, u)
	if err != nil {
		return "", err
	}

	if applied {
		ts.recordSample(updated)
	}

	out, err := json.Marshal(createResult{Campaign: updated, Applied: applied})
	if err != nil {
		return "", fmt.Errorf("marshal campaign: %w", err)
	}
	return string(out), nil
}

func (ts *toolset) handleList(ctx context.Context, args map[string]any) (string, error) {
	userID := tools.UserIDFromContext(ctx)
	if userID == "" {
		return "", fmt.Errorf("list_campaigns: no user in call context")
	}

	campaigns, err := ts.store.List(ctx, userID, stringArg(args, "status"))
	if err != nil {
		return "", err
	}
	if campaigns == nil {
		campaigns = []Campaign{}
	}

	out, err := json.Marshal(campaigns)
	if err != nil {
		return "", fmt.Errorf("marshal campaigns: %w", err)
	}
	return string(out), nil
}

func (ts *toolset) handleGet(ctx context.Context, args map[string]any) (string, error) {
	campaignID := stringArg(args, "campaign_id")
	if campaignID == "" {
		return "", fmt.Errorf("get_campaign: campaign_id is required")
	}

	c, err := ts.store.Get(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", fmt.Errorf("campaign %s not found", campaignID)
	}

	out, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal campaign: %w", err)
	}
	return string(out), nil
}

// recordSample mirrors the campaign's status and budget into the
// metrics KV for the dashboard and reporting. Metrics are advisory, so
// a write failure logs instead of failing the mutation.
func (ts *toolset) recordSample(c *Campaign) {
	if ts.metrics == nil {
		return
	}
	ns := "campaign:" + c.ID
	if err := ts.metrics.Set(ns, "status", c.Status); err != nil {
		ts.logger.Warn("campaign status sample failed", "campaign_id", c.ID, "error", err)
		return
	}
	if err := ts.metrics.SetFloat(ns, "daily_budget_cents", float64(c.DailyBudgetCents)); err != nil {
		ts.logger.Warn("campaign budget sample failed", "campaign_id", c.ID, "error", err)
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
