// Package reporting aggregates campaign state, delivery metrics,
// credit spend, and model usage into the report tools. It only reads;
// the numbers it serves are written by the campaign tools, the credit
// ledger, and whatever delivery integrations feed the metrics store.
package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/skaldhq/skald/internal/capability/campaign"
	"github.com/skaldhq/skald/internal/credits"
	"github.com/skaldhq/skald/internal/metrics"
	"github.com/skaldhq/skald/internal/tools"
	"github.com/skaldhq/skald/internal/usage"
)

const defaultPeriodDays = 30

// Deps are the stores a report reads from.
type Deps struct {
	Campaigns *campaign.Store
	Metrics   *metrics.Store
	Credits   *credits.Ledger
	Usage     *usage.Store
}

// Performance is the derived delivery view of one campaign. The raw
// counters come from the campaign's metrics namespace; CTR and cost
// per conversion are computed here.
type Performance struct {
	Impressions float64 `json:"impressions"`
	Clicks      float64 `json:"clicks"`
	Conversions float64 `json:"conversions"`
	SpendCents  float64 `json:"spend_cents"`

	CTR                    float64 `json:"ctr,omitempty"`
	CostPerConversionCents float64 `json:"cost_per_conversion_cents,omitempty"`
}

// CampaignReport is the campaign_report tool's result.
type CampaignReport struct {
	Campaign    *campaign.Campaign `json:"campaign"`
	Performance Performance        `json:"performance"`
	Metrics     map[string]string  `json:"metrics,omitempty"`
}

// AccountReport is the account_report tool's result. The model usage
// breakdown is account-wide; campaign counts and credits are scoped to
// the requesting user.
type AccountReport struct {
	UserID     string `json:"user_id"`
	PeriodDays int    `json:"period_days"`

	Campaigns struct {
		Total            int            `json:"total"`
		ByStatus         map[string]int `json:"by_status,omitempty"`
		DailyBudgetCents int64          `json:"daily_budget_cents"`
	} `json:"campaigns"`

	Credits *credits.BalanceSummary `json:"credits,omitempty"`

	Usage struct {
		Calls        int                       `json:"calls"`
		InputTokens  int64                     `json:"input_tokens"`
		OutputTokens int64                     `json:"output_tokens"`
		CostUSD      float64                   `json:"cost_usd"`
		ByModel      map[string]*usage.Summary `json:"by_model,omitempty"`
	} `json:"usage"`
}

type toolset struct {
	deps   Deps
	logger *slog.Logger
}

// RegisterTools adds the reporting tools to the catalog. Reports are
// free; they spend nothing and change nothing.
func RegisterTools(r *tools.Registry, deps Deps, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ts := &toolset{deps: deps, logger: logger.With("component", "reporting")}

	catalog := []*tools.Tool{
		{
			Name: "campaign_report",
			Description: "Report one campaign's configuration and delivery performance: impressions, " +
				"clicks, conversions, spend, CTR.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"campaign_id": map[string]any{
						"type":        "string",
						"description": "Campaign to report on",
					},
				},
				"required": []string{"campaign_id"},
			},
			Handler: ts.handleCampaignReport,
		},
		{
			Name: "account_report",
			Description: "Report the account's overall position: campaign counts by status, total " +
				"daily budget, credit balance, and model usage for a recent period.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"period_days": map[string]any{
						"type":        "integer",
						"description": "How many days of model usage to include. Default: 30.",
					},
				},
			},
			Handler: ts.handleAccountReport,
		},
	}

	for _, t := range catalog {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

func (ts *toolset) handleCampaignReport(ctx context.Context, args map[string]any) (string, error) {
	id, _ := args["campaign_id"].(string)

	c, err := ts.deps.Campaigns.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		return "", fmt.Errorf("campaign %s not found", id)
	}

	ns := "campaign:" + c.ID
	samples, err := ts.deps.Metrics.List(ns)
	if err != nil {
		return "", fmt.Errorf("load metrics: %w", err)
	}

	report := CampaignReport{Campaign: c, Metrics: samples}
	report.Performance = derivePerformance(ts.deps.Metrics, ns)

	out, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return string(out), nil
}

func (ts *toolset) handleAccountReport(ctx context.Context, args map[string]any) (string, error) {
	userID := tools.UserIDFromContext(ctx)

	periodDays := defaultPeriodDays
	if d, ok := args["period_days"].(float64); ok && d > 0 {
		periodDays = int(d)
	}

	report := AccountReport{UserID: userID, PeriodDays: periodDays}

	campaigns, err := ts.deps.Campaigns.List(ctx, userID, "")
	if err != nil {
		return "", fmt.Errorf("list campaigns: %w", err)
	}
	report.Campaigns.Total = len(campaigns)
	report.Campaigns.ByStatus = make(map[string]int)
	for _, c := range campaigns {
		report.Campaigns.ByStatus[c.Status]++
		if c.Status == campaign.StatusActive {
			report.Campaigns.DailyBudgetCents += c.DailyBudgetCents
		}
	}

	if summary, err := ts.deps.Credits.Summary(ctx, userID); err != nil {
		ts.logger.Warn("credit summary failed", "user_id", userID, "error", err)
	} else {
		report.Credits = summary
	}

	end := time.Now()
	start := end.AddDate(0, 0, -periodDays)
	if byUser, err := ts.deps.Usage.SummaryByUser(start, end); err != nil {
		ts.logger.Warn("usage summary failed", "error", err)
	} else if s, ok := byUser[userID]; ok {
		report.Usage.Calls = s.TotalRecords
		report.Usage.InputTokens = s.TotalInputTokens
		report.Usage.OutputTokens = s.TotalOutputTokens
		report.Usage.CostUSD = s.TotalCostUSD
	}
	if byModel, err := ts.deps.Usage.SummaryByModel(start, end); err == nil && len(byModel) > 0 {
		report.Usage.ByModel = byModel
	}

	out, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return string(out), nil
}

// derivePerformance reads the delivery counters and computes rates.
// Missing counters read as zero; rates only appear when their
// denominator is positive.
func derivePerformance(ms *metrics.Store, ns string) Performance {
	read := func(key string) float64 {
		v, _ := ms.GetFloat(ns, key)
		return v
	}
	p := Performance{
		Impressions: read("impressions"),
		Clicks:      read("clicks"),
		Conversions: read("conversions"),
		SpendCents:  read("spend_cents"),
	}
	if p.Impressions > 0 {
		p.CTR = p.Clicks / p.Impressions
	}
	if p.Conversions > 0 {
		p.CostPerConversionCents = p.SpendCents / p.Conversions
	}
	return p
}
