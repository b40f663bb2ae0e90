package reporting

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skaldhq/skald/internal/capability/campaign"
	"github.com/skaldhq/skald/internal/credits"
	"github.com/skaldhq/skald/internal/metrics"
	"github.com/skaldhq/skald/internal/tools"
	"github.com/skaldhq/skald/internal/usage"
	_ "modernc.org/sqlite"
)

type fixture struct {
	registry  *tools.Registry
	campaigns *campaign.Store
	metrics   *metrics.Store
	credits   *credits.Ledger
	usage     *usage.Store
}

func setupReporting(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	campaigns, err := campaign.NewStore(db, nil)
	if err != nil {
		t.Fatalf("campaign store: %v", err)
	}
	ms, err := metrics.NewStore(db)
	if err != nil {
		t.Fatalf("metrics store: %v", err)
	}
	ledger, err := credits.NewLedger(db, nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	us, err := usage.NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("usage store: %v", err)
	}
	t.Cleanup(func() { us.Close() })

	registry := tools.NewRegistry(0, nil)
	err = RegisterTools(registry, Deps{
		Campaigns: campaigns,
		Metrics:   ms,
		Credits:   ledger,
		Usage:     us,
	}, nil)
	if err != nil {
		t.Fatalf("register tools: %v", err)
	}
	return &fixture{registry: registry, campaigns: campaigns, metrics: ms, credits: ledger, usage: us}
}

func seedCampaign(t *testing.T, f *fixture, user, name, status string) *campaign.Campaign {
	t.Helper()
	ctx := context.Background()
	c, _, err := f.campaigns.Create(ctx, "inv_create_"+name, campaign.Campaign{
		UserID:           user,
		Name:             name,
		Objective:        "conversions",
		Channel:          "search",
		DailyBudgetCents: 5000,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if status != campaign.StatusDraft {
		c, _, err = f.campaigns.Update(ctx, "inv_status_"+name, c.ID, campaign.Update{Status: &status})
		if err != nil {
			t.Fatalf("set status: %v", err)
		}
	}
	return c
}

func TestCampaignReport(t *testing.T) {
	f := setupReporting(t)
	c := seedCampaign(t, f, "user_1", "Spring", campaign.StatusActive)

	ns := "campaign:" + c.ID
	for key, value := range map[string]float64{
		"impressions": 1000,
		"clicks":      50,
		"conversions": 5,
		"spend_cents": 2000,
	} {
		if err := f.metrics.SetFloat(ns, key, value); err != nil {
			t.Fatalf("seed metric %s: %v", key, err)
		}
	}

	out, err := f.registry.Execute(context.Background(), "campaign_report", map[string]any{
		"campaign_id": c.ID,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var report CampaignReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, out)
	}
	if report.Campaign == nil || report.Campaign.ID != c.ID {
		t.Fatalf("report campaign = %+v", report.Campaign)
	}
	if report.Performance.Impressions != 1000 || report.Performance.Clicks != 50 {
		t.Errorf("performance = %+v", report.Performance)
	}
	if report.Performance.CTR != 0.05 {
		t.Errorf("CTR = %v, want 0.05", report.Performance.CTR)
	}
	if report.Performance.CostPerConversionCents != 400 {
		t.Errorf("cost per conversion = %v, want 400", report.Performance.CostPerConversionCents)
	}
	if report.Metrics["impressions"] != "1000" {
		t.Errorf("raw metrics = %v", report.Metrics)
	}
}

func TestCampaignReport_NoSamples(t *testing.T) {
	f := setupReporting(t)
	c := seedCampaign(t, f, "user_1", "Quiet", campaign.StatusDraft)

	out, err := f.registry.Execute(context.Background(), "campaign_report", map[string]any{
		"campaign_id": c.ID,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var report CampaignReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Performance.CTR != 0 || report.Performance.Impressions != 0 {
		t.Errorf("performance = %+v, want zeroes", report.Performance)
	}
}

func TestCampaignReport_Missing(t *testing.T) {
	f := setupReporting(t)

	_, err := f.registry.Execute(context.Background(), "campaign_report", map[string]any{
		"campaign_id": "nope",
	})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestAccountReport(t *testing.T) {
	f := setupReporting(t)
	ctx := context.Background()

	seedCampaign(t, f, "user_1", "Active A", campaign.StatusActive)
	seedCampaign(t, f, "user_1", "Active B", campaign.StatusActive)
	seedCampaign(t, f, "user_1", "Parked", campaign.StatusPaused)
	seedCampaign(t, f, "user_2", "Other", campaign.StatusActive)

	if _, err := f.credits.Grant(ctx, "user_1", 500, "signup"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := f.credits.Deduct(ctx, "op_1", "user_1", 120, "tools"); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	records := []usage.Record{
		{UserID: "user_1", Provider: "anthropic", Model: "claude-sonnet-4-5", InputTokens: 900, OutputTokens: 300, CostUSD: 0.02},
		{UserID: "user_1", Provider: "openai", Model: "gpt-4o", InputTokens: 100, OutputTokens: 50, CostUSD: 0.01},
		{UserID: "user_2", Provider: "openai", Model: "gpt-4o", InputTokens: 999, OutputTokens: 999, CostUSD: 0.50},
	}
	for _, rec := range records {
		if err := f.usage.Record(ctx, rec); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}

	out, err := f.registry.Execute(tools.WithUserID(ctx, "user_1"), "account_report", map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var report AccountReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, out)
	}
	if report.UserID != "user_1" {
		t.Errorf("UserID = %q", report.UserID)
	}
	if report.PeriodDays != 30 {
		t.Errorf("PeriodDays = %d, want default 30", report.PeriodDays)
	}
	if report.Campaigns.Total != 3 {
		t.Errorf("campaign total = %d, want 3", report.Campaigns.Total)
	}
	if report.Campaigns.ByStatus[campaign.StatusActive] != 2 || report.Campaigns.ByStatus[campaign.StatusPaused] != 1 {
		t.Errorf("by status = %v", report.Campaigns.ByStatus)
	}
	// Only active campaigns count toward committed daily budget.
	if report.Campaigns.DailyBudgetCents != 10000 {
		t.Errorf("daily budget = %d, want 10000", report.Campaigns.DailyBudgetCents)
	}
	if report.Credits == nil || report.Credits.Balance != 380 {
		t.Errorf("credits = %+v, want balance 380", report.Credits)
	}
	if report.Usage.Calls != 2 {
		t.Errorf("usage calls = %d, want 2 (user_1 only)", report.Usage.Calls)
	}
	if report.Usage.InputTokens != 1000 {
		t.Errorf("input tokens = %d, want 1000", report.Usage.InputTokens)
	}
	if len(report.Usage.ByModel) != 2 {
		t.Errorf("by model = %v", report.Usage.ByModel)
	}
}

func TestAccountReport_CustomPeriod(t *testing.T) {
	f := setupReporting(t)

	out, err := f.registry.Execute(tools.WithUserID(context.Background(), "user_1"), "account_report", map[string]any{
		"period_days": 7.0,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var report AccountReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.PeriodDays != 7 {
		t.Errorf("PeriodDays = %d, want 7", report.PeriodDays)
	}
	if report.Campaigns.Total != 0 {
		t.Errorf("campaigns = %+v, want empty", report.Campaigns)
	}
}

func TestReportingToolCatalog(t *testing.T) {
	f := setupReporting(t)

	for _, name := range []string{"campaign_report", "account_report"} {
		tool := f.registry.Get(name)
		if tool == nil {
			t.Errorf("%s not registered", name)
			continue
		}
		if tool.StateChanging || tool.RequiresConfirmation || tool.Cost != 0 {
			t.Errorf("%s should be a free read: %+v", name, tool)
		}
	}
}
