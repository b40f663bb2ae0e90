package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skaldhq/skald/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testPricing returns a pricing table for tests.
func testPricing() map[string]config.Pricing {
	return map[string]config.Pricing{
		"claude-sonnet-4-5": {InputPerMTok: 3.0, OutputPerMTok: 15.0},
		"gpt-4o":            {InputPerMTok: 2.5, OutputPerMTok: 10.0},
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{
			Timestamp:    now,
			TurnID:       "t_001",
			SessionID:    "sess-1",
			UserID:       "u-1",
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-5",
			InputTokens:  1000,
			OutputTokens: 500,
			CostUSD:      0.0105, // 1000/1M*3 + 500/1M*15
		},
		{
			Timestamp:    now,
			TurnID:       "t_002",
			SessionID:    "sess-1",
			UserID:       "u-1",
			Provider:     "openai",
			Model:        "gpt-4o",
			InputTokens:  2000,
			OutputTokens: 1000,
			CostUSD:      0.015, // 2000/1M*2.5 + 1000/1M*10
		},
	}

	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := now.Add(-1 * time.Minute)
	end := now.Add(1 * time.Minute)
	sum, err := s.Summary(start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 1500 {
		t.Errorf("TotalOutputTokens = %d, want 1500", sum.TotalOutputTokens)
	}
	// 0.0105 + 0.015 = 0.0255
	if diff := sum.TotalCostUSD - 0.0255; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("TotalCostUSD = %f, want ~0.0255", sum.TotalCostUSD)
	}
}

func TestSummaryByModel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, TurnID: "t1", Model: "sonnet", Provider: "anthropic", InputTokens: 100, OutputTokens: 50, CostUSD: 1.0},
		{Timestamp: now, TurnID: "t2", Model: "sonnet", Provider: "anthropic", InputTokens: 200, OutputTokens: 100, CostUSD: 2.0},
		{Timestamp: now, TurnID: "t3", Model: "gpt-4o", Provider: "openai", InputTokens: 50, OutputTokens: 25, CostUSD: 0.5},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := now.Add(-1 * time.Minute)
	end := now.Add(1 * time.Minute)
	result, err := s.SummaryByModel(start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("got %d groups, want 2", len(result))
	}

	sonnet := result["sonnet"]
	if sonnet == nil {
		t.Fatal("missing 'sonnet' group")
	}
	if sonnet.TotalRecords != 2 {
		t.Errorf("sonnet.TotalRecords = %d, want 2", sonnet.TotalRecords)
	}
	if sonnet.TotalInputTokens != 300 {
		t.Errorf("sonnet.TotalInputTokens = %d, want 300", sonnet.TotalInputTokens)
	}
	if sonnet.TotalCostUSD != 3.0 {
		t.Errorf("sonnet.TotalCostUSD = %f, want 3.0", sonnet.TotalCostUSD)
	}

	gpt := result["gpt-4o"]
	if gpt == nil {
		t.Fatal("missing 'gpt-4o' group")
	}
	if gpt.TotalRecords != 1 {
		t.Errorf("gpt-4o.TotalRecords = %d, want 1", gpt.TotalRecords)
	}
}

func TestSummaryByProvider(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, TurnID: "t1", Model: "m", Provider: "anthropic", InputTokens: 100, OutputTokens: 50, CostUSD: 1.0},
		{Timestamp: now, TurnID: "t2", Model: "m", Provider: "anthropic", InputTokens: 200, OutputTokens: 100, CostUSD: 2.0},
		{Timestamp: now, TurnID: "t3", Model: "m", Provider: "openai", InputTokens: 300, OutputTokens: 150, CostUSD: 3.0},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := now.Add(-1 * time.Minute)
	end := now.Add(1 * time.Minute)
	result, err := s.SummaryByProvider(start, end)
	if err != nil {
		t.Fatalf("SummaryByProvider: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("got %d groups, want 2", len(result))
	}
	if result["anthropic"].TotalCostUSD != 3.0 {
		t.Errorf("anthropic cost = %f, want 3.0", result["anthropic"].TotalCostUSD)
	}
	if result["openai"].TotalCostUSD != 3.0 {
		t.Errorf("openai cost = %f, want 3.0", result["openai"].TotalCostUSD)
	}
}

func TestSummaryByUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, TurnID: "t1", Model: "m", Provider: "p", UserID: "u-1", CostUSD: 1.0},
		{Timestamp: now, TurnID: "t2", Model: "m", Provider: "p", UserID: "u-1", CostUSD: 2.0},
		{Timestamp: now, TurnID: "t3", Model: "m", Provider: "p", CostUSD: 0.5},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := now.Add(-1 * time.Minute)
	end := now.Add(1 * time.Minute)
	result, err := s.SummaryByUser(start, end)
	if err != nil {
		t.Fatalf("SummaryByUser: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("got %d groups, want 2", len(result))
	}
	if result["u-1"].TotalRecords != 2 {
		t.Errorf("u-1 records = %d, want 2", result["u-1"].TotalRecords)
	}

	// Records with no user are grouped under "".
	anon := result[""]
	if anon == nil {
		t.Fatal("missing empty-string user group")
	}
	if anon.TotalRecords != 1 {
		t.Errorf("anonymous records = %d, want 1", anon.TotalRecords)
	}
}

func TestTurnSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, TurnID: "t_a", Model: "m", Provider: "p", InputTokens: 100, OutputTokens: 10, CostUSD: 1.0},
		{Timestamp: now, TurnID: "t_a", Model: "m", Provider: "p", InputTokens: 200, OutputTokens: 20, CostUSD: 2.0},
		{Timestamp: now, TurnID: "t_b", Model: "m", Provider: "p", InputTokens: 999, OutputTokens: 99, CostUSD: 9.0},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.TurnSummary("t_a")
	if err != nil {
		t.Fatalf("TurnSummary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 300 {
		t.Errorf("TotalInputTokens = %d, want 300", sum.TotalInputTokens)
	}
	if sum.TotalCostUSD != 3.0 {
		t.Errorf("TotalCostUSD = %f, want 3.0", sum.TotalCostUSD)
	}
}

func TestQueryByPeriod_Filters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{Timestamp: base.Add(-2 * time.Hour), TurnID: "old", Model: "m", Provider: "p", CostUSD: 1.0},
		{Timestamp: base, TurnID: "in-range", Model: "m", Provider: "p", CostUSD: 2.0},
		{Timestamp: base.Add(2 * time.Hour), TurnID: "future", Model: "m", Provider: "p", CostUSD: 3.0},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// Only "in-range" should match.
	start := base.Add(-1 * time.Minute)
	end := base.Add(1 * time.Minute)
	sum, err := s.Summary(start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (only in-range)", sum.TotalRecords)
	}
	if sum.TotalCostUSD != 2.0 {
		t.Errorf("TotalCostUSD = %f, want 2.0", sum.TotalCostUSD)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)

	start := time.Now().Add(-24 * time.Hour)
	end := time.Now().Add(24 * time.Hour)
	sum, err := s.Summary(start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil {
		t.Fatal("Summary returned nil, want non-nil zero-value Summary")
	}
	if sum.TotalRecords != 0 {
		t.Errorf("TotalRecords = %d, want 0", sum.TotalRecords)
	}
	if sum.TotalCostUSD != 0 {
		t.Errorf("TotalCostUSD = %f, want 0", sum.TotalCostUSD)
	}
}

func TestSummaryByModel_EmptyDB(t *testing.T) {
	s := testStore(t)

	start := time.Now().Add(-24 * time.Hour)
	end := time.Now().Add(24 * time.Hour)
	result, err := s.SummaryByModel(start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if result == nil {
		t.Fatal("SummaryByModel returned nil, want empty map")
	}
	if len(result) != 0 {
		t.Errorf("got %d groups, want 0", len(result))
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"sonnet_normal", "claude-sonnet-4-5", 1_000_000, 100_000, 4.5}, // 3 + 1.5
		{"gpt4o_normal", "gpt-4o", 1_000_000, 100_000, 3.5},             // 2.5 + 1
		{"unknown_model", "local-llama", 1_000_000, 1_000_000, 0},       // not in pricing
		{"zero_tokens", "claude-sonnet-4-5", 0, 0, 0},
		{"small_usage", "claude-sonnet-4-5", 1000, 500, 0.0105}, // 0.003 + 0.0075
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.input, tt.output, pricing)
			if diff := got - tt.want; diff > 0.0001 || diff < -0.0001 {
				t.Errorf("ComputeCost(%q, %d, %d) = %f, want %f", tt.model, tt.input, tt.output, got, tt.want)
			}
		})
	}
}

func TestComputeCost_NilPricing(t *testing.T) {
	got := ComputeCost("claude-sonnet-4-5", 1000, 500, nil)
	if got != 0 {
		t.Errorf("ComputeCost with nil pricing = %f, want 0", got)
	}
}

func TestRecord_AutoID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := Record{
		Timestamp: time.Now(),
		TurnID:    "t_test",
		Model:     "m",
		Provider:  "p",
	}
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Verify the record was stored (summary should show 1 record).
	start := time.Now().Add(-1 * time.Minute)
	end := time.Now().Add(1 * time.Minute)
	sum, err := s.Summary(start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1", sum.TotalRecords)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/path/usage.db")
	if err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}
