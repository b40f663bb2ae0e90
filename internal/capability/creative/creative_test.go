package creative

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/skaldhq/skald/internal/llm"
	"github.com/skaldhq/skald/internal/tools"
)

// scriptedClient returns a fixed response and records the last request.
type scriptedClient struct {
	content string
	err     error

	lastModel    string
	lastMessages []llm.Message
	lastOpts     *llm.Options
}

func (s *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, tls []map[string]any, opts *llm.Options) (*llm.ChatResponse, error) {
	s.lastModel = model
	s.lastMessages = messages
	s.lastOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{
		Model:   model,
		Message: llm.Message{Role: "assistant", Content: s.content},
		Done:    true,
	}, nil
}

func (s *scriptedClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tls []map[string]any, opts *llm.Options, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.Chat(ctx, model, messages, tls, opts)
}

func (s *scriptedClient) Ping(ctx context.Context) error { return s.err }

func TestGenerateAdCopy(t *testing.T) {
	client := &scriptedClient{content: `{"variants": [
		{"headline": "Ship faster", "description": "Automate your campaign reporting. Try it free."},
		{"headline": "Less busywork", "description": "Reports that write themselves."}
	]}`}
	w := NewWriter(client, "writer-model", nil)

	result, err := w.GenerateAdCopy(context.Background(), CopyRequest{
		Product:  "Skald reporting automation",
		Platform: "google_search",
		Audience: "marketing leads",
		Tone:     "confident",
	})
	if err != nil {
		t.Fatalf("GenerateAdCopy: %v", err)
	}

	if len(result.Variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(result.Variants))
	}
	if result.Variants[0].Headline != "Ship faster" {
		t.Errorf("headline = %q", result.Variants[0].Headline)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", result.Warnings)
	}
	if result.Raw != "" {
		t.Errorf("Raw = %q, want empty on parsed output", result.Raw)
	}

	if client.lastModel != "writer-model" {
		t.Errorf("model = %q", client.lastModel)
	}
	if client.lastOpts == nil || client.lastOpts.Temperature != 0.9 {
		t.Errorf("opts = %+v, want temperature 0.9", client.lastOpts)
	}
	system := client.lastMessages[0].Content
	if !strings.Contains(system, "max 30 characters") || !strings.Contains(system, "max 90 characters") {
		t.Errorf("system prompt missing platform limits:\n%s", system)
	}
	user := client.lastMessages[1].Content
	if !strings.Contains(user, "marketing leads") || !strings.Contains(user, "confident") {
		t.Errorf("user prompt missing audience/tone:\n%s", user)
	}
}

func TestGenerateAdCopy_LimitWarnings(t *testing.T) {
	long := strings.Repeat("x", 45)
	client := &scriptedClient{content: `{"variants": [{"headline": "` + long + `", "description": "ok"}]}`}
	w := NewWriter(client, "m", nil)

	result, err := w.GenerateAdCopy(context.Background(), CopyRequest{
		Product:  "Widget",
		Platform: "google_search",
	})
	if err != nil {
		t.Fatalf("GenerateAdCopy: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v, want 1", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0], "headline") || !strings.Contains(result.Warnings[0], "limit 30") {
		t.Errorf("warning = %q", result.Warnings[0])
	}
}

func TestGenerateAdCopy_FencedJSON(t *testing.T) {
	client := &scriptedClient{content: "Here you go:\n```json\n{\"variants\": [{\"post\": \"Try Skald today.\"}]}\n```"}
	w := NewWriter(client, "m", nil)

	result, err := w.GenerateAdCopy(context.Background(), CopyRequest{Product: "Skald", Platform: "x"})
	if err != nil {
		t.Fatalf("GenerateAdCopy: %v", err)
	}
	if len(result.Variants) != 1 || result.Variants[0].Post != "Try Skald today." {
		t.Errorf("variants = %+v", result.Variants)
	}
}

func TestGenerateAdCopy_UnparseableFallsBackToRaw(t *testing.T) {
	client := &scriptedClient{content: "Sure! Here are three great headlines for you."}
	w := NewWriter(client, "m", nil)

	result, err := w.GenerateAdCopy(context.Background(), CopyRequest{Product: "Widget", Platform: "facebook"})
	if err != nil {
		t.Fatalf("GenerateAdCopy: %v", err)
	}
	if len(result.Variants) != 0 {
		t.Errorf("variants = %+v, want none", result.Variants)
	}
	if result.Raw == "" {
		t.Error("Raw not populated for unparseable output")
	}
}

func TestGenerateAdCopy_Validation(t *testing.T) {
	w := NewWriter(&scriptedClient{content: "{}"}, "m", nil)

	if _, err := w.GenerateAdCopy(context.Background(), CopyRequest{Platform: "x"}); err == nil {
		t.Error("missing product accepted")
	}
	if _, err := w.GenerateAdCopy(context.Background(), CopyRequest{Product: "w", Platform: "myspace"}); err == nil {
		t.Error("unknown platform accepted")
	}
}

func TestGenerateAdCopy_ProviderError(t *testing.T) {
	w := NewWriter(&scriptedClient{err: errors.New("model offline")}, "m", nil)

	_, err := w.GenerateAdCopy(context.Background(), CopyRequest{Product: "w", Platform: "x"})
	if err == nil || !strings.Contains(err.Error(), "model offline") {
		t.Errorf("err = %v", err)
	}
}

func TestSummarizeBrief(t *testing.T) {
	client := &scriptedClient{content: "  - Deliverables: 3 banners\n- Audience: SMBs  "}
	w := NewWriter(client, "m", nil)

	got, err := w.SummarizeBrief(context.Background(), "Long brief text here.", "deadlines")
	if err != nil {
		t.Fatalf("SummarizeBrief: %v", err)
	}
	if strings.HasPrefix(got, " ") || strings.HasSuffix(got, " ") {
		t.Errorf("summary not trimmed: %q", got)
	}
	if client.lastOpts == nil || client.lastOpts.Temperature != 0.2 {
		t.Errorf("opts = %+v, want temperature 0.2", client.lastOpts)
	}
	if !strings.Contains(client.lastMessages[0].Content, "deadlines") {
		t.Error("focus missing from system prompt")
	}
	if client.lastMessages[1].Content != "Long brief text here." {
		t.Errorf("brief not passed through: %q", client.lastMessages[1].Content)
	}
}

func TestCreativeTools(t *testing.T) {
	client := &scriptedClient{content: `{"variants": [{"post": "Try Skald."}]}`}
	registry := tools.NewRegistry(0, nil)
	if err := RegisterTools(registry, client, "m", nil); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}

	gen := registry.Get("generate_ad_copy")
	if gen == nil || gen.Cost != 5 || gen.StateChanging {
		t.Errorf("generate_ad_copy = %+v", gen)
	}
	sum := registry.Get("summarize_brief")
	if sum == nil || sum.Cost != 2 || sum.StateChanging {
		t.Errorf("summarize_brief = %+v", sum)
	}

	out, err := registry.Execute(context.Background(), "generate_ad_copy", map[string]any{
		"product":  "Skald",
		"platform": "x",
		"variants": 2.0,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var result CopyResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, out)
	}
	if result.Platform != "x" || len(result.Variants) != 1 {
		t.Errorf("result = %+v", result)
	}

	// Platform outside the schema enum is rejected before the handler.
	_, err = registry.Execute(context.Background(), "generate_ad_copy", map[string]any{
		"product":  "Skald",
		"platform": "myspace",
	})
	var toolErr *tools.ToolError
	if !errors.As(err, &toolErr) || toolErr.Code != tools.CodeInvalidArgs {
		t.Errorf("err = %v, want invalid_args", err)
	}
}
