package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skaldhq/skald/internal/api"
	"github.com/skaldhq/skald/internal/config"
)

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: skald") {
		t.Errorf("usage output missing, got %q", out.String())
	}
}

func TestRun_HelpFlag(t *testing.T) {
	for _, flag := range []string{"-h", "-help", "--help"} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, []string{flag}); err != nil {
			t.Fatalf("run %s: %v", flag, err)
		}
		if !strings.Contains(out.String(), "Commands:") {
			t.Errorf("%s: usage output missing", flag)
		}
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v, want unknown command", err)
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"--frob"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("err = %v, want unknown flag", err)
	}
}

func TestRun_BadOutputFormat(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-o", "xml", "version"})
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("err = %v, want unknown output format", err)
	}
}

func TestRunVersion_Text(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Skald") {
		t.Errorf("missing banner: %q", got)
	}
	if !strings.Contains(got, "go_version:") {
		t.Errorf("missing go_version field: %q", got)
	}
}

func TestRunVersion_JSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	for _, k := range []string{"version", "go_version", "os", "arch"} {
		if info[k] == "" {
			t.Errorf("missing %q in %v", k, info)
		}
	}
}

func TestRunAsk_RequiresQuestion(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"ask"})
	if err == nil || !strings.Contains(err.Error(), "usage: skald ask") {
		t.Errorf("err = %v, want usage error", err)
	}
}

// writeAskConfig writes a minimal config pointing at the given server
// URL and returns its path.
func writeAskConfig(t *testing.T, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skald.yaml")
	content := fmt.Sprintf("server:\n  base_url: %q\n", baseURL)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunAsk_StreamsTurn(t *testing.T) {
	var gotReq api.StartTurnRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/turns" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "id: 0\ndata: %s\n\n",
			`{"type":"thought","turn_id":"t1","step_index":0,"text":"Checking the spring numbers."}`)
		fmt.Fprintf(w, "id: 1\ndata: %s\n\n",
			`{"type":"action","turn_id":"t1","step_index":1,"tool":"get_campaign_metrics","args":{"campaign_id":"cmp-1"}}`)
		fmt.Fprintf(w, "id: 2\ndata: %s\n\n",
			`{"type":"observation","turn_id":"t1","step_index":2,"tool":"get_campaign_metrics","success":true,"output":"{}"}`)
		fmt.Fprintf(w, "id: 3\ndata: %s\n\n",
			`{"type":"final","turn_id":"t1","step_index":3,"text":"The campaign is on track.","outcome":"answered","status":"completed"}`)
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cfgPath := writeAskConfig(t, srv.URL)

	var out, progress bytes.Buffer
	err := run(context.Background(), &out, &progress, []string{"-config", cfgPath, "ask", "how", "is", "the", "campaign"})
	if err != nil {
		t.Fatalf("run ask: %v", err)
	}

	if gotReq.Message != "how is the campaign" {
		t.Errorf("message = %q", gotReq.Message)
	}
	if !gotReq.Stream {
		t.Error("request did not ask for streaming")
	}

	// Final answer on stdout, progress on stderr.
	if got := strings.TrimSpace(out.String()); got != "The campaign is on track." {
		t.Errorf("stdout = %q", got)
	}
	if !strings.Contains(progress.String(), "Checking the spring numbers.") {
		t.Errorf("stderr missing thought: %q", progress.String())
	}
	if !strings.Contains(progress.String(), "get_campaign_metrics") {
		t.Errorf("stderr missing action: %q", progress.String())
	}
}

func TestRunAsk_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"message":"session busy","code":409}}`)
	}))
	defer srv.Close()

	cfgPath := writeAskConfig(t, srv.URL)

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "ask", "hello"})
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("err = %v, want status in error", err)
	}
}

func TestPrintEventStream_HumanRequest(t *testing.T) {
	body := strings.Join([]string{
		"id: 0",
		`data: {"type":"human_request","turn_id":"t9","step_index":0,"request_id":"req-1","input_kind":"confirmation","question":"Pause the ad set?","options":[{"value":"confirm","label":"Yes, pause it"},{"value":"cancel","label":"Leave it running"}]}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")

	var out, progress bytes.Buffer
	if err := printEventStream(&out, &progress, strings.NewReader(body)); err != nil {
		t.Fatalf("printEventStream: %v", err)
	}

	if out.Len() != 0 {
		t.Errorf("stdout should stay empty for a suspended turn, got %q", out.String())
	}
	got := progress.String()
	for _, want := range []string{"Pause the ad set?", "confirm", "/v1/turns/t9/resume", "req-1"} {
		if !strings.Contains(got, want) {
			t.Errorf("stderr missing %q:\n%s", want, got)
		}
	}
}

func TestServerBaseURL(t *testing.T) {
	cfg := config.Default()
	if got := serverBaseURL(cfg); got != "http://localhost:8080" {
		t.Errorf("default = %q", got)
	}

	cfg.Server.BaseURL = "https://skald.example.com/"
	if got := serverBaseURL(cfg); got != "https://skald.example.com" {
		t.Errorf("trailing slash not trimmed: %q", got)
	}
}

func TestModelProviders(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Primary = config.ProviderConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"}
	cfg.Model.Fallbacks = []config.ProviderConfig{
		{Provider: "openai", Model: "gpt-4o"},
	}

	got := modelProviders(cfg)
	if got["claude-sonnet-4-5"] != "anthropic" || got["gpt-4o"] != "openai" {
		t.Errorf("providers = %v", got)
	}
}

func TestCreateModelClient_Validation(t *testing.T) {
	logger := newLogger(io.Discard, slog.LevelError)

	cfg := config.Default()
	cfg.Model.Primary = config.ProviderConfig{Provider: "carrier-pigeon", Model: "speckled"}
	if _, err := createModelClient(cfg, logger); err == nil || !strings.Contains(err.Error(), "unknown model provider") {
		t.Errorf("err = %v, want unknown provider", err)
	}

	cfg.Model.Primary = config.ProviderConfig{Provider: "anthropic"}
	if _, err := createModelClient(cfg, logger); err == nil || !strings.Contains(err.Error(), "no model name") {
		t.Errorf("err = %v, want missing model name", err)
	}

	cfg.Model.Primary = config.ProviderConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"}
	cfg.Model.Fallbacks = []config.ProviderConfig{{Provider: "openai", Model: "gpt-4o"}}
	client, err := createModelClient(cfg, logger)
	if err != nil {
		t.Fatalf("createModelClient: %v", err)
	}
	if client == nil {
		t.Fatal("nil client")
	}
}
