package insights

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

const competitorHTML = `<!DOCTYPE html>
<html>
<head>
<title>Acme Analytics | Pricing</title>
<meta name="description" content="Analytics dashboards for growing teams.">
</head>
<body>
<nav><a href="/">Home</a> <a href="/about">About page with lots of menu noise</a></nav>
<h1>Analytics your whole team can read</h1>
<p>Acme turns raw analytics into dashboards. Dashboards update live, and dashboards export anywhere.</p>
<h2>Simple pricing</h2>
<p>Plans start at $49.99 per month. Annual plans are 20% off. Start your free trial today.</p>
<p><a href="/signup">Start free trial</a> <button>Book a demo</button> <a href="/signup">Start free trial</a></p>
<footer>Copyright Acme. Footer boilerplate nobody reads.</footer>
</body>
</html>`

func serve(t *testing.T, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSummarize(t *testing.T) {
	srv := serve(t, "text/html; charset=utf-8", competitorHTML)
	a := NewAnalyzer(nil)

	s, err := a.Summarize(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if s.Title != "Acme Analytics | Pricing" {
		t.Errorf("Title = %q", s.Title)
	}
	if s.Description != "Analytics dashboards for growing teams." {
		t.Errorf("Description = %q", s.Description)
	}
	if len(s.Headings) != 2 || s.Headings[0] != "Analytics your whole team can read" {
		t.Errorf("Headings = %v", s.Headings)
	}
	if !strings.Contains(s.Text, "raw analytics into dashboards") {
		t.Errorf("Text missing body copy:\n%s", s.Text)
	}
	if strings.Contains(s.Text, "menu noise") || strings.Contains(s.Text, "Footer boilerplate") {
		t.Errorf("Text includes skipped chrome:\n%s", s.Text)
	}
	if s.WordCount == 0 {
		t.Error("WordCount = 0")
	}
	if s.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", s.StatusCode)
	}
}

func TestSummarize_Truncation(t *testing.T) {
	body := "<html><body><p>" + strings.Repeat("héllo wörld ", 500) + "</p></body></html>"
	srv := serve(t, "text/html", body)
	a := NewAnalyzer(nil)

	s, err := a.Summarize(context.Background(), srv.URL, 100)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !s.Truncated {
		t.Error("Truncated = false, want true")
	}
	if got := utf8.RuneCountInString(s.Text); got > 100 {
		t.Errorf("text is %d runes, want <= 100", got)
	}
	if !utf8.ValidString(s.Text) {
		t.Error("truncation split a multi-byte character")
	}
}

func TestSummarize_PlainText(t *testing.T) {
	srv := serve(t, "text/plain", "quarterly ad spend report\nsearch up 12%")
	a := NewAnalyzer(nil)

	s, err := a.Summarize(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Title != "" {
		t.Errorf("Title = %q, want empty for plain text", s.Title)
	}
	if !strings.Contains(s.Text, "quarterly ad spend report") {
		t.Errorf("Text = %q", s.Text)
	}
}

func TestSummarize_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head><title>Moved</title></head><body><p>done</p></body></html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	a := NewAnalyzer(nil)
	s, err := a.Summarize(context.Background(), srv.URL+"/old", 0)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.HasSuffix(s.FinalURL, "/new") {
		t.Errorf("FinalURL = %q, want .../new", s.FinalURL)
	}
	if s.Title != "Moved" {
		t.Errorf("Title = %q", s.Title)
	}
}

func TestSummarize_EmptyURL(t *testing.T) {
	a := NewAnalyzer(nil)
	if _, err := a.Summarize(context.Background(), "  ", 0); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestAnalyze(t *testing.T) {
	srv := serve(t, "text/html", competitorHTML)
	a := NewAnalyzer(nil)

	r, err := a.Analyze(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	var dashboards *Keyword
	for i := range r.Keywords {
		if r.Keywords[i].Term == "dashboards" {
			dashboards = &r.Keywords[i]
		}
	}
	if dashboards == nil {
		t.Fatalf("keyword 'dashboards' missing: %v", r.Keywords)
	}
	if dashboards.Count != 3 {
		t.Errorf("dashboards count = %d, want 3", dashboards.Count)
	}

	joined := strings.Join(r.CallsToAction, "|")
	if !strings.Contains(joined, "Start free trial") || !strings.Contains(joined, "Book a demo") {
		t.Errorf("CallsToAction = %v", r.CallsToAction)
	}
	if strings.Count(joined, "Start free trial") != 1 {
		t.Errorf("CTA not deduplicated: %v", r.CallsToAction)
	}

	prices := strings.Join(r.PriceMentions, "|")
	if !strings.Contains(prices, "$49.99") || !strings.Contains(prices, "20% off") {
		t.Errorf("PriceMentions = %v", r.PriceMentions)
	}
}

func TestAnalyze_RejectsBinary(t *testing.T) {
	srv := serve(t, "image/png", "\x89PNG\r\n\x1a\n\x00\x00")
	a := NewAnalyzer(nil)

	if _, err := a.Analyze(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for binary content")
	}
}
