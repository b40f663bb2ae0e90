// Package insights turns competitor and market web pages into
// structured marketing signals: page messaging, keyword frequency,
// calls to action, and price points.
package insights

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/skaldhq/skald/internal/httpkit"
)

const (
	// defaultTimeout bounds a single page fetch.
	defaultTimeout = 30 * time.Second

	// defaultMaxBytes caps the response body read (5 MB).
	defaultMaxBytes int64 = 5 * 1024 * 1024

	// defaultMaxChars limits extracted text returned in a summary.
	defaultMaxChars = 4000

	// topKeywords is how many keyword frequencies a report carries.
	topKeywords = 15

	maxCallsToAction = 10
	maxPriceMentions = 10
	maxHeadings      = 20
)

// Summary is the readable-content view of a fetched page.
type Summary struct {
	URL         string `json:"url"`
	FinalURL    string `json:"final_url,omitempty"`
	StatusCode  int    `json:"status_code"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Headings  []string `json:"headings,omitempty"`
	Text      string   `json:"text"`
	Truncated bool     `json:"truncated,omitempty"`
	WordCount int      `json:"word_count"`
}

// Keyword is a term and how often it appears in a page's visible text.
type Keyword struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// Report is the marketing-signal view of a competitor page.
type Report struct {
	URL         string `json:"url"`
	FinalURL    string `json:"final_url,omitempty"`
	StatusCode  int    `json:"status_code"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Headings      []string  `json:"headings,omitempty"`
	Keywords      []Keyword `json:"keywords,omitempty"`
	CallsToAction []string  `json:"calls_to_action,omitempty"`
	PriceMentions []string  `json:"price_mentions,omitempty"`
	WordCount     int       `json:"word_count"`
}

// Analyzer fetches pages and extracts marketing signals from them.
type Analyzer struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewAnalyzer creates an Analyzer with default limits.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		client: httpkit.NewClient(
			httpkit.WithTimeout(defaultTimeout),
		),
		maxBytes: defaultMaxBytes,
		logger:   logger.With("component", "insights"),
	}
}

// Summarize fetches a URL and returns its readable content. maxChars
// limits the text; 0 uses the default.
func (a *Analyzer) Summarize(ctx context.Context, rawURL string, maxChars int) (*Summary, error) {
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	p, err := a.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	text := p.text
	truncated := false
	if len(text) > maxChars {
		text = truncateRunes(text, maxChars)
		truncated = true
	}

	return &Summary{
		URL:         p.url,
		FinalURL:    p.finalURL,
		StatusCode:  p.statusCode,
		Title:       p.title,
		Description: p.description,
		Headings:    capSlice(p.headings, maxHeadings),
		Text:        text,
		Truncated:   truncated,
		WordCount:   p.wordCount(),
	}, nil
}

// Analyze fetches a competitor URL and distills marketing signals:
// the page's messaging (headings), keyword frequency, visible calls
// to action, and price points mentioned in the copy.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) (*Report, error) {
	p, err := a.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	return &Report{
		URL:           p.url,
		FinalURL:      p.finalURL,
		StatusCode:    p.statusCode,
		Title:         p.title,
		Description:   p.description,
		Headings:      capSlice(p.headings, maxHeadings),
		Keywords:      keywordFrequency(p.text, topKeywords),
		CallsToAction: capSlice(p.ctas, maxCallsToAction),
		PriceMentions: capSlice(priceMentions(p.text), maxPriceMentions),
		WordCount:     p.wordCount(),
	}, nil
}

// fetch downloads a URL and parses its content into a page. Non-HTML
// text responses degrade to a text-only page; binary responses fail.
func (a *Analyzer) fetch(ctx context.Context, rawURL string) (*page, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	finalURL := ""
	if resp.Request != nil && resp.Request.URL != nil && resp.Request.URL.String() != rawURL {
		finalURL = resp.Request.URL.String()
	}

	p := &page{url: rawURL, finalURL: finalURL, statusCode: resp.StatusCode}
	switch {
	case isHTML(contentType):
		parsePage(string(body), p)
	case isText(contentType) || utf8.Valid(body):
		p.text = cleanWhitespace(string(body))
	default:
		return nil, fmt.Errorf("fetch %s: unsupported content type %q", rawURL, contentType)
	}

	a.logger.Debug("page fetched",
		"url", rawURL,
		"status", resp.StatusCode,
		"bytes", len(body),
		"headings", len(p.headings))
	return p, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isText(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/plain")
}

// keywordFrequency counts how often each non-stopword term of three or
// more letters appears in text, most frequent first. Ties order
// alphabetically so output is stable.
func keywordFrequency(text string, limit int) []Keyword {
	counts := make(map[string]int)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		term := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if utf8.RuneCountInString(term) < 3 || stopwords[term] {
			continue
		}
		counts[term]++
	}

	keywords := make([]Keyword, 0, len(counts))
	for term, count := range counts {
		keywords = append(keywords, Keyword{Term: term, Count: count})
	}
	sort.Slice(keywords, func(i, j int) bool {
		if keywords[i].Count != keywords[j].Count {
			return keywords[i].Count > keywords[j].Count
		}
		return keywords[i].Term < keywords[j].Term
	})
	if len(keywords) > limit {
		keywords = keywords[:limit]
	}
	return keywords
}

var priceRe = regexp.MustCompile(`(?i)(?:[$€£]\s?\d[\d,]*(?:\.\d\d)?|\b\d{1,3}%\s?off\b|\bfree trial\b)`)

// priceMentions pulls price points and offer language out of the copy,
// deduplicated in order of first appearance.
func priceMentions(text string) []string {
	seen := make(map[string]bool)
	var mentions []string
	for _, m := range priceRe.FindAllString(text, -1) {
		key := strings.ToLower(strings.Join(strings.Fields(m), " "))
		if seen[key] {
			continue
		}
		seen[key] = true
		mentions = append(mentions, strings.TrimSpace(m))
	}
	return mentions
}

// truncateRunes cuts s to at most max runes without splitting a
// multi-byte character.
func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func capSlice(s []string, limit int) []string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

// stopwords are terms too common to signal anything about a page.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "your": true, "all": true, "can": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "have": true, "had": true, "him": true, "his": true,
	"how": true, "its": true, "may": true, "new": true, "now": true,
	"she": true, "see": true, "two": true, "way": true, "who": true,
	"did": true, "get": true, "use": true, "that": true, "this": true,
	"with": true, "from": true, "they": true, "will": true, "what": true,
	"when": true, "make": true, "like": true, "time": true, "just": true,
	"know": true, "into": true, "than": true, "then": true, "them": true,
	"these": true, "some": true, "would": true, "other": true, "about": true,
	"which": true, "their": true, "there": true, "been": true, "more": true,
	"also": true, "were": true, "does": true, "here": true, "over": true,
	"such": true, "only": true, "most": true, "after": true, "where": true,
	"while": true, "being": true, "each": true, "every": true, "any": true,
	"because": true, "could": true, "should": true, "very": true, "much": true,
}
