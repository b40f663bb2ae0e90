// Package landing publishes single-page landing sites. A markdown
// brief goes in; a hosted HTML page and a QR code PNG pointing at it
// come out, both written through the blob store.
package landing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/yuin/goldmark"

	"github.com/skaldhq/skald/internal/blob"
	"github.com/skaldhq/skald/internal/tools"
)

const qrSize = 512

// toolset binds the blob store to the landing page handlers.
type toolset struct {
	blobs  *blob.Store
	logger *slog.Logger
}

// RegisterTools adds the landing page tools to the catalog.
// create_landing_page is state-changing but needs no confirmation; it
// publishes content, it does not spend ad budget. Object keys derive
// from the slug, so replaying a call overwrites the same objects
// instead of accumulating copies.
func RegisterTools(r *tools.Registry, blobs *blob.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ts := &toolset{blobs: blobs, logger: logger.With("component", "landing")}

	catalog := []*tools.Tool{
		{
			Name: "create_landing_page",
			Description: "Publish a landing page from a markdown brief. Returns the public page URL " +
				"and a QR code image URL pointing at it. Calling again with the same slug republishes the page.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{
						"type":        "string",
						"description": "Page title, shown in the browser tab and as the top heading",
					},
					"markdown": map[string]any{
						"type":        "string",
						"description": "Page body in markdown",
					},
					"slug": map[string]any{
						"type":        "string",
						"description": "URL slug for the page; derived from the title when omitted",
					},
					"cta_text": map[string]any{
						"type":        "string",
						"description": "Call-to-action button label",
					},
					"cta_url": map[string]any{
						"type":        "string",
						"description": "Call-to-action button link target",
					},
				},
				"required": []string{"title", "markdown"},
			},
			StateChanging: true,
			Cost:          10,
			Handler:       ts.handleCreate,
		},
		{
			Name:        "list_landing_pages",
			Description: "List published landing pages with their public URLs.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: ts.handleList,
		},
	}

	for _, t := range catalog {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

// Page describes a published landing page.
type Page struct {
	Slug    string `json:"slug"`
	Title   string `json:"title,omitempty"`
	PageURL string `json:"page_url"`
	QRURL   string `json:"qr_url"`
}

func (ts *toolset) handleCreate(ctx context.Context, args map[string]any) (string, error) {
	title := strings.TrimSpace(stringArg(args, "title"))
	markdown := stringArg(args, "markdown")
	if title == "" {
		return "", fmt.Errorf("title is required")
	}
	if strings.TrimSpace(markdown) == "" {
		return "", fmt.Errorf("markdown body is required")
	}

	slug := Slugify(stringArg(args, "slug"))
	if slug == "" {
		slug = Slugify(title)
	}

	doc, err := renderPage(title, markdown, stringArg(args, "cta_text"), stringArg(args, "cta_url"))
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}

	pageKey := "landing/" + slug + "/index.html"
	pageObj, err := ts.blobs.Put(ctx, pageKey, slug+".html", "text/html; charset=utf-8", bytes.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("store page: %w", err)
	}

	png, err := qrcode.Encode(pageObj.URL, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	qrObj, err := ts.blobs.Put(ctx, "landing/"+slug+"/qr.png", slug+"-qr.png", "image/png", bytes.NewReader(png))
	if err != nil {
		return "", fmt.Errorf("store qr: %w", err)
	}

	ts.logger.Info("landing page published",
		"slug", slug,
		"page_url", pageObj.URL,
		"bytes", pageObj.Size)

	out, err := json.Marshal(Page{Slug: slug, Title: title, PageURL: pageObj.URL, QRURL: qrObj.URL})
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(out), nil
}

func (ts *toolset) handleList(ctx context.Context, args map[string]any) (string, error) {
	objects, err := ts.blobs.List(ctx, "landing/")
	if err != nil {
		return "", fmt.Errorf("list pages: %w", err)
	}

	pages := []Page{}
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, "/index.html") {
			continue
		}
		slug := strings.TrimSuffix(strings.TrimPrefix(obj.Key, "landing/"), "/index.html")
		pages = append(pages, Page{
			Slug:    slug,
			PageURL: obj.URL,
			QRURL:   ts.blobs.URL("landing/" + slug + "/qr.png"),
		})
	}

	out, err := json.Marshal(pages)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(out), nil
}

// renderPage converts the markdown body to HTML and wraps it in a
// self-contained page with inline styles and no external resources.
func renderPage(title, markdown, ctaText, ctaURL string) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &body); err != nil {
		return nil, err
	}

	var cta string
	if ctaText != "" && ctaURL != "" {
		cta = fmt.Sprintf(
			`<p style="text-align: center; margin-top: 2em;"><a href=%q style="display: inline-block; padding: 12px 28px; background: #1a73e8; color: #fff; text-decoration: none; border-radius: 4px;">%s</a></p>`,
			ctaURL, html.EscapeString(ctaText))
	}

	doc := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s</title></head>
<body style="font-family: sans-serif; font-size: 16px; line-height: 1.6; max-width: 680px; margin: 0 auto; padding: 24px;">
<h1>%s</h1>
%s%s
</body></html>
`, html.EscapeString(title), html.EscapeString(title), body.String(), cta)

	return []byte(doc), nil
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and collapses runs of non-alphanumerics into
// single hyphens. Returns "" when nothing survives.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStripRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
