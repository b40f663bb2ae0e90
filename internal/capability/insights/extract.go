package insights

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// page is the parsed form of a fetched document, before shaping into a
// Summary or Report.
type page struct {
	url        string
	finalURL   string
	statusCode int

	title       string
	description string
	headings    []string
	text        string
	ctas        []string
}

func (p *page) wordCount() int {
	return len(strings.Fields(p.text))
}

// skipElements are elements whose content never counts as page copy.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Footer:   true,
}

// parsePage fills p from raw HTML in a single DOM walk: title and meta
// description from the head, headings, visible text, and link or
// button labels as call-to-action candidates.
func parsePage(raw string, p *page) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		p.text = stripTags(raw)
		return
	}

	w := &walker{page: p, seenCTA: make(map[string]bool)}
	w.walk(doc)
	p.text = cleanWhitespace(w.text.String())
}

type walker struct {
	page    *page
	text    strings.Builder
	seenCTA map[string]bool
}

func (w *walker) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch {
		case skipElements[n.DataAtom]:
			return
		case n.DataAtom == atom.Title:
			if w.page.title == "" {
				w.page.title = collapse(textContent(n))
			}
			return
		case n.DataAtom == atom.Meta:
			w.meta(n)
			return
		case n.DataAtom == atom.H1 || n.DataAtom == atom.H2 || n.DataAtom == atom.H3:
			if h := collapse(textContent(n)); h != "" {
				w.page.headings = append(w.page.headings, h)
				w.block()
				w.text.WriteString(h)
				w.text.WriteString(" ")
			}
			return
		case n.DataAtom == atom.A || n.DataAtom == atom.Button:
			if label := collapse(textContent(n)); label != "" {
				w.cta(label)
				w.text.WriteString(label)
				w.text.WriteString(" ")
			}
			return
		}
		if isBlockElement(n.DataAtom) {
			w.block()
		}
	}

	if n.Type == html.TextNode {
		if t := strings.TrimSpace(n.Data); t != "" {
			w.text.WriteString(t)
			w.text.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.text.WriteString("\n")
	}
}

// meta captures the page description, preferring the standard meta tag
// over the Open Graph one.
func (w *walker) meta(n *html.Node) {
	name := attrVal(n, "name")
	prop := attrVal(n, "property")
	content := strings.TrimSpace(attrVal(n, "content"))
	if content == "" {
		return
	}
	if strings.EqualFold(name, "description") {
		w.page.description = content
	} else if strings.EqualFold(prop, "og:description") && w.page.description == "" {
		w.page.description = content
	}
}

// cta records a link or button label once, in first-seen order. Long
// labels are navigation or prose, not calls to action.
func (w *walker) cta(label string) {
	if len(label) > 60 {
		return
	}
	key := strings.ToLower(label)
	if w.seenCTA[key] {
		return
	}
	w.seenCTA[key] = true
	w.page.ctas = append(w.page.ctas, label)
}

// block separates block-level elements with a blank line.
func (w *walker) block() {
	if w.text.Len() > 0 {
		w.text.WriteString("\n\n")
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// textContent concatenates the text of n's subtree.
func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// collapse squashes all whitespace runs in s to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanWhitespace tidies extracted text: spaces collapse within lines
// and blank lines never stack.
func cleanWhitespace(s string) string {
	var cleaned []string
	prevEmpty := false
	for _, line := range strings.Split(s, "\n") {
		line = collapse(line)
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// stripTags is the fallback for documents the parser rejects.
func stripTags(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return cleanWhitespace(b.String())
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
			b.WriteString(" ")
		}
	}
}
