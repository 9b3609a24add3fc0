// Package render turns articles into plain-text messages for delivery
// mediums and into the text content filters match against.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"feedrelay/internal/model"
)

// DefaultTemplate is used when a medium does not configure one.
const DefaultTemplate = `{{.Title}}
{{- if .Summary}}

{{.Summary}}
{{- end}}
{{- if .Link}}

{{.Link}}
{{- end}}`

// Text strips markup and collapses blank runs. Plain text passes through
// with whitespace normalized.
func Text(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapse(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return collapse(s)
	}
	doc.Find("script, style, noscript").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, blockquote, pre, tr, h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})
	return collapse(doc.Text())
}

func collapse(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, ln := range lines {
		ln = strings.Join(strings.Fields(ln), " ")
		if ln == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, ln)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// View is the data a message template sees. Text fields are already stripped.
type View struct {
	FeedID     string
	ID         string
	Title      string
	Link       string
	Summary    string
	Content    string
	Author     string
	Categories []string
	Published  time.Time
}

func NewView(a model.Article) View {
	summary := Text(a.Summary)
	if summary == "" {
		summary = Text(a.Content)
	}
	return View{
		FeedID:     a.FeedID,
		ID:         a.ID,
		Title:      Text(a.Title),
		Link:       a.Link,
		Summary:    summary,
		Content:    Text(a.Content),
		Author:     a.Author,
		Categories: a.Categories,
		Published:  a.Published,
	}
}

// Renderer executes one parsed template. Safe for concurrent use.
type Renderer struct {
	tmpl *template.Template
	// MaxSummaryRunes truncates View.Summary before rendering; 0 keeps it whole.
	MaxSummaryRunes int
}

func New(text string) (*Renderer, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	t, err := template.New("message").Funcs(template.FuncMap{
		"join":  strings.Join,
		"upper": strings.ToUpper,
		"trunc": Trunc,
		"date": func(layout string, t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format(layout)
		},
	}).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("render: parse template: %w", err)
	}
	return &Renderer{tmpl: t}, nil
}

// MustNew is New for templates known at compile time.
func MustNew(text string) *Renderer {
	r, err := New(text)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Renderer) Render(a model.Article) (string, error) {
	v := NewView(a)
	if r.MaxSummaryRunes > 0 {
		v.Summary = Trunc(r.MaxSummaryRunes, v.Summary)
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Trunc returns s cut to at most n runes, with an ellipsis when cut.
func Trunc(n int, s string) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// Split cuts text into parts of at most limit runes, preferring a newline
// boundary in the last two thirds of each window.
func Split(text string, limit int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	start := 0
	for start < len(text) {
		runes := 0
		end := start
		lastNL := -1
		lastNLRunes := 0
		for end < len(text) && runes < limit {
			r, size := utf8.DecodeRuneInString(text[end:])
			if r == '\n' {
				lastNL = end + size
				lastNLRunes = runes + 1
			}
			runes++
			end += size
		}
		if end < len(text) && lastNL != -1 && lastNLRunes >= limit/3 {
			end = lastNL
		}
		if chunk := strings.TrimRight(text[start:end], "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		start = end
		for start < len(text) {
			r, size := utf8.DecodeRuneInString(text[start:])
			if r != '\n' {
				break
			}
			start += size
		}
	}
	return parts
}
