package render

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"feedrelay/internal/model"
)

func TestText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  hello   world ", "hello world"},
		{"entities", "fish &amp; chips", "fish & chips"},
		{"paragraphs", "<p>one</p><p>two <b>bold</b></p>", "one\ntwo bold"},
		{"br", "a<br>b<br/>c", "a\nb\nc"},
		{"script dropped", "<p>keep</p><script>alert(1)</script>", "keep"},
		{"blank runs", "a\n\n\n\nb", "a\n\nb"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Text(tc.in); got != tc.want {
				t.Fatalf("Text(%q)=%q want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRenderDefault(t *testing.T) {
	t.Parallel()

	r := MustNew("")
	got, err := r.Render(model.Article{
		Title:   "Hello &amp; welcome",
		Link:    "https://example.com/x",
		Summary: "<p>short <i>intro</i></p>",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "Hello & welcome\n\nshort intro\n\nhttps://example.com/x"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	got, err = r.Render(model.Article{Title: "only title"})
	if err != nil || got != "only title" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestRenderCustomTemplate(t *testing.T) {
	t.Parallel()

	r, err := New(`[{{upper .FeedID}}] {{.Title}} {{date "2006-01-02" .Published}} {{join .Categories "/"}}`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Render(model.Article{
		FeedID:     "go",
		Title:      "Release",
		Published:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Categories: []string{"a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "[GO] Release 2024-03-01 a/b" {
		t.Fatalf("got %q", got)
	}

	if _, err := New("{{.Title"); err == nil {
		t.Fatal("expected parse error")
	}
	bad := MustNew("{{.Nope}}")
	if _, err := bad.Render(model.Article{}); err == nil {
		t.Fatal("expected execution error for unknown field")
	}
}

func TestRenderTruncatesSummary(t *testing.T) {
	t.Parallel()

	r := MustNew("{{.Summary}}")
	r.MaxSummaryRunes = 5
	got, err := r.Render(model.Article{Summary: "abcdefghij"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "abcde…" {
		t.Fatalf("got %q", got)
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	if got := Split("", 10); got != nil {
		t.Fatalf("empty: %q", got)
	}
	if got := Split("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short: %q", got)
	}

	text := strings.Repeat("line of text\n", 40)
	parts := Split(text, 100)
	if len(parts) < 2 {
		t.Fatalf("expected several parts, got %d", len(parts))
	}
	var joined []string
	for _, p := range parts {
		if n := utf8.RuneCountInString(p); n > 100 {
			t.Fatalf("part has %d runes", n)
		}
		if strings.HasPrefix(p, "\n") || strings.HasSuffix(p, "\n") {
			t.Fatalf("part not trimmed: %q", p)
		}
		joined = append(joined, p)
	}
	if strings.Join(joined, "\n") != strings.TrimRight(text, "\n") {
		t.Fatal("split lost content at newline boundaries")
	}

	// No newlines: hard cut by runes, multibyte safe.
	runes := strings.Repeat("é", 25)
	parts = Split(runes, 10)
	if len(parts) != 3 || utf8.RuneCountInString(parts[2]) != 5 {
		t.Fatalf("hard split: %q", parts)
	}
}
