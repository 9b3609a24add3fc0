package delivery

import (
	"testing"

	"feedrelay/internal/model"
)

func TestFilters(t *testing.T) {
	t.Parallel()

	art := model.Article{
		Title:      "Go 1.24 <em>released</em>",
		Summary:    "<p>Generic type aliases</p>",
		Link:       "https://go.dev/blog/go1.24",
		Author:     "gopher",
		Categories: []string{"release", "lang"},
	}
	cases := []struct {
		name    string
		filters []model.Filter
		want    bool
	}{
		{"no filters", nil, true},
		{"title contains", []model.Filter{{Field: "title", Contains: []string{"RELEASED"}}}, true},
		{"html stripped", []model.Filter{{Field: "title", Contains: []string{"<em>"}}}, false},
		{"regex link", []model.Filter{{Field: "link", Regex: `go\.dev/blog`}}, true},
		{"negate", []model.Filter{{Field: "categories", Contains: []string{"lang"}, Negate: true}}, false},
		{"any field", []model.Filter{{Contains: []string{"aliases"}}}, true},
		{"all must pass", []model.Filter{
			{Field: "author", Contains: []string{"gopher"}},
			{Field: "summary", Contains: []string{"rust"}},
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs, err := compileFilters(tc.filters)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got, reason := fs.Allow(art); got != tc.want {
				t.Fatalf("allow=%v (%s) want %v", got, reason, tc.want)
			}
		})
	}
}

func TestFilterValidation(t *testing.T) {
	t.Parallel()

	if _, err := compileFilters([]model.Filter{{Field: "title", Regex: "("}}); err == nil {
		t.Fatal("bad regex accepted")
	}
	if _, err := compileFilters([]model.Filter{{Field: "title", Contains: []string{" "}}}); err == nil {
		t.Fatal("empty filter accepted")
	}
	if _, err := NewTarget(model.Medium{ID: "x"}, nil); err == nil {
		t.Fatal("target without sender accepted")
	}
}
