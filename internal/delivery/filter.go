package delivery

import (
	"fmt"
	"regexp"
	"strings"

	"feedrelay/internal/model"
	"feedrelay/internal/render"
)

type compiledFilter struct {
	field    string
	contains []string // lowercased
	re       *regexp.Regexp
	negate   bool
}

type filterSet []compiledFilter

func compileFilters(in []model.Filter) (filterSet, error) {
	out := make(filterSet, 0, len(in))
	for i, f := range in {
		cf := compiledFilter{field: strings.ToLower(strings.TrimSpace(f.Field)), negate: f.Negate}
		if cf.field == "" {
			cf.field = "any"
		}
		for _, c := range f.Contains {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				cf.contains = append(cf.contains, c)
			}
		}
		if strings.TrimSpace(f.Regex) != "" {
			re, err := regexp.Compile(f.Regex)
			if err != nil {
				return nil, fmt.Errorf("filters[%d].regex: %w", i, err)
			}
			cf.re = re
		}
		if len(cf.contains) == 0 && cf.re == nil {
			return nil, fmt.Errorf("filters[%d]: needs contains or regex", i)
		}
		out = append(out, cf)
	}
	return out, nil
}

// Allow reports whether every filter passes. The reason names the first
// filter that rejected the article.
func (fs filterSet) Allow(a model.Article) (bool, string) {
	for i, f := range fs {
		if f.match(fieldText(a, f.field)) == f.negate {
			return false, fmt.Sprintf("filter %d on %s", i, f.field)
		}
	}
	return true, ""
}

func (f compiledFilter) match(text string) bool {
	if f.re != nil && f.re.MatchString(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, c := range f.contains {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

func fieldText(a model.Article, field string) string {
	switch field {
	case "any":
		return strings.Join([]string{
			render.Text(a.Title), render.Text(a.Summary), render.Text(a.Content),
			a.Author, strings.Join(a.Categories, " "),
		}, "\n")
	case "title", "summary", "description", "content":
		return render.Text(a.Value(field))
	default:
		return a.Value(field)
	}
}
