// Package extract turns a changed feed body into an ordered list of articles.
//
// The pipeline only depends on the Extractor interface; XML is the default
// implementation and understands RSS 2.0, RSS 1.0 (RDF) and Atom.
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"feedrelay/internal/model"
)

var ErrUnknownFormat = errors.New("extract: unknown feed format")

// Extractor must return the same article id for the same logical item on
// every poll; delivery dedup depends on it.
type Extractor interface {
	Extract(feedID string, body []byte) ([]model.Article, error)
}

// Func adapts a function to Extractor.
type Func func(feedID string, body []byte) ([]model.Article, error)

func (f Func) Extract(feedID string, body []byte) ([]model.Article, error) { return f(feedID, body) }

// XML is the default Extractor. The zero value is ready to use.
type XML struct{}

func New() XML { return XML{} }

type document struct {
	XMLName xml.Name
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Items   []rssItem   `xml:"item"` // RDF keeps items beside the channel
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	About       string   `xml:"about,attr"`
	Title       textNode `xml:"title"`
	Link        string   `xml:"link"`
	GUID        string   `xml:"guid"`
	Description textNode `xml:"description"`
	Encoded     textNode `xml:"encoded"`
	Author      string   `xml:"author"`
	Creator     string   `xml:"creator"`
	Categories  []string `xml:"category"`
	PubDate     string   `xml:"pubDate"`
	Date        string   `xml:"date"`
}

type atomEntry struct {
	ID      string     `xml:"id"`
	Title   textNode   `xml:"title"`
	Links   []atomLink `xml:"link"`
	Summary textNode   `xml:"summary"`
	Content textNode   `xml:"content"`
	Authors []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// textNode keeps both the character data and the raw markup, so xhtml
// content in Atom survives decoding.
type textNode struct {
	Chardata string `xml:",chardata"`
	Inner    string `xml:",innerxml"`
}

func (t textNode) String() string {
	if s := strings.TrimSpace(t.Chardata); s != "" {
		return s
	}
	return strings.TrimSpace(t.Inner)
}

// Extract returns articles oldest first.
func (XML) Extract(feedID string, body []byte) ([]model.Article, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = charset.NewReaderLabel
	dec.Entity = xml.HTMLEntity

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("extract: decode: %w", err)
	}

	var raw []model.Article
	switch strings.ToLower(doc.XMLName.Local) {
	case "rss":
		raw = fromRSS(feedID, doc.Channel.Items)
	case "rdf":
		raw = fromRSS(feedID, doc.Items)
	case "feed":
		raw = fromAtom(feedID, doc.Entries)
	default:
		return nil, fmt.Errorf("%w: root element %q", ErrUnknownFormat, doc.XMLName.Local)
	}
	return order(dedupe(raw)), nil
}

func fromRSS(feedID string, items []rssItem) []model.Article {
	out := make([]model.Article, 0, len(items))
	for _, it := range items {
		link := strings.TrimSpace(it.Link)
		if link == "" {
			link = strings.TrimSpace(it.About)
		}
		author := strings.TrimSpace(it.Author)
		if author == "" {
			author = strings.TrimSpace(it.Creator)
		}
		date := it.PubDate
		if strings.TrimSpace(date) == "" {
			date = it.Date
		}
		a := model.Article{
			FeedID:     feedID,
			Title:      it.Title.String(),
			Link:       link,
			Summary:    it.Description.String(),
			Content:    it.Encoded.String(),
			Author:     author,
			Categories: trimAll(it.Categories),
			Published:  parseTime(date),
		}
		a.ID = ArticleID(feedID, strings.TrimSpace(it.GUID), a.Link, a.Title, a.Summary)
		a.Fields = fields(a)
		out = append(out, a)
	}
	return out
}

func fromAtom(feedID string, entries []atomEntry) []model.Article {
	out := make([]model.Article, 0, len(entries))
	for _, e := range entries {
		var cats []string
		for _, c := range e.Categories {
			if t := strings.TrimSpace(c.Term); t != "" {
				cats = append(cats, t)
			}
		}
		var author string
		if len(e.Authors) > 0 {
			author = strings.TrimSpace(e.Authors[0].Name)
		}
		published := parseTime(e.Published)
		if published.IsZero() {
			published = parseTime(e.Updated)
		}
		a := model.Article{
			FeedID:     feedID,
			Title:      e.Title.String(),
			Link:       atomHref(e.Links),
			Summary:    e.Summary.String(),
			Content:    e.Content.String(),
			Author:     author,
			Categories: cats,
			Published:  published,
		}
		a.ID = ArticleID(feedID, strings.TrimSpace(e.ID), a.Link, a.Title, a.Summary)
		a.Fields = fields(a)
		out = append(out, a)
	}
	return out
}

func atomHref(links []atomLink) string {
	var first string
	for _, l := range links {
		href := strings.TrimSpace(l.Href)
		if href == "" {
			continue
		}
		if l.Rel == "" || l.Rel == "alternate" {
			return href
		}
		if first == "" {
			first = href
		}
	}
	return first
}

// ArticleID derives a feed-scoped identifier from the item's guid, else its
// link, else its title and summary.
func ArticleID(feedID, guid, link, title, summary string) string {
	var key string
	switch {
	case guid != "":
		key = "guid\x00" + guid
	case link != "":
		key = "link\x00" + link
	default:
		key = "text\x00" + title + "\x00" + summary
	}
	sum := sha256.Sum256([]byte(feedID + "\x00" + key))
	return hex.EncodeToString(sum[:16])
}

func fields(a model.Article) []model.Field {
	out := []model.Field{
		{Name: "title", Value: a.Title},
		{Name: "link", Value: a.Link},
	}
	if a.Summary != "" {
		out = append(out, model.Field{Name: "summary", Value: a.Summary})
	}
	if a.Content != "" {
		out = append(out, model.Field{Name: "content", Value: a.Content})
	}
	if a.Author != "" {
		out = append(out, model.Field{Name: "author", Value: a.Author})
	}
	if !a.Published.IsZero() {
		out = append(out, model.Field{Name: "published", Value: a.Published.UTC().Format(time.RFC3339)})
	}
	if len(a.Categories) > 0 {
		out = append(out, model.Field{Name: "categories", Value: strings.Join(a.Categories, ",")})
	}
	return out
}

// dedupe drops repeated ids, keeping the first occurrence in document order.
func dedupe(in []model.Article) []model.Article {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, a := range in {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

// order makes the sequence oldest first. Feeds list newest first, so the
// document order is reversed; when every item is dated the dates win.
func order(in []model.Article) []model.Article {
	for i, j := 0, len(in)-1; i < j; i, j = i+1, j-1 {
		in[i], in[j] = in[j], in[i]
	}
	for _, a := range in {
		if a.Published.IsZero() {
			return in
		}
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].Published.Before(in[j].Published) })
	return in
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var timeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
