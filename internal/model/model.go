// Package model holds the records that flow through the poll pipeline.
package model

import (
	"strings"
	"time"
)

// Feed is the static configuration of a polled source.
type Feed struct {
	ID       string
	URL      string
	Interval time.Duration // 0 means the orchestrator default
	Mediums  []string      // subscribed medium ids
	Disabled bool
}

// BackoffState tracks consecutive non-success outcomes for a feed.
type BackoffState struct {
	Failures   int           `json:"failures"`
	LastStatus RequestStatus `json:"last_status,omitempty"`
	NextPollAt time.Time     `json:"next_poll_at"`
}

// FeedState is the mutable per-feed record. It is only written by the
// orchestrator holding the feed's lease, once per completed poll cycle.
type FeedState struct {
	FeedID             string       `json:"feed_id"`
	Hash               string       `json:"hash,omitempty"`
	LastSuccessfulPoll time.Time    `json:"last_successful_poll"`
	Backoff            BackoffState `json:"backoff"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// FetchAttempt is the immutable record of one poll.
type FetchAttempt struct {
	ID         string        `json:"id"`
	FeedID     string        `json:"feed_id"`
	At         time.Time     `json:"at"`
	Status     RequestStatus `json:"status"`
	Elapsed    time.Duration `json:"elapsed"`
	Size       int64         `json:"size"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Field is one named payload value of an article, kept in source order.
type Field struct {
	Name  string
	Value string
}

// Article is one normalized item extracted from a changed feed body.
type Article struct {
	FeedID     string
	ID         string
	Title      string
	Link       string
	Summary    string
	Content    string
	Author     string
	Categories []string
	Published  time.Time
	Fields     []Field
}

// Value returns a named article field used by filters and templates.
func (a Article) Value(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "id":
		return a.ID
	case "title":
		return a.Title
	case "link", "url":
		return a.Link
	case "summary", "description":
		return a.Summary
	case "content":
		return a.Content
	case "author":
		return a.Author
	case "categories", "category":
		return strings.Join(a.Categories, ",")
	}
	for _, f := range a.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// RateBudget is a fixed-window allowance: at most Max events per Window.
// Max <= 0 disables the budget.
type RateBudget struct {
	Window time.Duration
	Max    int
}

func (b RateBudget) Enabled() bool { return b.Max > 0 && b.Window > 0 }

// Filter is a content filter on a medium. All filters of a medium must pass.
type Filter struct {
	Field    string
	Contains []string // any-of, case-insensitive
	Regex    string
	Negate   bool
}

// Medium is a delivery target. Read-only to the pipeline.
type Medium struct {
	ID      string
	Kind    string
	Budget  RateBudget
	Filters []Filter
}

// DeliveryLog is one row per (article, medium) delivery attempt.
type DeliveryLog struct {
	ID             string            `json:"id"`
	Seq            int64             `json:"seq"`
	FeedID         string            `json:"feed_id"`
	ArticleID      string            `json:"article_id"`
	MediumID       string            `json:"medium_id"`
	At             time.Time         `json:"at"`
	Status         DeliveryLogStatus `json:"status"`
	Parts          int               `json:"parts,omitempty"`
	PartsDelivered int               `json:"parts_delivered,omitempty"`
	Detail         string            `json:"detail,omitempty"`
	ResolvedAt     time.Time         `json:"resolved_at,omitempty"`
}
