package search

import (
	"strings"

	"atelier/api/internal/block"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Slug    string `json:"slug"`
	Owner   string `json:"owner"`
	Status  string `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterOwner  string
	FilterStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Body        string `json:"body"`
	Slug        string `json:"slug"`
	Owner       string `json:"owner"`
	Status      string `json:"status"`
}

// BodyText flattens a document's visible text into one indexable string.
func BodyText(doc block.Document) string {
	var parts []string
	add := func(values ...string) {
		for _, v := range values {
			if strings.TrimSpace(v) != "" {
				parts = append(parts, strings.TrimSpace(v))
			}
		}
	}
	var walk func(blocks []block.Block)
	walk = func(blocks []block.Block) {
		for _, b := range blocks {
			switch v := b.(type) {
			case block.Text:
				add(v.Content)
			case block.Image:
				add(v.Caption)
			case block.Video:
				add(v.Caption)
			case block.File:
				add(v.Filename)
			case block.Button:
				add(v.Text)
			case block.Columns:
				for _, slot := range v.Slots {
					walk(slot.Blocks)
				}
			}
		}
	}
	walk(doc.Blocks)
	return strings.Join(parts, "\n")
}
