package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"text2tasks/internal/search"
)

// Search kinds.
const (
	SearchAll       = "all"
	SearchTasks     = "tasks"
	SearchDocuments = "documents"
)

const defaultSearchLimit = 30

type SearchOptions struct {
	Query string
	// Kind is all, tasks or documents. Empty means all.
	Kind string
	// Limit caps hits per kind. When both kinds are searched each gets half.
	Limit int
	// Filters narrow the task side. Document and Limit are ignored.
	Filters TaskFilters
}

type SearchResult struct {
	Query     string               `json:"query"`
	Tasks     []search.TaskHit     `json:"tasks"`
	Documents []search.DocumentHit `json:"documents"`
	// Total counts every match before the limit.
	Total int `json:"total"`
}

// Search ranks tasks and documents by keyword relevance.
func (e *Engine) Search(ctx context.Context, opts SearchOptions) (SearchResult, error) {
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		return SearchResult{}, errors.New("query is required")
	}
	kind := opts.Kind
	if kind == "" {
		kind = SearchAll
	}
	if kind != SearchAll && kind != SearchTasks && kind != SearchDocuments {
		return SearchResult{}, fmt.Errorf("invalid search kind %q", opts.Kind)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if kind == SearchAll {
		limit = max(1, limit/2)
	}
	f := opts.Filters
	f.Document, f.Limit = "", 0
	filter, err := f.filter()
	if err != nil {
		return SearchResult{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return SearchResult{}, err
	}
	res := SearchResult{Query: query, Tasks: []search.TaskHit{}, Documents: []search.DocumentHit{}}
	if kind != SearchDocuments {
		var n int
		res.Tasks, n = search.Tasks(e.tasks.List(filter), query, e.now(), limit)
		res.Total += n
	}
	if kind != SearchTasks {
		var n int
		res.Documents, n = search.Documents(e.docs.List(), query, limit)
		res.Total += n
	}
	e.log().Debug("search", "query", query, "kind", kind, "tasks", len(res.Tasks), "documents", len(res.Documents))
	return res, nil
}
