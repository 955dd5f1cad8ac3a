package tools

import (
	"context"
	"strings"
	"time"

	"github.com/nugget/reeve/internal/search"
)

const (
	searchCountDefault = 5
	searchCountMin     = 1
	searchCountMax     = 10
	searchTimeoutMin   = 1000  // ms
	searchTimeoutMax   = 60000 // ms
)

// NewWebSearch builds the web.search capability on top of the search
// manager. Count and timeout arguments are clamped into safe bounds
// rather than rejected; a hostile or confused model cannot request an
// unbounded result set or an unbounded wait.
func NewWebSearch(mgr *search.Manager) *Capability {
	return &Capability{
		Name:        "web.search",
		Description: "Search the web. Returns a list of results with title, link, and snippet.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results (1-10, default 5)",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Search timeout in milliseconds (1000-60000)",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) Result {
			query, errRes, ok := stringArg(args, "query")
			if !ok {
				return errRes
			}
			if strings.TrimSpace(query) == "" {
				return Errorf("query must not be empty")
			}

			count, errRes, ok := intArg(args, "count", searchCountDefault)
			if !ok {
				return errRes
			}
			count = clamp(count, searchCountMin, searchCountMax)

			timeoutMS, errRes, ok := intArg(args, "timeout_ms", searchTimeoutMax)
			if !ok {
				return errRes
			}
			timeoutMS = clamp(timeoutMS, searchTimeoutMin, searchTimeoutMax)

			ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
			defer cancel()

			results, err := mgr.Search(ctx, query, search.Options{Count: count})
			if err != nil {
				return Errorf("search failed: %v", err)
			}
			if len(results) > count {
				results = results[:count]
			}

			items := make([]map[string]any, 0, len(results))
			for _, r := range results {
				item := map[string]any{
					"title": r.Title,
					"link":  r.URL,
				}
				if r.Snippet != "" {
					item["snippet"] = r.Snippet
				}
				items = append(items, item)
			}

			return Result{OK: true, Payload: map[string]any{
				"query":   query,
				"results": items,
			}}
		},
	}
}
