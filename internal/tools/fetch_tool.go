package tools

import (
	"context"
	"strings"

	"github.com/nugget/reeve/internal/fetch"
)

// NewWebFetch builds the web.fetch capability. Extracted content is
// bounded by maxChars so a large page cannot flood the conversation
// context; zero uses the fetcher default.
func NewWebFetch(f *fetch.Fetcher, maxChars int) *Capability {
	return &Capability{
		Name:        "web.fetch",
		Description: "Fetch a web page and return its readable text content, with boilerplate stripped.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters of extracted text to return",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) Result {
			rawURL, errRes, ok := stringArg(args, "url")
			if !ok {
				return errRes
			}
			if strings.TrimSpace(rawURL) == "" {
				return Errorf("url must not be empty")
			}

			limit, errRes, ok := intArg(args, "max_chars", maxChars)
			if !ok {
				return errRes
			}
			if limit <= 0 || (maxChars > 0 && limit > maxChars) {
				limit = maxChars
			}

			res, err := f.Fetch(ctx, rawURL, limit)
			if err != nil {
				return Errorf("fetch failed: %v", err)
			}

			payload := map[string]any{
				"url":       res.URL,
				"content":   res.Content,
				"truncated": res.Truncated,
			}
			if res.Title != "" {
				payload["title"] = res.Title
			}
			return Result{OK: true, Payload: payload}
		},
	}
}
