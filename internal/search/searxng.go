package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nugget/reeve/internal/httpkit"
)

const searxngTimeout = 15 * time.Second

// SearXNG queries a self-hosted SearXNG instance over its JSON API.
type SearXNG struct {
	baseURL    string
	httpClient *http.Client
}

// NewSearXNG creates a SearXNG provider. baseURL is the root URL of
// the instance (e.g., "http://localhost:8080").
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(searxngTimeout),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

// Search queries the instance's /search endpoint and returns at most
// opts.Count results (default 5).
func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.queryURL(query, opts), nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("searxng: HTTP %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}

	count := opts.Count
	if count <= 0 {
		count = 5
	}
	if len(payload.Results) > count {
		payload.Results = payload.Results[:count]
	}

	results := make([]Result, 0, len(payload.Results))
	for _, r := range payload.Results {
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}
	return results, nil
}

// queryURL builds the /search request URL. The instance must have the
// JSON output format enabled.
func (s *SearXNG) queryURL(query string, opts Options) string {
	params := url.Values{
		"q":      {query},
		"format": {"json"},
	}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}
	return s.baseURL + "/search?" + params.Encode()
}
