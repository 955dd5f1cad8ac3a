package tools

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/reeve/internal/search"
)

// fakeProvider records the options it was called with and returns a
// canned result set.
type fakeProvider struct {
	lastQuery string
	lastOpts  search.Options
	results   []search.Result
	err       error
	sawDeadln bool
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	p.lastQuery = query
	p.lastOpts = opts
	_, p.sawDeadln = ctx.Deadline()
	return p.results, p.err
}

func newSearchFixture(results []search.Result) (*fakeProvider, *Capability) {
	p := &fakeProvider{results: results}
	mgr := search.NewManager("fake")
	mgr.Register(p)
	return p, NewWebSearch(mgr)
}

func TestWebSearchPayloadShape(t *testing.T) {
	_, cap := newSearchFixture([]search.Result{
		{Title: "Go", URL: "https://go.dev", Snippet: "The Go programming language"},
		{Title: "Blog", URL: "https://go.dev/blog"},
	})

	res := cap.Handler(context.Background(), map[string]any{"query": "golang"})
	if !res.OK {
		t.Fatalf("search failed: %s", res.Error)
	}

	payload := res.Payload.(map[string]any)
	items := payload["results"].([]map[string]any)
	if len(items) != 2 {
		t.Fatalf("got %d results, want 2", len(items))
	}
	if items[0]["link"] != "https://go.dev" {
		t.Errorf("link = %v", items[0]["link"])
	}
	if items[0]["snippet"] != "The Go programming language" {
		t.Errorf("snippet = %v", items[0]["snippet"])
	}
	if _, hasSnippet := items[1]["snippet"]; hasSnippet {
		t.Error("empty snippet should be omitted")
	}
}

func TestWebSearchCountClamped(t *testing.T) {
	p, cap := newSearchFixture(nil)

	cap.Handler(context.Background(), map[string]any{"query": "x", "count": 100.0})
	if p.lastOpts.Count != searchCountMax {
		t.Errorf("count = %d, want clamp to %d", p.lastOpts.Count, searchCountMax)
	}

	cap.Handler(context.Background(), map[string]any{"query": "x", "count": 0.0})
	if p.lastOpts.Count != searchCountMin {
		t.Errorf("count = %d, want clamp to %d", p.lastOpts.Count, searchCountMin)
	}

	cap.Handler(context.Background(), map[string]any{"query": "x"})
	if p.lastOpts.Count != searchCountDefault {
		t.Errorf("count = %d, want default %d", p.lastOpts.Count, searchCountDefault)
	}
}

func TestWebSearchTruncatesOverlongProvider(t *testing.T) {
	many := make([]search.Result, 8)
	for i := range many {
		many[i] = search.Result{Title: "t", URL: "https://example.com"}
	}
	_, cap := newSearchFixture(many)

	res := cap.Handler(context.Background(), map[string]any{"query": "x", "count": 3.0})
	if !res.OK {
		t.Fatalf("search failed: %s", res.Error)
	}
	items := res.Payload.(map[string]any)["results"].([]map[string]any)
	if len(items) != 3 {
		t.Errorf("got %d results, want provider overflow cut to 3", len(items))
	}
}

func TestWebSearchAppliesDeadline(t *testing.T) {
	p, cap := newSearchFixture(nil)

	start := time.Now()
	cap.Handler(context.Background(), map[string]any{"query": "x", "timeout_ms": 1500.0})
	if !p.sawDeadln {
		t.Error("provider context had no deadline")
	}
	if time.Since(start) > time.Second {
		t.Error("handler blocked instead of passing deadline through")
	}
}

func TestWebSearchRejectsBadQuery(t *testing.T) {
	_, cap := newSearchFixture(nil)

	if res := cap.Handler(context.Background(), map[string]any{}); res.OK {
		t.Error("expected failure for missing query")
	}
	if res := cap.Handler(context.Background(), map[string]any{"query": "  "}); res.OK {
		t.Error("expected failure for blank query")
	}
	if res := cap.Handler(context.Background(), map[string]any{"query": 7.0}); res.OK {
		t.Error("expected failure for non-string query")
	}
	if res := cap.Handler(context.Background(), map[string]any{"query": "x", "count": "five"}); res.OK {
		t.Error("expected failure for non-numeric count")
	}
}

func TestWebSearchProviderError(t *testing.T) {
	p, cap := newSearchFixture(nil)
	p.err = context.DeadlineExceeded

	res := cap.Handler(context.Background(), map[string]any{"query": "x"})
	if res.OK {
		t.Fatal("expected failure when provider errors")
	}
}
