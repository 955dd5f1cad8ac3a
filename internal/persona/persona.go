// Package persona loads the agent's identity documents and renders the
// capability manifest that accompanies them in every model call.
package persona

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nugget/reeve/internal/tools"
)

// separator joins individual persona documents into one system block.
const separator = "\n\n---\n\n"

// Loader reads persona markdown documents from a directory.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a persona loader rooted at dir.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, logger: logger}
}

// Load reads every *.md file in the persona directory, sorted by
// filename, and joins them into a single document. A missing directory
// or an empty one is an error: an agent with no persona must not start.
func (l *Loader) Load() (string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return "", fmt.Errorf("reading persona directory %s: %w", l.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no persona documents (*.md) in %s", l.dir)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return "", fmt.Errorf("reading persona document %s: %w", name, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			l.logger.Warn("persona document is empty, skipping", "file", name)
			continue
		}
		parts = append(parts, text)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("all persona documents in %s are empty", l.dir)
	}

	l.logger.Debug("persona loaded", "documents", len(parts), "dir", l.dir)
	return strings.Join(parts, separator), nil
}

// Manifest renders the human-readable capability list for the system
// context. It is generated from the same registry the executor runs
// against, so the advertised tools and the allowed tools cannot drift
// apart.
func Manifest(registry *tools.Registry) string {
	names := registry.Names()
	if len(names) == 0 {
		return "No tools are available. Answer from your own knowledge."
	}

	var b strings.Builder
	b.WriteString("You have access to the following tools:\n\n")
	for _, name := range names {
		c := registry.Get(name)
		fmt.Fprintf(&b, "- %s", c.Name)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nTo use a tool, respond with a tool call. Only the tools listed above are available; calls to any other tool will be rejected.")
	return b.String()
}
