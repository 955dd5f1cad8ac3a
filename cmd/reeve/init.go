package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/reeve/internal/defaults"
)

// runInit initializes a Reeve working directory with default files.
// It creates the directory structure and copies bundled defaults for
// config and persona. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Reeve workspace in %s\n", dir)

	// Create the base directory and subdirectories. "persona" holds the
	// identity fragments, "workspace" is the file-read sandbox, "data"
	// holds conversation logs and operational state.
	for _, sub := range []string{"persona", "workspace", "data"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// Write config example if no config exists. Config gets restricted
	// permissions since it can hold gateway tokens and API keys.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	// Write persona example if no persona exists.
	personaPath := filepath.Join(dir, "persona", "persona.md")
	if err := writeIfMissing(personaPath, defaults.PersonaMD, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", personaPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and persona/persona.md to customize your installation.")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, perm)
}
