package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveInRoot validates a workspace-relative path and resolves it to
// an absolute path strictly inside root. Validation happens entirely
// before any read of the target: empty and absolute paths are rejected
// up front, the joined path is symlink-resolved where possible, and the
// result must remain a descendant of root.
func resolveInRoot(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", ErrBadPath)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute paths not allowed", ErrBadPath)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	target := filepath.Join(absRoot, filepath.Clean(rel))

	// Resolve symlinks on the target when it exists so a link inside
	// the root cannot point the read outside it. A missing file is
	// fine here; the open will report it.
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}

	relToRoot, err := filepath.Rel(absRoot, target)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	if relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return target, nil
}

// NewFileRead builds the fs.readText capability, confined to root.
// The payload echoes the caller's literal path, not the resolved one,
// so the model never learns the absolute workspace location.
func NewFileRead(root string) *Capability {
	return &Capability{
		Name:        "fs.readText",
		Description: "Read a UTF-8 text file from the agent workspace. Paths are relative to the workspace root; paths outside it are rejected.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative path of the file to read",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) Result {
			rel, errRes, ok := stringArg(args, "path")
			if !ok {
				return errRes
			}

			target, err := resolveInRoot(root, rel)
			if err != nil {
				return Errorf("%v", err)
			}

			info, err := os.Stat(target)
			if err != nil {
				if os.IsNotExist(err) {
					return Errorf("file not found: %s", rel)
				}
				return Errorf("stat %s: %v", rel, err)
			}
			if info.IsDir() {
				return Errorf("%s is a directory", rel)
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return Errorf("read %s: %v", rel, err)
			}

			return Result{OK: true, Payload: map[string]any{
				"path":    rel,
				"content": string(data),
			}}
		},
	}
}
