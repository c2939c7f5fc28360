package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/parleyhq/parley/internal/agent"
)

// defaultMaxReadBytes caps read_file results when no limit is configured.
const defaultMaxReadBytes = 200000

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", errors.New("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", errors.New("path escapes workspace")
	}
	return targetAbs, nil
}

// readFileTool reads a file from the workspace with optional offset and
// byte limit. Results are capped so a single read cannot flood the model
// context; the truncated flag tells the model to page with offset.
func readFileTool(cfg Config) agent.Definition {
	resolver := Resolver{Root: cfg.Workspace}
	maxBytes := cfg.MaxReadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxReadBytes
	}

	schema := marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "Byte offset to start reading from (default: 0).",
				"minimum":     0,
			},
			"max_bytes": map[string]any{
				"type":        "integer",
				"description": "Maximum bytes to read (capped by tool default).",
				"minimum":     0,
			},
		},
		"required": []string{"path"},
	})

	run := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var input struct {
			Path     string `json:"path"`
			Offset   int64  `json:"offset"`
			MaxBytes int    `json:"max_bytes"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		if input.Offset < 0 {
			return nil, errors.New("offset must be >= 0")
		}

		resolved, err := resolver.Resolve(input.Path)
		if err != nil {
			return nil, err
		}

		file, err := os.Open(resolved)
		if err != nil {
			return nil, fmt.Errorf("open file: %w", err)
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", input.Path)
		}

		if input.Offset > 0 {
			if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
				return nil, fmt.Errorf("seek file: %w", err)
			}
		}

		limit := maxBytes
		if input.MaxBytes > 0 && input.MaxBytes < limit {
			limit = input.MaxBytes
		}

		remaining := int64(limit)
		if size := info.Size(); size > 0 {
			remaining = size - input.Offset
			if remaining < 0 {
				remaining = 0
			}
			if remaining > int64(limit) {
				remaining = int64(limit)
			}
		}

		buf, err := io.ReadAll(io.LimitReader(file, remaining))
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}

		truncated := info.Size() > 0 && input.Offset+int64(len(buf)) < info.Size()

		return json.Marshal(map[string]any{
			"path":      input.Path,
			"content":   string(buf),
			"offset":    input.Offset,
			"bytes":     len(buf),
			"truncated": truncated,
		})
	}

	return agent.Auto("read_file", "Read a file from the workspace with optional offset and byte limit.", schema, run)
}

// listDirTool lists a workspace directory.
func listDirTool(cfg Config) agent.Definition {
	resolver := Resolver{Root: cfg.Workspace}

	schema := marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list, relative to workspace (default: workspace root).",
			},
		},
	})

	run := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var input struct {
			Path string `json:"path"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		path := strings.TrimSpace(input.Path)
		if path == "" {
			path = "."
		}

		resolved, err := resolver.Resolve(path)
		if err != nil {
			return nil, err
		}

		dirents, err := os.ReadDir(resolved)
		if err != nil {
			return nil, fmt.Errorf("read directory: %w", err)
		}

		entries := make([]map[string]any, 0, len(dirents))
		for _, ent := range dirents {
			entry := map[string]any{"name": ent.Name()}
			if ent.IsDir() {
				entry["type"] = "dir"
			} else {
				entry["type"] = "file"
				if info, err := ent.Info(); err == nil {
					entry["size"] = info.Size()
				}
			}
			entries = append(entries, entry)
		}

		return json.Marshal(map[string]any{
			"path":    path,
			"entries": entries,
			"count":   len(entries),
		})
	}

	return agent.Auto("list_dir", "List the entries of a workspace directory.", schema, run)
}

// writeFileTool writes content to a workspace file. Registered in confirm
// mode so every write waits for a human decision. Overwrites go through a
// temp file and rename so a crash mid-write never leaves a torn file.
func writeFileTool(cfg Config) agent.Definition {
	resolver := Resolver{Root: cfg.Workspace}

	schema := marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to write (relative to workspace).",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "File contents to write.",
			},
			"append": map[string]any{
				"type":        "boolean",
				"description": "Append instead of overwrite (default: false).",
			},
		},
		"required": []string{"path", "content"},
	})

	run := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var input struct {
			Path    string `json:"path"`
			Content string `json:"content"`
			Append  bool   `json:"append"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}

		resolved, err := resolver.Resolve(input.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}

		if input.Append {
			if err := appendFile(resolved, []byte(input.Content)); err != nil {
				return nil, err
			}
		} else {
			if err := writeFileAtomic(resolved, []byte(input.Content), 0o644); err != nil {
				return nil, err
			}
		}

		return json.Marshal(map[string]any{
			"path":          input.Path,
			"bytes_written": len(input.Content),
			"append":        input.Append,
		})
	}

	return agent.Confirm("write_file", "Write content to a file in the workspace (overwrites by default).", schema, run)
}

func appendFile(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
