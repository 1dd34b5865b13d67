package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/paths"
)

// maxFileReadBytes caps what one file_read returns to the model.
const maxFileReadBytes = 50 * 1024

// FileTools provides read/write/list inside the data directory. Every
// path is resolved through the layout, which refuses escapes; the
// safety validator performs the same check pre-dispatch, so a path that
// reaches a handler here has already passed once.
type FileTools struct {
	layout paths.Layout
}

// NewFileTools roots the file tools at the data directory.
func NewFileTools(layout paths.Layout) *FileTools {
	return &FileTools{layout: layout}
}

// Read returns a file's contents, optionally windowed by 1-indexed
// line offset and line count. Output above 50KB is truncated.
func (ft *FileTools) Read(path string, offset, limit int) (string, error) {
	abs, err := ft.layout.Resolve(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if offset > 0 {
			start = offset - 1
		}
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	if len(content) > maxFileReadBytes {
		content = content[:maxFileReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// Write stores content at path, creating parent directories as needed.
func (ft *FileTools) Write(path, content string) error {
	abs, err := ft.layout.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// List returns directory entries; directories carry a trailing slash.
func (ft *FileTools) List(path string) ([]string, error) {
	if path == "" {
		path = "."
	}
	abs, err := ft.layout.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		out = append(out, name)
	}
	return out, nil
}

// SetFileTools adds file_read, file_write and file_list to the
// registry.
func (r *Registry) SetFileTools(ft *FileTools) {
	if ft == nil {
		return
	}

	r.Register(&Tool{
		Name:        "file_read",
		Description: "Read a file from the data directory. Supports line offset/limit windows for large files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path relative to the data directory",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "1-indexed first line to return",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to return",
				},
			},
			"required": []string{"path"},
		},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return "", fmt.Errorf("path is required")
			}
			offset := intArg(args, "offset")
			limit := intArg(args, "limit")
			return ft.Read(path, offset, limit)
		},
	})

	r.Register(&Tool{
		Name:        "file_write",
		Description: "Write content to a file in the data directory, creating parent directories as needed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path relative to the data directory",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full content to write",
				},
			},
			"required": []string{"path", "content"},
		},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if path == "" {
				return "", fmt.Errorf("path is required")
			}
			if err := ft.Write(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
	})

	r.Register(&Tool{
		Name:        "file_list",
		Description: "List a directory under the data directory. Directories end with a slash.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory path relative to the data directory; empty for the root",
				},
			},
		},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			entries, err := ft.List(path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			return strings.Join(entries, "\n"), nil
		},
	})
}

// intArg reads an integer parameter, tolerating the float64 that JSON
// decoding produces.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
