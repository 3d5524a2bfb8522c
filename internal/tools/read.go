package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ReadTool reads a file, optionally a line range, relative to the agent's
// working directory.
type ReadTool struct{}

type readArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (t *ReadTool) Spec() Spec {
	return Spec{
		Name:        "read",
		Description: "Read a file's contents, optionally starting at a line offset with a line limit.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":   map[string]any{"type": "string"},
				"offset": map[string]any{"type": "integer", "description": "1-based starting line"},
				"limit":  map[string]any{"type": "integer", "description": "max lines to return"},
			},
			"required": []string{"path"},
		},
	}
}

func (t *ReadTool) Execute(ctx context.Context, workDir string, raw json.RawMessage) (string, error) {
	var args readArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("read: parse args: %w", err)
	}
	if args.Path == "" {
		return "", fmt.Errorf("read: path is required")
	}
	path := resolvePath(workDir, args.Path)

	if args.Offset <= 0 && args.Limit <= 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", args.Path, err)
		}
		return string(data), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args.Path, err)
	}
	defer f.Close()

	offset := args.Offset
	if offset <= 0 {
		offset = 1
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 1 << 30
	}

	var out []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	collected := 0
	for scanner.Scan() {
		line++
		if line < offset {
			continue
		}
		if collected >= limit {
			break
		}
		out = append(out, scanner.Bytes()...)
		out = append(out, '\n')
		collected++
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", args.Path, err)
	}
	return string(out), nil
}

func resolvePath(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}
