package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// EditTool performs an exact string replacement in a file, in the same
// spirit as an interactive editor's find-and-replace: the old string must
// appear exactly once unless ReplaceAll is set.
type EditTool struct{}

type editArgs struct {
	Path       string `json:"path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

func (t *EditTool) Spec() Spec {
	return Spec{
		Name:        "edit",
		Description: "Replace an exact string match in a file with a new string.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string"},
				"old_string":  map[string]any{"type": "string"},
				"new_string":  map[string]any{"type": "string"},
				"replace_all": map[string]any{"type": "boolean"},
			},
			"required": []string{"path", "old_string", "new_string"},
		},
	}
}

func (t *EditTool) Execute(ctx context.Context, workDir string, raw json.RawMessage) (string, error) {
	var args editArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("edit: parse args: %w", err)
	}
	if args.Path == "" {
		return "", fmt.Errorf("edit: path is required")
	}
	if args.OldString == args.NewString {
		return "", fmt.Errorf("edit: old_string and new_string must differ")
	}
	path := resolvePath(workDir, args.Path)

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("edit %s: %w", args.Path, err)
	}
	content := string(data)

	count := strings.Count(content, args.OldString)
	if count == 0 {
		return "", fmt.Errorf("edit %s: old_string not found", args.Path)
	}
	if count > 1 && !args.ReplaceAll {
		return "", fmt.Errorf("edit %s: old_string matches %d times, want 1 (set replace_all)", args.Path, count)
	}

	var replaced string
	if args.ReplaceAll {
		replaced = strings.ReplaceAll(content, args.OldString, args.NewString)
	} else {
		replaced = strings.Replace(content, args.OldString, args.NewString, 1)
	}

	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(path, []byte(replaced), mode); err != nil {
		return "", fmt.Errorf("edit %s: write: %w", args.Path, err)
	}
	return fmt.Sprintf("replaced %d occurrence(s) in %s", count, args.Path), nil
}
