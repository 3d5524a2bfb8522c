package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// MaxGlobResults caps how many paths GlobTool returns, so a broad pattern
// against a large tree can't flood the chat loop with output.
const MaxGlobResults = 500

// GlobTool matches file paths against a pattern, walking the working
// directory so "**"-style recursive patterns behave as agents expect from
// modern glob tools, not just a single filepath.Glob segment.
type GlobTool struct{}

type globArgs struct {
	Pattern string `json:"pattern"`
}

func (t *GlobTool) Spec() Spec {
	return Spec{
		Name:        "glob",
		Description: "Find files matching a glob pattern (supports ** for recursive matches), capped at 500 results.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string"},
			},
			"required": []string{"pattern"},
		},
	}
}

func (t *GlobTool) Execute(ctx context.Context, workDir string, raw json.RawMessage) (string, error) {
	var args globArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("glob: parse args: %w", err)
	}
	if args.Pattern == "" {
		return "", fmt.Errorf("glob: pattern is required")
	}

	var matches []string
	err := filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(workDir, path)
		if relErr != nil {
			rel = path
		}
		if matchGlob(args.Pattern, rel) {
			matches = append(matches, rel)
			if len(matches) >= MaxGlobResults {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", args.Pattern, err)
	}

	sort.Strings(matches)
	if len(matches) == MaxGlobResults {
		return strings.Join(matches, "\n") + fmt.Sprintf("\n... capped at %d results", MaxGlobResults), nil
	}
	return strings.Join(matches, "\n"), nil
}

// matchGlob matches pattern against path, treating "**" as "match any
// number of path segments" and delegating single segments to
// filepath.Match.
func matchGlob(pattern, path string) bool {
	if !strings.Contains(pattern, "**") {
		ok, _ := filepath.Match(pattern, path)
		return ok
	}

	patParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	return matchSegments(patParts, pathParts)
}

func matchSegments(pat, path []string) bool {
	if len(pat) == 0 {
		return len(path) == 0
	}
	if pat[0] == "**" {
		if matchSegments(pat[1:], path) {
			return true
		}
		if len(path) == 0 {
			return false
		}
		return matchSegments(pat, path[1:])
	}
	if len(path) == 0 {
		return false
	}
	if ok, _ := filepath.Match(pat[0], path[0]); !ok {
		return false
	}
	return matchSegments(pat[1:], path[1:])
}
