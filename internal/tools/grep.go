package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// GrepTool searches file contents for a regular expression. It prefers the
// system `rg` binary (fast, respects .gitignore) and falls back to a
// portable regexp-based directory walk when rg isn't on PATH, so the tool
// still works in minimal environments.
type GrepTool struct {
	// LookPath is overridable for tests.
	LookPath func(string) (string, error)
	Runner   CommandRunner
}

type grepArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

func (t *GrepTool) Spec() Spec {
	return Spec{
		Name:        "grep",
		Description: "Search file contents for a regular expression, optionally scoped to a subdirectory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string"},
				"path":    map[string]any{"type": "string", "description": "subdirectory to search, defaults to the whole working directory"},
			},
			"required": []string{"pattern"},
		},
	}
}

func (t *GrepTool) Execute(ctx context.Context, workDir string, raw json.RawMessage) (string, error) {
	var args grepArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("grep: parse args: %w", err)
	}
	if args.Pattern == "" {
		return "", fmt.Errorf("grep: pattern is required")
	}
	searchDir := workDir
	if args.Path != "" {
		searchDir = resolvePath(workDir, args.Path)
	}

	if out, ok, err := t.tryRipgrep(ctx, searchDir, args.Pattern); ok {
		return out, err
	}
	return t.fallbackGrep(searchDir, args.Pattern)
}

func (t *GrepTool) tryRipgrep(ctx context.Context, dir, pattern string) (string, bool, error) {
	lookPath := t.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath("rg"); err != nil {
		return "", false, nil
	}
	runner := t.Runner
	if runner == nil {
		runner = &ExecRunner{}
	}
	command := fmt.Sprintf("rg --line-number --no-heading -- %q .", pattern)
	stdout, _, exitCode, err := runner.Run(ctx, dir, command)
	if err != nil {
		return "", true, fmt.Errorf("grep (rg): %w", err)
	}
	if exitCode != 0 && exitCode != 1 { // 1 == no matches, not an error
		return "", true, fmt.Errorf("grep: rg exited %d", exitCode)
	}
	return stdout, true, nil
}

func (t *GrepTool) fallbackGrep(dir, pattern string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("grep: invalid pattern: %w", err)
	}

	var out strings.Builder
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer f.Close()

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if re.MatchString(scanner.Text()) {
				fmt.Fprintf(&out, "%s:%d:%s\n", rel, lineNo, scanner.Text())
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("grep: %w", err)
	}
	return out.String(), nil
}
