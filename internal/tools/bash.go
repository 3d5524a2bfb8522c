package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts command execution for testability, mirroring the
// teacher's checks.CommandRunner seam exactly.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out via sh -c, honoring
// ctx cancellation/timeout.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// BashTool runs a shell command in the agent's worktree.
type BashTool struct {
	Runner CommandRunner
}

type bashArgs struct {
	Command string `json:"command"`
}

func (t *BashTool) Spec() Spec {
	return Spec{
		Name:        "bash",
		Description: "Run a shell command in the working directory and return its combined output.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "the shell command to run"},
			},
			"required": []string{"command"},
		},
	}
}

func (t *BashTool) Execute(ctx context.Context, workDir string, raw json.RawMessage) (string, error) {
	var args bashArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("bash: parse args: %w", err)
	}
	if args.Command == "" {
		return "", fmt.Errorf("bash: command is required")
	}

	stdout, stderr, exitCode, err := t.Runner.Run(ctx, workDir, args.Command)
	if err != nil {
		return "", fmt.Errorf("bash: %w", err)
	}
	result := stdout
	if stderr != "" {
		result += "\n[stderr]\n" + stderr
	}
	if exitCode != 0 {
		result += fmt.Sprintf("\n[exit code %d]", exitCode)
	}
	return result, nil
}
