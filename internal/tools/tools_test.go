package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type fakeRunner struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	lastDir  string
	lastCmd  string
}

func (f *fakeRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	f.lastDir = dir
	f.lastCmd = command
	return f.stdout, f.stderr, f.exitCode, f.err
}

func TestBashTool_Execute(t *testing.T) {
	runner := &fakeRunner{stdout: "hello\n"}
	tool := &BashTool{Runner: runner}

	out, err := tool.Execute(context.Background(), "/work", json.RawMessage(`{"command":"echo hello"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("out = %q, want %q", out, "hello\n")
	}
	if runner.lastDir != "/work" {
		t.Errorf("lastDir = %q, want /work", runner.lastDir)
	}
}

func TestBashTool_RequiresCommand(t *testing.T) {
	tool := &BashTool{Runner: &fakeRunner{}}
	if _, err := tool.Execute(context.Background(), "/work", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestReadTool_WholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("line1\nline2\nline3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := &ReadTool{}
	out, err := tool.Execute(context.Background(), dir, json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "line1\nline2\nline3\n" {
		t.Errorf("out = %q", out)
	}
}

func TestReadTool_OffsetLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("l1\nl2\nl3\nl4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := &ReadTool{}
	out, err := tool.Execute(context.Background(), dir, json.RawMessage(`{"path":"a.txt","offset":2,"limit":2}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "l2\nl3\n" {
		t.Errorf("out = %q, want %q", out, "l2\nl3\n")
	}
}

func TestEditTool_SingleMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	if err := os.WriteFile(path, []byte("package a\n\nfunc old() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := &EditTool{}
	_, err := tool.Execute(context.Background(), dir, json.RawMessage(`{"path":"a.go","old_string":"old","new_string":"new"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "package a\n\nfunc new() {}\n" {
		t.Errorf("file content = %q", data)
	}
}

func TestEditTool_AmbiguousMatchRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	if err := os.WriteFile(path, []byte("foo\nfoo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := &EditTool{}
	_, err := tool.Execute(context.Background(), dir, json.RawMessage(`{"path":"a.go","old_string":"foo","new_string":"bar"}`))
	if err == nil {
		t.Fatal("expected error for ambiguous match without replace_all")
	}
}

func TestEditTool_ReplaceAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	if err := os.WriteFile(path, []byte("foo\nfoo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := &EditTool{}
	_, err := tool.Execute(context.Background(), dir, json.RawMessage(`{"path":"a.go","old_string":"foo","new_string":"bar","replace_all":true}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "bar\nbar\n" {
		t.Errorf("file content = %q", data)
	}
}

func TestGlobTool_RecursivePattern(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.go"), "")
	mustWrite(t, filepath.Join(dir, "sub", "b.go"), "")
	mustWrite(t, filepath.Join(dir, "sub", "c.txt"), "")

	tool := &GlobTool{}
	out, err := tool.Execute(context.Background(), dir, json.RawMessage(`{"pattern":"**/*.go"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "a.go\nsub/b.go" {
		t.Errorf("out = %q, want %q", out, "a.go\nsub/b.go")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGrepTool_FallbackWhenNoRipgrep(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.go"), "func Foo() {}\nfunc Bar() {}\n")

	tool := &GrepTool{LookPath: func(string) (string, error) {
		return "", os.ErrNotExist
	}}
	out, err := tool.Execute(context.Background(), dir, json.RawMessage(`{"pattern":"func Foo"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "a.go:1:func Foo() {}\n" {
		t.Errorf("out = %q", out)
	}
}

func TestGrepTool_InvalidPattern(t *testing.T) {
	dir := t.TempDir()
	tool := &GrepTool{LookPath: func(string) (string, error) { return "", os.ErrNotExist }}
	if _, err := tool.Execute(context.Background(), dir, json.RawMessage(`{"pattern":"(unclosed"}`)); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestRegistry_DispatchUnknownTool(t *testing.T) {
	r := NewRegistry(&ReadTool{})
	if _, err := r.Dispatch(context.Background(), "/work", "bash", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error dispatching a tool not in the registry")
	}
}

func TestRegistry_Specs(t *testing.T) {
	r := NewRegistry(&ReadTool{}, &EditTool{})
	specs := r.Specs()
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0].Name != "read" || specs[1].Name != "edit" {
		t.Errorf("specs = %+v, want read then edit", specs)
	}
}

type recordingDriver struct {
	lastURL string
}

func (d *recordingDriver) Navigate(ctx context.Context, url string) (string, error) {
	d.lastURL = url
	return "<html>ok</html>", nil
}

func TestBrowserTool_Execute(t *testing.T) {
	driver := &recordingDriver{}
	tool := &BrowserTool{Driver: driver}
	out, err := tool.Execute(context.Background(), "/work", json.RawMessage(`{"url":"http://localhost:3000"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "<html>ok</html>" {
		t.Errorf("out = %q", out)
	}
	if driver.lastURL != "http://localhost:3000" {
		t.Errorf("lastURL = %q", driver.lastURL)
	}
}

func TestBrowserTool_NoDriverConfigured(t *testing.T) {
	tool := &BrowserTool{}
	if _, err := tool.Execute(context.Background(), "/work", json.RawMessage(`{"url":"http://x"}`)); err == nil {
		t.Fatal("expected error with no driver configured")
	}
}
