package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// BrowserDriver abstracts a headless-browser session. No concrete
// implementation is wired: nothing in the retrieval pack depends on a
// headless-browser package, so BrowserTool only ships with this interface
// plus a recording fake for tests — a real driver (chromedp or similar) can
// be plugged in by whoever deploys this without a wire change.
type BrowserDriver interface {
	Navigate(ctx context.Context, url string) (string, error)
}

// BrowserTool is enabled only when an agent role declares it and an app URL
// has been published for the pipeline run (it has nothing useful to
// navigate to otherwise).
type BrowserTool struct {
	Driver BrowserDriver
}

type browserArgs struct {
	URL string `json:"url"`
}

func (t *BrowserTool) Spec() Spec {
	return Spec{
		Name:        "browser",
		Description: "Navigate a headless browser to a URL and return a text snapshot of the page.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
			"required": []string{"url"},
		},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, workDir string, raw json.RawMessage) (string, error) {
	var args browserArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("browser: parse args: %w", err)
	}
	if args.URL == "" {
		return "", fmt.Errorf("browser: url is required")
	}
	if t.Driver == nil {
		return "", fmt.Errorf("browser: no driver configured")
	}
	return t.Driver.Navigate(ctx, args.URL)
}
