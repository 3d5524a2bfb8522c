// Package webhook translates inbound VCS webhook payloads into the
// internal event shapes the rest of the engine reacts to. Signature
// validation uses stdlib crypto/hmac directly: a GitHub-style
// X-Hub-Signature-256 check is exactly the narrow, correctness-critical
// primitive the standard library is built for, and nothing in the
// retrieval pack reaches for a dependency to do it.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Config configures branch-name parsing and the optional pr.approved signal.
type Config struct {
	Secret                  string
	IntegrationBranchPrefix string
	ApprovalSignalEnabled   bool
}

func (c Config) integrationPrefix() string {
	if c.IntegrationBranchPrefix == "" {
		return "integration/"
	}
	return c.IntegrationBranchPrefix
}

var issueBranchRe = regexp.MustCompile(`^issue/(\d+)`)

// Translated is one internal event produced from a webhook payload.
type Translated struct {
	EventType string
	Data      map[string]any
}

// ErrBadSignature is returned when signature verification fails.
var ErrBadSignature = fmt.Errorf("webhook: signature verification failed")

// VerifySignature checks header (the literal X-Hub-Signature-256 value,
// "sha256=<hex>") against an HMAC-SHA-256 of body keyed by secret. A
// Config with no Secret configured skips verification entirely, matching
// the spec's "validated when a secret is configured" contract.
func VerifySignature(cfg Config, body []byte, header string) error {
	if cfg.Secret == "" {
		return nil
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(cfg.Secret))
	mac.Write(body)
	got := mac.Sum(nil)
	if !hmac.Equal(want, got) {
		return ErrBadSignature
	}
	return nil
}

// issueNumber extracts the numeric suffix of an "issue/<n>" branch name, or
// 0 if branch doesn't match.
func issueNumber(branch string) int {
	m := issueBranchRe.FindStringSubmatch(branch)
	if m == nil {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(m[1], "%d", &n)
	return n
}

// pullRequestPayload covers the fields Translate needs from a
// pull_request or pull_request_review GitHub webhook event.
type pullRequestPayload struct {
	Action string `json:"action"`
	Number int    `json:"number"`
	Review struct {
		State string `json:"state"`
	} `json:"review"`
	PullRequest struct {
		Number int    `json:"number"`
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
		Head    struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Repo struct {
				FullName string `json:"full_name"`
			} `json:"repo"`
		} `json:"base"`
		MergeCommitSHA string `json:"merge_commit_sha"`
	} `json:"pull_request"`
}

type checkSuitePayload struct {
	CheckSuite struct {
		Conclusion string `json:"conclusion"`
		HeadBranch string `json:"head_branch"`
		HeadSHA    string `json:"head_sha"`
	} `json:"check_suite"`
}

// Translate converts one GitHub webhook delivery into the internal events
// it should raise. eventType is the X-GitHub-Event header value. An
// unrecognized eventType or action yields (nil, nil) — the caller responds
// 200 {status: "ignored"} rather than treating it as an error.
func Translate(cfg Config, eventType string, body []byte) ([]Translated, error) {
	switch eventType {
	case "pull_request":
		return translatePullRequest(cfg, body)
	case "pull_request_review":
		return translatePullRequestReview(cfg, body)
	case "check_suite":
		return translateCheckSuite(body)
	default:
		return nil, nil
	}
}

func translatePullRequest(cfg Config, body []byte) ([]Translated, error) {
	var p pullRequestPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("webhook: decode pull_request: %w", err)
	}

	branch := p.PullRequest.Head.Ref

	switch p.Action {
	case "opened", "synchronize":
		data := map[string]any{
			"branch":      branch,
			"prNumber":    p.PullRequest.Number,
			"pr_url":      p.PullRequest.HTMLURL,
			"projectPath": p.PullRequest.Base.Repo.FullName,
		}
		if n := issueNumber(branch); n > 0 {
			data["issueNumber"] = n
		}
		return []Translated{{EventType: "session.review_requested", Data: data}}, nil

	case "closed":
		if !p.PullRequest.Merged {
			return nil, nil
		}
		if !strings.HasPrefix(branch, cfg.integrationPrefix()) {
			return nil, nil
		}
		pipelineBranch := strings.TrimPrefix(branch, cfg.integrationPrefix())
		return []Translated{{
			EventType: "integration.pr.merged",
			Data: map[string]any{
				"branch":             pipelineBranch,
				"integration_branch": branch,
				"pipeline_branch":    pipelineBranch,
				"merge_commit_sha":   p.PullRequest.MergeCommitSHA,
				"pr_number":          p.PullRequest.Number,
				"pr_url":             p.PullRequest.HTMLURL,
			},
		}}, nil

	default:
		return nil, nil
	}
}

func translatePullRequestReview(cfg Config, body []byte) ([]Translated, error) {
	var p pullRequestPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("webhook: decode pull_request_review: %w", err)
	}

	switch p.Review.State {
	case "approved":
		events := []Translated{{
			EventType: "session.review_requested",
			Data:      map[string]any{"approved": true, "prNumber": p.PullRequest.Number},
		}}
		if cfg.ApprovalSignalEnabled {
			events = append(events, Translated{
				EventType: "pr.approved",
				Data:      map[string]any{"prNumber": p.PullRequest.Number},
			})
		}
		return events, nil
	case "changes_requested":
		return []Translated{{
			EventType: "session.changes_requested",
			Data:      map[string]any{"prNumber": p.PullRequest.Number},
		}}, nil
	default:
		return nil, nil
	}
}

func translateCheckSuite(body []byte) ([]Translated, error) {
	var p checkSuitePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("webhook: decode check_suite: %w", err)
	}

	data := map[string]any{
		"branch":     p.CheckSuite.HeadBranch,
		"sha":        p.CheckSuite.HeadSHA,
		"conclusion": p.CheckSuite.Conclusion,
	}
	if n := issueNumber(p.CheckSuite.HeadBranch); n > 0 {
		data["issueNumber"] = n
	}

	switch p.CheckSuite.Conclusion {
	case "success":
		return []Translated{{EventType: "session.ci_passed", Data: data}}, nil
	case "failure", "timed_out":
		return []Translated{{EventType: "session.ci_failed", Data: data}}, nil
	default:
		return nil, nil
	}
}
