package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"Transformers-Daemon/internal/agent"
	"Transformers-Daemon/internal/task"
)

type captureSubmitter struct {
	requests []agent.DirectiveRequest
}

func (c *captureSubmitter) Submit(_ context.Context, req agent.DirectiveRequest) (*task.Task, error) {
	c.requests = append(c.requests, req)
	return &task.Task{ID: "stub", Action: req.Action}, nil
}

func TestClassifyCommit(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"fix: nil pointer in watcher": "BUGFIX",
		"add retry support":           "FEATURE",
		"refactor queue internals":    "REFACTOR",
		"update readme":               "DOCUMENTATION",
		"chore: bump deps":            "OTHER",
	}
	for message, want := range cases {
		if got := classifyCommit(message); got != want {
			t.Errorf("classifyCommit(%q) = %s, want %s", message, got, want)
		}
	}
}

func TestMessageQuality(t *testing.T) {
	t.Parallel()

	if got := messageQuality("wip"); got != "POOR" {
		t.Fatalf("short message quality = %s", got)
	}
	if got := messageQuality("small tweak to docs"); got != "FAIR" {
		t.Fatalf("medium message quality = %s", got)
	}
	if got := messageQuality("fix the race between claim and publish paths"); got != "GOOD" {
		t.Fatalf("keyword message quality = %s", got)
	}
}

func TestGitSamplerEmitsOnHeadChange(t *testing.T) {
	t.Parallel()

	submitter := &captureSubmitter{}
	sampler := NewGitSampler(submitter, "/tmp/repo", time.Second)

	head := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	sampler.runGit = func(_ context.Context, args ...string) (string, error) {
		switch args[0] {
		case "rev-parse":
			if args[1] == "--abbrev-ref" {
				return "main", nil
			}
			return head, nil
		case "log":
			if args[2] == "--pretty=%B" {
				return "fix: stale watcher registration", nil
			}
			return "dev", nil
		case "diff-tree":
			return "internal/monitor/watcher.go\ninternal/monitor/git.go", nil
		}
		return "", errors.New("unexpected git call")
	}

	ctx := context.Background()
	sampler.sample(ctx)
	if len(submitter.requests) != 0 {
		t.Fatalf("首次采样不应触发指令: %+v", submitter.requests)
	}

	head = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	sampler.sample(ctx)
	if len(submitter.requests) != 1 {
		t.Fatalf("expected one git_event, got %d", len(submitter.requests))
	}
	req := submitter.requests[0]
	if req.Action != "git_event" || req.Source != "git_watcher" {
		t.Fatalf("unexpected request: %+v", req)
	}
	commit, ok := req.Metadata["commit"].(map[string]any)
	if !ok {
		t.Fatalf("missing commit metadata: %+v", req.Metadata)
	}
	if commit["type"] != "BUGFIX" || commit["hash"] != "bbbbbbbb" {
		t.Fatalf("unexpected commit analysis: %+v", commit)
	}
	if commit["files_changed"] != 2 {
		t.Fatalf("unexpected files_changed: %v", commit["files_changed"])
	}
}

func TestConflictRiskHeuristic(t *testing.T) {
	t.Parallel()

	sampler := NewGitSampler(nil, "/tmp/repo", time.Second)
	if got := sampler.conflictRisk(); got != "LOW" {
		t.Fatalf("empty risk = %s", got)
	}
	for i := 0; i < 11; i++ {
		sampler.fileChanges[string(rune('a'+i))] = 1
	}
	if got := sampler.conflictRisk(); got != "MEDIUM" {
		t.Fatalf("spread risk = %s", got)
	}
	sampler.fileChanges["hot.go"] = 6
	if got := sampler.conflictRisk(); got != "HIGH" {
		t.Fatalf("hotspot risk = %s", got)
	}
}
