package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"Transformers-Daemon/internal/agent"
	"Transformers-Daemon/pkg/logger"
)

// GitSampler 周期性采样 git 仓库状态,在 HEAD 变化时生成提交分析并投递 git_event 指令。
type GitSampler struct {
	repoPath  string
	interval  time.Duration
	submitter Submitter

	lastBranch  string
	lastHead    string
	commitTimes []time.Time
	fileChanges map[string]int

	runGit func(ctx context.Context, args ...string) (string, error)
	now    func() time.Time
}

// CommitAnalysis 描述一次提交的分类结果。
type CommitAnalysis struct {
	Hash           string
	Author         string
	CommitType     string
	MessageQuality string
	FilesChanged   int
}

// NewGitSampler 构造 git 采样器。
func NewGitSampler(submitter Submitter, repoPath string, interval time.Duration) *GitSampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &GitSampler{
		repoPath:    repoPath,
		interval:    interval,
		submitter:   submitter,
		fileChanges: make(map[string]int),
		now:         time.Now,
	}
	s.runGit = s.execGit
	return s
}

// Run 阻塞运行采样循环,直到上下文取消。
func (s *GitSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *GitSampler) sample(ctx context.Context) {
	branch, err := s.runGit(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		logger.L().Debug("采样 git 分支失败", slog.Any("error", err))
		return
	}
	head, err := s.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		logger.L().Debug("采样 git HEAD 失败", slog.Any("error", err))
		return
	}

	branchChanged := s.lastBranch != "" && branch != s.lastBranch
	headChanged := s.lastHead != "" && head != s.lastHead

	if branchChanged || headChanged {
		s.emitEvent(ctx, branch, head, branchChanged, headChanged)
	}

	s.lastBranch = branch
	s.lastHead = head
}

func (s *GitSampler) emitEvent(ctx context.Context, branch, head string, branchChanged, headChanged bool) {
	metadata := map[string]any{
		"branch": branch,
		"head":   shortHash(head),
	}
	var parts []string

	if branchChanged {
		significance := "NORMAL"
		if branch == "main" || branch == "master" {
			significance = "HIGH"
		}
		metadata["branch_switch"] = map[string]any{
			"from":         s.lastBranch,
			"to":           branch,
			"significance": significance,
		}
		parts = append(parts, fmt.Sprintf("分支切换 %s -> %s", s.lastBranch, branch))
	}

	if headChanged {
		analysis := s.analyzeCommit(ctx, head)
		metadata["commit"] = map[string]any{
			"hash":            analysis.Hash,
			"author":          analysis.Author,
			"type":            analysis.CommitType,
			"message_quality": analysis.MessageQuality,
			"files_changed":   analysis.FilesChanged,
		}
		metadata["velocity"] = s.analyzeVelocity()
		metadata["hotspots"] = s.hotspots()
		metadata["conflict_risk"] = s.conflictRisk()
		parts = append(parts, fmt.Sprintf("新提交 %s (%s, %s)", analysis.Hash, analysis.CommitType, analysis.MessageQuality))
	}

	if s.submitter == nil {
		return
	}
	req := agent.DirectiveRequest{
		Action:   "git_event",
		Message:  strings.Join(parts, "; "),
		Source:   "git_watcher",
		Metadata: metadata,
	}
	if _, err := s.submitter.Submit(ctx, req); err != nil {
		logger.L().Error("git 指令投递失败", slog.Any("error", err))
		return
	}
	logger.L().Info("git 状态变化",
		slog.String("branch", branch),
		slog.String("head", shortHash(head)),
		slog.Bool("head_changed", headChanged),
	)
}

func (s *GitSampler) analyzeCommit(ctx context.Context, head string) CommitAnalysis {
	analysis := CommitAnalysis{Hash: shortHash(head)}

	message, err := s.runGit(ctx, "log", "-1", "--pretty=%B", head)
	if err == nil {
		analysis.CommitType = classifyCommit(message)
		analysis.MessageQuality = messageQuality(message)
	} else {
		analysis.CommitType = "UNKNOWN"
		analysis.MessageQuality = "POOR"
	}
	if author, err := s.runGit(ctx, "log", "-1", "--pretty=%an", head); err == nil {
		analysis.Author = author
	}
	if changed, err := s.runGit(ctx, "diff-tree", "--no-commit-id", "--name-only", "-r", head); err == nil && changed != "" {
		files := strings.Split(changed, "\n")
		analysis.FilesChanged = len(files)
		for _, file := range files {
			if file = strings.TrimSpace(file); file != "" {
				s.fileChanges[file]++
			}
		}
	}
	return analysis
}

func (s *GitSampler) analyzeVelocity() map[string]any {
	s.commitTimes = append(s.commitTimes, s.now())
	if len(s.commitTimes) > 10 {
		s.commitTimes = s.commitTimes[len(s.commitTimes)-10:]
	}
	if len(s.commitTimes) < 2 {
		return map[string]any{"status": "INSUFFICIENT_DATA"}
	}

	var total time.Duration
	for i := 1; i < len(s.commitTimes); i++ {
		total += s.commitTimes[i].Sub(s.commitTimes[i-1])
	}
	avg := total / time.Duration(len(s.commitTimes)-1)

	velocity := "LOW"
	switch {
	case avg < 5*time.Minute:
		velocity = "VERY_HIGH"
	case avg < 30*time.Minute:
		velocity = "HIGH"
	case avg < time.Hour:
		velocity = "MODERATE"
	}
	return map[string]any{
		"status":                      "ACTIVE",
		"velocity":                    velocity,
		"avg_commit_interval_seconds": avg.Seconds(),
		"recent_commits":              len(s.commitTimes),
	}
}

func (s *GitSampler) hotspots() []map[string]any {
	type entry struct {
		file  string
		count int
	}
	entries := make([]entry, 0, len(s.fileChanges))
	for file, count := range s.fileChanges {
		entries = append(entries, entry{file: file, count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count == entries[j].count {
			return entries[i].file < entries[j].file
		}
		return entries[i].count > entries[j].count
	})
	if len(entries) > 5 {
		entries = entries[:5]
	}
	result := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		result = append(result, map[string]any{"file": e.file, "changes": e.count})
	}
	return result
}

func (s *GitSampler) conflictRisk() string {
	if len(s.fileChanges) == 0 {
		return "LOW"
	}
	for _, count := range s.fileChanges {
		if count > 5 {
			return "HIGH"
		}
	}
	if len(s.fileChanges) > 10 {
		return "MEDIUM"
	}
	return "LOW"
}

func (s *GitSampler) execGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", s.repoPath}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func shortHash(head string) string {
	if len(head) > 8 {
		return head[:8]
	}
	return head
}

func classifyCommit(message string) string {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "fix", "bug", "patch"):
		return "BUGFIX"
	case containsAny(lower, "feature", "add", "implement"):
		return "FEATURE"
	case containsAny(lower, "refactor", "cleanup", "optimize"):
		return "REFACTOR"
	case containsAny(lower, "doc", "readme", "comment"):
		return "DOCUMENTATION"
	case containsAny(lower, "test", "spec"):
		return "TEST"
	default:
		return "OTHER"
	}
}

func messageQuality(message string) string {
	message = strings.TrimSpace(message)
	switch {
	case len(message) < 10:
		return "POOR"
	case len(message) < 30:
		return "FAIR"
	case containsAny(strings.ToLower(message), "fix", "add", "update", "refactor", "implement"):
		return "GOOD"
	case len(message) > 50 && strings.Contains(message, "\n"):
		return "EXCELLENT"
	default:
		return "FAIR"
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
