package monitor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"Transformers-Daemon/internal/agent"
	xerrors "Transformers-Daemon/internal/errors"
	"Transformers-Daemon/internal/task"
	"Transformers-Daemon/pkg/logger"
)

// Submitter 是监控组件投递指令所需的最小能力。
type Submitter interface {
	Submit(ctx context.Context, req agent.DirectiveRequest) (*task.Task, error)
}

// WatchPath 描述一个被监控的目录。
type WatchPath struct {
	Path      string
	Recursive bool
	Debounce  time.Duration
}

const defaultMaxReportedFiles = 10

// Watcher 基于 fsnotify 监控目录变化,事件去抖后汇总为 file_change_event 指令。
type Watcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	paths     []WatchPath
	submitter Submitter
	pending   map[string]pendingChange
	rescan    time.Duration
	flushTick time.Duration
	maxFiles  int
}

type pendingChange struct {
	root string
	at   time.Time
}

// WatcherOption 定义 Watcher 的可选配置。
type WatcherOption func(*Watcher)

// WithRescanInterval 设置周期性重新注册监控目录的间隔。
func WithRescanInterval(interval time.Duration) WatcherOption {
	return func(w *Watcher) {
		if interval > 0 {
			w.rescan = interval
		}
	}
}

// WithMaxReportedFiles 限制单条 file_change_event 指令携带的文件数。
func WithMaxReportedFiles(limit int) WatcherOption {
	return func(w *Watcher) {
		if limit > 0 {
			w.maxFiles = limit
		}
	}
}

// NewWatcher 构造文件监控器。
func NewWatcher(submitter Submitter, paths []WatchPath, opts ...WatcherOption) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMonitorFailure, err, "初始化文件监控失败")
	}
	normalized := make([]WatchPath, 0, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p.Path) == "" {
			continue
		}
		if p.Debounce <= 0 {
			p.Debounce = 500 * time.Millisecond
		}
		normalized = append(normalized, p)
	}
	w := &Watcher{
		watcher:   fsWatcher,
		paths:     normalized,
		submitter: submitter,
		pending:   make(map[string]pendingChange),
		rescan:    10 * time.Second,
		flushTick: 200 * time.Millisecond,
		maxFiles:  defaultMaxReportedFiles,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.registerAll()
	return w, nil
}

func (w *Watcher) registerAll() {
	for _, p := range w.paths {
		w.register(p)
	}
}

func (w *Watcher) register(p WatchPath) {
	if err := w.watcher.Add(p.Path); err != nil {
		// 目录可能尚未创建,rescan 周期会重试。
		logger.L().Warn("注册监控目录失败",
			slog.String("path", p.Path),
			slog.Any("error", err),
		)
		return
	}
	if !p.Recursive {
		return
	}
	_ = filepath.WalkDir(p.Path, func(sub string, entry fs.DirEntry, err error) error {
		if err != nil || !entry.IsDir() || sub == p.Path {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") {
			return filepath.SkipDir
		}
		_ = w.watcher.Add(sub)
		return nil
	})
}

// Run 阻塞运行监控循环,直到上下文取消。
func (w *Watcher) Run(ctx context.Context) error {
	flush := time.NewTicker(w.flushTick)
	defer flush.Stop()
	rescan := time.NewTicker(w.rescan)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logger.L().Error("文件监控出错", slog.Any("error", err))
		case <-rescan.C:
			w.registerAll()
		case now := <-flush.C:
			w.flushSettled(ctx, now)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	root, debounce, ok := w.lookupRoot(event.Name)
	if !ok {
		return
	}
	// 新建目录纳入递归监控。
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
			return
		}
	}
	w.mu.Lock()
	w.pending[event.Name] = pendingChange{root: root, at: time.Now().Add(debounce)}
	w.mu.Unlock()
}

func (w *Watcher) lookupRoot(name string) (string, time.Duration, bool) {
	for _, p := range w.paths {
		if name == p.Path || strings.HasPrefix(name, p.Path+string(os.PathSeparator)) {
			return p.Path, p.Debounce, true
		}
	}
	return "", 0, false
}

func (w *Watcher) flushSettled(ctx context.Context, now time.Time) {
	w.mu.Lock()
	settled := make(map[string][]string)
	for path, change := range w.pending {
		if now.Before(change.at) {
			continue
		}
		settled[change.root] = append(settled[change.root], path)
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for root, files := range settled {
		sort.Strings(files)
		if len(files) > w.maxFiles {
			files = files[:w.maxFiles]
		}
		w.emit(ctx, root, files)
	}
}

func (w *Watcher) emit(ctx context.Context, root string, files []string) {
	if w.submitter == nil || len(files) == 0 {
		return
	}
	req := agent.DirectiveRequest{
		Action:  "file_change_event",
		Message: fmt.Sprintf("检测到 %s 下 %d 个文件变化: %s", root, len(files), strings.Join(files, ", ")),
		Source:  "event_monitor",
		Metadata: map[string]any{
			"path":  root,
			"files": files,
		},
	}
	if _, err := w.submitter.Submit(ctx, req); err != nil {
		logger.L().Error("文件变化指令投递失败",
			slog.String("path", root),
			slog.Any("error", err),
		)
		return
	}
	logger.L().Info("检测到文件变化",
		slog.String("path", root),
		slog.Int("files", len(files)),
	)
}
