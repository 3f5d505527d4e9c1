package model

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Transformers-Daemon/internal/errors"
	"Transformers-Daemon/internal/llm"
	"Transformers-Daemon/pkg/logger"
)

// Entry 描述模型池中一个已加载模型的运行时状态。
type Entry struct {
	Name       string    `json:"name"`
	Task       string    `json:"task"`
	LoadedAt   time.Time `json:"loaded_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UsageCount int64     `json:"usage_count"`
}

// Options 控制单次推理的可选参数。
type Options struct {
	Model   string
	Kind    string
	History []llm.HistoryEntry
	Seeds   []llm.SeedCard
}

// Manager 维护已加载模型的池,并把推理请求路由到底层客户端。
// 当底层客户端缺失时进入降级模式,Generate 返回统一的错误码,
// 由调用方退回到模板化的思考内容。
type Manager struct {
	mu           sync.Mutex
	client       llm.Client
	defaultModel string
	maxLoaded    int
	loaded       map[string]*Entry
}

// NewManager 创建模型管理器。client 允许为 nil,表示降级模式。
func NewManager(client llm.Client, defaultModel string, maxLoaded int) *Manager {
	if defaultModel == "" {
		defaultModel = "distilgpt2"
	}
	if maxLoaded <= 0 {
		maxLoaded = 3
	}
	return &Manager{
		client:       client,
		defaultModel: defaultModel,
		maxLoaded:    maxLoaded,
		loaded:       map[string]*Entry{},
	}
}

// Available 返回管理器是否具备真实的推理能力。
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil
}

// DefaultModel 返回默认模型名。
func (m *Manager) DefaultModel() string {
	return m.defaultModel
}

// Load 把模型登记进池中,超出 max_loaded 时按最久未用原则淘汰。
func (m *Manager) Load(name, task string) (*Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型名称为空")
	}
	if task == "" {
		task = "text-generation"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.loaded[name]; ok {
		return entry.clone(), nil
	}

	if len(m.loaded) >= m.maxLoaded {
		m.evictLocked()
	}

	now := time.Now()
	entry := &Entry{Name: name, Task: task, LoadedAt: now, LastUsedAt: now}
	m.loaded[name] = entry
	logger.Named("model").Info("模型已加载", "model", name, "task", task, "loaded", len(m.loaded))
	return entry.clone(), nil
}

// Unload 从池中移除模型。
func (m *Manager) Unload(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loaded[name]; !ok {
		return false
	}
	delete(m.loaded, name)
	logger.Named("model").Info("模型已卸载", "model", name)
	return true
}

// Info 返回单个模型的状态。
func (m *Manager) Info(name string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.loaded[name]
	if !ok {
		return nil, false
	}
	return entry.clone(), true
}

// Loaded 返回当前池中全部模型,按名称排序。
func (m *Manager) Loaded() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]Entry, 0, len(m.loaded))
	for _, entry := range m.loaded {
		entries = append(entries, *entry.clone())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Generate 通过底层客户端执行一次推理,并更新使用计数。
func (m *Manager) Generate(ctx context.Context, prompt string, opts Options) (*llm.Response, error) {
	m.mu.Lock()
	client := m.client
	name := opts.Model
	if name == "" {
		name = m.defaultModel
	}
	m.mu.Unlock()

	if client == nil {
		return nil, xerrors.New(xerrors.CodeModelLoadFailure, "推理后端不可用")
	}

	// opts.Kind 是生成指令类别而非流水线任务,按需加载时使用默认任务。
	if _, err := m.Load(name, ""); err != nil {
		return nil, err
	}

	resp, err := client.Generate(ctx, llm.Request{
		Prompt:  prompt,
		Kind:    opts.Kind,
		Model:   name,
		History: opts.History,
		Seeds:   opts.Seeds,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInferenceFailure, err, "推理请求失败")
	}

	m.mu.Lock()
	if entry, ok := m.loaded[name]; ok {
		entry.UsageCount++
		entry.LastUsedAt = time.Now()
	}
	m.mu.Unlock()

	return resp, nil
}

// evictLocked 淘汰最久未使用的模型,调用方需持有锁。
func (m *Manager) evictLocked() {
	var victim string
	var oldest time.Time
	for name, entry := range m.loaded {
		if victim == "" || entry.LastUsedAt.Before(oldest) {
			victim = name
			oldest = entry.LastUsedAt
		}
	}
	if victim != "" {
		delete(m.loaded, victim)
		logger.Named("model").Info("淘汰最久未用模型", "model", victim)
	}
}

func (e *Entry) clone() *Entry {
	copied := *e
	return &copied
}
