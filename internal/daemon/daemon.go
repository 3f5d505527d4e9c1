package daemon

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"Transformers-Daemon/internal/agent"
	"Transformers-Daemon/internal/api"
	"Transformers-Daemon/internal/config"
	xerrors "Transformers-Daemon/internal/errors"
	"Transformers-Daemon/internal/journal"
	"Transformers-Daemon/internal/llm"
	"Transformers-Daemon/internal/llm/openai"
	"Transformers-Daemon/internal/llm/pythonbridge"
	"Transformers-Daemon/internal/mining"
	"Transformers-Daemon/internal/model"
	"Transformers-Daemon/internal/monitor"
	"Transformers-Daemon/internal/observability/alerting"
	"Transformers-Daemon/internal/schedule"
	"Transformers-Daemon/internal/task"
	"Transformers-Daemon/pkg/logger"
)

// 心跳日志与状态落盘的节拍,以心跳周期数计。
const (
	heartbeatLogEvery   = 60
	statePersistEvery   = 120
	stateFilePermission = 0o644
)

// Daemon 负责装配全部子系统并驱动守护进程的生命周期。
type Daemon struct {
	cfg *config.Config

	repo      journal.Repository
	models    *model.Manager
	agent     *agent.Agent
	store     task.Store
	queue     task.Queue
	tasks     *task.Service
	processor *task.Processor
	scheduler *schedule.Scheduler
	watcher   *monitor.Watcher
	git       *monitor.GitSampler
	miner     *mining.Monitor
	server    *api.Server

	mu        sync.RWMutex
	status    string
	startedAt time.Time
	cycles    int64
	cancel    context.CancelFunc

	now func() time.Time
}

// New 根据配置装配守护进程。构造失败时返回已包装的错误,调用方直接退出即可。
func New(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化日志失败")
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败")
	}

	d := &Daemon{cfg: cfg, status: "initializing", now: time.Now}

	repo, err := buildJournal(cfg)
	if err != nil {
		return nil, err
	}
	d.repo = repo

	d.models = model.NewManager(buildLLMClient(cfg), cfg.Models.DefaultModel, cfg.Models.MaxLoaded)
	for _, entry := range cfg.Models.Pool {
		if !entry.AutoLoad {
			continue
		}
		if _, err := d.models.Load(entry.Name, entry.Task); err != nil {
			logger.L().Warn("自动加载模型失败",
				slog.String("model", entry.Name),
				slog.String("error", err.Error()))
		}
	}

	agentOpts := []agent.Option{
		agent.WithLoopInterval(time.Duration(cfg.Agent.LoopIntervalSeconds) * time.Second),
		agent.WithMaxPendingActions(cfg.Agent.MaxPendingActions),
		agent.WithConsciousnessMode(cfg.Agent.ConsciousnessEnabled()),
		agent.WithMemoryDepth(cfg.Agent.MemoryDepth),
		agent.WithStateProvider(d.runtimeState),
	}
	if behaviors := buildBehaviors(cfg.Agent.Behaviors); len(behaviors) > 0 {
		agentOpts = append(agentOpts, agent.WithBehaviors(behaviors))
	}
	if cfg.Agent.SeedCorpusPath != "" {
		corpus, err := agent.LoadSeedCorpus(cfg.Agent.SeedCorpusPath, 0)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载种子语料失败")
		}
		agentOpts = append(agentOpts, agent.WithSeedCorpus(corpus))
	}
	if cfg.Models.Provider == "openai" {
		agentOpts = append(agentOpts, agent.WithLLMTimeout(time.Duration(cfg.Models.OpenAI.TimeoutSeconds)*time.Second))
	}
	d.agent = agent.New(d.models, repo, agentOpts...)

	store, err := buildTaskStore(cfg)
	if err != nil {
		return nil, err
	}
	d.store = store

	queue, err := buildTaskQueue(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	d.queue = queue

	alerter := buildAlerter(cfg)

	d.tasks = task.NewService(store, queue, cfg.Pipeline.Store.MaxRetries)
	d.processor = task.NewProcessor(d.agent, store, queue, queue,
		task.WithWorkerCount(cfg.Pipeline.Workers),
		task.WithRecoveryHandler(&fallbackRecovery{}),
		task.WithAlertDispatcher(alerter),
	)

	if cfg.Scheduler.Enabled {
		jobs := make([]schedule.Job, 0, len(cfg.Scheduler.Tasks))
		for _, t := range cfg.Scheduler.Tasks {
			jobs = append(jobs, schedule.Job{Name: t.Name, Schedule: t.Schedule, Action: t.Action})
		}
		d.scheduler = schedule.New(d.tasks, jobs)
	}

	if cfg.Monitor.Enabled && len(cfg.Monitor.WatchPaths) > 0 {
		paths := make([]monitor.WatchPath, 0, len(cfg.Monitor.WatchPaths))
		for _, p := range cfg.Monitor.WatchPaths {
			paths = append(paths, monitor.WatchPath{
				Path:      p.Path,
				Recursive: p.Recursive,
				Debounce:  time.Duration(p.DebounceMS) * time.Millisecond,
			})
		}
		watcher, err := monitor.NewWatcher(d.tasks, paths,
			monitor.WithRescanInterval(time.Duration(cfg.Monitor.RescanSeconds)*time.Second),
			monitor.WithMaxReportedFiles(cfg.Monitor.MaxPathsPerChange),
		)
		if err != nil {
			// 文件监控失败不致命,守护进程降级为无文件事件运行。
			logger.L().Warn("初始化文件监控失败", slog.String("error", err.Error()))
		} else {
			d.watcher = watcher
		}
	}
	if cfg.Monitor.Enabled && cfg.Monitor.Git.Enabled {
		repoPath := cfg.Monitor.Git.RepoPath
		if repoPath == "" {
			repoPath = "."
		}
		d.git = monitor.NewGitSampler(d.tasks, repoPath, time.Duration(cfg.Monitor.Git.IntervalSeconds)*time.Second)
	}

	if cfg.Mining.Enabled {
		exchange := mining.NewExchangeClient(cfg.Mining.Exchange.APIKey, cfg.Mining.Exchange.SecretKey, cfg.Mining.Exchange.BaseURL)
		d.miner = mining.NewMonitor(cfg.Mining, d.tasks, exchange, mining.WithAlertDispatcher(alerter))
	}

	if cfg.API.Enabled {
		d.server = api.NewServer(cfg.API.Address, cfg.API.AuthToken, cfg.API.ShutdownGraceSeconds, api.Dependencies{
			Name:     cfg.Daemon.Name,
			Status:   d.Status,
			Agent:    d.agent,
			Models:   d.models,
			Tasks:    d.tasks,
			Shutdown: d.Shutdown,
		})
	}

	return d, nil
}

// Run 启动全部子系统并阻塞运行,直到上下文取消或 Shutdown 被调用。
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.status = "running"
	d.startedAt = d.now()
	d.mu.Unlock()
	defer cancel()

	logger.L().Info("守护进程启动",
		slog.String("name", d.cfg.Daemon.Name),
		slog.String("api_address", d.cfg.API.Address),
		slog.Bool("agent_enabled", d.cfg.Agent.Enabled),
		slog.Bool("mining_enabled", d.cfg.Mining.Enabled))

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
				logger.L().Error("子系统退出", slog.String("component", name), slog.String("error", err.Error()))
			}
		}()
	}

	start("task_processor", d.processor.Start)
	if d.cfg.Agent.Enabled {
		start("agent_loop", d.agent.Run)
	}
	if d.scheduler != nil {
		start("scheduler", d.scheduler.Run)
	}
	if d.watcher != nil {
		start("file_watcher", d.watcher.Run)
	}
	if d.git != nil {
		start("git_sampler", d.git.Run)
	}
	if d.miner != nil {
		start("mining_monitor", d.miner.Run)
	}
	if d.server != nil {
		start("api_server", d.server.Start)
	}

	d.heartbeat(ctx)

	d.mu.Lock()
	d.status = "shutdown"
	d.mu.Unlock()
	if err := d.saveState(); err != nil {
		logger.L().Warn("关闭时保存状态失败", slog.String("error", err.Error()))
	}

	wg.Wait()
	if err := d.tasks.Close(); err != nil {
		logger.L().Warn("关闭指令流水线失败", slog.String("error", err.Error()))
	}
	if closer, ok := d.repo.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.L().Warn("关闭思考日志失败", slog.String("error", err.Error()))
		}
	}
	logger.L().Info("守护进程已退出", slog.Int64("cycles_completed", d.CycleCount()))
	_ = logger.Sync()
	return nil
}

// heartbeat 按固定间隔推进守护进程的心跳周期,周期性记录日志并落盘状态。
func (d *Daemon) heartbeat(ctx context.Context) {
	interval := time.Duration(d.cfg.Daemon.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycles := d.nextCycle()
			if cycles%heartbeatLogEvery == 0 {
				logger.L().Info("心跳",
					slog.String("uptime", d.uptime().Truncate(time.Second).String()),
					slog.Int64("cycles_completed", cycles),
					slog.String("last_thought", d.agent.LastThought()))
			}
			if cycles%statePersistEvery == 0 {
				if err := d.saveState(); err != nil {
					logger.L().Warn("保存状态失败", slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (d *Daemon) nextCycle() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cycles++
	return d.cycles
}

// CycleCount 返回已完成的心跳周期数。
func (d *Daemon) CycleCount() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cycles
}

func (d *Daemon) uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.startedAt.IsZero() {
		return 0
	}
	return d.now().Sub(d.startedAt)
}

// runtimeState 供自主循环计算意识水平。
func (d *Daemon) runtimeState() (float64, int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	uptime := 0.0
	if !d.startedAt.IsZero() {
		uptime = d.now().Sub(d.startedAt).Seconds()
	}
	return uptime, d.cycles
}

// Shutdown 请求守护进程退出,幂等。
func (d *Daemon) Shutdown() {
	d.mu.RLock()
	cancel := d.cancel
	d.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Status 汇总守护进程当前的运行状态,供 API 与状态落盘复用。
func (d *Daemon) Status() map[string]any {
	d.mu.RLock()
	status := d.status
	cycles := d.cycles
	started := d.startedAt
	d.mu.RUnlock()

	uptime := 0.0
	if !started.IsZero() {
		uptime = d.now().Sub(started).Seconds()
	}

	payload := map[string]any{
		"status":              status,
		"uptime":              uptime,
		"cycles_completed":    cycles,
		"last_thought":        d.agent.LastThought(),
		"consciousness_level": d.agent.ConsciousnessLevel(),
		"config": map[string]any{
			"name":                       d.cfg.Daemon.Name,
			"heartbeat_interval_seconds": d.cfg.Daemon.HeartbeatIntervalSeconds,
			"default_model":              d.cfg.Models.DefaultModel,
		},
		"components": map[string]any{
			"agent_loop":     d.cfg.Agent.Enabled,
			"task_scheduler": d.scheduler != nil,
			"event_monitor":  d.watcher != nil || d.git != nil,
			"api_server":     d.server != nil,
			"model_manager":  d.models.Available(),
			"task_pipeline":  true,
			"bitcoin_mining": d.miner != nil,
		},
	}
	if d.miner != nil {
		payload["bitcoin_mining"] = d.miner.Stats()
	}
	return payload
}

// saveState 将当前状态以 JSON 形式写入状态文件。
func (d *Daemon) saveState() error {
	state := d.Status()
	state["saved_at"] = d.now().Unix()
	delete(state, "bitcoin_mining")

	content, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化守护进程状态失败")
	}
	path := d.cfg.Storage.StateFile
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建状态目录失败")
	}
	if err := os.WriteFile(path, content, stateFilePermission); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入状态文件失败")
	}
	return nil
}

// buildJournal 根据配置选择思考日志的存储后端。
func buildJournal(cfg *config.Config) (journal.Repository, error) {
	switch cfg.Storage.Journal.Driver {
	case "", "memory":
		return journal.NewMemoryRepository(cfg.Storage.DataDir, cfg.Storage.Journal.MaxEntries)
	case "mysql":
		return journal.NewSQLRepository(cfg.Storage.Journal.DSN)
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("未知的思考日志驱动: %s", cfg.Storage.Journal.Driver))
	}
}

// buildLLMClient 构造推理客户端。凭据缺失时返回 nil,模型管理器将以降级模式运行。
func buildLLMClient(cfg *config.Config) llm.Client {
	switch cfg.Models.Provider {
	case "", "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.Models.Python.WorkingDir, cfg.Models.Python.ScriptPath)
		client, err := pythonbridge.NewClient(cfg.Models.Python.PythonExecutable, scriptPath, cfg.Models.Python.WorkingDir)
		if err != nil {
			logger.L().Warn("Python 推理桥不可用,进入降级模式", slog.String("error", err.Error()))
			return nil
		}
		return client
	case "openai":
		apiKey := strings.TrimSpace(cfg.Models.OpenAI.APIKey)
		if apiKey == "" {
			logger.L().Warn("未配置 OpenAI 凭据,进入降级模式")
			return nil
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Models.OpenAI.BaseURL,
			Model:   cfg.Models.OpenAI.Model,
			Timeout: time.Duration(cfg.Models.OpenAI.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			logger.L().Warn("初始化 OpenAI 客户端失败,进入降级模式", slog.String("error", err.Error()))
			return nil
		}
		return client
	default:
		logger.L().Warn("未知的推理 provider,进入降级模式", slog.String("provider", cfg.Models.Provider))
		return nil
	}
}

func buildTaskStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Pipeline.Store.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(cfg.Pipeline.Store.DSN)
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("未知的指令存储驱动: %s", cfg.Pipeline.Store.Driver))
	}
}

func buildTaskQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.Pipeline.Queue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Pipeline.Queue.Redis.Address,
			Password:  cfg.Pipeline.Queue.Redis.Password,
			DB:        cfg.Pipeline.Queue.Redis.DB,
			Queue:     cfg.Pipeline.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Pipeline.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.Pipeline.Queue.RabbitMQ.URL,
			Queue:      cfg.Pipeline.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Pipeline.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Pipeline.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Pipeline.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("未知的指令队列驱动: %s", cfg.Pipeline.Queue.Driver))
	}
}

// buildAlerter 构造告警分发器,未配置任何渠道时返回空的 Fanout。
func buildAlerter(cfg *config.Config) alerting.Dispatcher {
	if cfg.Alerting.WebhookURL == "" {
		return alerting.NewFanout()
	}
	return alerting.NewFanout(&alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
}

// buildBehaviors 将配置中启用的行为转换为自主循环的行为列表。
func buildBehaviors(entries []config.BehaviorConfig) []agent.Behavior {
	behaviors := make([]agent.Behavior, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "" || !entry.BehaviorEnabled() {
			continue
		}
		behaviors = append(behaviors, agent.Behavior{
			Name:     entry.Name,
			Interval: time.Duration(entry.IntervalSeconds) * time.Second,
		})
	}
	return behaviors
}

// fallbackRecovery 在指令不可重试失败时产出降级结果,保证外部调用方总能拿到回复。
type fallbackRecovery struct{}

func (fallbackRecovery) Recover(_ context.Context, t *task.Task, cause error) (*task.ExecutionResult, error) {
	return &task.ExecutionResult{
		Thought: fmt.Sprintf("directive %s could not be completed normally: %v", t.Action, cause),
		Reply:   "I hit a problem while processing this autonomously, and recorded a degraded response instead.",
		Model:   "fallback",
	}, nil
}

var _ task.RecoveryHandler = fallbackRecovery{}
