package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	xerrors "Transformers-Daemon/internal/errors"
	"Transformers-Daemon/internal/journal"
	"Transformers-Daemon/internal/llm"
	"Transformers-Daemon/internal/model"
)

// DirectiveRequest 描述一条交给智能体同步执行的指令。
type DirectiveRequest struct {
	ID       string         `json:"id,omitempty"`
	Action   string         `json:"action"`
	Message  string         `json:"message"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DirectiveResult 汇总一次指令执行的结果。
type DirectiveResult struct {
	Action       string `json:"action"`
	Message      string `json:"message"`
	Thought      string `json:"thought"`
	Reply        string `json:"reply"`
	Model        string `json:"model"`
	Observations string `json:"observations"`
	CreatedAt    int64  `json:"created_at"`
}

// StateProvider 提供守护进程级别的运行状态,用于意识水平计算。
type StateProvider func() (uptimeSeconds float64, cyclesCompleted int64)

// Agent 是守护进程的推理核心,协调模型推理、行为调度与指令执行。
type Agent struct {
	models      *model.Manager
	journal     journal.Repository
	seeds       *SeedCorpus
	memoryDepth int
	llmTimeout  time.Duration

	loopInterval  time.Duration
	behaviors     []Behavior
	maxPending    int
	state         StateProvider
	thoughtsMuted bool

	mu            sync.Mutex
	cycle         int64
	thoughts      []Thought
	lastThought   string
	consciousness float64
	pending       []Action
	startedAt     time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// defaultMemoryDepth 是推理时可参考的历史思考数量的默认值。
const defaultMemoryDepth = 5

// thoughtRingSize 限制内存中保留的思考条数。
const thoughtRingSize = 100

// WithMemoryDepth 设置推理时可参考的历史思考数量。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		a.memoryDepth = depth
	}
}

// WithSeedCorpus 配置种子语料库,用于在推理前补充上下文。
func WithSeedCorpus(corpus *SeedCorpus) Option {
	return func(a *Agent) {
		a.seeds = corpus
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithLoopInterval 设置自主循环的周期。
func WithLoopInterval(interval time.Duration) Option {
	return func(a *Agent) {
		if interval > 0 {
			a.loopInterval = interval
		}
	}
}

// WithBehaviors 配置自主行为列表。
func WithBehaviors(behaviors []Behavior) Option {
	return func(a *Agent) {
		a.behaviors = behaviors
	}
}

// WithMaxPendingActions 限制待处理动作队列的长度。
func WithMaxPendingActions(limit int) Option {
	return func(a *Agent) {
		if limit > 0 {
			a.maxPending = limit
		}
	}
}

// WithConsciousnessMode 控制是否在每个循环周期生成自主思考。
// 关闭后循环仍然推进行为与动作队列,只是不再产出思考。
func WithConsciousnessMode(enabled bool) Option {
	return func(a *Agent) {
		a.thoughtsMuted = !enabled
	}
}

// WithStateProvider 注入守护进程运行状态,用于意识水平计算。
func WithStateProvider(provider StateProvider) Option {
	return func(a *Agent) {
		a.state = provider
	}
}

// New 创建一个 Agent。
func New(models *model.Manager, repo journal.Repository, opts ...Option) *Agent {
	ag := &Agent{
		models:       models,
		journal:      repo,
		memoryDepth:  defaultMemoryDepth,
		loopInterval: 30 * time.Second,
		maxPending:   64,
		startedAt:    time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.memoryDepth <= 0 {
		ag.memoryDepth = defaultMemoryDepth
	}
	if ag.seeds == nil {
		ag.seeds = DefaultSeedCorpus()
	}
	return ag
}

// Execute 同步执行一条指令:加载历史与语料,调用模型,落库并返回结果。
func (a *Agent) Execute(ctx context.Context, req DirectiveRequest) (*DirectiveResult, error) {
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "指令类型不能为空")
	}
	prompt, err := a.buildDirectivePrompt(action, req.Message)
	if err != nil {
		return nil, err
	}

	historyEntries, historyObservation := a.loadHistory(ctx)
	seedCards, seedObservation := a.collectSeeds(action, req.Message)

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	modelName := ""
	if raw, ok := req.Metadata["model"]; ok {
		if name, ok := raw.(string); ok {
			modelName = name
		}
	}

	var output *llm.Response
	usedModel := ""
	if a.models != nil && a.models.Available() {
		output, err = a.models.Generate(llmCtx, prompt, model.Options{
			Model:   modelName,
			Kind:    action,
			History: historyEntries,
			Seeds:   seedCards,
		})
		if err != nil {
			if stdErrors.Is(err, context.DeadlineExceeded) {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
			}
			return nil, err
		}
		usedModel = modelName
		if usedModel == "" {
			usedModel = a.models.DefaultModel()
		}
	} else {
		// 降级模式:使用模板化回复,保证守护进程持续运作。
		output = a.fallbackResponse(action, req.Message)
	}

	observations := appendObservation(historyObservation, seedObservation)
	observations = appendObservation(observations, a.actionObservation(action))
	if strings.TrimSpace(observations) == "" {
		observations = "无附加观察"
	}

	now := time.Now().Unix()
	result := &DirectiveResult{
		Action:       action,
		Message:      req.Message,
		Thought:      output.Thought,
		Reply:        output.Reply,
		Model:        usedModel,
		Observations: observations,
		CreatedAt:    now,
	}

	if a.journal != nil {
		record := journal.Record{
			Cycle:        a.CycleCount(),
			Kind:         journal.KindDirective,
			Thought:      result.Thought,
			Reply:        result.Reply,
			Model:        result.Model,
			Action:       action,
			Observations: result.Observations,
			CreatedAt:    now,
		}
		if err := a.journal.Save(ctx, record); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存思考记录失败")
		}
	}

	return result, nil
}

// buildDirectivePrompt 按指令类型构造提示词。
func (a *Agent) buildDirectivePrompt(action, message string) (string, error) {
	switch action {
	case "interact":
		if strings.TrimSpace(message) == "" {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "交互内容不能为空")
		}
		return message, nil
	case "generate_status_report", "status_report":
		uptime, cycles := a.runtimeState()
		return fmt.Sprintf("生成状态报告:已运行 %.0f 秒,完成 %d 个心跳周期,意识水平 %.3f。",
			uptime, cycles, a.ConsciousnessLevel()), nil
	case "analyze_code_health", "code_analysis":
		base := "分析当前代码仓库的健康状况,关注提交质量与变更趋势。"
		return appendObservation(base, message), nil
	case "benchmark_models":
		loaded := 0
		if a.models != nil {
			loaded = len(a.models.Loaded())
		}
		return fmt.Sprintf("对比模型池中 %d 个已加载模型的表现,给出取舍建议。", loaded), nil
	case "record_autonomous_thoughts":
		return "总结最近的自主思考,提炼值得保留的洞察。", nil
	case "file_change_event", "git_event", "mining_update", "conversion_executed", "mining_ai_analysis":
		if strings.TrimSpace(message) == "" {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "事件指令缺少描述内容")
		}
		return message, nil
	default:
		if strings.TrimSpace(message) == "" {
			return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知指令 %s 且内容为空", action))
		}
		return message, nil
	}
}

// fallbackResponse 在推理不可用时给出模板化结果。
func (a *Agent) fallbackResponse(action, message string) *llm.Response {
	thought := pickThoughtTemplate(a.CycleCount())
	reply := fmt.Sprintf("推理后端暂不可用,已记录指令 %s。", action)
	if strings.TrimSpace(message) != "" {
		reply = fmt.Sprintf("推理后端暂不可用,已记录:%s", strings.TrimSpace(message))
	}
	return &llm.Response{Thought: thought, Reply: reply}
}

func (a *Agent) actionObservation(action string) string {
	switch action {
	case "mining_update", "conversion_executed", "mining_ai_analysis":
		return "来源: 挖矿监控"
	case "file_change_event", "git_event":
		return "来源: 事件监控"
	default:
		return ""
	}
}

// ListHistory 获取最近的思考记录。
func (a *Agent) ListHistory(ctx context.Context, limit int) ([]journal.Record, error) {
	if a.journal == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置思考日志")
	}
	records, err := a.journal.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询思考记录失败")
	}
	return records, nil
}

// appendObservation 将新的观察结果追加到现有的观察字符串中。
func appendObservation(existing, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return next
	}
	return existing + "\n" + next
}

// loadHistory 加载历史思考记录以供大模型参考。
func (a *Agent) loadHistory(ctx context.Context) ([]llm.HistoryEntry, string) {
	if a.journal == nil || a.memoryDepth <= 0 {
		return nil, ""
	}

	records, err := a.journal.ListLatest(ctx, a.memoryDepth)
	if err != nil {
		return nil, appendObservation("", fmt.Sprintf("加载历史思考失败: %v", err))
	}

	history := make([]llm.HistoryEntry, 0, len(records))
	for _, record := range records {
		history = append(history, llm.HistoryEntry{
			Prompt:       record.Thought,
			Action:       record.Action,
			Reply:        record.Reply,
			Observations: record.Observations,
			CreatedAt:    record.CreatedAt,
		})
	}
	return history, ""
}

// collectSeeds 从语料库中检索相关内容以供大模型参考。
func (a *Agent) collectSeeds(action, message string) ([]llm.SeedCard, string) {
	if a.seeds == nil {
		return nil, ""
	}

	cards := a.seeds.Query(action, message)
	if len(cards) == 0 {
		return nil, ""
	}

	titles := make([]string, 0, len(cards))
	for _, card := range cards {
		if card.Title != "" {
			titles = append(titles, card.Title)
		}
	}

	observation := ""
	if len(titles) > 0 {
		observation = fmt.Sprintf("语料提示: %s", strings.Join(titles, "；"))
	}
	return cards, observation
}

// runtimeState 返回守护进程层面的运行状态。
func (a *Agent) runtimeState() (float64, int64) {
	if a.state != nil {
		return a.state()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.startedAt).Seconds(), a.cycle
}
