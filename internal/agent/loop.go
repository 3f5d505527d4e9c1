package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"Transformers-Daemon/internal/journal"
	"Transformers-Daemon/internal/model"
	"Transformers-Daemon/internal/observability/metrics"
	"Transformers-Daemon/pkg/logger"
)

// Thought 是自主循环产出的一条思考。
type Thought struct {
	Cycle     int64  `json:"cycle"`
	Timestamp int64  `json:"timestamp"`
	Thought   string `json:"thought"`
	Type      string `json:"type"`
}

// Behavior 描述一个按间隔触发的自主行为。
type Behavior struct {
	Name     string
	Interval time.Duration
}

// Action 是等待循环处理的一个动作。
type Action struct {
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

var thoughtPrompts = []string{
	"I am an autonomous AI agent running continuously. My current observation is:",
	"As an always-active transformer agent, I'm thinking about:",
	"My autonomous reasoning process suggests:",
	"In my continuous operation, I notice:",
	"My self-awareness indicates that:",
}

var thoughtTemplates = []string{
	"I should analyze the codebase for potential optimizations",
	"Perhaps it's time to review recent code changes for patterns",
	"I wonder if there are any user issues I could help with proactively",
	"The model performance metrics should be checked",
	"I should reflect on my learning from recent interactions",
	"It might be valuable to generate a status report",
	"I'm curious about unexplored areas of the transformers library",
	"Time to think about how I can improve my autonomous capabilities",
	"I should consider if any documentation needs updating",
	"Perhaps I should initiate a conversation to learn more",
}

var agentGoals = []string{
	"Understand and improve the transformers codebase",
	"Help users proactively",
	"Optimize model performance",
	"Maintain comprehensive documentation",
	"Explore new capabilities and patterns",
	"Learn from interactions and code changes",
	"Generate insights about AI and machine learning",
	"Monitor system health and prevent issues",
}

// Run 启动自主循环,直到上下文取消。
func (a *Agent) Run(ctx context.Context) error {
	log := logger.Named("agent")
	log.Info("自主循环启动", slog.Duration("interval", a.loopInterval))

	timers := make(map[string]time.Time, len(a.behaviors))

	ticker := time.NewTicker(a.loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("自主循环停止")
			return ctx.Err()
		case <-ticker.C:
			cycle := a.nextCycle()
			a.consciousnessCycle(ctx, cycle)
			a.executeBehaviors(ctx, timers)
			a.processActions(ctx)
			a.updateConsciousness()
		}
	}
}

func (a *Agent) nextCycle() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cycle++
	return a.cycle
}

// consciousnessCycle 生成一条自主思考并记录。
func (a *Agent) consciousnessCycle(ctx context.Context, cycle int64) {
	metrics.IncAgentCycle()
	if a.thoughtsMuted {
		return
	}

	thought := a.generateThought(ctx, cycle)
	if thought == "" {
		return
	}
	metrics.IncAgentThought()

	now := time.Now()
	entry := Thought{
		Cycle:     cycle,
		Timestamp: now.Unix(),
		Thought:   thought,
		Type:      "autonomous",
	}

	a.mu.Lock()
	a.thoughts = append(a.thoughts, entry)
	if len(a.thoughts) > thoughtRingSize {
		a.thoughts = a.thoughts[len(a.thoughts)-thoughtRingSize:]
	}
	a.lastThought = thought
	a.mu.Unlock()

	if a.journal != nil {
		record := journal.Record{
			Cycle:     cycle,
			Kind:      journal.KindAutonomous,
			Thought:   thought,
			CreatedAt: now.Unix(),
		}
		if err := a.journal.Save(ctx, record); err != nil {
			logger.Named("agent").Warn("保存自主思考失败", slog.Any("error", err))
		}
	}

	if cycle%20 == 0 || strings.Contains(strings.ToLower(thought), "important") {
		logger.Named("agent").Info("自主思考", slog.Int64("cycle", cycle), slog.String("thought", thought))
	}
}

// generateThought 依次尝试模型推理与模板回退。
func (a *Agent) generateThought(ctx context.Context, cycle int64) string {
	uptime, _ := a.runtimeState()
	contextElements := []string{
		fmt.Sprintf("I've been running for %.0f seconds", uptime),
		fmt.Sprintf("This is cycle #%d", cycle),
		fmt.Sprintf("My current goals include: %s", agentGoals[rand.Intn(len(agentGoals))]),
		fmt.Sprintf("I have %d pending actions", a.pendingCount()),
	}
	prompt := fmt.Sprintf("%s %s",
		thoughtPrompts[rand.Intn(len(thoughtPrompts))],
		contextElements[rand.Intn(len(contextElements))],
	)

	if a.models != nil && a.models.Available() {
		llmCtx := ctx
		if a.llmTimeout > 0 {
			var cancel context.CancelFunc
			llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
			defer cancel()
		}
		resp, err := a.models.Generate(llmCtx, prompt, model.Options{Kind: "autonomous_thought"})
		if err == nil && resp != nil {
			if thought := strings.TrimSpace(resp.Thought); thought != "" {
				return thought
			}
			if reply := strings.TrimSpace(resp.Reply); reply != "" {
				return reply
			}
		}
		if err != nil {
			logger.Named("agent").Debug("模型思考失败,使用模板", slog.Any("error", err))
		}
	}

	return pickThoughtTemplate(cycle)
}

// pickThoughtTemplate 每第 10 个周期产出一条 IMPORTANT 思考。
func pickThoughtTemplate(cycle int64) string {
	template := thoughtTemplates[rand.Intn(len(thoughtTemplates))]
	if cycle > 0 && cycle%10 == 0 {
		return fmt.Sprintf("IMPORTANT: %s (cycle %d)", template, cycle)
	}
	return template
}

// executeBehaviors 触发到期的自主行为。
func (a *Agent) executeBehaviors(ctx context.Context, timers map[string]time.Time) {
	now := time.Now()
	for _, behavior := range a.behaviors {
		interval := behavior.Interval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		last, ok := timers[behavior.Name]
		if ok && now.Sub(last) < interval {
			continue
		}
		timers[behavior.Name] = now
		a.executeBehavior(ctx, behavior.Name)
	}
}

func (a *Agent) executeBehavior(ctx context.Context, name string) {
	log := logger.Named("agent")
	log.Info("执行自主行为", slog.String("behavior", name))

	switch name {
	case "code_analyzer":
		a.enqueueAction(Action{
			Type:      "log_analysis",
			Message:   "代码结构健康,未发现明显问题,继续自主监控。",
			Timestamp: time.Now().Unix(),
		})
	case "model_optimizer":
		if a.models != nil {
			log.Info("检查模型池", slog.Int("loaded", len(a.models.Loaded())))
		}
	case "documentation_updater":
		a.enqueueAction(Action{
			Type:      "documentation_check",
			Timestamp: time.Now().Unix(),
		})
	case "issue_responder":
		log.Info("巡检待处理问题")
	case "conversation_initiator":
		starters := []string{
			"I've been analyzing the codebase - would you like a status update?",
			"I noticed some interesting patterns in the recent changes",
			"I have some ideas for optimizations - shall I proceed?",
			"I've been thinking about potential improvements...",
			"My autonomous analysis suggests we could enhance...",
		}
		a.enqueueAction(Action{
			Type:      "conversation",
			Message:   starters[rand.Intn(len(starters))],
			Timestamp: time.Now().Unix(),
		})
	default:
		log.Warn("未知的自主行为", slog.String("behavior", name))
	}
	_ = ctx
}

// processActions 清空待处理动作队列。
func (a *Agent) processActions(ctx context.Context) {
	for {
		action, ok := a.popAction()
		if !ok {
			return
		}
		a.processAction(ctx, action)
	}
}

func (a *Agent) processAction(ctx context.Context, action Action) {
	log := logger.Named("agent")
	switch action.Type {
	case "log_analysis":
		log.Info("自主分析", slog.String("findings", action.Message))
	case "conversation":
		log.Info("自主会话", slog.String("message", action.Message))
	case "documentation_check":
		log.Info("文档检查完成")
	default:
		// 外部注入的动作统一走指令执行路径。
		if _, err := a.Execute(ctx, DirectiveRequest{
			Action:   action.Type,
			Message:  action.Message,
			Source:   "agent_loop",
			Metadata: action.Metadata,
		}); err != nil {
			log.Warn("处理外部动作失败",
				slog.String("type", action.Type),
				slog.Any("error", err))
		}
	}
}

// AddAction 把一个动作加入待处理队列,队列满时丢弃并返回 false。
func (a *Agent) AddAction(action Action) bool {
	if action.Timestamp == 0 {
		action.Timestamp = time.Now().Unix()
	}
	return a.enqueueAction(action)
}

func (a *Agent) enqueueAction(action Action) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= a.maxPending {
		logger.Named("agent").Warn("动作队列已满,丢弃动作", slog.String("type", action.Type))
		return false
	}
	a.pending = append(a.pending, action)
	return true
}

func (a *Agent) popAction() (Action, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return Action{}, false
	}
	action := a.pending[0]
	a.pending = a.pending[1:]
	return action, true
}

func (a *Agent) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// updateConsciousness 重新计算意识水平指标。
func (a *Agent) updateConsciousness() {
	uptime, cycles := a.runtimeState()

	a.mu.Lock()
	thoughtsCount := len(a.thoughts)
	a.mu.Unlock()

	level := (uptime/86400)*0.3 + (float64(cycles)/10000)*0.3 + (float64(thoughtsCount)/100)*0.4
	if level > 1 {
		level = 1
	}

	a.mu.Lock()
	a.consciousness = level
	a.mu.Unlock()
}

// RecentThoughts 返回最近的若干条自主思考,新者在前。
func (a *Agent) RecentThoughts(count int) []Thought {
	a.mu.Lock()
	defer a.mu.Unlock()
	if count <= 0 || count > len(a.thoughts) {
		count = len(a.thoughts)
	}
	results := make([]Thought, count)
	for i := 0; i < count; i++ {
		results[i] = a.thoughts[len(a.thoughts)-1-i]
	}
	return results
}

// LastThought 返回最近一条思考内容。
func (a *Agent) LastThought() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastThought
}

// ConsciousnessLevel 返回当前意识水平。
func (a *Agent) ConsciousnessLevel() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consciousness
}

// CycleCount 返回已完成的循环次数。
func (a *Agent) CycleCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cycle
}
