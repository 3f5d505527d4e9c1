package mining

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"Transformers-Daemon/internal/agent"
	"Transformers-Daemon/internal/config"
	xerrors "Transformers-Daemon/internal/errors"
	"Transformers-Daemon/internal/observability/alerting"
	"Transformers-Daemon/internal/observability/metrics"
	"Transformers-Daemon/internal/task"
	"Transformers-Daemon/pkg/logger"
)

const defaultDifficultyURL = "https://blockchain.info/q/getdifficulty"

// Submitter 是矿池监控投递指令所需的最小能力。
type Submitter interface {
	Submit(ctx context.Context, req agent.DirectiveRequest) (*task.Task, error)
}

// PoolStats 是矿池接口返回的性能快照。
type PoolStats struct {
	Hashrate       string  `json:"hashrate"`
	Workers        int     `json:"workers"`
	LastShare      string  `json:"last_share"`
	PendingBalance float64 `json:"pending_balance"`
}

// Stats 是对外暴露的矿池监控汇总。
type Stats struct {
	Running          bool      `json:"running"`
	WorkerName       string    `json:"worker_name"`
	CurrentHashrate  string    `json:"current_hashrate"`
	WorkersOnline    int       `json:"workers_online"`
	PendingBalance   float64   `json:"pending_balance"`
	WalletBalance    float64   `json:"wallet_balance"`
	LastPoolPoll     time.Time `json:"last_pool_poll"`
	LastConversion   time.Time `json:"last_conversion"`
	BTCPriceUSD      float64   `json:"btc_price_usd"`
	NetworkDifficult float64   `json:"network_difficulty"`
	Recommendation   string    `json:"recommendation"`
}

// Monitor 负责矿池监控、钱包自动兑换和挖矿策略分析三个循环。
// 所有循环在出错时降级为记录日志并继续,绝不让守护进程退出。
type Monitor struct {
	cfg       config.MiningConfig
	submitter Submitter
	exchange  *ExchangeClient
	alerter   alerting.Dispatcher
	client    *http.Client

	difficultyURL string

	mu    sync.RWMutex
	stats Stats
}

// Option 定义 Monitor 的可选配置。
type Option func(*Monitor)

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(m *Monitor) {
		m.alerter = dispatcher
	}
}

// WithHTTPClient 覆盖 HTTP 客户端,主要用于测试。
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) {
		if client != nil {
			m.client = client
		}
	}
}

// WithDifficultyURL 覆盖网络难度查询地址,主要用于测试。
func WithDifficultyURL(url string) Option {
	return func(m *Monitor) {
		if url != "" {
			m.difficultyURL = url
		}
	}
}

// NewMonitor 构造矿池监控器。
func NewMonitor(cfg config.MiningConfig, submitter Submitter, exchange *ExchangeClient, opts ...Option) *Monitor {
	worker := cfg.WorkerName
	if worker == "" {
		worker = "transformersd"
	}
	m := &Monitor{
		cfg:           cfg,
		submitter:     submitter,
		exchange:      exchange,
		client:        &http.Client{Timeout: 10 * time.Second},
		difficultyURL: defaultDifficultyURL,
		stats:         Stats{WorkerName: worker},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Run 启动三个监控循环并阻塞,直到上下文取消。
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.stats.Running = true
	m.mu.Unlock()

	logger.L().Info("矿池监控启动",
		slog.String("pool_url", m.cfg.PoolURL),
		slog.String("worker", m.stats.WorkerName),
		slog.Bool("auto_convert", m.cfg.AutoConvert),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		m.loop(ctx, "pool", intervalOrDefault(m.cfg.PoolPollSeconds, 5*time.Minute), m.pollPool)
	}()
	go func() {
		defer wg.Done()
		m.loop(ctx, "wallet", intervalOrDefault(m.cfg.WalletPollSeconds, 10*time.Minute), m.pollWallet)
	}()
	go func() {
		defer wg.Done()
		m.loop(ctx, "strategy", intervalOrDefault(m.cfg.StrategyPollSecond, 30*time.Minute), m.pollStrategy)
	}()
	wg.Wait()

	m.mu.Lock()
	m.stats.Running = false
	m.mu.Unlock()
	return ctx.Err()
}

func (m *Monitor) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.IncMiningPoll(name)
			if err := fn(ctx); err != nil {
				logger.L().Error("矿池监控循环出错",
					slog.String("loop", name),
					slog.Any("error", err),
				)
				m.emitAlert(ctx, name, err)
			}
		}
	}
}

func (m *Monitor) pollPool(ctx context.Context) error {
	stats, err := m.fetchPoolStats(ctx)
	if err != nil {
		return err
	}
	if stats == nil {
		return nil
	}

	m.mu.Lock()
	m.stats.CurrentHashrate = stats.Hashrate
	m.stats.WorkersOnline = stats.Workers
	m.stats.PendingBalance = stats.PendingBalance
	m.stats.LastPoolPoll = time.Now()
	m.mu.Unlock()

	logger.L().Info("矿池状态",
		slog.String("hashrate", stats.Hashrate),
		slog.Int("workers", stats.Workers),
		slog.Float64("pending_balance", stats.PendingBalance),
	)

	m.submit(ctx, agent.DirectiveRequest{
		Action:  "mining_update",
		Message: fmt.Sprintf("矿池算力 %s, 在线矿机 %d, 待结算 %.8f BTC", stats.Hashrate, stats.Workers, stats.PendingBalance),
		Source:  "bitcoin_miner",
		Metadata: map[string]any{
			"hashrate":        stats.Hashrate,
			"workers":         stats.Workers,
			"last_share":      stats.LastShare,
			"pending_balance": stats.PendingBalance,
		},
	})
	return nil
}

func (m *Monitor) fetchPoolStats(ctx context.Context) (*PoolStats, error) {
	if strings.TrimSpace(m.cfg.PoolURL) == "" {
		return nil, nil
	}
	endpoint, err := url.Parse(m.cfg.PoolURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMiningPoolFailure, err, "矿池地址非法")
	}
	query := endpoint.Query()
	query.Set("wallet", m.cfg.WalletAddress)
	query.Set("worker", m.stats.WorkerName)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMiningPoolFailure, err, "构造矿池请求失败")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMiningPoolFailure, err, "请求矿池失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeMiningPoolFailure, fmt.Sprintf("矿池返回状态码 %d", resp.StatusCode))
	}

	var stats PoolStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMiningPoolFailure, err, "解析矿池响应失败")
	}
	return &stats, nil
}

func (m *Monitor) pollWallet(ctx context.Context) error {
	if !m.exchange.Configured() {
		return nil
	}
	balance, err := m.exchange.Balance(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.stats.WalletBalance = balance
	m.mu.Unlock()

	logger.L().Info("交易所余额", slog.Float64("btc", balance))

	if !m.cfg.AutoConvert || balance < m.cfg.MinConvertAmount || balance <= 0 {
		return nil
	}

	toCurrency := m.cfg.ConvertToCurrency
	if toCurrency == "" {
		toCurrency = "USDT"
	}
	if err := m.exchange.Convert(ctx, balance, toCurrency); err != nil {
		return err
	}

	m.mu.Lock()
	m.stats.LastConversion = time.Now()
	m.mu.Unlock()

	logger.Audit().Info("自动兑换执行",
		slog.Float64("amount", balance),
		slog.String("to_currency", toCurrency),
	)
	m.submit(ctx, agent.DirectiveRequest{
		Action:  "conversion_executed",
		Message: fmt.Sprintf("已将 %.8f BTC 兑换为 %s", balance, toCurrency),
		Source:  "bitcoin_miner",
		Metadata: map[string]any{
			"amount":        balance,
			"from_currency": "BTC",
			"to_currency":   toCurrency,
		},
	})
	return nil
}

func (m *Monitor) pollStrategy(ctx context.Context) error {
	price, err := m.exchange.TickerPrice(ctx)
	if err != nil {
		return err
	}
	difficulty, err := m.fetchDifficulty(ctx)
	if err != nil {
		return err
	}
	recommendation := recommend(price, difficulty)

	m.mu.Lock()
	m.stats.BTCPriceUSD = price
	m.stats.NetworkDifficult = difficulty
	m.stats.Recommendation = recommendation
	m.mu.Unlock()

	m.submit(ctx, agent.DirectiveRequest{
		Action:  "mining_ai_analysis",
		Message: recommendation,
		Source:  "bitcoin_miner",
		Metadata: map[string]any{
			"btc_price_usd":      price,
			"network_difficulty": difficulty,
			"recommendation":     recommendation,
		},
	})
	return nil
}

func (m *Monitor) fetchDifficulty(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.difficultyURL, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeMiningPoolFailure, err, "构造难度请求失败")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeMiningPoolFailure, err, "请求网络难度失败")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeMiningPoolFailure, err, "读取难度响应失败")
	}
	difficulty, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeMiningPoolFailure, err, "解析难度响应失败")
	}
	return difficulty, nil
}

// recommend 根据币价与全网难度给出策略建议。
func recommend(price, difficulty float64) string {
	switch {
	case price > 50000 && difficulty < 3e13:
		return "Favorable mining conditions - consider increasing operations"
	case price < 30000:
		return "Lower BTC price - consider hodling mined coins"
	default:
		return "Normal conditions - maintain current strategy"
	}
}

func (m *Monitor) submit(ctx context.Context, req agent.DirectiveRequest) {
	if m.submitter == nil {
		return
	}
	if _, err := m.submitter.Submit(ctx, req); err != nil {
		logger.L().Error("矿池指令投递失败",
			slog.String("action", req.Action),
			slog.Any("error", err),
		)
	}
}

func (m *Monitor) emitAlert(ctx context.Context, loop string, cause error) {
	if m.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeMiningPoolFailure
	}
	event := alerting.Event{
		Code:      code,
		Message:   cause.Error(),
		Severity:  xerrors.SeverityOf(cause),
		Component: "mining",
		Metadata: map[string]string{
			"loop": loop,
		},
		OccurredAt: time.Now(),
	}
	if err := m.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("矿池告警通知失败", slog.Any("error", err))
	}
}

// Stats 返回当前监控快照。
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func intervalOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
