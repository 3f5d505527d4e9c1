package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath 是未显式指定配置文件时使用的默认路径。
const DefaultPath = "configs/transformersd.yaml"

// EnvConfigPath 允许通过环境变量覆盖配置文件路径。
const EnvConfigPath = "TRANSFORMERSD_CONFIG"

// Config 描述守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Agent     AgentConfig     `yaml:"agent"`
	Models    ModelsConfig    `yaml:"models"`
	Pipeline  PipelineConfig  `yaml:"task_pipeline"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Monitor   MonitorConfig   `yaml:"event_monitoring"`
	API       APIConfig       `yaml:"api"`
	Mining    MiningConfig    `yaml:"bitcoin_mining"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// AlertingConfig 描述告警事件的外部通知渠道,留空则仅记录日志。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// DaemonConfig 控制心跳节奏等进程级参数。
type DaemonConfig struct {
	Name                     string `yaml:"name"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
}

// AgentConfig 控制自主循环的节奏与启用的行为列表。
type AgentConfig struct {
	Enabled             bool             `yaml:"enabled"`
	LoopIntervalSeconds int              `yaml:"loop_interval_seconds"`
	MaxPendingActions   int              `yaml:"max_pending_actions"`
	ConsciousnessMode   *bool            `yaml:"consciousness_mode"`
	MemoryDepth         int              `yaml:"memory_depth"`
	SeedCorpusPath      string           `yaml:"seed_corpus_path"`
	Behaviors           []BehaviorConfig `yaml:"behaviors"`
}

// ConsciousnessEnabled 返回是否生成自主思考,未显式配置时默认开启。
func (a AgentConfig) ConsciousnessEnabled() bool {
	if a.ConsciousnessMode == nil {
		return true
	}
	return *a.ConsciousnessMode
}

// BehaviorConfig 描述单个自主行为及其触发间隔。
type BehaviorConfig struct {
	Name            string `yaml:"name"`
	Enabled         *bool  `yaml:"enabled"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// ModelsConfig 描述推理后端以及模型池。
type ModelsConfig struct {
	DefaultModel string             `yaml:"default_model"`
	MaxLoaded    int                `yaml:"max_loaded"`
	Provider     string             `yaml:"provider"`
	OpenAI       OpenAIConfig       `yaml:"openai"`
	Python       PythonBridgeConfig `yaml:"python_bridge"`
	Pool         []ModelEntry       `yaml:"pool"`
}

// OpenAIConfig 描述调用 OpenAI 兼容推理接口所需的参数。
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`
}

// ModelEntry 描述模型池中的一个条目。
type ModelEntry struct {
	Name     string `yaml:"name"`
	Task     string `yaml:"task"`
	AutoLoad bool   `yaml:"auto_load"`
}

// PipelineConfig 描述指令流水线的存储与队列后端。
type PipelineConfig struct {
	Store   TaskStoreConfig `yaml:"store"`
	Queue   TaskQueueConfig `yaml:"queue"`
	Workers int             `yaml:"workers"`
}

// TaskStoreConfig 描述指令存储后端,目前支持 memory 与 mysql。
type TaskStoreConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
	MaxRetries      int    `yaml:"max_retries"`
}

// TaskQueueConfig 描述指令队列后端,目前支持 memory、redis 与 rabbitmq。
type TaskQueueConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接信息。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// SchedulerConfig 描述定时任务列表。
type SchedulerConfig struct {
	Enabled bool            `yaml:"enabled"`
	Tasks   []ScheduledTask `yaml:"tasks"`
}

// ScheduledTask 描述单个定时任务,Schedule 采用五段 cron 表达式。
type ScheduledTask struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Action   string `yaml:"action"`
}

// MonitorConfig 描述事件监控的目录与 git 采样配置。
type MonitorConfig struct {
	Enabled           bool        `yaml:"enabled"`
	WatchPaths        []WatchPath `yaml:"watch_paths"`
	RescanSeconds     int         `yaml:"rescan_seconds"`
	Git               GitConfig   `yaml:"git"`
	MaxPathsPerChange int         `yaml:"max_paths_per_change"`
}

// WatchPath 描述单个被监控目录。
type WatchPath struct {
	Path       string `yaml:"path"`
	Recursive  bool   `yaml:"recursive"`
	DebounceMS int    `yaml:"debounce_ms"`
}

// GitConfig 描述 git 提交采样器的配置。
type GitConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RepoPath        string `yaml:"repo_path"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// APIConfig 控制 HTTP 服务的监听地址与鉴权。
type APIConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Address              string `yaml:"address"`
	AuthToken            string `yaml:"auth_token"`
	ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds"`
}

// MiningConfig 描述矿池监控与交易所自动兑换的配置。
type MiningConfig struct {
	Enabled            bool           `yaml:"enabled"`
	PoolURL            string         `yaml:"pool_url"`
	WalletAddress      string         `yaml:"wallet_address"`
	WorkerName         string         `yaml:"worker_name"`
	Exchange           ExchangeConfig `yaml:"exchange"`
	AutoConvert        bool           `yaml:"auto_convert"`
	MinConvertAmount   float64        `yaml:"min_convert_amount"`
	ConvertToCurrency  string         `yaml:"convert_to_currency"`
	PoolPollSeconds    int            `yaml:"pool_poll_seconds"`
	WalletPollSeconds  int            `yaml:"wallet_poll_seconds"`
	StrategyPollSecond int            `yaml:"strategy_poll_seconds"`
}

// ExchangeConfig 描述交易所私有接口的签名凭据。
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`
}

// StorageConfig 描述数据目录、状态文件与思考日志的持久化方式。
type StorageConfig struct {
	DataDir   string        `yaml:"data_dir"`
	StateFile string        `yaml:"state_file"`
	Journal   JournalConfig `yaml:"journal"`
}

// JournalConfig 描述思考日志的存储后端。
type JournalConfig struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	MaxEntries int    `yaml:"max_entries"`
}

// LoggingConfig 控制结构化日志以及审计日志的输出。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 描述审计日志文件及其滚动策略。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ResolvePath 根据环境变量与默认值确定配置文件路径。
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回一份未读取任何文件时可直接运行的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyEnvOverrides 允许通过环境变量注入敏感凭据,避免写入配置文件。
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TRANSFORMERSD_API_TOKEN"); v != "" {
		c.API.AuthToken = v
	}
	if v := os.Getenv("TRANSFORMERSD_EXCHANGE_API_KEY"); v != "" {
		c.Mining.Exchange.APIKey = v
	}
	if v := os.Getenv("TRANSFORMERSD_EXCHANGE_SECRET_KEY"); v != "" {
		c.Mining.Exchange.SecretKey = v
	}
	if c.Models.OpenAI.APIKey == "" {
		envName := c.Models.OpenAI.APIKeyEnv
		if envName == "" {
			envName = "OPENAI_API_KEY"
		}
		c.Models.OpenAI.APIKey = os.Getenv(envName)
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Daemon.Name == "" {
		c.Daemon.Name = "transformersd"
	}
	if c.Daemon.HeartbeatIntervalSeconds <= 0 {
		c.Daemon.HeartbeatIntervalSeconds = 5
	}

	if c.Agent.LoopIntervalSeconds <= 0 {
		c.Agent.LoopIntervalSeconds = 30
	}
	if c.Agent.MaxPendingActions <= 0 {
		c.Agent.MaxPendingActions = 64
	}
	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 5
	}

	if c.Models.DefaultModel == "" {
		c.Models.DefaultModel = "distilgpt2"
	}
	if c.Models.MaxLoaded <= 0 {
		c.Models.MaxLoaded = 3
	}
	if c.Models.Provider == "" {
		c.Models.Provider = "python_bridge"
	}
	if c.Models.OpenAI.BaseURL == "" {
		c.Models.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Models.OpenAI.Model == "" {
		c.Models.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Models.OpenAI.TimeoutSeconds <= 0 {
		c.Models.OpenAI.TimeoutSeconds = 30
	}
	if c.Models.Python.PythonExecutable == "" {
		c.Models.Python.PythonExecutable = "python3"
	}
	if c.Models.Python.WorkingDir == "" {
		c.Models.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.Models.Python.WorkingDir) {
		c.Models.Python.WorkingDir = filepath.Join(baseDir, c.Models.Python.WorkingDir)
	}

	if c.Pipeline.Store.Driver == "" {
		c.Pipeline.Store.Driver = "memory"
	}
	if c.Pipeline.Store.MaxRetries < 0 {
		c.Pipeline.Store.MaxRetries = 0
	}
	if c.Pipeline.Queue.Driver == "" {
		c.Pipeline.Queue.Driver = "memory"
	}
	if c.Pipeline.Queue.Redis.Queue == "" {
		c.Pipeline.Queue.Redis.Queue = "transformersd:directives"
	}
	if c.Pipeline.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Pipeline.Queue.Redis.BlockWaitSeconds = 5
	}
	if c.Pipeline.Queue.RabbitMQ.Queue == "" {
		c.Pipeline.Queue.RabbitMQ.Queue = "transformersd.directives"
	}
	if c.Pipeline.Queue.RabbitMQ.Prefetch <= 0 {
		c.Pipeline.Queue.RabbitMQ.Prefetch = 8
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}

	if c.Monitor.RescanSeconds <= 0 {
		c.Monitor.RescanSeconds = 10
	}
	if c.Monitor.MaxPathsPerChange <= 0 {
		c.Monitor.MaxPathsPerChange = 10
	}
	if c.Monitor.Git.IntervalSeconds <= 0 {
		c.Monitor.Git.IntervalSeconds = 30
	}
	for i := range c.Monitor.WatchPaths {
		if c.Monitor.WatchPaths[i].DebounceMS <= 0 {
			c.Monitor.WatchPaths[i].DebounceMS = 500
		}
	}

	if c.API.Address == "" {
		c.API.Address = ":8080"
	}
	if c.API.ShutdownGraceSeconds <= 0 {
		c.API.ShutdownGraceSeconds = 1
	}

	if c.Mining.WorkerName == "" {
		c.Mining.WorkerName = "worker1"
	}
	if c.Mining.ConvertToCurrency == "" {
		c.Mining.ConvertToCurrency = "USDT"
	}
	if c.Mining.MinConvertAmount <= 0 {
		c.Mining.MinConvertAmount = 0.001
	}
	if c.Mining.PoolPollSeconds <= 0 {
		c.Mining.PoolPollSeconds = 300
	}
	if c.Mining.WalletPollSeconds <= 0 {
		c.Mining.WalletPollSeconds = 600
	}
	if c.Mining.StrategyPollSecond <= 0 {
		c.Mining.StrategyPollSecond = 1800
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Storage.DataDir) {
		c.Storage.DataDir = filepath.Join(baseDir, c.Storage.DataDir)
	}
	if c.Storage.StateFile == "" {
		c.Storage.StateFile = filepath.Join(c.Storage.DataDir, "daemon_state.json")
	} else if !filepath.IsAbs(c.Storage.StateFile) {
		c.Storage.StateFile = filepath.Join(c.Storage.DataDir, c.Storage.StateFile)
	}
	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "memory"
	}
	if c.Storage.Journal.MaxEntries <= 0 {
		c.Storage.Journal.MaxEntries = 512
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Storage.DataDir, "audit.log")
	}
}

// BehaviorEnabled 返回行为条目是否启用,未显式配置时默认启用。
func (b BehaviorConfig) BehaviorEnabled() bool {
	if b.Enabled == nil {
		return true
	}
	return *b.Enabled
}
