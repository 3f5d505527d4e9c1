package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"Transformers-Daemon/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.StateFile = filepath.Join(cfg.Storage.DataDir, "daemon_state.json")
	cfg.Models.Provider = "openai" // 无凭据时进入降级模式,避免测试依赖本地 Python。
	cfg.Models.OpenAI.APIKey = ""
	cfg.API.Enabled = false
	return cfg
}

func TestNewBuildsDegradedDaemon(t *testing.T) {
	d, err := New(newTestConfig(t))
	if err != nil {
		t.Fatalf("构造守护进程失败: %v", err)
	}

	status := d.Status()
	if status["status"] != "initializing" {
		t.Fatalf("初始状态错误: %v", status["status"])
	}

	components, ok := status["components"].(map[string]any)
	if !ok {
		t.Fatalf("components 字段缺失: %v", status)
	}
	for _, key := range []string{"agent_loop", "task_scheduler", "event_monitor", "api_server", "model_manager", "task_pipeline", "bitcoin_mining"} {
		if _, ok := components[key]; !ok {
			t.Fatalf("components 缺少 %s", key)
		}
	}
	if components["model_manager"] != false {
		t.Fatalf("无凭据时模型管理器应为降级状态: %v", components["model_manager"])
	}
	if components["task_pipeline"] != true {
		t.Fatalf("指令流水线应始终在线")
	}
}

func TestRunShutdownPersistsState(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("构造守护进程失败: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- d.Run(context.Background())
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if d.Status()["status"] == "running" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("守护进程未进入 running 状态")
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.Shutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run 返回错误: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("守护进程未在限期内退出")
	}

	if got := d.Status()["status"]; got != "shutdown" {
		t.Fatalf("退出后的状态错误: %v", got)
	}

	content, err := os.ReadFile(cfg.Storage.StateFile)
	if err != nil {
		t.Fatalf("读取状态文件失败: %v", err)
	}
	var state map[string]any
	if err := json.Unmarshal(content, &state); err != nil {
		t.Fatalf("状态文件不是合法 JSON: %v", err)
	}
	if state["status"] != "shutdown" {
		t.Fatalf("落盘状态错误: %v", state["status"])
	}
	for _, key := range []string{"uptime", "cycles_completed", "consciousness_level", "saved_at"} {
		if _, ok := state[key]; !ok {
			t.Fatalf("状态文件缺少 %s", key)
		}
	}
}

func TestRootEndpointReportsConfiguredName(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Daemon.Name = "transformersd-staging"
	cfg.API.Enabled = true

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("构造守护进程失败: %v", err)
	}
	if d.server == nil {
		t.Fatal("API 启用时应构造服务器")
	}

	rec := httptest.NewRecorder()
	d.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("根路径状态码错误: %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("响应不是合法 JSON: %v", err)
	}
	if body["name"] != "transformersd-staging" {
		t.Fatalf("根路径应返回配置的名称, 实际 %v", body["name"])
	}
}

func TestNewLoadsSeedCorpusFromConfig(t *testing.T) {
	cfg := newTestConfig(t)
	corpusPath := filepath.Join(cfg.Storage.DataDir, "seeds.json")
	payload := `[{"title":"部署约定","content":"发布前先跑基准测试。","keywords":["deploy"]}]`
	if err := os.WriteFile(corpusPath, []byte(payload), 0o644); err != nil {
		t.Fatalf("写入语料文件失败: %v", err)
	}
	cfg.Agent.SeedCorpusPath = corpusPath
	cfg.Agent.MemoryDepth = 7

	if _, err := New(cfg); err != nil {
		t.Fatalf("构造守护进程失败: %v", err)
	}
}

func TestNewRejectsMissingSeedCorpus(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Agent.SeedCorpusPath = filepath.Join(cfg.Storage.DataDir, "missing.json")

	if _, err := New(cfg); err == nil {
		t.Fatal("语料文件不存在时应返回错误")
	}
}

func TestBuildBehaviorsSkipsDisabled(t *testing.T) {
	disabled := false
	behaviors := buildBehaviors([]config.BehaviorConfig{
		{Name: "code_analyzer", IntervalSeconds: 300},
		{Name: "conversation_initiator", Enabled: &disabled, IntervalSeconds: 600},
		{Name: "", IntervalSeconds: 60},
	})
	if len(behaviors) != 1 {
		t.Fatalf("应只保留一个行为, 实际 %d", len(behaviors))
	}
	if behaviors[0].Name != "code_analyzer" || behaviors[0].Interval != 5*time.Minute {
		t.Fatalf("行为转换结果错误: %+v", behaviors[0])
	}
}

func TestBuildTaskQueueRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Queue.Driver = "kafka"
	if _, err := buildTaskQueue(cfg); err == nil {
		t.Fatal("未知队列驱动应返回错误")
	}
}
