package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "transformersd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "daemon:\n  name: testd\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}

	if cfg.Daemon.Name != "testd" {
		t.Fatalf("期望守护进程名 testd,实际 %s", cfg.Daemon.Name)
	}
	if cfg.Daemon.HeartbeatIntervalSeconds != 5 {
		t.Fatalf("期望默认心跳 5 秒,实际 %d", cfg.Daemon.HeartbeatIntervalSeconds)
	}
	if cfg.API.Address != ":8080" {
		t.Fatalf("期望默认监听 :8080,实际 %s", cfg.API.Address)
	}
	if cfg.Models.Provider != "python_bridge" {
		t.Fatalf("期望默认推理后端 python_bridge,实际 %s", cfg.Models.Provider)
	}
	if cfg.Pipeline.Store.Driver != "memory" || cfg.Pipeline.Queue.Driver != "memory" {
		t.Fatalf("期望默认内存后端,实际 store=%s queue=%s",
			cfg.Pipeline.Store.Driver, cfg.Pipeline.Queue.Driver)
	}
	if cfg.Storage.StateFile == "" {
		t.Fatal("期望派生出状态文件路径")
	}
	if cfg.Agent.MemoryDepth != 5 {
		t.Fatalf("期望默认记忆深度 5,实际 %d", cfg.Agent.MemoryDepth)
	}
}

func TestLoadMiningSection(t *testing.T) {
	path := writeConfig(t, `
bitcoin_mining:
  enabled: true
  pool_url: https://pool.example.com/api
  wallet_address: bc1qexample
  auto_convert: true
  min_convert_amount: 0.01
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}

	if !cfg.Mining.Enabled {
		t.Fatal("期望挖矿监控启用")
	}
	if cfg.Mining.PoolURL != "https://pool.example.com/api" {
		t.Fatalf("矿池地址解析错误: %s", cfg.Mining.PoolURL)
	}
	if cfg.Mining.WalletAddress != "bc1qexample" {
		t.Fatalf("钱包地址解析错误: %s", cfg.Mining.WalletAddress)
	}
	if !cfg.Mining.AutoConvert {
		t.Fatal("期望 auto_convert 为 true")
	}
	if cfg.Mining.ConvertToCurrency != "USDT" {
		t.Fatalf("期望默认兑换币种 USDT,实际 %s", cfg.Mining.ConvertToCurrency)
	}
	if cfg.Mining.PoolPollSeconds != 300 {
		t.Fatalf("期望默认矿池轮询 300 秒,实际 %d", cfg.Mining.PoolPollSeconds)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRANSFORMERSD_API_TOKEN", "secret-token")
	t.Setenv("TRANSFORMERSD_EXCHANGE_SECRET_KEY", "exchange-secret")

	path := writeConfig(t, "api:\n  enabled: true\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.API.AuthToken != "secret-token" {
		t.Fatalf("期望从环境变量注入令牌,实际 %q", cfg.API.AuthToken)
	}
	if cfg.Mining.Exchange.SecretKey != "exchange-secret" {
		t.Fatalf("期望从环境变量注入交易所密钥,实际 %q", cfg.Mining.Exchange.SecretKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("期望缺失文件时返回错误")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("期望空路径时返回错误")
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("explicit.yaml"); got != "explicit.yaml" {
		t.Fatalf("显式路径应优先,实际 %s", got)
	}
	t.Setenv(EnvConfigPath, "/etc/transformersd.yaml")
	if got := ResolvePath(""); got != "/etc/transformersd.yaml" {
		t.Fatalf("环境变量路径未生效,实际 %s", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("期望默认路径,实际 %s", got)
	}
}

func TestBehaviorEnabledDefault(t *testing.T) {
	var b BehaviorConfig
	if !b.BehaviorEnabled() {
		t.Fatal("未显式配置时行为应默认启用")
	}
	off := false
	b.Enabled = &off
	if b.BehaviorEnabled() {
		t.Fatal("显式关闭时行为应禁用")
	}
}
