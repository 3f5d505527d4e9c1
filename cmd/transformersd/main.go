package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"Transformers-Daemon/internal/config"
	"Transformers-Daemon/internal/daemon"
)

// main 是 transformersd 守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径,默认读取 "+config.DefaultPath)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("transformersd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// loadConfig 解析配置文件;未显式指定且默认文件不存在时退回内置默认配置。
func loadConfig(explicit string) (*config.Config, error) {
	path := config.ResolvePath(explicit)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if explicit == "" && errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "配置文件 %s 不存在,使用默认配置\n", path)
		return config.Default(), nil
	}
	return nil, err
}
