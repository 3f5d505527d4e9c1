package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"Transformers-Daemon/internal/config"
	"Transformers-Daemon/internal/daemon"
	"Transformers-Daemon/sdk/go/daemonclient"
)

const defaultAddr = "http://127.0.0.1:8080"

// usage 输出 transformersctl 的命令说明。
func usage() {
	fmt.Fprintln(os.Stderr, `用法: transformersctl [全局参数] <命令> [命令参数]

命令:
  run                 前台运行守护进程
  status              查看守护进程状态
  thoughts            查看最近的自主思考
  models              查看已加载的模型
  interact <消息>     向守护进程发送一条消息
  tasks               列出指令
  task <id>           查看单条指令
  stats               查看指令统计
  mine                查看挖矿监控状态
  shutdown            请求守护进程停机

全局参数:
  -addr   守护进程地址 (默认 ` + defaultAddr + `)
  -token  访问令牌 (默认读取 TRANSFORMERSD_API_TOKEN)`)
}

func main() {
	addr := flag.String("addr", defaultAddr, "守护进程地址")
	token := flag.String("token", os.Getenv("TRANSFORMERSD_API_TOKEN"), "访问令牌")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if args[0] == "run" {
		runDaemon(args[1:])
		return
	}

	client, err := daemonclient.NewClient(*addr, daemonclient.WithAuthToken(*token))
	if err != nil {
		fatalf("非法的守护进程地址: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		runStatus(ctx, client)
	case "thoughts":
		runThoughts(ctx, client, args[1:])
	case "models":
		runModels(ctx, client)
	case "interact":
		runInteract(ctx, client, args[1:])
	case "tasks":
		runTasks(ctx, client, args[1:])
	case "task":
		runTask(ctx, client, args[1:])
	case "stats":
		runStats(ctx, client)
	case "mine":
		runMine(ctx, client)
	case "shutdown":
		runShutdown(ctx, client)
	default:
		usage()
		os.Exit(2)
	}
}

// runDaemon 前台运行守护进程,与 transformersd 等价,方便单二进制部署。
func runDaemon(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径,默认读取 "+config.DefaultPath)
	_ = fs.Parse(args)

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		if *configPath != "" || !errors.Is(err, os.ErrNotExist) {
			fatalf("加载配置失败: %v", err)
		}
		cfg = config.Default()
	}

	d, err := daemon.New(cfg)
	if err != nil {
		fatalf("初始化守护进程失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		fatalf("守护进程运行失败: %v", err)
	}
}

func runStatus(ctx context.Context, client *daemonclient.Client) {
	status, err := client.Status(ctx)
	if err != nil {
		fatalf("查询状态失败: %v", err)
	}
	printJSON(status)
}

func runThoughts(ctx context.Context, client *daemonclient.Client, args []string) {
	fs := flag.NewFlagSet("thoughts", flag.ExitOnError)
	count := fs.Int("count", 20, "返回的思考条数")
	_ = fs.Parse(args)

	thoughts, err := client.Thoughts(ctx, *count)
	if err != nil {
		fatalf("查询思考失败: %v", err)
	}
	if len(thoughts) == 0 {
		fmt.Println("暂无自主思考")
		return
	}
	for _, thought := range thoughts {
		ts := time.Unix(thought.Timestamp, 0).Format("2006-01-02 15:04:05")
		fmt.Printf("[%s] #%d %s\n", ts, thought.Cycle, thought.Thought)
	}
}

func runModels(ctx context.Context, client *daemonclient.Client) {
	models, err := client.Models(ctx)
	if err != nil {
		fatalf("查询模型失败: %v", err)
	}
	if len(models) == 0 {
		fmt.Println("暂无已加载的模型")
		return
	}
	for _, entry := range models {
		fmt.Printf("%-24s %-20s 使用 %d 次\n", entry.Name, entry.Task, entry.UsageCount)
	}
}

func runInteract(ctx context.Context, client *daemonclient.Client, args []string) {
	fs := flag.NewFlagSet("interact", flag.ExitOnError)
	wait := fs.Bool("wait", false, "等待指令执行完成并输出回复")
	_ = fs.Parse(args)

	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		fatalf("用法: transformersctl interact [-wait] <消息>")
	}

	reply, err := client.Interact(ctx, message)
	if err != nil {
		fatalf("发送消息失败: %v", err)
	}
	fmt.Printf("%s (task %s)\n", reply.Message, reply.TaskID)

	if *wait {
		done, err := client.WaitForTask(ctx, reply.TaskID, time.Second)
		if err != nil {
			fatalf("等待指令完成失败: %v", err)
		}
		if done.Result != nil && done.Result.Reply != "" {
			fmt.Println(done.Result.Reply)
		} else {
			fmt.Printf("指令 %s 结束于 %s\n", done.ID, done.Status)
		}
	}
}

func runTasks(ctx context.Context, client *daemonclient.Client, args []string) {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	status := fs.String("status", "", "按状态过滤, 逗号分隔")
	search := fs.String("q", "", "按关键字过滤")
	limit := fs.Int("limit", 20, "返回的指令条数")
	_ = fs.Parse(args)

	tasks, err := client.Tasks(ctx, *status, *search, *limit)
	if err != nil {
		fatalf("查询指令失败: %v", err)
	}
	if len(tasks) == 0 {
		fmt.Println("暂无指令")
		return
	}
	for _, t := range tasks {
		fmt.Printf("%-36s %-10s %-24s %s\n", t.ID, t.Status, t.Action, t.Message)
	}
}

func runTask(ctx context.Context, client *daemonclient.Client, args []string) {
	if len(args) != 1 {
		fatalf("用法: transformersctl task <id>")
	}
	found, err := client.Task(ctx, args[0])
	if err != nil {
		fatalf("查询指令失败: %v", err)
	}
	printJSON(found)
}

func runStats(ctx context.Context, client *daemonclient.Client) {
	stats, err := client.TaskStats(ctx)
	if err != nil {
		fatalf("查询指令统计失败: %v", err)
	}
	printJSON(stats)
}

func runMine(ctx context.Context, client *daemonclient.Client) {
	stats, present, err := client.MiningStats(ctx)
	if err != nil {
		fatalf("查询挖矿状态失败: %v", err)
	}
	if !present {
		fmt.Println("挖矿监控未启用")
		return
	}
	printJSON(stats)
}

func runShutdown(ctx context.Context, client *daemonclient.Client) {
	if err := client.Shutdown(ctx); err != nil {
		fatalf("请求停机失败: %v", err)
	}
	fmt.Println("守护进程即将停机")
}

func printJSON(payload any) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fatalf("序列化输出失败: %v", err)
	}
	fmt.Println(string(encoded))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
