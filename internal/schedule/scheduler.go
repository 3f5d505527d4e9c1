package schedule

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"Transformers-Daemon/internal/agent"
	xerrors "Transformers-Daemon/internal/errors"
	"Transformers-Daemon/internal/task"
	"Transformers-Daemon/pkg/logger"
)

// Submitter 是调度器投递指令所需的最小能力。
type Submitter interface {
	Submit(ctx context.Context, req agent.DirectiveRequest) (*task.Task, error)
}

// Job 表示一个定时维护任务。
type Job struct {
	Name     string
	Schedule string
	Action   string

	minute int
	hour   int
	last   time.Time
}

var knownActions = map[string]struct{}{
	"generate_status_report":     {},
	"analyze_code_health":        {},
	"benchmark_models":           {},
	"record_autonomous_thoughts": {},
}

// Scheduler 按分钟粒度匹配 cron 表达式并投递指令。
type Scheduler struct {
	jobs      []*Job
	submitter Submitter
	interval  time.Duration
}

// New 构造调度器。非法表达式的任务在构造阶段即被剔除。
func New(submitter Submitter, jobs []Job) *Scheduler {
	s := &Scheduler{submitter: submitter, interval: time.Minute}
	for i := range jobs {
		job := jobs[i]
		minute, hour, err := parseSchedule(job.Schedule)
		if err != nil {
			logger.L().Warn("忽略非法的调度表达式",
				slog.String("job", job.Name),
				slog.String("schedule", job.Schedule),
				slog.Any("error", err),
			)
			continue
		}
		if _, ok := knownActions[job.Action]; !ok {
			logger.L().Warn("忽略未知的调度动作",
				slog.String("job", job.Name),
				slog.String("action", job.Action),
			)
			continue
		}
		job.minute = minute
		job.hour = hour
		s.jobs = append(s.jobs, &job)
	}
	return s
}

// Jobs 返回有效任务数量。
func (s *Scheduler) Jobs() int {
	return len(s.jobs)
}

// Run 阻塞运行调度循环,直到上下文取消。
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	for _, job := range s.jobs {
		if !job.matches(now) {
			continue
		}
		// 同一分钟内只触发一次。
		if job.last.Equal(minute) {
			continue
		}
		job.last = minute
		s.dispatch(ctx, job)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job *Job) {
	if s.submitter == nil {
		return
	}
	req := agent.DirectiveRequest{
		Action: job.Action,
		Source: "scheduler",
		Metadata: map[string]any{
			"job": job.Name,
		},
	}
	submitted, err := s.submitter.Submit(ctx, req)
	if err != nil {
		logger.L().Error("调度指令投递失败",
			slog.String("job", job.Name),
			slog.String("action", job.Action),
			slog.Any("error", err),
		)
		return
	}
	logger.L().Info("调度指令已投递",
		slog.String("job", job.Name),
		slog.String("action", job.Action),
		slog.String("task_id", submitted.ID),
	)
}

func (j *Job) matches(now time.Time) bool {
	if j.minute >= 0 && now.Minute() != j.minute {
		return false
	}
	if j.hour >= 0 && now.Hour() != j.hour {
		return false
	}
	return true
}

// parseSchedule 解析五段 cron 表达式,仅 minute 与 hour 参与匹配,
// 其余字段视为通配。
func parseSchedule(expr string) (minute, hour int, err error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return 0, 0, xerrors.New(xerrors.CodeInvalidArgument, "cron 表达式必须为五段")
	}
	minute, err = parseField(fields[0], 0, 59)
	if err != nil {
		return 0, 0, err
	}
	hour, err = parseField(fields[1], 0, 23)
	if err != nil {
		return 0, 0, err
	}
	return minute, hour, nil
}

func parseField(field string, min, max int) (int, error) {
	if field == "*" {
		return -1, nil
	}
	value, err := strconv.Atoi(field)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "cron 字段不是数字")
	}
	if value < min || value > max {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "cron 字段超出取值范围")
	}
	return value, nil
}
