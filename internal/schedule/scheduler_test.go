package schedule

import (
	"context"
	"testing"
	"time"

	"Transformers-Daemon/internal/agent"
	"Transformers-Daemon/internal/task"
)

type recordingSubmitter struct {
	requests []agent.DirectiveRequest
}

func (r *recordingSubmitter) Submit(_ context.Context, req agent.DirectiveRequest) (*task.Task, error) {
	r.requests = append(r.requests, req)
	return &task.Task{ID: "stub", Action: req.Action}, nil
}

func TestNewDropsInvalidJobs(t *testing.T) {
	t.Parallel()

	s := New(&recordingSubmitter{}, []Job{
		{Name: "report", Schedule: "0 8 * * *", Action: "generate_status_report"},
		{Name: "bad-cron", Schedule: "every day", Action: "analyze_code_health"},
		{Name: "bad-action", Schedule: "0 * * * *", Action: "launch_rockets"},
	})
	if got := s.Jobs(); got != 1 {
		t.Fatalf("有效任务数量不符, got %d", got)
	}
}

func TestParseScheduleWildcards(t *testing.T) {
	t.Parallel()

	minute, hour, err := parseSchedule("*/1 * * * *")
	if err == nil {
		t.Fatalf("step 表达式应被拒绝, got minute=%d hour=%d", minute, hour)
	}

	minute, hour, err = parseSchedule("30 2 * * 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if minute != 30 || hour != 2 {
		t.Fatalf("unexpected fields: minute=%d hour=%d", minute, hour)
	}

	minute, hour, err = parseSchedule("* * * * *")
	if err != nil {
		t.Fatalf("parse wildcard: %v", err)
	}
	if minute != -1 || hour != -1 {
		t.Fatalf("wildcards should be -1, got minute=%d hour=%d", minute, hour)
	}
}

func TestFireDueMatchesMinuteAndHour(t *testing.T) {
	t.Parallel()

	submitter := &recordingSubmitter{}
	s := New(submitter, []Job{
		{Name: "report", Schedule: "15 8 * * *", Action: "generate_status_report"},
		{Name: "hourly", Schedule: "0 * * * *", Action: "record_autonomous_thoughts"},
	})

	at := time.Date(2025, 6, 1, 8, 15, 0, 0, time.UTC)
	s.fireDue(context.Background(), at)
	if len(submitter.requests) != 1 || submitter.requests[0].Action != "generate_status_report" {
		t.Fatalf("unexpected dispatches: %+v", submitter.requests)
	}
	if submitter.requests[0].Source != "scheduler" {
		t.Fatalf("unexpected source: %q", submitter.requests[0].Source)
	}

	// 同一分钟不重复触发。
	s.fireDue(context.Background(), at.Add(10*time.Second))
	if len(submitter.requests) != 1 {
		t.Fatalf("job fired twice within the same minute: %+v", submitter.requests)
	}

	s.fireDue(context.Background(), time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	if len(submitter.requests) != 2 || submitter.requests[1].Action != "record_autonomous_thoughts" {
		t.Fatalf("hourly job missing: %+v", submitter.requests)
	}
}
