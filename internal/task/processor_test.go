package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"Transformers-Daemon/internal/agent"
	xerrors "Transformers-Daemon/internal/errors"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	failWith  error
}

func (f *fakeExecutor) Execute(ctx context.Context, req agent.DirectiveRequest) (*agent.DirectiveResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.processed.Add(1)
	return &agent.DirectiveResult{Action: req.Action, Reply: "ok", Thought: "done"}, nil
}

type fallbackRecovery struct{}

func (fallbackRecovery) Recover(_ context.Context, task *Task, cause error) (*ExecutionResult, error) {
	return &ExecutionResult{Reply: "降级回复", Observations: fmt.Sprintf("降级处理: %v", cause)}, nil
}

func TestProcessorHandlesConcurrentDirectives(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		message := fmt.Sprintf("message-%d", i)
		if _, err := service.Submit(ctx, agent.DirectiveRequest{Action: "interact", Message: message}); err != nil {
			t.Fatalf("提交指令失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(exec.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("指令未能及时处理，已完成 %d", exec.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRecoversTerminalFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{failWith: xerrors.New(xerrors.CodeInvalidArgument, "interact 指令缺少 message")}

	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue,
		WithWorkerCount(1),
		WithRecoveryHandler(fallbackRecovery{}),
	)

	go func() {
		_ = processor.Start(ctx)
	}()

	submitted, err := service.Submit(ctx, agent.DirectiveRequest{Action: "interact"})
	if err != nil {
		t.Fatalf("提交指令失败: %v", err)
	}

	task, err := service.WaitUntilCompleted(ctx, submitted.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待指令完成失败: %v", err)
	}
	if task.Status != StatusSucceeded {
		t.Fatalf("expected degraded success, got %s (last_error=%s)", task.Status, task.LastError)
	}
	if task.Result == nil || task.Result.Reply != "降级回复" {
		t.Fatalf("unexpected fallback result: %+v", task.Result)
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)

	first, err := service.Submit(ctx, agent.DirectiveRequest{ID: "fixed-id", Action: "interact", Message: "hi"})
	if err != nil {
		t.Fatalf("首次提交失败: %v", err)
	}
	second, err := service.Submit(ctx, agent.DirectiveRequest{ID: "fixed-id", Action: "interact", Message: "hi again"})
	if err != nil {
		t.Fatalf("重复提交失败: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same task, got %s and %s", first.ID, second.ID)
	}
	if second.Message != "hi" {
		t.Fatalf("expected original message preserved, got %q", second.Message)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)
	if _, err := service.Submit(context.Background(), agent.DirectiveRequest{Message: "no action"}); err == nil {
		t.Fatal("expected validation error for missing action")
	}
}
