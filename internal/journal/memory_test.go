package journal

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRepositorySaveAndList(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryRepository(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}

	ctx := context.Background()
	now := time.Now().Unix()
	for i := 0; i < 3; i++ {
		record := Record{
			Cycle:     int64(i + 1),
			Kind:      KindAutonomous,
			Thought:   "思考",
			Reply:     "回复",
			CreatedAt: now + int64(i),
		}
		if err := repo.Save(ctx, record); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	list, err := repo.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if list[0].Cycle != 3 {
		t.Fatalf("expected newest record first, got cycle %d", list[0].Cycle)
	}
}

func TestMemoryRepositoryRestoresFromDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewMemoryRepository(dir, 8)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}
	if err := repo.Save(ctx, Record{Cycle: 1, Kind: KindDirective, Thought: "持久化", CreatedAt: time.Now().Unix()}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	restored, err := NewMemoryRepository(dir, 8)
	if err != nil {
		t.Fatalf("failed to reopen memory repo: %v", err)
	}
	list, err := restored.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 1 || list[0].Thought != "持久化" {
		t.Fatalf("unexpected restored records: %+v", list)
	}
}

func TestMemoryRepositoryBoundedRing(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryRepository(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := repo.Save(ctx, Record{Cycle: int64(i), CreatedAt: time.Now().Unix()}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	list, err := repo.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected ring capped at 4, got %d", len(list))
	}
	if list[0].Cycle != 9 {
		t.Fatalf("expected newest cycle 9, got %d", list[0].Cycle)
	}
}
