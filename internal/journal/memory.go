package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryRepository 使用本地 JSON 行文件持久化思考日志,重启时恢复最近的
// 若干条,方便在没有 MySQL 的环境里运行。
type MemoryRepository struct {
	mu         sync.RWMutex
	dataFile   string
	maxEntries int
	records    []Record
}

// NewMemoryRepository 创建一个内存思考日志仓库。
func NewMemoryRepository(dataDir string, maxEntries int) (*MemoryRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if maxEntries <= 0 {
		maxEntries = 512
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "thoughts.log")
	repo := &MemoryRepository{dataFile: path, maxEntries: maxEntries}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录一次思考。
func (m *MemoryRepository) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开思考日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化思考记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入思考日志失败: %w", err)
	}

	m.records = append([]Record{record}, m.records...)
	if len(m.records) > m.maxEntries {
		m.records = m.records[:m.maxEntries]
	}
	return nil
}

// ListLatest 返回最近的思考记录,按时间倒序排列。
func (m *MemoryRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	results := make([]Record, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取思考日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []Record
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]Record{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析思考日志失败: %w", err)
	}

	if len(restored) > m.maxEntries {
		restored = restored[:m.maxEntries]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
