package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// SQLRepository 使用真实的 MySQL 数据库存储思考日志。
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository 创建连接池并初始化数据表。
func NewSQLRepository(dsn string) (*SQLRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	repo := &SQLRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *SQLRepository) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS thoughts (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        cycle BIGINT NOT NULL DEFAULT 0,
        kind VARCHAR(32) NOT NULL DEFAULT '',
        thought TEXT NOT NULL,
        reply TEXT NOT NULL,
        model VARCHAR(255) DEFAULT '',
        action VARCHAR(255) DEFAULT '',
        observations TEXT NOT NULL,
        created_at BIGINT NOT NULL,
        INDEX idx_created_at (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化 thoughts 表失败: %w", err)
	}
	return nil
}

// Save 将思考记录写入 MySQL。
func (s *SQLRepository) Save(ctx context.Context, record Record) error {
	const stmt = `INSERT INTO thoughts
        (cycle, kind, thought, reply, model, action, observations, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.Cycle,
		record.Kind,
		record.Thought,
		record.Reply,
		record.Model,
		record.Action,
		record.Observations,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条思考记录。
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT cycle, kind, thought, reply, model, action, observations, created_at
        FROM thoughts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询思考记录失败: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.Cycle, &record.Kind, &record.Thought, &record.Reply, &record.Model, &record.Action, &record.Observations, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析思考记录失败: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历思考记录失败: %w", err)
	}

	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Repository = (*SQLRepository)(nil)
