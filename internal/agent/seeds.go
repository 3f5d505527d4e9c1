package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"Transformers-Daemon/internal/llm"
)

// Seed 描述可供大模型引用的一段内置知识。
type Seed struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
}

// SeedCorpus 通过关键词匹配为指令补充上下文。
type SeedCorpus struct {
	items      []Seed
	maxResults int
}

// NewSeedCorpus 创建种子语料库实例。
func NewSeedCorpus(items []Seed, maxResults int) *SeedCorpus {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &SeedCorpus{items: items, maxResults: maxResults}
}

// LoadSeedCorpus 从 JSON 文件加载种子语料。
func LoadSeedCorpus(path string, maxResults int) (*SeedCorpus, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("语料文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析语料路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取语料文件失败: %w", err)
	}
	defer file.Close()

	var entries []Seed
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析语料文件失败: %w", err)
	}

	return NewSeedCorpus(entries, maxResults), nil
}

// DefaultSeedCorpus 返回内置的守护进程语料。
func DefaultSeedCorpus() *SeedCorpus {
	return NewSeedCorpus(defaultSeeds, 3)
}

// Query 根据指令类型和内容进行简单匹配。
func (c *SeedCorpus) Query(action, message string) []llm.SeedCard {
	if c == nil {
		return nil
	}

	action = strings.ToLower(strings.TrimSpace(action))
	message = strings.ToLower(strings.TrimSpace(message))

	results := make([]llm.SeedCard, 0, c.maxResults)
	for _, item := range c.items {
		if seedMatches(item, action, message) {
			results = append(results, llm.SeedCard{Title: item.Title, Content: item.Content})
			if len(results) >= c.maxResults {
				break
			}
		}
	}
	return results
}

func seedMatches(seed Seed, action, message string) bool {
	if len(seed.Keywords) == 0 {
		return true
	}
	for _, keyword := range seed.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(action, normalized) || strings.Contains(message, normalized) {
			return true
		}
	}
	return false
}

var defaultSeeds = []Seed{
	{
		Title:    "守护进程职责",
		Content:  "本守护进程持续运行,周期性生成自主思考,监控代码仓库变化,管理已加载的语言模型,并通过 HTTP 接口响应用户指令。",
		Keywords: []string{"status", "interact", "daemon"},
	},
	{
		Title:    "模型管理",
		Content:  "模型池受 max_loaded 限制,超出后按最久未用淘汰;基准测试指令应当对比池中各模型的使用次数与最近使用时间。",
		Keywords: []string{"model", "benchmark"},
	},
	{
		Title:    "代码健康分析",
		Content:  "代码健康分析关注提交类型分布、提交信息质量和提交速率,结论应当给出可执行的改进建议。",
		Keywords: []string{"code", "analysis", "git"},
	},
	{
		Title:    "挖矿监控",
		Content:  "挖矿模块只做矿池监控与收益分析,不做本地算力计算;重点指标是算力、在线工人数与待结算余额。",
		Keywords: []string{"mining", "conversion", "pool"},
	},
}
