package llm

import "context"

// Request 描述发送给大模型的指令上下文。
type Request struct {
	Prompt  string
	Kind    string
	Model   string
	History []HistoryEntry
	Seeds   []SeedCard
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
}

// SeedCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type SeedCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// HistoryEntry 描述了一段历史思考，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Prompt       string
	Action       string
	Reply        string
	Observations string
	CreatedAt    int64
}
