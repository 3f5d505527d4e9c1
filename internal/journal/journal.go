package journal

import "context"

// Record 表示守护进程一次思考的落库结构。
type Record struct {
	Cycle        int64  `json:"cycle"`
	Kind         string `json:"kind"`
	Thought      string `json:"thought"`
	Reply        string `json:"reply"`
	Model        string `json:"model"`
	Action       string `json:"action"`
	Observations string `json:"observations"`
	CreatedAt    int64  `json:"created_at"`
}

// 思考记录的两种来源。
const (
	KindAutonomous = "autonomous"
	KindDirective  = "directive"
)

// Repository 抽象思考日志的持久化接口。
type Repository interface {
	Save(ctx context.Context, record Record) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
}
