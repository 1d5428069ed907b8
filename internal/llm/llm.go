package llm

import "context"

// Request 描述一次补全请求。
type Request struct {
	System      string
	Prompt      string
	JSON        bool
	Temperature float64
}

// Response 是大模型返回的原始文本及用量。
type Response struct {
	Content          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
