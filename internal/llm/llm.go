package llm

import "context"

// Request 描述一次推理调用。Transcript 是完整的对话记录，按行序列化为
// "[role] content" 格式，作为单个提示词发送。
type Request struct {
	Transcript string
}

// Response 是推理服务返回的原始文本，由调用方负责解析。
type Response struct {
	Text string
}

// Client 定义了调用推理服务的统一接口。实现需可被多个请求并发复用。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许普通函数满足 Client 接口。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 调用函数本身。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
