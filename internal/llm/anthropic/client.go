package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ChainPilot/internal/llm"

	"github.com/liushuangls/go-anthropic/v2"
)

const (
	defaultModelName = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
)

// Config 描述了调用 Anthropic Messages API 所需的信息。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Client 基于 go-anthropic SDK 调用 Claude 模型。
type Client struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

// NewClient 根据配置创建 Anthropic 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}

	var opts []anthropic.ClientOption
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		client:    anthropic.NewClient(apiKey, opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Generate 将对话记录作为单条用户消息发送，拼接返回的文本块。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	temperature := float32(0.2)
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model: anthropic.Model(c.model),
		Messages: []anthropic.Message{
			{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(req.Transcript)},
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("请求 Anthropic 失败: %w", err)
	}

	var builder strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			builder.WriteString(*block.Text)
		}
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return nil, errors.New("Anthropic 响应内容为空")
	}
	return &llm.Response{Text: text}, nil
}
