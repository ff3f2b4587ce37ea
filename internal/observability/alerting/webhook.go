package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// HTTPWebhookSender 以 JSON POST 的方式把告警文本发送到 webhook 地址。
type HTTPWebhookSender struct {
	url        string
	httpClient *http.Client
}

// NewHTTPWebhookSender 创建 webhook 发送器，httpClient 为空时使用带超时的默认客户端。
func NewHTTPWebhookSender(url string, httpClient *http.Client) (*HTTPWebhookSender, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("webhook 地址不能为空")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &HTTPWebhookSender{url: url, httpClient: httpClient}, nil
}

// Send 投递一条告警，非 2xx 响应视为失败。
func (s *HTTPWebhookSender) Send(ctx context.Context, content string) error {
	body, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return fmt.Errorf("序列化 webhook 内容失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送 webhook 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook 返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
