// Package price fetches the current native asset price from a public oracle.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "ChainPilot/internal/errors"
)

const (
	defaultBaseURL  = "https://api.coingecko.com/api/v3"
	defaultAsset    = "solana"
	defaultCurrency = "usd"
	defaultTimeout  = 10 * time.Second
)

// Quote is a spot price of Asset expressed in Currency.
type Quote struct {
	Asset    string  `json:"asset"`
	Currency string  `json:"currency"`
	Price    float64 `json:"price"`
}

// Oracle returns the current price.
type Oracle interface {
	Price(ctx context.Context) (Quote, error)
}

// Config describes the CoinGecko endpoint.
type Config struct {
	BaseURL  string
	Asset    string
	Currency string
	APIKey   string
	Timeout  time.Duration
}

// CoinGecko queries the simple/price endpoint.
type CoinGecko struct {
	baseURL    string
	asset      string
	currency   string
	apiKey     string
	httpClient *http.Client
}

// NewCoinGecko builds an oracle with defaults for the native asset in USD.
func NewCoinGecko(cfg Config) *CoinGecko {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	asset := strings.ToLower(strings.TrimSpace(cfg.Asset))
	if asset == "" {
		asset = defaultAsset
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &CoinGecko{
		baseURL:    baseURL,
		asset:      asset,
		currency:   currency,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Price fetches the current quote.
func (c *CoinGecko) Price(ctx context.Context) (Quote, error) {
	query := url.Values{}
	query.Set("ids", c.asset)
	query.Set("vs_currencies", c.currency)
	endpoint := c.baseURL + "/simple/price?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, xerrors.Wrap(xerrors.CodePriceUnavailable, err, "构建价格请求失败")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Quote{}, xerrors.Wrap(xerrors.CodePriceUnavailable, err, "请求价格服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, xerrors.New(xerrors.CodePriceUnavailable,
			fmt.Sprintf("价格服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Quote{}, xerrors.Wrap(xerrors.CodePriceUnavailable, err, "解析价格响应失败")
	}
	value, ok := decoded[c.asset][c.currency]
	if !ok {
		return Quote{}, xerrors.Wrap(xerrors.CodePriceUnavailable,
			errors.New("missing quote"), fmt.Sprintf("价格响应缺少 %s/%s", c.asset, c.currency))
	}
	return Quote{Asset: c.asset, Currency: c.currency, Price: value}, nil
}

// Key identifies the quote in a shared cache.
func (c *CoinGecko) Key() string {
	return "chainpilot:price:" + c.asset + ":" + c.currency
}
