// Package chainpilot is a Go client for the ChainPilot HTTP API.
package chainpilot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout applies to non-streaming calls made by clients created
// without a custom http.Client. Agent streams are never cut by it.
const DefaultHTTPTimeout = 15 * time.Second

// Event names used on the agent stream.
const (
	EventStatus = "status"
	EventOutput = "output"
	EventError  = "error"
	EventClose  = "close"
)

// ErrStreamTruncated is returned when the agent stream ends without a close event.
var ErrStreamTruncated = errors.New("chainpilot: stream ended before close event")

// Client wraps the HTTP interactions with the ChainPilot API.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	streamClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Frame is one server-sent event from the agent stream.
type Frame struct {
	Event string
	Data  string
}

// TransferRequest is the payload of a direct transfer. TokenMint and
// TokenProgramID are both nil for native SOL.
type TransferRequest struct {
	ToAddress      string  `json:"toAddress"`
	TokenMint      *string `json:"tokenMint,omitempty"`
	TokenProgramID *string `json:"tokenProgramId,omitempty"`
	Amount         float64 `json:"amount"`
	Decimals       int     `json:"decimals"`
}

// TransferResult is returned once a transfer is confirmed.
type TransferResult struct {
	Message      string `json:"message"`
	Signature    string `json:"signature"`
	Instructions int    `json:"instructions"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Signature  string `json:"signature,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainpilot api error (%d): %s", e.StatusCode, e.Message)
}

// RunError carries the text of the agent's terminal error event.
type RunError struct {
	RequestID string
	Message   string
}

func (e *RunError) Error() string {
	return "chainpilot agent error: " + e.Message
}

// NewClient instantiates a client for the API rooted at rawURL. When
// httpClient is nil a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	stream := *httpClient
	stream.Timeout = 0
	return &Client{baseURL: parsed, httpClient: httpClient, streamClient: &stream}, nil
}

// AccessToken returns the currently stored bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Health checks the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	return c.do(c.httpClient, req, nil)
}

// Transfer submits one transfer outside the agent loop.
func (c *Client) Transfer(ctx context.Context, transfer TransferRequest) (TransferResult, error) {
	body, err := json.Marshal(transfer)
	if err != nil {
		return TransferResult{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/transactions", nil, bytes.NewReader(body))
	if err != nil {
		return TransferResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var result TransferResult
	if err := c.do(c.httpClient, req, &result); err != nil {
		return TransferResult{}, err
	}
	return result, nil
}

// Run sends query to the agent and reads the stream until its close event.
// Every frame, including status updates, is passed to onFrame when it is not
// nil; returning an error from onFrame stops reading. Run returns the text of
// the output event, or a *RunError when the agent ended with an error event.
func (c *Client) Run(ctx context.Context, query string, onFrame func(Frame) error) (string, error) {
	q := url.Values{"q": {query}}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/agent", q, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", decodeAPIError(resp)
	}
	requestID := resp.Header.Get("X-Request-ID")

	var terminal *Frame
	err = readFrames(resp.Body, func(f Frame) error {
		if onFrame != nil {
			if err := onFrame(f); err != nil {
				return err
			}
		}
		switch f.Event {
		case EventOutput, EventError:
			if terminal == nil {
				frame := f
				terminal = &frame
			}
		case EventClose:
			return io.EOF
		}
		return nil
	})
	switch {
	case errors.Is(err, io.EOF):
	case err != nil:
		return "", err
	default:
		return "", ErrStreamTruncated
	}

	if terminal == nil {
		return "", &RunError{RequestID: requestID, Message: "stream closed without a result"}
	}
	if terminal.Event == EventError {
		return "", &RunError{RequestID: requestID, Message: terminal.Data}
	}
	return terminal.Data, nil
}

// readFrames parses an event stream and calls fn for each dispatched event.
// It returns nil at end of input and fn's error otherwise.
func readFrames(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		event   string
		data    []string
		hasData bool
	)
	dispatch := func() error {
		if event == "" && !hasData {
			return nil
		}
		if event == "" {
			event = "message"
		}
		f := Frame{Event: event, Data: strings.Join(data, "\n")}
		event, data, hasData = "", nil, false
		return fn(f)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return dispatch()
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if query != nil {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 && json.Unmarshal(data, apiErr) != nil {
		apiErr.Message = ""
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
