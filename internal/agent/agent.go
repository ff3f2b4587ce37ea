package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/stream"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"

	"github.com/google/uuid"
)

const (
	defaultMaxIterations = 25
	alertTimeout         = 5 * time.Second
)

// Request is one free-text command together with the caller's capabilities.
type Request struct {
	ID         string
	Subject    string
	Query      string
	Wallet     web3.WalletCredential
	Network    web3.NetworkMode
	NativeOnly bool
}

// ToolCall records one dispatched tool.
type ToolCall struct {
	Tool tools.Name      `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Result summarises a finished run.
type Result struct {
	RequestID  string     `json:"requestId"`
	Outcome    string     `json:"outcome"`
	Output     string     `json:"output,omitempty"`
	Iterations int        `json:"iterations"`
	ToolCalls  []ToolCall `json:"toolCalls"`
	Signatures []string   `json:"signatures,omitempty"`
}

// Agent 驱动推理循环：调用大模型、分发工具并推送进度。一个 Agent 可被多个请求并发使用。
type Agent struct {
	llm           llm.Client
	tools         *tools.Registry
	maxIterations int
	retry         RetryPolicy
	llmTimeout    time.Duration
	alerts        alerting.Dispatcher
	metrics       *metrics.Agent
	log           *slog.Logger
	audit         *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxIterations 设置单次请求允许的推理轮数上限。
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithRetryPolicy 设置推理调用的重试次数与固定间隔。
func WithRetryPolicy(attempts int, delay time.Duration) Option {
	return func(a *Agent) {
		if attempts > 0 {
			a.retry.Attempts = attempts
		}
		if delay >= 0 {
			a.retry.Delay = delay
		}
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithAlertDispatcher 配置致命错误的告警通道。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(a *Agent) {
		a.alerts = d
	}
}

// WithMetrics 配置 Prometheus 指标。
func WithMetrics(m *metrics.Agent) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, registry *tools.Registry, opts ...Option) *Agent {
	ag := &Agent{
		llm:           llmClient,
		tools:         registry,
		maxIterations: defaultMaxIterations,
		retry:         RetryPolicy{Attempts: defaultRetryAttempts, Delay: defaultRetryDelay},
		log:           logger.Named("agent"),
		audit:         logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Run drives one request to a terminal step. Frames are written to w in
// production order and w is closed on every return path. The returned error
// is nil only when the model produced an output step.
func (a *Agent) Run(ctx context.Context, req Request, w stream.Writer) (*Result, error) {
	defer w.Close()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	result := &Result{RequestID: req.ID, ToolCalls: []ToolCall{}}
	log := a.log.With(
		slog.String("request_id", req.ID),
		slog.String("subject", req.Subject),
		slog.String("network", string(req.Network)),
	)

	if a.llm == nil || a.tools == nil {
		return a.fail(ctx, req, result, w, log, xerrors.New(xerrors.CodeInitializationFailure, "智能体未完成初始化"))
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return a.fail(ctx, req, result, w, log, xerrors.New(xerrors.CodeInvalidArgument, "查询内容不能为空"))
	}

	session, err := a.tools.NewSession(tools.SessionConfig{
		Subject:    req.Subject,
		Wallet:     req.Wallet,
		Network:    req.Network,
		NativeOnly: req.NativeOnly,
	})
	if err != nil {
		return a.fail(ctx, req, result, w, log, err)
	}
	defer session.Close()

	log.Info("开始处理请求", slog.Int("max_iterations", a.maxIterations))
	hist := newHistory(SystemPrompt(req.NativeOnly), query)

	for result.Iterations < a.maxIterations {
		if err := ctx.Err(); err != nil {
			return a.fail(ctx, req, result, w, log, xerrors.Wrap(xerrors.CodeRequestCancelled, err, "请求已取消"))
		}

		result.Iterations++
		step, err := a.reason(ctx, hist.transcript(), log)
		if err != nil {
			return a.fail(ctx, req, result, w, log, err)
		}
		log.Debug("收到推理步骤", slog.Int("iteration", result.Iterations), slog.String("step", string(step.Step)))

		switch step.Step {
		case StepOutput:
			result.Outcome = metrics.OutcomeOutput
			result.Output = step.Content
			a.emit(w, stream.Output(step.Content), log)
			a.metrics.RunFinished(result.Outcome, result.Iterations)
			log.Info("请求完成", slog.Int("iterations", result.Iterations), slog.Int("tool_calls", len(result.ToolCalls)))
			return result, nil

		case StepError:
			result.Outcome = metrics.OutcomeModelError
			a.emit(w, stream.Error(step.Content), log)
			a.metrics.RunFinished(result.Outcome, result.Iterations)
			log.Info("模型拒绝执行请求", slog.String("content", step.Content))
			return result, xerrors.New(xerrors.CodeModelRefused, step.Content)

		case StepStart, StepThink:
			hist.append(RoleAssistant, step.encode())
			if text := strings.TrimSpace(step.Content); text != "" {
				a.emit(w, stream.Status(text), log)
			}

		case StepObserve:
			hist.append(RoleAssistant, step.encode())

		case StepAction:
			hist.append(RoleAssistant, step.encode())
			observation, err := a.act(ctx, session, step, result, w, log)
			if err != nil {
				return a.fail(ctx, req, result, w, log, err)
			}
			hist.append(RoleAssistant, observation)

		default:
			hist.append(RoleAssistant, step.encode())
			hist.append(RoleAssistant, encodeObservation(tools.ErrorResult{
				Error: fmt.Sprintf("unknown step %q; allowed steps are start, think, action, observe, output, error", step.Step),
			}))
			log.Warn("未知的推理步骤", slog.String("step", string(step.Step)))
		}
	}

	return a.fail(ctx, req, result, w, log, xerrors.New(xerrors.CodeLoopExhausted,
		fmt.Sprintf("推理轮数达到上限 %d 仍未得到结果", a.maxIterations),
		xerrors.WithMetadata("iterations", fmt.Sprint(a.maxIterations))))
}

// act dispatches one action step and returns the observation to append.
func (a *Agent) act(ctx context.Context, session *tools.Session, step Step, result *Result, w stream.Writer, log *slog.Logger) (string, error) {
	name, ok := tools.Lookup(step.Content)
	if !ok {
		a.metrics.ToolCalled("unknown", "not_found")
		log.Warn("模型请求了未知工具", slog.String("tool", step.Content))
		return encodeObservation(tools.ErrorResult{
			Error: fmt.Sprintf("tool not found: %s; available tools: %s", step.Content, availableTools()),
		}), nil
	}
	if err := ctx.Err(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeRequestCancelled, err, "请求已取消")
	}

	a.emit(w, stream.Status(fmt.Sprintf("Running %s", name)), log)
	result.ToolCalls = append(result.ToolCalls, ToolCall{Tool: name, Args: step.Args})

	out, err := session.Dispatch(ctx, name, step.Args)
	if err != nil {
		if !xerrors.IsFatal(err) {
			a.metrics.ToolCalled(string(name), "error")
			log.Warn("工具调用失败，结果回传给模型", slog.String("tool", string(name)), slog.Any("error", err))
			return encodeObservation(tools.ErrorResult{Error: err.Error()}), nil
		}
		a.metrics.ToolCalled(string(name), "failed")
		return "", err
	}

	switch v := out.(type) {
	case tools.ErrorResult:
		a.metrics.ToolCalled(string(name), "error")
	case tools.ExecutionResult:
		result.Signatures = append(result.Signatures, v.Signature)
		a.metrics.ToolCalled(string(name), "ok")
		a.emit(w, stream.Status(fmt.Sprintf("Transaction confirmed: %s", v.Signature)), log)
	default:
		a.metrics.ToolCalled(string(name), "ok")
	}
	return encodeObservation(out), nil
}

func availableTools() string {
	names := tools.Names()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}

// fail emits the terminal error frame for err and records the outcome.
func (a *Agent) fail(ctx context.Context, req Request, result *Result, w stream.Writer, log *slog.Logger, err error) (*Result, error) {
	code := xerrors.CodeOf(err)
	result.Outcome = outcomeFor(code)
	a.emit(w, stream.Error(userMessage(err, result.Iterations)), log)
	a.metrics.RunFinished(result.Outcome, result.Iterations)

	attrs := []any{
		slog.String("code", string(code)),
		slog.Int("iterations", result.Iterations),
		slog.Any("error", err),
	}
	for k, v := range xerrors.MetadataOf(err) {
		attrs = append(attrs, slog.String("meta_"+k, v))
	}
	if code == xerrors.CodeRequestCancelled {
		log.Info("请求已取消", attrs...)
	} else {
		log.Error("请求失败", attrs...)
		a.audit.Warn("agent_failed", append([]any{
			slog.String("request_id", req.ID),
			slog.String("subject", req.Subject),
		}, attrs...)...)
	}

	if a.alerts != nil && xerrors.ShouldAlert(err) {
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
		defer cancel()
		if notifyErr := a.alerts.Notify(alertCtx, alerting.FromError(err, req.ID, req.Subject, result.Iterations)); notifyErr != nil {
			log.Warn("发送告警失败", slog.Any("error", notifyErr))
		}
	}
	return result, err
}

func (a *Agent) emit(w stream.Writer, f stream.Frame, log *slog.Logger) {
	if err := w.Emit(f); err != nil {
		log.Debug("推送进度失败", slog.String("kind", string(f.Kind)), slog.Any("error", err))
	}
}

func outcomeFor(code xerrors.Code) string {
	switch code {
	case xerrors.CodeLoopExhausted:
		return metrics.OutcomeLoopExhausted
	case xerrors.CodeRetriesExhausted:
		return metrics.OutcomeRetriesExhausted
	case xerrors.CodeRequestCancelled:
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeFailed
	}
}

// userMessage is the terminal error frame text. Loop exhaustion and an
// unavailable reasoning service read differently from a model refusal.
func userMessage(err error, iterations int) string {
	detail := err.Error()
	if e, ok := xerrors.From(err); ok {
		detail = e.Message()
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeLoopExhausted:
		return fmt.Sprintf("Stopped after %d steps without reaching an answer.", iterations)
	case xerrors.CodeRetriesExhausted:
		return "The reasoning service did not return a usable answer. Please try again later."
	case xerrors.CodeInstructionBuild:
		return "Could not prepare the transfer: " + detail
	case xerrors.CodeExecutionFailure:
		if sig := xerrors.MetadataOf(err)["signature"]; sig != "" {
			return fmt.Sprintf("The transaction failed (%s): %s", sig, detail)
		}
		return "The transaction failed: " + detail
	case xerrors.CodeRequestCancelled:
		return "Request cancelled."
	default:
		return "Request failed: " + detail
	}
}

func encodeObservation(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(encoded)
}
