package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/observability/metrics"
)

// ErrNoResult is returned once every reasoning attempt has failed.
var ErrNoResult = xerrors.New(xerrors.CodeRetriesExhausted, "推理服务多次重试后仍无有效结果")

const (
	defaultRetryAttempts = 10
	defaultRetryDelay    = 2 * time.Second
)

// RetryPolicy retries a failed reasoning attempt a bounded number of times
// with a fixed delay. Transport and parse failures are retried identically.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// reason performs one retry-wrapped reasoning call and returns the parsed
// step. On exhaustion the error matches ErrNoResult.
func (a *Agent) reason(ctx context.Context, transcript string, log *slog.Logger) (Step, error) {
	var lastErr error
	for attempt := 1; attempt <= a.retry.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Step{}, xerrors.Wrap(xerrors.CodeRequestCancelled, err, "请求已取消")
		}

		step, kind, err := a.attempt(ctx, transcript)
		if err == nil {
			return step, nil
		}
		if ctx.Err() != nil {
			return Step{}, xerrors.Wrap(xerrors.CodeRequestCancelled, ctx.Err(), "请求已取消")
		}

		lastErr = err
		a.metrics.RetryObserved(kind)
		log.Warn("推理调用失败",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", a.retry.Attempts),
			slog.String("kind", kind),
			slog.Any("error", err))

		if attempt == a.retry.Attempts {
			break
		}
		if err := sleepContext(ctx, a.retry.Delay); err != nil {
			return Step{}, xerrors.Wrap(xerrors.CodeRequestCancelled, err, "请求已取消")
		}
	}
	return Step{}, xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("推理服务 %d 次重试后仍无有效结果", a.retry.Attempts))
}

// attempt never panics; a panic in the reasoning client is reported as a
// transport failure.
func (a *Agent) attempt(ctx context.Context, transcript string) (step Step, kind string, err error) {
	defer func() {
		if r := recover(); r != nil {
			step, kind, err = Step{}, metrics.RetryTransport, fmt.Errorf("reasoning client panic: %v", r)
		}
	}()

	callCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	resp, err := a.llm.Generate(callCtx, llm.Request{Transcript: transcript})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return Step{}, metrics.RetryTransport, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return Step{}, metrics.RetryTransport, xerrors.Wrap(xerrors.CodeReasoningFailure, err, "大模型推理失败")
	}
	if resp == nil {
		return Step{}, metrics.RetryTransport, xerrors.New(xerrors.CodeReasoningFailure, "大模型返回空响应")
	}
	parsed, err := ParseStep(resp.Text)
	if err != nil {
		return Step{}, metrics.RetryParse, xerrors.Wrap(xerrors.CodeReasoningFailure, err, "解析大模型输出失败")
	}
	return parsed, "", nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
