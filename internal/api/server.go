package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/auth"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/stream"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/vault"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"

	"github.com/google/uuid"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
	maxTransferBodyBytes     = 64 << 10
)

// Server 负责暴露 HTTP 接口，供外部驱动智能体执行。
type Server struct {
	addr              string
	agent             *agent.Agent
	tools             *tools.Registry
	profiles          vault.Store
	auth              *auth.Service
	sink              stream.Sink
	metricsEnabled    bool
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	log               *slog.Logger
	audit             *slog.Logger
}

// Option 定义可选的服务配置。
type Option func(*Server)

// WithAuth 配置身份认证服务；未配置时所有请求使用本地默认身份。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithEventSink 将进度帧镜像到事件总线。
func WithEventSink(sink stream.Sink) Option {
	return func(s *Server) {
		s.sink = sink
	}
}

// WithMetrics 控制是否挂载 /metrics。
func WithMetrics(enabled bool) Option {
	return func(s *Server) {
		s.metricsEnabled = enabled
	}
}

// WithTimeouts 设置读取请求头与优雅关闭的超时时间。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag *agent.Agent, registry *tools.Registry, profiles vault.Store, opts ...Option) (*Server, error) {
	s := &Server{
		addr:              addr,
		agent:             ag,
		tools:             registry,
		profiles:          profiles,
		readHeaderTimeout: defaultReadHeaderTimeout,
		shutdownTimeout:   defaultShutdownTimeout,
		log:               logger.Named("api"),
		audit:             logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.auth == nil {
		svc, err := auth.NewService(auth.Config{Mode: auth.ModeDisabled})
		if err != nil {
			return nil, err
		}
		s.auth = svc
	}
	return s, nil
}

// Handler 返回挂载了全部路由的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	agentAuth := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{http.MethodGet: {auth.PermissionAgentRun}},
		AuditEvent:          "agent_request",
	})
	transferAuth := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{http.MethodPost: {auth.PermissionTransactionCreate}},
		AuditEvent:          "transaction_request",
	})

	mux.Handle("/api/v1/agent", instrument("agent", agentAuth(http.HandlerFunc(s.handleAgent))))
	mux.Handle("/api/v1/transactions", instrument("transactions", transferAuth(http.HandlerFunc(s.handleTransaction))))
	mux.Handle("/healthz", instrument("healthz", http.HandlerFunc(s.handleHealth)))
	if s.metricsEnabled {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleAgent 以 SSE 推送一次智能体请求的进度。校验失败时返回普通 HTTP 错误，
// 进入推理循环后所有结果都通过事件流返回。
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.agent == nil {
		http.Error(w, "Agent 未初始化", http.StatusServiceUnavailable)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		http.Error(w, "缺少查询参数 q", http.StatusBadRequest)
		return
	}

	profile, subject, ok := s.resolveProfile(w, r)
	if !ok {
		return
	}

	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)

	var writer stream.Writer = stream.NewSSEWriter(w)
	if s.sink != nil {
		writer = stream.Tee(writer, s.sink, requestID)
	}

	result, err := s.agent.Run(r.Context(), agent.Request{
		ID:         requestID,
		Subject:    subject,
		Query:      query,
		Wallet:     profile.Wallet,
		Network:    profile.Network,
		NativeOnly: profile.NativeOnly,
	}, writer)

	attrs := []any{
		slog.String("request_id", requestID),
		slog.String("subject", subject),
	}
	if result != nil {
		attrs = append(attrs,
			slog.String("outcome", result.Outcome),
			slog.Int("iterations", result.Iterations),
			slog.Int("tool_calls", len(result.ToolCalls)))
		if len(result.Signatures) > 0 {
			s.audit.Info("agent_transfer", append(attrs, slog.Any("signatures", result.Signatures))...)
		}
	}
	if err != nil {
		s.log.Info("智能体请求结束", append(attrs, slog.String("code", string(xerrors.CodeOf(err))))...)
		return
	}
	s.log.Info("智能体请求结束", attrs...)
}

// transferRequest 是直接转账接口的请求体。
type transferRequest struct {
	ToAddress      string  `json:"toAddress"`
	TokenMint      *string `json:"tokenMint"`
	TokenProgramID *string `json:"tokenProgramId"`
	Amount         float64 `json:"amount"`
	Decimals       *int    `json:"decimals"`
}

func (t transferRequest) toWeb3() (web3.TransferRequest, error) {
	if strings.TrimSpace(t.ToAddress) == "" {
		return web3.TransferRequest{}, errors.New("toAddress 不能为空")
	}
	if t.Amount <= 0 {
		return web3.TransferRequest{}, errors.New("amount 必须大于 0")
	}
	if t.Decimals == nil || *t.Decimals < 0 || *t.Decimals > 255 {
		return web3.TransferRequest{}, errors.New("decimals 必须在 0 到 255 之间")
	}
	return web3.TransferRequest{
		ToAddress:      strings.TrimSpace(t.ToAddress),
		Amount:         t.Amount,
		Decimals:       uint8(*t.Decimals),
		MintAddress:    t.TokenMint,
		TokenProgramID: t.TokenProgramID,
	}, nil
}

// handleTransaction 直接构建并提交一笔转账，不经过推理循环，也不重试。
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.tools == nil {
		http.Error(w, "工具注册表未初始化", http.StatusServiceUnavailable)
		return
	}

	var body transferRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTransferBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	req, err := body.toWeb3()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	profile, subject, ok := s.resolveProfile(w, r)
	if !ok {
		return
	}

	session, err := s.tools.NewSession(tools.SessionConfig{
		Subject:    subject,
		Wallet:     profile.Wallet,
		Network:    profile.Network,
		NativeOnly: profile.NativeOnly,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer session.Close()

	result, err := session.Transfer(r.Context(), req)
	attrs := []any{
		slog.String("subject", subject),
		slog.String("network", string(profile.Network)),
		slog.String("to", req.ToAddress),
		slog.Float64("amount", req.Amount),
		slog.Bool("native", req.IsNative()),
	}
	if err != nil {
		s.audit.Warn("transfer_failed", append(attrs,
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))...)
		writeError(w, err)
		return
	}
	s.audit.Info("transfer_submitted", append(attrs, slog.String("signature", result.Signature))...)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveProfile 读取当前调用方的钱包档案，失败时写出错误响应。
func (s *Server) resolveProfile(w http.ResponseWriter, r *http.Request) (*vault.Profile, string, bool) {
	subject := auth.SubjectFromContext(r.Context())
	if subject == nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return nil, "", false
	}
	if s.profiles == nil {
		http.Error(w, "钱包档案未配置", http.StatusServiceUnavailable)
		return nil, "", false
	}
	profile, err := s.profiles.Profile(r.Context(), subject.ID)
	if err != nil {
		s.log.Warn("读取钱包档案失败", slog.String("subject", subject.ID), slog.Any("error", err))
		writeError(w, err)
		return nil, "", false
	}
	return profile, subject.ID, true
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeInstructionBuild:
		return http.StatusBadRequest
	case xerrors.CodeUnauthenticated:
		return http.StatusForbidden
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeRequestCancelled:
		return 499
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeExecutionFailure, xerrors.CodeChainReadFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Signature string `json:"signature,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		Code:      string(xerrors.CodeOf(err)),
		Message:   err.Error(),
		Retryable: xerrors.RetryableError(err),
	}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	body.Signature = xerrors.MetadataOf(err)["signature"]
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Named("api").Debug("写出响应失败", slog.Any("error", err))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrument 记录每个路由的请求数、错误数与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

