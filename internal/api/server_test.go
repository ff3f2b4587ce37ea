package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/contacts"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/stream"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/vault"
	"ChainPilot/internal/web3"
)

const profilesYAML = `
profiles:
  - subject: alice
    network: devnet
    wallet:
      public_key: AliceWallet111111111111111111111111111111
      secret_key: alice-secret
  - subject: ops
    network: devnet
    native_only: true
    wallet:
      public_key: OpsWallet1111111111111111111111111111111
      secret_key: ops-secret
`

type pendingStub struct{ to string }

func (p pendingStub) Summary() string { return p.to }

type chainStub struct {
	mu         sync.Mutex
	executed   int
	executeErr error
}

func (c *chainStub) Balance(context.Context, string) (uint64, error) { return 1, nil }

func (c *chainStub) TokenAccounts(context.Context, string) ([]web3.TokenAccountInfo, error) {
	return nil, nil
}

func (c *chainStub) BuildTransfer(_ context.Context, _ web3.WalletCredential, req web3.TransferRequest) (web3.PendingInstruction, error) {
	return pendingStub{to: req.ToAddress}, nil
}

func (c *chainStub) Execute(context.Context, web3.WalletCredential, []web3.PendingInstruction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executeErr != nil {
		return "", c.executeErr
	}
	c.executed++
	return "sig-123", nil
}

func (c *chainStub) Close() {}

type resolverStub struct{ client web3.Client }

func (r resolverStub) Client(web3.NetworkMode) (web3.Client, error) { return r.client, nil }

type sinkStub struct {
	mu     sync.Mutex
	frames []stream.Frame
	ids    map[string]struct{}
}

func (s *sinkStub) Send(requestID string, f stream.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	s.ids[requestID] = struct{}{}
	s.frames = append(s.frames, f)
}

func newTestServer(t *testing.T, chain *chainStub, model llm.Client, opts ...Option) http.Handler {
	t.Helper()
	profiles, err := vault.Parse([]byte(profilesYAML))
	if err != nil {
		t.Fatalf("parse profiles: %v", err)
	}
	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeStatic,
		Tokens: []auth.StaticToken{
			{Token: "alice-token", Subject: "alice", Permissions: []string{auth.PermissionAgentRun}},
			{Token: "ops-token", Subject: "ops", Permissions: []string{"*"}},
			{Token: "ghost-token", Subject: "ghost", Permissions: []string{"*"}},
		},
	})
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	registry := tools.NewRegistry(contacts.NewMemoryDirectory(), resolverStub{client: chain}, nil)
	ag := agent.New(model, registry, agent.WithRetryPolicy(1, 0))

	server, err := NewServer(":0", ag, registry, profiles, append([]Option{WithAuth(svc), WithMetrics(true)}, opts...)...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return server.Handler()
}

func outputModel(text string) llm.Client {
	return llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: `{"step":"output","content":"` + text + `"}`}, nil
	})
}

func do(t *testing.T, h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, &chainStub{}, outputModel("ok"))
	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, &chainStub{}, outputModel("ok"))
	do(t, h, http.MethodGet, "/healthz", "", "")
	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "chainpilot_http_requests_total") {
		t.Fatalf("metrics not exposed: %d", rec.Code)
	}
}

func TestAgentStreamsFrames(t *testing.T) {
	sink := &sinkStub{}
	h := newTestServer(t, &chainStub{}, outputModel("all done"), WithEventSink(sink))

	rec := do(t, h, http.MethodGet, "/api/v1/agent?q=hello", "alice-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: output\ndata: all done\n\n") {
		t.Fatalf("output frame missing:\n%s", body)
	}
	if !strings.HasSuffix(body, "event: close\ndata: \n\n") || strings.Count(body, "event: close") != 1 {
		t.Fatalf("stream must end with exactly one close frame:\n%s", body)
	}
	requestID := rec.Header().Get("X-Request-ID")
	if _, ok := sink.ids[requestID]; !ok || len(sink.ids) != 1 {
		t.Fatalf("sink must receive frames tagged %q, got %v", requestID, sink.ids)
	}
	if len(sink.frames) != 2 || sink.frames[0].Kind != stream.KindOutput || sink.frames[1].Kind != stream.KindClose {
		t.Fatalf("unexpected mirrored frames %+v", sink.frames)
	}
}

func TestAgentRequestErrors(t *testing.T) {
	h := newTestServer(t, &chainStub{}, outputModel("x"))

	cases := []struct {
		name   string
		method string
		target string
		token  string
		want   int
	}{
		{"missing token", http.MethodGet, "/api/v1/agent?q=hi", "", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "/api/v1/agent?q=hi", "nope", http.StatusUnauthorized},
		{"missing query", http.MethodGet, "/api/v1/agent", "alice-token", http.StatusBadRequest},
		{"blank query", http.MethodGet, "/api/v1/agent?q=%20%20", "alice-token", http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/api/v1/agent?q=hi", "ops-token", http.StatusMethodNotAllowed},
		{"no profile", http.MethodGet, "/api/v1/agent?q=hi", "ghost-token", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.target, tc.token, "")
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAgentFailureStaysInStream(t *testing.T) {
	model := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: `{"step":"error","content":"cannot help"}`}, nil
	})
	h := newTestServer(t, &chainStub{}, model)
	rec := do(t, h, http.MethodGet, "/api/v1/agent?q=hi", "alice-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status must stay 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "event: error\ndata: cannot help\n\n") {
		t.Fatalf("error frame missing:\n%s", rec.Body.String())
	}
}

func TestTransactionSubmitted(t *testing.T) {
	chain := &chainStub{}
	h := newTestServer(t, chain, outputModel("x"))

	rec := do(t, h, http.MethodPost, "/api/v1/transactions", "ops-token",
		`{"toAddress":"Recipient1111111111111111111111111111111","amount":0.5,"decimals":9}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var got tools.ExecutionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Signature != "sig-123" || !strings.HasPrefix(got.Message, "Transaction successful") || chain.executed != 1 {
		t.Fatalf("unexpected result %+v executed=%d", got, chain.executed)
	}
}

func TestTransactionErrors(t *testing.T) {
	valid := `{"toAddress":"Recipient1111111111111111111111111111111","amount":1,"decimals":9}`
	token := `{"toAddress":"Recipient1111111111111111111111111111111","amount":1,"decimals":6,"tokenMint":"Mint","tokenProgramId":"Prog"}`

	cases := []struct {
		name  string
		token string
		body  string
		chain *chainStub
		want  int
	}{
		{"permission denied", "alice-token", valid, &chainStub{}, http.StatusForbidden},
		{"malformed body", "ops-token", `{"toAddress":`, &chainStub{}, http.StatusBadRequest},
		{"unknown field", "ops-token", `{"to":"x","amount":1,"decimals":9}`, &chainStub{}, http.StatusBadRequest},
		{"missing decimals", "ops-token", `{"toAddress":"x","amount":1}`, &chainStub{}, http.StatusBadRequest},
		{"zero amount", "ops-token", `{"toAddress":"x","amount":0,"decimals":9}`, &chainStub{}, http.StatusBadRequest},
		{"native only", "ops-token", token, &chainStub{}, http.StatusBadRequest},
		{"execution failure", "ops-token", valid, &chainStub{executeErr: xerrors.New(xerrors.CodeExecutionFailure, "rejected",
			xerrors.WithMetadata("signature", "sig-failed"))}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(t, tc.chain, outputModel("x"))
			rec := do(t, h, http.MethodPost, "/api/v1/transactions", tc.token, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
			if tc.chain.executed != 0 {
				t.Fatalf("nothing may be submitted")
			}
		})
	}

	h := newTestServer(t, &chainStub{executeErr: xerrors.New(xerrors.CodeExecutionFailure, "rejected",
		xerrors.WithMetadata("signature", "sig-failed"))}, outputModel("x"))
	rec := do(t, h, http.MethodPost, "/api/v1/transactions", "ops-token", valid)
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != string(xerrors.CodeExecutionFailure) || body.Signature != "sig-failed" || body.Message != "rejected" || body.Retryable {
		t.Fatalf("unexpected error body %+v", body)
	}

	h = newTestServer(t, &chainStub{executeErr: xerrors.New(xerrors.CodeChainReadFailure, "blockhash unavailable")}, outputModel("x"))
	rec = do(t, h, http.MethodPost, "/api/v1/transactions", "ops-token", valid)
	body = errorBody{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusBadGateway || !body.Retryable {
		t.Fatalf("chain read failures should be reported as retryable, got %d %+v", rec.Code, body)
	}
}

func TestStatusRecorderKeepsFlusher(t *testing.T) {
	var rw http.ResponseWriter = &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, ok := rw.(http.Flusher); !ok {
		t.Fatalf("statusRecorder must implement http.Flusher")
	}
}
