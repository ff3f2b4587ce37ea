package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"ChainPilot/internal/contacts"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/price"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"
)

// ChainResolver returns the shared chain client for a network.
type ChainResolver interface {
	Client(mode web3.NetworkMode) (web3.Client, error)
}

// Registry holds the collaborators shared by every session. It carries no
// request state.
type Registry struct {
	contacts contacts.Directory
	chains   ChainResolver
	oracle   price.Oracle
}

// NewRegistry wires the shared collaborators.
func NewRegistry(directory contacts.Directory, chains ChainResolver, oracle price.Oracle) *Registry {
	return &Registry{contacts: directory, chains: chains, oracle: oracle}
}

// SessionConfig identifies the caller of one request.
type SessionConfig struct {
	Subject    string
	Wallet     web3.WalletCredential
	Network    web3.NetworkMode
	NativeOnly bool
}

// Session dispatches tools for exactly one request and owns its pending
// instruction queue. It must not be shared between requests.
type Session struct {
	registry   *Registry
	subject    string
	wallet     web3.WalletCredential
	network    web3.NetworkMode
	nativeOnly bool
	client     web3.Client
	pending    []web3.PendingInstruction
	log        *slog.Logger
}

// NewSession resolves the chain client for cfg.Network.
func (r *Registry) NewSession(cfg SessionConfig) (*Session, error) {
	if r == nil || r.chains == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工具注册表未初始化")
	}
	client, err := r.chains.Client(cfg.Network)
	if err != nil {
		return nil, err
	}
	return &Session{
		registry:   r,
		subject:    cfg.Subject,
		wallet:     cfg.Wallet,
		network:    cfg.Network,
		nativeOnly: cfg.NativeOnly,
		client:     client,
		log: logger.Named("tools").With(
			slog.String("subject", cfg.Subject),
			slog.String("network", string(cfg.Network)),
		),
	}, nil
}

// Pending reports how many instructions are queued.
func (s *Session) Pending() int {
	return len(s.pending)
}

// Close drops any queued instructions.
func (s *Session) Close() {
	if n := len(s.pending); n > 0 {
		s.log.Info("丢弃未执行的指令", slog.Int("pending", n))
	}
	s.pending = nil
}

// Dispatch runs one tool and returns its JSON-serialisable result. A non-nil
// error is either CodeUnknownTool, which the caller turns into an
// observation, or a fatal error that ends the request.
func (s *Session) Dispatch(ctx context.Context, name Name, args json.RawMessage) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRequestCancelled, err, "请求已取消")
	}

	switch name {
	case GetContacts:
		return s.getContacts(ctx), nil
	case GetSolBalance:
		return s.getBalance(ctx), nil
	case GetAllTokenAccounts:
		return s.getTokenAccounts(ctx), nil
	case GetSolPrice:
		return s.getPrice(ctx), nil
	case CreateInstruction:
		return s.createInstruction(ctx, args)
	case ExecuteInstructions:
		return s.executeInstructions(ctx)
	default:
		return nil, xerrors.New(xerrors.CodeUnknownTool, fmt.Sprintf("tool not found: %s", name),
			xerrors.WithMetadata("tool", string(name)))
	}
}

func (s *Session) getContacts(ctx context.Context) any {
	if s.registry.contacts == nil {
		return ErrorResult{Error: "contacts directory unavailable"}
	}
	list, err := s.registry.contacts.List(ctx, s.subject)
	if err != nil {
		return s.readFailure(GetContacts, err)
	}
	if list == nil {
		list = []contacts.Contact{}
	}
	return ContactsResult(list)
}

func (s *Session) getBalance(ctx context.Context) any {
	lamports, err := s.client.Balance(ctx, s.wallet.PublicKey)
	if err != nil {
		return s.readFailure(GetSolBalance, err)
	}
	return BalanceResult{Lamports: lamports}
}

func (s *Session) getTokenAccounts(ctx context.Context) any {
	accounts, err := s.client.TokenAccounts(ctx, s.wallet.PublicKey)
	if err != nil {
		return s.readFailure(GetAllTokenAccounts, err)
	}
	if accounts == nil {
		accounts = []web3.TokenAccountInfo{}
	}
	return TokenAccountsResult(accounts)
}

func (s *Session) getPrice(ctx context.Context) any {
	if s.registry.oracle == nil {
		return ErrorResult{Error: "price oracle unavailable"}
	}
	quote, err := s.registry.oracle.Price(ctx)
	if err != nil {
		return s.readFailure(GetSolPrice, err)
	}
	return PriceResult(quote)
}

func (s *Session) readFailure(name Name, err error) ErrorResult {
	s.log.Warn("读取类工具失败", slog.String("tool", string(name)), slog.Any("error", err))
	return ErrorResult{Error: err.Error()}
}

func (s *Session) createInstruction(ctx context.Context, args json.RawMessage) (any, error) {
	req, err := ParseTransferRequest(args)
	if err != nil {
		return nil, err
	}
	if s.nativeOnly && !req.IsNative() {
		return nil, xerrors.New(xerrors.CodeInstructionBuild, "当前请求仅允许原生 SOL 转账",
			xerrors.WithMetadata("mint", strings.TrimSpace(deref(req.MintAddress))))
	}
	pending, err := s.client.BuildTransfer(ctx, s.wallet, req)
	if err != nil {
		return nil, err
	}
	s.pending = append(s.pending, pending)
	s.log.Info("指令已加入队列", slog.String("summary", pending.Summary()), slog.Int("pending", len(s.pending)))
	return InstructionQueued{
		Message: "Instruction created and added to the queue.",
		Summary: pending.Summary(),
		Pending: len(s.pending),
	}, nil
}

func (s *Session) executeInstructions(ctx context.Context) (any, error) {
	if len(s.pending) == 0 {
		return ErrorResult{Error: "no pending instructions; call createInstruction first"}, nil
	}
	batch := s.pending
	s.pending = nil

	signature, err := s.client.Execute(ctx, s.wallet, batch)
	if err != nil {
		return nil, err
	}
	return ExecutionResult{
		Message:      "This is the signature of the transaction: " + signature,
		Signature:    signature,
		Instructions: len(batch),
	}, nil
}

// Transfer builds one instruction and submits it immediately, bypassing the
// queue. The submission is never retried.
func (s *Session) Transfer(ctx context.Context, req web3.TransferRequest) (ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecutionResult{}, xerrors.Wrap(xerrors.CodeRequestCancelled, err, "请求已取消")
	}
	if s.nativeOnly && !req.IsNative() {
		return ExecutionResult{}, xerrors.New(xerrors.CodeInstructionBuild, "当前请求仅允许原生 SOL 转账")
	}
	pending, err := s.client.BuildTransfer(ctx, s.wallet, req)
	if err != nil {
		return ExecutionResult{}, err
	}
	signature, err := s.client.Execute(ctx, s.wallet, []web3.PendingInstruction{pending})
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{
		Message:      "Transaction successful with signature: " + signature,
		Signature:    signature,
		Instructions: 1,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
