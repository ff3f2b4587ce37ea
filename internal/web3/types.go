package web3

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// NetworkMode selects which cluster a request reads from and writes to. It is
// fixed for the lifetime of one request.
type NetworkMode string

const (
	NetworkDevnet  NetworkMode = "devnet"
	NetworkMainnet NetworkMode = "mainnet"
)

// ParseNetworkMode normalises user supplied network names.
func ParseNetworkMode(raw string) (NetworkMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "devnet":
		return NetworkDevnet, nil
	case "mainnet", "mainnet-beta":
		return NetworkMainnet, nil
	default:
		return "", fmt.Errorf("unsupported network mode %q", raw)
	}
}

// Valid reports whether m is one of the supported modes.
func (m NetworkMode) Valid() bool {
	return m == NetworkDevnet || m == NetworkMainnet
}

// WalletCredential is the signing capability for one request. It is supplied
// by an external store and must never be logged or cached.
type WalletCredential struct {
	PublicKey string `json:"publicKey" yaml:"public_key"`
	SecretKey string `json:"-" yaml:"secret_key"`
}

// String hides the secret key from fmt verbs.
func (w WalletCredential) String() string {
	return fmt.Sprintf("wallet(%s)", w.PublicKey)
}

// LogValue hides the secret key from slog output.
func (w WalletCredential) LogValue() slog.Value {
	return slog.StringValue(w.PublicKey)
}

// Empty reports whether the credential carries no signing material.
func (w WalletCredential) Empty() bool {
	return strings.TrimSpace(w.SecretKey) == ""
}

// TokenAccountInfo is a read-only snapshot of one balance held by a wallet.
// Owner is the program that owns the account, which is what a token transfer
// expects as tokenProgramId.
type TokenAccountInfo struct {
	Mint           string  `json:"mint"`
	Owner          string  `json:"owner"`
	TokenProgramID *string `json:"tokenProgramId"`
	IsNative       bool    `json:"isNative"`
	Amount         string  `json:"amount"`
	UIAmount       float64 `json:"uiAmount"`
	Decimals       uint8   `json:"decimals"`
}

// TransferRequest carries validated createInstruction arguments.
type TransferRequest struct {
	ToAddress      string  `json:"toAddress"`
	Amount         float64 `json:"amount"`
	Decimals       uint8   `json:"decimals"`
	MintAddress    *string `json:"mintAddress"`
	TokenProgramID *string `json:"tokenProgramId"`
}

// IsNative reports whether the request moves the native asset. Both token
// identifiers must be present for a token transfer.
func (r TransferRequest) IsNative() bool {
	return blank(r.MintAddress) || blank(r.TokenProgramID)
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

// PendingInstruction is an opaque, not yet submitted transfer. Only the chain
// client that built it can execute it.
type PendingInstruction interface {
	Summary() string
}

// Client defines what the agent needs from a chain implementation. Clients
// are shared across requests and must not hold per-request state.
type Client interface {
	Balance(ctx context.Context, owner string) (uint64, error)
	TokenAccounts(ctx context.Context, owner string) ([]TokenAccountInfo, error)
	BuildTransfer(ctx context.Context, wallet WalletCredential, req TransferRequest) (PendingInstruction, error)
	Execute(ctx context.Context, wallet WalletCredential, batch []PendingInstruction) (string, error)
	Close()
}
