package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	defaultConfirmTimeout = 60 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultCommitment     = "confirmed"
)

// Config describes how to construct a Solana client for one cluster.
type Config struct {
	Network        web3.NetworkMode
	RPCURL         string
	BatchRPCURL    string
	Commitment     string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// accountInfo is the subset of account state the builder inspects.
type accountInfo struct {
	Owner solanago.PublicKey
	Data  []byte
}

// signatureStatus is nil-able: a nil status means the cluster has not seen
// the signature yet.
type signatureStatus struct {
	Confirmed bool
	Err       any
}

// backend mirrors the RPC calls the client depends on.
type backend interface {
	GetBalance(ctx context.Context, owner solanago.PublicKey) (uint64, error)
	GetAccount(ctx context.Context, address solanago.PublicKey) (*accountInfo, error)
	LatestBlockhash(ctx context.Context) (solanago.Hash, error)
	SendTransaction(ctx context.Context, tx *solanago.Transaction) (solanago.Signature, error)
	SignatureStatus(ctx context.Context, sig solanago.Signature) (*signatureStatus, error)
	Close() error
}

// batchCaller is satisfied by *gethrpc.Client.
type batchCaller interface {
	BatchCallContext(ctx context.Context, b []gethrpc.BatchElem) error
	Close()
}

// Client implements web3.Client for a Solana cluster. It holds no request
// state and is safe for concurrent use.
type Client struct {
	network        web3.NetworkMode
	commitment     string
	backend        backend
	batch          batchCaller
	confirmTimeout time.Duration
	pollInterval   time.Duration
	log            *slog.Logger
	closeOnce      sync.Once
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("网络 %s 未配置 Solana RPC 地址", cfg.Network)
	}
	batchURL := strings.TrimSpace(cfg.BatchRPCURL)
	if batchURL == "" {
		batchURL = rpcURL
	}

	batch, err := gethrpc.DialContext(ctx, batchURL)
	if err != nil {
		return nil, fmt.Errorf("连接批量 RPC 节点失败: %w", err)
	}

	commitment := normaliseCommitment(cfg.Commitment)
	return newClient(cfg, newRPCBackend(rpcURL, commitment), batch), nil
}

func newClient(cfg Config, b backend, batch batchCaller) *Client {
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Client{
		network:        cfg.Network,
		commitment:     normaliseCommitment(cfg.Commitment),
		backend:        b,
		batch:          batch,
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
		log:            logger.Named("solana").With(slog.String("network", string(cfg.Network))),
	}
}

func normaliseCommitment(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "processed":
		return "processed"
	case "finalized":
		return "finalized"
	default:
		return defaultCommitment
	}
}

// Network reports the cluster this client targets.
func (c *Client) Network() web3.NetworkMode {
	return c.network
}

// Close releases network connections held by the client. The fields stay
// set, so a call still in flight fails on the closed transport instead of
// dereferencing a nil backend.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.backend != nil {
			if err := c.backend.Close(); err != nil {
				c.log.Warn("关闭 RPC 客户端失败", slog.Any("error", err))
			}
		}
		if c.batch != nil {
			c.batch.Close()
		}
	})
}

// Balance returns the native balance of owner in lamports.
func (c *Client) Balance(ctx context.Context, owner string) (uint64, error) {
	if c == nil || c.backend == nil {
		return 0, errors.New("未初始化的 Solana 客户端")
	}
	pk, err := solanago.PublicKeyFromBase58(strings.TrimSpace(owner))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "钱包地址无效")
	}
	lamports, err := c.backend.GetBalance(ctx, pk)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainReadFailure, err, "查询余额失败")
	}
	return lamports, nil
}

func parseKeypair(wallet web3.WalletCredential) (solanago.PrivateKey, error) {
	key, err := solanago.PrivateKeyFromBase58(strings.TrimSpace(wallet.SecretKey))
	if err != nil {
		return nil, errors.New("钱包私钥格式错误")
	}
	if len(key) != 64 {
		return nil, errors.New("钱包私钥长度错误")
	}
	if pub := strings.TrimSpace(wallet.PublicKey); pub != "" && pub != key.PublicKey().String() {
		return nil, errors.New("钱包公钥与私钥不匹配")
	}
	return key, nil
}

var _ web3.Client = (*Client)(nil)
