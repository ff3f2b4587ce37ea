package solana

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"

	solanago "github.com/gagliardetto/solana-go"
)

// Execute assembles every pending transfer into one transaction, signs it
// with wallet, submits it and waits for confirmation. Submission is never
// retried here.
func (c *Client) Execute(ctx context.Context, wallet web3.WalletCredential, batch []web3.PendingInstruction) (string, error) {
	if c == nil || c.backend == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未初始化的 Solana 客户端")
	}
	if len(batch) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "没有待执行的指令")
	}

	key, err := parseKeypair(wallet)
	if err != nil {
		return "", executionError(err, "钱包凭证无效", "assemble", "")
	}
	payer := key.PublicKey()

	instructions := make([]solanago.Instruction, 0, len(batch))
	summaries := make([]string, 0, len(batch))
	for i, item := range batch {
		pending, ok := item.(*pendingTransfer)
		if !ok || pending == nil {
			return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 条指令不是 Solana 指令", i))
		}
		if !pending.payer.Equals(payer) {
			return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 条指令的付款方与钱包不一致", i))
		}
		instructions = append(instructions, pending.instructions...)
		summaries = append(summaries, pending.summary)
	}

	blockhash, err := c.backend.LatestBlockhash(ctx)
	if err != nil {
		return "", executionError(err, "获取最新区块哈希失败", "blockhash", "")
	}

	tx, err := solanago.NewTransaction(instructions, blockhash, solanago.TransactionPayer(payer))
	if err != nil {
		return "", executionError(err, "组装交易失败", "assemble", "")
	}
	if _, err := tx.Sign(func(candidate solanago.PublicKey) *solanago.PrivateKey {
		if candidate.Equals(payer) {
			return &key
		}
		return nil
	}); err != nil {
		return "", executionError(err, "交易签名失败", "sign", "")
	}

	// A signed transaction may land even if the caller disconnects.
	submitCtx := context.WithoutCancel(ctx)

	sig, err := c.backend.SendTransaction(submitCtx, tx)
	if err != nil {
		return "", executionError(err, "提交交易失败", "submit", "")
	}

	logger.Audit().Info("transaction submitted",
		slog.String("network", string(c.network)),
		slog.String("payer", payer.String()),
		slog.String("signature", sig.String()),
		slog.Any("instructions", summaries))

	if err := c.awaitConfirmation(submitCtx, sig); err != nil {
		logger.Audit().Warn("transaction not confirmed",
			slog.String("network", string(c.network)),
			slog.String("signature", sig.String()),
			slog.Any("error", err))
		return "", err
	}

	logger.Audit().Info("transaction confirmed",
		slog.String("network", string(c.network)),
		slog.String("signature", sig.String()))
	return sig.String(), nil
}

func (c *Client) awaitConfirmation(ctx context.Context, sig solanago.Signature) error {
	deadline := time.Now().Add(c.confirmTimeout)
	for {
		status, err := c.backend.SignatureStatus(ctx, sig)
		switch {
		case err != nil:
			c.log.Warn("查询交易状态失败", slog.String("signature", sig.String()), slog.Any("error", err))
		case status != nil && status.Err != nil:
			return executionError(fmt.Errorf("%v", status.Err), "交易在链上执行失败", "confirm", sig.String())
		case status != nil && status.Confirmed:
			return nil
		}

		if !time.Now().Before(deadline) {
			return executionError(nil, "等待交易确认超时", "confirm_timeout", sig.String())
		}
		time.Sleep(c.pollInterval)
	}
}

func executionError(cause error, message, stage, signature string) error {
	opts := []xerrors.Option{xerrors.WithMetadata("stage", stage)}
	if signature != "" {
		opts = append(opts, xerrors.WithMetadata("signature", signature))
	}
	if cause == nil {
		return xerrors.New(xerrors.CodeExecutionFailure, message, opts...)
	}
	return xerrors.Wrap(xerrors.CodeExecutionFailure, cause, message, opts...)
}
