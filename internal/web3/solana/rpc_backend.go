package solana

import (
	"context"
	"errors"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// rpcBackend adapts the solana-go RPC client to the backend interface.
type rpcBackend struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

func newRPCBackend(endpoint, commitment string) *rpcBackend {
	return &rpcBackend{client: rpc.New(endpoint), commitment: rpc.CommitmentType(commitment)}
}

func (b *rpcBackend) GetBalance(ctx context.Context, owner solanago.PublicKey) (uint64, error) {
	out, err := b.client.GetBalance(ctx, owner, b.commitment)
	if err != nil {
		return 0, err
	}
	return out.Value, nil
}

func (b *rpcBackend) GetAccount(ctx context.Context, address solanago.PublicKey) (*accountInfo, error) {
	out, err := b.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solanago.EncodingBase64,
		Commitment: b.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}
	info := &accountInfo{Owner: out.Value.Owner}
	if out.Value.Data != nil {
		info.Data = out.Value.Data.GetBinary()
	}
	return info, nil
}

func (b *rpcBackend) LatestBlockhash(ctx context.Context) (solanago.Hash, error) {
	out, err := b.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solanago.Hash{}, err
	}
	if out == nil || out.Value == nil {
		return solanago.Hash{}, errors.New("empty blockhash response")
	}
	return out.Value.Blockhash, nil
}

func (b *rpcBackend) SendTransaction(ctx context.Context, tx *solanago.Transaction) (solanago.Signature, error) {
	return b.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: b.commitment,
	})
}

func (b *rpcBackend) SignatureStatus(ctx context.Context, sig solanago.Signature) (*signatureStatus, error) {
	out, err := b.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}
	status := out.Value[0]
	return &signatureStatus{
		Confirmed: status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
			status.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
		Err: status.Err,
	}, nil
}

func (b *rpcBackend) Close() error {
	return b.client.Close()
}
