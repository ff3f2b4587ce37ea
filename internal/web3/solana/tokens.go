package solana

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	solanago "github.com/gagliardetto/solana-go"
)

type tokenAccountsByOwner struct {
	Value []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Owner string `json:"owner"`
			Data  struct {
				Parsed struct {
					Info struct {
						Mint        string `json:"mint"`
						IsNative    bool   `json:"isNative"`
						TokenAmount struct {
							Amount         string   `json:"amount"`
							Decimals       uint8    `json:"decimals"`
							UIAmount       *float64 `json:"uiAmount"`
							UIAmountString string   `json:"uiAmountString"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// TokenAccounts enumerates the wallet's token accounts across every token
// program in one JSON-RPC batch and appends a synthetic entry for the native
// balance.
func (c *Client) TokenAccounts(ctx context.Context, owner string) ([]web3.TokenAccountInfo, error) {
	if c == nil || c.batch == nil {
		return nil, errors.New("未初始化的 Solana 客户端")
	}
	pk, err := solanago.PublicKeyFromBase58(strings.TrimSpace(owner))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "钱包地址无效")
	}

	results := make([]tokenAccountsByOwner, len(TokenPrograms))
	elems := make([]gethrpc.BatchElem, len(TokenPrograms))
	for i, program := range TokenPrograms {
		elems[i] = gethrpc.BatchElem{
			Method: "getTokenAccountsByOwner",
			Args: []any{
				pk.String(),
				map[string]string{"programId": program.String()},
				map[string]string{"encoding": "jsonParsed", "commitment": c.commitment},
			},
			Result: &results[i],
		}
	}

	if err := c.batch.BatchCallContext(ctx, elems); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainReadFailure, err, "批量查询代币账户失败")
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainReadFailure, elems[i].Error,
				fmt.Sprintf("查询代币程序 %s 的账户失败", TokenPrograms[i]))
		}
	}

	accounts := make([]web3.TokenAccountInfo, 0)
	for i, result := range results {
		for _, entry := range result.Value {
			info := entry.Account.Data.Parsed.Info
			program := TokenPrograms[i].String()
			accounts = append(accounts, web3.TokenAccountInfo{
				Mint:           info.Mint,
				Owner:          entry.Account.Owner,
				TokenProgramID: &program,
				IsNative:       info.IsNative,
				Amount:         info.TokenAmount.Amount,
				UIAmount:       uiAmount(info.TokenAmount.UIAmount, info.TokenAmount.UIAmountString),
				Decimals:       info.TokenAmount.Decimals,
			})
		}
	}

	lamports, err := c.Balance(ctx, owner)
	if err != nil {
		return nil, err
	}
	return append(accounts, NativeAccount(lamports)), nil
}

// NativeAccount describes a native balance in the same shape as a token
// account. Its token program is null so transfers built from it are native.
func NativeAccount(lamports uint64) web3.TokenAccountInfo {
	return web3.TokenAccountInfo{
		Mint:     solanago.SolMint.String(),
		Owner:    solanago.SystemProgramID.String(),
		IsNative: true,
		Amount:   strconv.FormatUint(lamports, 10),
		UIAmount: float64(lamports) / 1e9,
		Decimals: nativeDecimals,
	}
}

func uiAmount(value *float64, text string) float64 {
	if value != nil {
		return *value
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0
	}
	return parsed
}
