package solana

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// TokenPrograms lists every token program variant the client understands.
var TokenPrograms = []solanago.PublicKey{solanago.TokenProgramID, solanago.Token2022ProgramID}

const (
	nativeDecimals = 9

	mintAccountSize     = 82
	mintDecimalsOffset  = 44
	mintInitialisedFlag = 45

	instructionTransferChecked  = 12
	instructionCreateIdempotent = 1
)

// pendingTransfer is the Solana PendingInstruction: the transfer itself plus
// any account creation it depends on, kept together so they land atomically.
type pendingTransfer struct {
	instructions []solanago.Instruction
	payer        solanago.PublicKey
	summary      string
}

func (p *pendingTransfer) Summary() string {
	return p.summary
}

// BuildTransfer turns validated createInstruction arguments into one pending
// transfer. It only reads chain state; nothing is submitted.
func (c *Client) BuildTransfer(ctx context.Context, wallet web3.WalletCredential, req web3.TransferRequest) (web3.PendingInstruction, error) {
	if c == nil || c.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的 Solana 客户端")
	}

	key, err := parseKeypair(wallet)
	if err != nil {
		return nil, buildError(err, "钱包凭证无效")
	}
	owner := key.PublicKey()

	to, err := solanago.PublicKeyFromBase58(strings.TrimSpace(req.ToAddress))
	if err != nil {
		return nil, buildError(err, "收款地址无效", xerrors.WithMetadata("to", req.ToAddress))
	}

	units, err := BaseUnits(req.Amount, req.Decimals)
	if err != nil {
		return nil, err
	}

	var pending *pendingTransfer
	if req.IsNative() {
		pending, err = c.buildNative(owner, to, units, req.Decimals)
	} else {
		pending, err = c.buildToken(ctx, owner, to, units, req)
	}
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (c *Client) buildNative(owner, to solanago.PublicKey, lamports uint64, decimals uint8) (*pendingTransfer, error) {
	if decimals != nativeDecimals {
		return nil, xerrors.New(xerrors.CodeInstructionBuild,
			fmt.Sprintf("原生资产精度应为 %d，实际为 %d", nativeDecimals, decimals),
			xerrors.WithMetadata("decimals", strconv.Itoa(int(decimals))))
	}
	ix := system.NewTransferInstruction(lamports, owner, to).Build()
	pending := &pendingTransfer{
		instructions: []solanago.Instruction{ix},
		payer:        owner,
		summary:      fmt.Sprintf("transfer %d lamports to %s", lamports, to),
	}
	c.log.Debug("native transfer built", slog.String("to", to.String()), slog.Uint64("lamports", lamports))
	return pending, nil
}

func (c *Client) buildToken(ctx context.Context, owner, to solanago.PublicKey, units uint64, req web3.TransferRequest) (*pendingTransfer, error) {
	mint, err := solanago.PublicKeyFromBase58(strings.TrimSpace(*req.MintAddress))
	if err != nil {
		return nil, buildError(err, "代币 mint 地址无效", xerrors.WithMetadata("mint", *req.MintAddress))
	}
	program, err := solanago.PublicKeyFromBase58(strings.TrimSpace(*req.TokenProgramID))
	if err != nil {
		return nil, buildError(err, "代币程序地址无效", xerrors.WithMetadata("program", *req.TokenProgramID))
	}
	if !isTokenProgram(program) {
		return nil, xerrors.New(xerrors.CodeInstructionBuild, "不支持的代币程序",
			xerrors.WithMetadata("program", program.String()))
	}

	mintAccount, err := c.backend.GetAccount(ctx, mint)
	if err != nil {
		return nil, buildError(err, "读取 mint 账户失败", xerrors.WithMetadata("mint", mint.String()))
	}
	if mintAccount == nil {
		return nil, xerrors.New(xerrors.CodeInstructionBuild, "mint 账户不存在",
			xerrors.WithMetadata("mint", mint.String()))
	}
	if !mintAccount.Owner.Equals(program) {
		return nil, xerrors.New(xerrors.CodeInstructionBuild, "mint 不属于指定的代币程序",
			xerrors.WithMetadata("mint", mint.String()),
			xerrors.WithMetadata("program", program.String()))
	}
	if len(mintAccount.Data) < mintAccountSize || mintAccount.Data[mintInitialisedFlag] != 1 {
		return nil, xerrors.New(xerrors.CodeInstructionBuild, "mint 账户数据无效",
			xerrors.WithMetadata("mint", mint.String()))
	}
	if onChain := mintAccount.Data[mintDecimalsOffset]; onChain != req.Decimals {
		return nil, xerrors.New(xerrors.CodeInstructionBuild,
			fmt.Sprintf("代币精度不匹配：链上为 %d，请求为 %d", onChain, req.Decimals),
			xerrors.WithMetadata("mint", mint.String()),
			xerrors.WithMetadata("decimals", strconv.Itoa(int(onChain))))
	}

	source, err := associatedTokenAddress(owner, program, mint)
	if err != nil {
		return nil, buildError(err, "推导付款代币账户失败")
	}
	sourceAccount, err := c.backend.GetAccount(ctx, source)
	if err != nil {
		return nil, buildError(err, "读取付款代币账户失败", xerrors.WithMetadata("account", source.String()))
	}
	if sourceAccount == nil {
		return nil, xerrors.New(xerrors.CodeInstructionBuild, "付款方没有该代币账户",
			xerrors.WithMetadata("account", source.String()),
			xerrors.WithMetadata("mint", mint.String()))
	}

	destination, err := associatedTokenAddress(to, program, mint)
	if err != nil {
		return nil, buildError(err, "推导收款代币账户失败")
	}
	destinationAccount, err := c.backend.GetAccount(ctx, destination)
	if err != nil {
		return nil, buildError(err, "读取收款代币账户失败", xerrors.WithMetadata("account", destination.String()))
	}

	instructions := make([]solanago.Instruction, 0, 2)
	if destinationAccount == nil {
		instructions = append(instructions, createAssociatedAccountIdempotent(owner, destination, to, mint, program))
	}
	instructions = append(instructions, transferChecked(program, source, mint, destination, owner, units, req.Decimals))

	c.log.Debug("token transfer built",
		slog.String("mint", mint.String()),
		slog.String("to", to.String()),
		slog.Uint64("units", units),
		slog.Bool("create_destination", destinationAccount == nil))

	return &pendingTransfer{
		instructions: instructions,
		payer:        owner,
		summary:      fmt.Sprintf("transfer %d base units of %s to %s", units, mint, to),
	}, nil
}

func isTokenProgram(program solanago.PublicKey) bool {
	for _, candidate := range TokenPrograms {
		if candidate.Equals(program) {
			return true
		}
	}
	return false
}

func associatedTokenAddress(wallet, program, mint solanago.PublicKey) (solanago.PublicKey, error) {
	address, _, err := solanago.FindProgramAddress([][]byte{
		wallet[:],
		program[:],
		mint[:],
	}, solanago.SPLAssociatedTokenAccountProgramID)
	return address, err
}

func createAssociatedAccountIdempotent(payer, account, owner, mint, program solanago.PublicKey) solanago.Instruction {
	return solanago.NewInstruction(solanago.SPLAssociatedTokenAccountProgramID, solanago.AccountMetaSlice{
		solanago.NewAccountMeta(payer, true, true),
		solanago.NewAccountMeta(account, true, false),
		solanago.NewAccountMeta(owner, false, false),
		solanago.NewAccountMeta(mint, false, false),
		solanago.NewAccountMeta(solanago.SystemProgramID, false, false),
		solanago.NewAccountMeta(program, false, false),
	}, []byte{instructionCreateIdempotent})
}

func transferChecked(program, source, mint, destination, authority solanago.PublicKey, amount uint64, decimals uint8) solanago.Instruction {
	data := make([]byte, 10)
	data[0] = instructionTransferChecked
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return solanago.NewInstruction(program, solanago.AccountMetaSlice{
		solanago.NewAccountMeta(source, true, false),
		solanago.NewAccountMeta(mint, false, false),
		solanago.NewAccountMeta(destination, true, false),
		solanago.NewAccountMeta(authority, false, true),
	}, data)
}

func buildError(cause error, message string, opts ...xerrors.Option) error {
	return xerrors.Wrap(xerrors.CodeInstructionBuild, cause, message, opts...)
}
