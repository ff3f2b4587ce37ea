package solana

import (
	"math"
	"math/big"
	"strconv"

	xerrors "ChainPilot/internal/errors"
)

// BaseUnits converts a human amount into the smallest on-chain denomination,
// rounding half up on the exact decimal value of amount. It never truncates.
func BaseUnits(amount float64, decimals uint8) (uint64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return 0, xerrors.New(xerrors.CodeInstructionBuild, "转账金额必须为正数",
			xerrors.WithMetadata("amount", strconv.FormatFloat(amount, 'g', -1, 64)))
	}

	literal := strconv.FormatFloat(amount, 'f', -1, 64)
	value, ok := new(big.Rat).SetString(literal)
	if !ok {
		return 0, xerrors.New(xerrors.CodeInstructionBuild, "无法解析转账金额",
			xerrors.WithMetadata("amount", literal))
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value.Mul(value, new(big.Rat).SetInt(scale))

	// floor(value + 1/2); value is positive so Quo floors.
	num := new(big.Int).Mul(value.Num(), big.NewInt(2))
	num.Add(num, value.Denom())
	den := new(big.Int).Mul(value.Denom(), big.NewInt(2))
	units := new(big.Int).Quo(num, den)

	if units.Sign() == 0 {
		return 0, xerrors.New(xerrors.CodeInstructionBuild, "转账金额小于最小单位",
			xerrors.WithMetadata("amount", literal),
			xerrors.WithMetadata("decimals", strconv.Itoa(int(decimals))))
	}
	if !units.IsUint64() {
		return 0, xerrors.New(xerrors.CodeInstructionBuild, "转账金额超出范围",
			xerrors.WithMetadata("amount", literal),
			xerrors.WithMetadata("decimals", strconv.Itoa(int(decimals))))
	}
	return units.Uint64(), nil
}
