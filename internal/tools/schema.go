package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"

	"github.com/xeipuuv/gojsonschema"
)

const createInstructionSchema = `{
  "type": "object",
  "required": ["toAddress", "amount", "decimals"],
  "properties": {
    "toAddress":      {"type": "string", "minLength": 32, "maxLength": 44},
    "amount":         {"type": "number", "minimum": 0},
    "decimals":       {"type": "integer", "minimum": 0, "maximum": 255},
    "mintAddress":    {"type": ["string", "null"]},
    "tokenProgramId": {"type": ["string", "null"]}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func transferSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(createInstructionSchema))
	})
	return compiledSchema, schemaErr
}

// transferArgs mirrors the wire form; decimals arrive as a JSON number that
// may be written as 6.0.
type transferArgs struct {
	ToAddress      string  `json:"toAddress"`
	Amount         float64 `json:"amount"`
	Decimals       float64 `json:"decimals"`
	MintAddress    *string `json:"mintAddress"`
	TokenProgramID *string `json:"tokenProgramId"`
}

// ParseTransferRequest validates raw createInstruction arguments.
func ParseTransferRequest(raw json.RawMessage) (web3.TransferRequest, error) {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return web3.TransferRequest{}, xerrors.New(xerrors.CodeInstructionBuild, "createInstruction 缺少参数")
	}
	schema, err := transferSchema()
	if err != nil {
		return web3.TransferRequest{}, xerrors.Wrap(xerrors.CodeUnknown, err, "加载参数 schema 失败")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return web3.TransferRequest{}, xerrors.Wrap(xerrors.CodeInstructionBuild, err, "createInstruction 参数不是合法 JSON")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return web3.TransferRequest{}, xerrors.New(xerrors.CodeInstructionBuild,
			fmt.Sprintf("createInstruction 参数无效: %s", strings.Join(msgs, "; ")))
	}

	var args transferArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return web3.TransferRequest{}, xerrors.Wrap(xerrors.CodeInstructionBuild, err, "解析 createInstruction 参数失败")
	}
	return web3.TransferRequest{
		ToAddress:      strings.TrimSpace(args.ToAddress),
		Amount:         args.Amount,
		Decimals:       uint8(math.Round(args.Decimals)),
		MintAddress:    args.MintAddress,
		TokenProgramID: args.TokenProgramID,
	}, nil
}
