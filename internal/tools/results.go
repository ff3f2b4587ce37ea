package tools

import (
	"ChainPilot/internal/contacts"
	"ChainPilot/internal/price"
	"ChainPilot/internal/web3"
)

// ContactsResult is returned by getContacts.
type ContactsResult []contacts.Contact

// BalanceResult is returned by getSolBalance.
type BalanceResult struct {
	Lamports uint64 `json:"lamports"`
}

// TokenAccountsResult is returned by getAllTokenAccounts. The native balance
// is always the last entry.
type TokenAccountsResult []web3.TokenAccountInfo

// PriceResult is returned by getSolPrice.
type PriceResult price.Quote

// InstructionQueued is returned by createInstruction.
type InstructionQueued struct {
	Message string `json:"message"`
	Summary string `json:"summary"`
	Pending int    `json:"pending"`
}

// ExecutionResult is returned by executeInstructions.
type ExecutionResult struct {
	Message      string `json:"message"`
	Signature    string `json:"signature"`
	Instructions int    `json:"instructions"`
}

// ErrorResult is the observation for a failed read or an unknown tool. The
// loop keeps running after it.
type ErrorResult struct {
	Error string `json:"error"`
}
