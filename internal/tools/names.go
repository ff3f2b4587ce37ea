// Package tools is the fixed tool registry the agent may call. Every request
// gets its own Session, which owns the queue of not yet submitted transfers.
package tools

import "strings"

// Name identifies one tool.
type Name string

const (
	GetContacts         Name = "getContacts"
	GetSolBalance       Name = "getSolBalance"
	GetAllTokenAccounts Name = "getAllTokenAccounts"
	GetSolPrice         Name = "getSolPrice"
	CreateInstruction   Name = "createInstruction"
	ExecuteInstructions Name = "executeInstructions"
)

var allNames = []Name{
	GetContacts,
	GetSolBalance,
	GetAllTokenAccounts,
	GetSolPrice,
	CreateInstruction,
	ExecuteInstructions,
}

// Names lists every tool in a stable order.
func Names() []Name {
	return append([]Name(nil), allNames...)
}

// Lookup matches raw against the tool set. Models sometimes append "()" to
// the tool name, which is tolerated.
func Lookup(raw string) (Name, bool) {
	candidate := strings.TrimSuffix(strings.TrimSpace(raw), "()")
	for _, name := range allNames {
		if string(name) == candidate {
			return name, true
		}
	}
	return "", false
}
