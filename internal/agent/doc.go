// Package agent runs the reasoning loop that turns one free-text command into
// tool calls and, when asked, a signed transfer. Each Run owns its transcript
// and its tool session; nothing is shared between concurrent runs.
package agent
