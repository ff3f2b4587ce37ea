// Package web3 houses chain-neutral types shared by the agent and the chain
// clients: wallet credentials, network modes, token balances, transfer
// requests and the opaque pending instruction handle, plus YAML network
// definitions used to construct clients per cluster.
package web3
