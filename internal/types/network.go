// Package types contains shared type definitions used across multiple packages
package types

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SupportedNetwork represents a blockchain network supported by the monitor
type SupportedNetwork string

// Supported blockchain networks
const (
	NetworkEthereum SupportedNetwork = "ethereum"
	NetworkPolygon  SupportedNetwork = "polygon"
	NetworkArbitrum SupportedNetwork = "arbitrum"
	NetworkOptimism SupportedNetwork = "optimism"
	NetworkBase     SupportedNetwork = "base"
	NetworkSepolia  SupportedNetwork = "sepolia"
)

// NetworkProfile holds configuration for a specific blockchain network.
// RPCEndpoints are probed in order on every call; the first entry is always
// tried first.
type NetworkProfile struct {
	Name             SupportedNetwork `json:"name"`
	ChainID          uint64           `json:"chain_id"`
	RPCEndpoints     []string         `json:"rpc_endpoints"`
	Currency         string           `json:"currency"`     // display currency symbol
	ExplorerURL      string           `json:"explorer_url"` // base URL for tx links
	FactoryAddress   common.Address   `json:"factory_address"`
	PriceFeedAddress common.Address   `json:"price_feed_address"`
}

// TxURL builds an explorer link for a transaction hash
func (p NetworkProfile) TxURL(txHash string) string {
	if p.ExplorerURL == "" {
		return txHash
	}
	return strings.TrimSuffix(p.ExplorerURL, "/") + "/tx/" + txHash
}
