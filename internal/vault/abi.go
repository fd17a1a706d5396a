package vault

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ContractReader is the read-only chain surface the resolver needs.
// failover.Client satisfies it.
type ContractReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

const factoryABIJSON = `[
	{"type":"function","name":"getUserVaults","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"isTokenVault","stateMutability":"view","inputs":[{"name":"vault","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

// vaultABIJSON covers both vault shapes. Token vaults additionally expose
// token(); native vaults take deposits via the payable deposit(). The
// introspection surface is identical, which is what the resolver relies on.
const vaultABIJSON = `[
	{"type":"function","name":"getVaultStatus","stateMutability":"view","inputs":[],"outputs":[
		{"name":"isLocked","type":"bool"},
		{"name":"currentPrice","type":"int256"},
		{"name":"timeRemaining","type":"uint256"},
		{"name":"isPriceBased","type":"bool"},
		{"name":"isGoalBased","type":"bool"},
		{"name":"currentAmount","type":"uint256"},
		{"name":"goalAmount","type":"uint256"},
		{"name":"progressPercent","type":"uint256"},
		{"name":"reason","type":"string"}]},
	{"type":"function","name":"unlockTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"creator","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"targetPrice","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"targetAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"token","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"triggerAutoWithdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"event","name":"Unlocked","inputs":[{"name":"timestamp","type":"uint256","indexed":false}],"anonymous":false},
	{"type":"event","name":"AutoWithdrawn","inputs":[{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false}
]`

const feedABIJSON = `[
	{"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],"outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}]}
]`

// Parsed ABIs shared across the package
var (
	FactoryABI = mustParseABI(factoryABIJSON)
	VaultABI   = mustParseABI(vaultABIJSON)
	FeedABI    = mustParseABI(feedABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// callContract packs a method call, executes it against the reader and
// unpacks the outputs.
func callContract(ctx context.Context, reader ContractReader, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}

	out, err := reader.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", method, to.Hex(), err)
	}

	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s result: %w", method, err)
	}
	return values, nil
}

// isRevert reports whether an error carries an EVM revert, as opposed to a
// transport or endpoint failure. Reverts survive the failover wrapping since
// every endpoint reports the same revert.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}
