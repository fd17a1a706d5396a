// Package executor submits and confirms withdrawal transactions for unlocked
// vaults, with precondition checks before gas is spent and a balance
// verification after confirmation.
package executor

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/vault-sentinel/internal/otel"
	"github.com/yourorg/vault-sentinel/internal/vault"
	"github.com/yourorg/vault-sentinel/internal/wallet"
)

// gasMarginPercent is the safety margin added to gas estimates. Estimation
// runs against current state; state can drift before inclusion.
const gasMarginPercent = 20

// receiptPollInterval is how often a pending transaction is re-checked while
// waiting for confirmation.
const receiptPollInterval = 2 * time.Second

// Backend is the chain surface the executor needs. failover.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// StatusReader re-reads a vault's live status immediately before submission.
// The resolver satisfies it.
type StatusReader interface {
	Resolve(ctx context.Context, addr common.Address) (*vault.Record, error)
}

// Result describes a confirmed withdrawal.
type Result struct {
	TxHash common.Hash

	// Method is the contract entrypoint used, triggerAutoWithdraw when the
	// contract supports it, withdraw otherwise
	Method string

	// Remaining is the balance left after confirmation. Non-zero remainder is
	// reported but not treated as failure; partial-withdrawal semantics are a
	// contract concern. Nil means the post-confirmation read failed and the
	// remainder is unverified.
	Remaining *big.Int
}

// Executor submits one withdrawal at a time for one network.
type Executor struct {
	backend        Backend
	status         StatusReader
	signer         *wallet.Signer
	confirmTimeout time.Duration
}

// New creates an Executor. signer may be nil for watch-only mode, in which
// case every Execute fails with ErrSignerUnavailable.
func New(backend Backend, status StatusReader, signer *wallet.Signer, confirmTimeout time.Duration) *Executor {
	return &Executor{
		backend:        backend,
		status:         status,
		signer:         signer,
		confirmTimeout: confirmTimeout,
	}
}

// Execute withdraws from one vault. It fails fast on precondition violations
// with typed errors and verifies the balance after confirmation.
func (e *Executor) Execute(ctx context.Context, rec *vault.Record) (*Result, error) {
	ctx, span := otel.Tracer().Start(ctx, "executor.execute",
		trace.WithAttributes(attribute.String("vault.address", rec.Address.Hex())))
	defer span.End()

	log := logrus.WithField("vault", rec.Address.Hex())

	// Cheap reachability checks first, before any gas-estimation effort
	if e.signer == nil {
		return nil, ErrSignerUnavailable
	}
	chainID, err := e.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	// Status may have changed since scheduling; re-read right before paying
	fresh, err := e.status.Resolve(ctx, rec.Address)
	if err != nil {
		return nil, fmt.Errorf("pre-submit status check: %w", err)
	}
	if fresh.Locked {
		return nil, &StillLockedError{Reason: fresh.UnlockReason}
	}

	if chainID.Uint64() != rec.ChainID {
		return nil, &WrongChainError{Active: chainID.Uint64(), Want: rec.ChainID}
	}

	if fresh.Balance == nil || fresh.Balance.Sign() == 0 {
		return nil, ErrNoBalance
	}

	txHash, method, err := e.submit(ctx, rec.Address, chainID)
	if err != nil {
		otel.RecordError(ctx, err)
		return nil, err
	}
	log.WithField("tx", txHash.Hex()).Infof("Withdrawal submitted via %s", method)

	if err := e.awaitConfirmation(ctx, txHash); err != nil {
		return nil, err
	}

	remaining, err := e.readBalance(ctx, rec.Address)
	if err != nil {
		// A drained vault must be verified drained, not assumed; nil tells the
		// caller the post-check never happened
		log.Warnf("Post-confirmation balance read failed, remainder unverified: %v", err)
		return &Result{TxHash: txHash, Method: method}, nil
	}
	if remaining.Sign() > 0 {
		log.Warnf("Vault still holds %s after confirmed withdrawal", vault.FormatUnits(remaining, vault.AmountDecimals))
	}

	return &Result{TxHash: txHash, Method: method, Remaining: remaining}, nil
}

// submit builds, signs and sends the withdrawal transaction. The
// contract-native auto-withdraw entrypoint is preferred; older revisions fall
// back to the manual withdraw.
func (e *Executor) submit(ctx context.Context, addr common.Address, chainID *big.Int) (common.Hash, string, error) {
	from := e.signer.Address()

	method := "triggerAutoWithdraw"
	data, gasLimit, err := e.estimate(ctx, from, addr, method)
	if err != nil {
		logrus.WithField("vault", addr.Hex()).Debugf("Auto-withdraw entrypoint unavailable, using manual withdraw: %v", err)
		method = "withdraw"
		data, gasLimit, err = e.estimate(ctx, from, addr, method)
		if err != nil {
			return common.Hash{}, "", fmt.Errorf("estimating withdrawal gas: %w", err)
		}
	}

	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("reading nonce: %w", err)
	}

	tx, err := e.buildTx(ctx, addr, chainID, nonce, gasLimit, data)
	if err != nil {
		return common.Hash{}, "", err
	}

	signed, err := e.signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, "", err
	}

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, "", fmt.Errorf("sending withdrawal: %w", err)
	}
	return signed.Hash(), method, nil
}

// estimate packs the call and estimates gas with the safety margin applied.
func (e *Executor) estimate(ctx context.Context, from, to common.Address, method string) ([]byte, uint64, error) {
	data, err := vault.VaultABI.Pack(method)
	if err != nil {
		return nil, 0, fmt.Errorf("packing %s: %w", method, err)
	}

	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, 0, err
	}
	return data, gas * (100 + gasMarginPercent) / 100, nil
}

// buildTx assembles an EIP-1559 transaction, degrading to a legacy one on
// networks without base fees.
func (e *Executor) buildTx(ctx context.Context, to common.Address, chainID *big.Int, nonce, gasLimit uint64, data []byte) (*ethtypes.Transaction, error) {
	head, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}

	if head.BaseFee != nil {
		tip, err := e.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading tip cap: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &to,
			Data:      data,
		}), nil
	}

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading gas price: %w", err)
	}
	return ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Data:     data,
	}), nil
}

// awaitConfirmation polls for the receipt until the transaction is mined or
// the confirmation window runs out.
func (e *Executor) awaitConfirmation(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("withdrawal transaction %s reverted on-chain", txHash.Hex())
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation wait for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// readBalance re-reads the vault balance for the shared post-condition check.
func (e *Executor) readBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := vault.VaultABI.Pack("getBalance")
	if err != nil {
		return nil, err
	}
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := vault.VaultABI.Unpack("getBalance", out)
	if err != nil {
		return nil, err
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getBalance result type %T", values[0])
	}
	return bal, nil
}
