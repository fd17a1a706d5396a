package executor

import (
	"errors"
	"fmt"
)

// Precondition failures; none of these spend gas.
var (
	// ErrSignerUnavailable means no withdrawal key is configured or usable.
	ErrSignerUnavailable = errors.New("withdrawal signer unavailable")

	// ErrProviderUnavailable means the RPC provider could not be reached at
	// all, checked before any gas-estimation effort is spent.
	ErrProviderUnavailable = errors.New("rpc provider unreachable")

	// ErrNoBalance means the vault holds nothing to withdraw. Also the signal
	// that an already-drained vault was re-submitted, which is a harmless no-op.
	ErrNoBalance = errors.New("vault balance is zero")
)

// StillLockedError means the unlock condition regressed between scheduling
// and submission. Carries the human-readable reason from the contract.
type StillLockedError struct {
	Reason string
}

func (e *StillLockedError) Error() string {
	return fmt.Sprintf("vault still locked: %s", e.Reason)
}

// WrongChainError means the active network does not match the vault's chain.
// Submitting cross-chain would at best be a lost-gas no-op, so it is rejected.
type WrongChainError struct {
	Active uint64
	Want   uint64
}

func (e *WrongChainError) Error() string {
	return fmt.Sprintf("active chain %d does not match vault chain %d", e.Active, e.Want)
}
