// Package vault defines the normalized vault model and the tiered status
// resolver that builds it from on-chain state.
package vault

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Decimal scales used by the contracts. Price feeds answer with 8 decimal
// places, asset amounts carry 18. Values flow through the monitor unscaled;
// these constants exist for display formatting only.
const (
	PriceDecimals  = 8
	AmountDecimals = 18
)

// LockKind is the unlock-condition category governing a vault. Exactly one
// kind applies to a vault at a time.
type LockKind string

// Unlock-condition categories
const (
	KindTime  LockKind = "time"
	KindPrice LockKind = "price"
	KindGoal  LockKind = "goal"
)

// Record is the normalized status of one vault. It is rebuilt on every
// resolve; consumers must not mutate it.
type Record struct {
	// Address of the vault contract
	Address common.Address `json:"address"`

	// ChainID of the network the vault lives on
	ChainID uint64 `json:"chain_id"`

	// TokenVault is true for token-denominated vaults, false for native-asset
	// vaults. Resolved once via the factory classifier and cached here.
	TokenVault bool `json:"token_vault"`

	// Kind is the unlock-condition category
	Kind LockKind `json:"lock_kind"`

	// Balance held by the vault, unscaled (18 decimals)
	Balance *big.Int `json:"balance"`

	// UnlockTime is the timestamp a time-locked vault opens at
	UnlockTime time.Time `json:"unlock_time,omitempty"`

	// TargetPrice for price-locked vaults, unscaled (8 decimals)
	TargetPrice *big.Int `json:"target_price,omitempty"`

	// CurrentPrice from the price feed, unscaled (8 decimals). Zero when the
	// feed read failed; a sentinel, not a real quote.
	CurrentPrice *big.Int `json:"current_price,omitempty"`

	// TargetAmount for goal-locked vaults, unscaled (18 decimals)
	TargetAmount *big.Int `json:"target_amount,omitempty"`

	// CurrentAmount saved so far for goal-locked vaults, unscaled (18 decimals)
	CurrentAmount *big.Int `json:"current_amount,omitempty"`

	// ProgressPercent arrives already scaled from the contract and is never
	// rescaled here
	ProgressPercent uint64 `json:"progress_percent"`

	// Locked reports whether the unlock condition is still unmet
	Locked bool `json:"is_locked"`

	// UnlockReason is the human-readable status sourced from the contract, or
	// synthesized by the legacy fallback
	UnlockReason string `json:"unlock_reason"`

	// Creator of the vault
	Creator common.Address `json:"creator"`

	// Degraded is true when the rich introspection call was unavailable and
	// the record was built from the legacy fallback
	Degraded bool `json:"degraded,omitempty"`

	// ResolvedAt is when this record was built
	ResolvedAt time.Time `json:"resolved_at"`
}

// Unlockable reports whether a withdrawal should be attempted: the condition
// is met and there is something to withdraw.
func (r *Record) Unlockable() bool {
	return !r.Locked && r.Balance != nil && r.Balance.Sign() > 0
}

// FormatUnits renders an unscaled integer with the given decimal scale, for
// logs and notifications. Trailing zeros are trimmed.
func FormatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	s := value.String()
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole := s[:len(s)-decimals]
	frac := strings.TrimRight(s[len(s)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
