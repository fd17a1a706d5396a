// Package summary computes portfolio roll-ups over resolved vault records
// for the status surface. All functions are pure over their input slice.
package summary

import (
	"math/big"
	"sort"
	"time"

	"github.com/yourorg/vault-sentinel/internal/vault"
)

// NetworkTotals aggregates the vaults on one chain.
type NetworkTotals struct {
	Vaults     int      `json:"vaults"`
	Unlockable int      `json:"unlockable"`
	Balance    *big.Int `json:"balance"`
}

// Portfolio is the roll-up across every tracked vault.
type Portfolio struct {
	Vaults          int                      `json:"vaults"`
	Unlockable      int                      `json:"unlockable"`
	Locked          int                      `json:"locked"`
	Degraded        int                      `json:"degraded"`
	TotalBalance    *big.Int                 `json:"total_balance"`
	TotalFormatted  string                   `json:"total_formatted"`
	AverageProgress float64                  `json:"average_progress"`
	ByKind          map[vault.LockKind]int   `json:"by_kind"`
	Networks        map[uint64]NetworkTotals `json:"networks"`
	GeneratedAt     time.Time                `json:"generated_at"`
}

// Build computes the portfolio roll-up. Balances are summed in base units and
// never rescaled; formatting happens once at the end.
func Build(records []*vault.Record) Portfolio {
	p := Portfolio{
		TotalBalance: big.NewInt(0),
		ByKind:       make(map[vault.LockKind]int),
		Networks:     make(map[uint64]NetworkTotals),
		GeneratedAt:  time.Now().UTC(),
	}

	var progressSum uint64
	for _, rec := range records {
		p.Vaults++
		p.ByKind[rec.Kind]++
		if rec.Degraded {
			p.Degraded++
		}
		if rec.Unlockable() {
			p.Unlockable++
		} else {
			p.Locked++
		}
		if rec.Balance != nil {
			p.TotalBalance.Add(p.TotalBalance, rec.Balance)
		}
		progressSum += rec.ProgressPercent

		nt := p.Networks[rec.ChainID]
		nt.Vaults++
		if nt.Balance == nil {
			nt.Balance = big.NewInt(0)
		}
		if rec.Balance != nil {
			nt.Balance.Add(nt.Balance, rec.Balance)
		}
		if rec.Unlockable() {
			nt.Unlockable++
		}
		p.Networks[rec.ChainID] = nt
	}

	if p.Vaults > 0 {
		p.AverageProgress = float64(progressSum) / float64(p.Vaults)
	}
	p.TotalFormatted = vault.FormatUnits(p.TotalBalance, vault.AmountDecimals)
	return p
}

// MedianProgress returns the median unlock progress across the records,
// which is less sensitive to a single stuck vault than the average.
func MedianProgress(records []*vault.Record) uint64 {
	if len(records) == 0 {
		return 0
	}

	values := make([]uint64, 0, len(records))
	for _, rec := range records {
		values = append(values, rec.ProgressPercent)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	n := len(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}

// NextUnlock returns the time-locked record with the nearest future unlock,
// or nil when every time vault is already past its deadline.
func NextUnlock(records []*vault.Record, now time.Time) *vault.Record {
	var next *vault.Record
	for _, rec := range records {
		if rec.Kind != vault.KindTime || rec.UnlockTime.IsZero() {
			continue
		}
		if !rec.UnlockTime.After(now) {
			continue
		}
		if next == nil || rec.UnlockTime.Before(next.UnlockTime) {
			next = rec
		}
	}
	return next
}
