// Package throttle provides the per-vault attempt gate that keeps the
// scheduler from retry-storming a vault that may be permanently
// unwithdrawable: bounded attempts with visible error reporting instead of an
// unbounded loop.
package throttle

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Gate tracks withdrawal attempts per vault. After maxAttempts the vault is
// suppressed for the cooldown period; once it elapses attempts resume, but
// the counter is never reset, so every further attempt re-arms the cooldown.
// Vaults are keyed by chain and address; deterministic factory deployments
// put distinct vaults at the same address on different networks.
type Gate struct {
	mu          sync.RWMutex
	maxAttempts int
	cooldown    time.Duration
	states      map[key]*state
	now         func() time.Time
}

// key identifies one vault across networks.
type key struct {
	chainID uint64
	addr    common.Address
}

// state is the per-vault retry bookkeeping, created lazily on first admission.
type state struct {
	attempts    int
	lastAttempt time.Time
}

// New creates a Gate admitting maxAttempts per vault before each cooldown.
func New(maxAttempts int, cooldown time.Duration) *Gate {
	return &Gate{
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
		states:      make(map[key]*state),
		now:         time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Admit reports whether another attempt is allowed for the vault and, if so,
// records it. The read-modify-write is atomic so a concurrent poll tick and
// event trigger cannot both be admitted past the budget.
func (g *Gate) Admit(chainID uint64, addr common.Address) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key{chainID: chainID, addr: addr}
	st, ok := g.states[k]
	if !ok {
		st = &state{}
		g.states[k] = st
	}

	if st.attempts >= g.maxAttempts && g.now().Sub(st.lastAttempt) < g.cooldown {
		logrus.WithFields(logrus.Fields{
			"vault":    addr.Hex(),
			"chain":    chainID,
			"attempts": st.attempts,
		}).Debug("Attempt budget exhausted, cooling down")
		return false
	}

	st.attempts++
	st.lastAttempt = g.now()
	return true
}

// Cooling reports whether the vault is currently in its cooldown window.
func (g *Gate) Cooling(chainID uint64, addr common.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st, ok := g.states[key{chainID: chainID, addr: addr}]
	if !ok {
		return false
	}
	return st.attempts >= g.maxAttempts && g.now().Sub(st.lastAttempt) < g.cooldown
}

// Attempts returns the monotonic attempt count for the vault.
func (g *Gate) Attempts(chainID uint64, addr common.Address) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if st, ok := g.states[key{chainID: chainID, addr: addr}]; ok {
		return st.attempts
	}
	return 0
}
