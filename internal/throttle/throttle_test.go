package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

const (
	chainSepolia  = uint64(11155111)
	chainArbitrum = uint64(421614)
)

var vaultA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
var vaultB = common.HexToAddress("0x00000000000000000000000000000000000000b2")

func TestGate_BudgetAndCooldown(t *testing.T) {
	base := time.Now()
	current := base
	g := New(3, 5*time.Minute).WithClock(func() time.Time { return current })

	// First three attempts are admitted
	assert.True(t, g.Admit(chainSepolia, vaultA), "attempt 1 should be admitted")
	assert.True(t, g.Admit(chainSepolia, vaultA), "attempt 2 should be admitted")
	assert.True(t, g.Admit(chainSepolia, vaultA), "attempt 3 should be admitted")
	assert.Equal(t, 3, g.Attempts(chainSepolia, vaultA))

	// Fourth attempt inside the cooldown window is suppressed
	current = base.Add(4 * time.Minute)
	assert.False(t, g.Admit(chainSepolia, vaultA), "attempt inside cooldown should be suppressed")
	assert.True(t, g.Cooling(chainSepolia, vaultA))
	assert.Equal(t, 3, g.Attempts(chainSepolia, vaultA), "suppressed attempts are not counted")

	// After the cooldown since the third attempt, one more is admitted
	current = base.Add(5*time.Minute + time.Second)
	assert.False(t, g.Cooling(chainSepolia, vaultA))
	assert.True(t, g.Admit(chainSepolia, vaultA), "attempt after cooldown should be admitted")
	assert.Equal(t, 4, g.Attempts(chainSepolia, vaultA), "counter keeps incrementing, never resets")

	// The fourth attempt re-arms the cooldown immediately
	assert.False(t, g.Admit(chainSepolia, vaultA), "budget stays exhausted after the extra attempt")
	assert.True(t, g.Cooling(chainSepolia, vaultA))
}

func TestGate_PerVaultIsolation(t *testing.T) {
	g := New(1, time.Hour)

	assert.True(t, g.Admit(chainSepolia, vaultA))
	assert.False(t, g.Admit(chainSepolia, vaultA))
	assert.True(t, g.Admit(chainSepolia, vaultB), "one vault's cooldown must not affect another")
}

func TestGate_PerChainIsolation(t *testing.T) {
	g := New(1, time.Hour)

	// Deterministic factory deployments reuse addresses across networks; the
	// same address on another chain is a different vault with its own budget
	assert.True(t, g.Admit(chainSepolia, vaultA))
	assert.False(t, g.Admit(chainSepolia, vaultA))
	assert.True(t, g.Admit(chainArbitrum, vaultA), "exhaustion on one chain must not suppress another")
	assert.False(t, g.Cooling(chainArbitrum, vaultB))
	assert.Equal(t, 1, g.Attempts(chainArbitrum, vaultA))
	assert.Equal(t, 1, g.Attempts(chainSepolia, vaultA), "the suppressed attempt is not counted")
}

func TestGate_ConcurrentAdmission(t *testing.T) {
	g := New(3, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit(chainSepolia, vaultA) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, admitted, "exactly the budget should be admitted under contention")
}
