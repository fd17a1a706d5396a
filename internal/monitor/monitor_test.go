package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/vault-sentinel/internal/executor"
	"github.com/yourorg/vault-sentinel/internal/notify"
	"github.com/yourorg/vault-sentinel/internal/throttle"
	"github.com/yourorg/vault-sentinel/internal/types"
	"github.com/yourorg/vault-sentinel/internal/vault"
)

type fakeResolver struct {
	mu      sync.Mutex
	records []*vault.Record
	errs    map[common.Address]error
}

func (f *fakeResolver) Discover(ctx context.Context, owner common.Address) ([]*vault.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*vault.Record, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeResolver) Resolve(ctx context.Context, addr common.Address) (*vault.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[addr]; ok {
		return nil, err
	}
	for _, rec := range f.records {
		if rec.Address == addr {
			return rec, nil
		}
	}
	return nil, vault.ErrNotAVault
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  int
	delay  time.Duration
	err    error
	result *executor.Result
}

func (f *fakeExecutor) Execute(ctx context.Context, rec *vault.Record) (*executor.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testProfile() types.NetworkProfile {
	return types.NetworkProfile{
		Name:        "sepolia",
		ChainID:     11155111,
		Currency:    "ETH",
		ExplorerURL: "https://sepolia.etherscan.io",
	}
}

func unlockableRecord(addr common.Address) *vault.Record {
	return &vault.Record{
		Address: addr,
		ChainID: 11155111,
		Kind:    vault.KindTime,
		Balance: big.NewInt(1e18),
		Locked:  false,
	}
}

func lockedRecord(addr common.Address) *vault.Record {
	return &vault.Record{
		Address:      addr,
		ChainID:      11155111,
		Kind:         vault.KindPrice,
		Balance:      big.NewInt(1e18),
		Locked:       true,
		UnlockReason: "Price not reached",
	}
}

func newTestMonitor(resolver *fakeResolver, exec *fakeExecutor, gate *throttle.Gate) (*Monitor, *notify.Hub) {
	if gate == nil {
		gate = throttle.New(3, 5*time.Minute)
	}
	hub := notify.NewHub()
	m := New(Options{
		Profile:  testProfile(),
		Owner:    common.HexToAddress("0x01"),
		Resolver: resolver,
		Executor: exec,
		Gate:     gate,
		Hub:      hub,
	})
	return m, hub
}

func notificationsOfType(hub *notify.Hub, t notify.Type) []notify.Notification {
	var out []notify.Notification
	for _, n := range hub.Recent(0) {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func TestEvaluateDrainsUnlockableVault(t *testing.T) {
	addr := common.HexToAddress("0xaa")
	resolver := &fakeResolver{records: []*vault.Record{unlockableRecord(addr)}}
	exec := &fakeExecutor{result: &executor.Result{
		TxHash:    common.HexToHash("0x01"),
		Method:    "triggerAutoWithdraw",
		Remaining: big.NewInt(0),
	}}
	m, hub := newTestMonitor(resolver, exec, nil)

	m.evaluate(addr, nil)

	assert.Equal(t, 1, exec.callCount(), "Unlockable vault should reach the executor once")
	assert.Equal(t, 1, m.CompletedCount(), "Drained vault should be marked completed")
	assert.Empty(t, m.Vaults(), "Completed vault should be pruned from the active set")
	assert.Equal(t, StateCompleted, m.States()[addr])
	require.Len(t, notificationsOfType(hub, notify.TypeSucceeded), 1)
	assert.Equal(t, notify.SeveritySuccess, notificationsOfType(hub, notify.TypeSucceeded)[0].Severity)
}

func TestEvaluateLockedVaultNeverExecutes(t *testing.T) {
	addr := common.HexToAddress("0xbb")
	resolver := &fakeResolver{records: []*vault.Record{lockedRecord(addr)}}
	exec := &fakeExecutor{}
	m, _ := newTestMonitor(resolver, exec, nil)

	m.evaluate(addr, nil)

	assert.Zero(t, exec.callCount(), "Locked vault must not reach the executor")
	assert.Equal(t, StateIdle, m.States()[addr])
	assert.Len(t, m.Vaults(), 1, "Locked vault stays tracked for the next tick")
}

func TestConcurrentTriggersSubmitOnce(t *testing.T) {
	addr := common.HexToAddress("0xcc")
	resolver := &fakeResolver{records: []*vault.Record{unlockableRecord(addr)}}
	exec := &fakeExecutor{
		delay: 50 * time.Millisecond,
		result: &executor.Result{
			TxHash:    common.HexToHash("0x02"),
			Method:    "withdraw",
			Remaining: big.NewInt(0),
		},
	}
	m, _ := newTestMonitor(resolver, exec, nil)

	// Simulate a poll tick and event triggers landing at the same instant
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.evaluate(addr, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, exec.callCount(), "Simultaneous triggers must collapse into one submission")
	assert.Equal(t, 1, m.CompletedCount())
}

func TestCompletedVaultNeverResubmitted(t *testing.T) {
	addr := common.HexToAddress("0xdd")
	resolver := &fakeResolver{records: []*vault.Record{unlockableRecord(addr)}}
	exec := &fakeExecutor{result: &executor.Result{
		TxHash:    common.HexToHash("0x03"),
		Method:    "triggerAutoWithdraw",
		Remaining: big.NewInt(0),
	}}
	m, _ := newTestMonitor(resolver, exec, nil)

	m.evaluate(addr, nil)
	m.evaluate(addr, nil)
	m.evaluate(addr, nil)

	assert.Equal(t, 1, exec.callCount(), "Completed state is terminal for the session")
}

func TestAttemptBudgetEntersCooling(t *testing.T) {
	addr := common.HexToAddress("0xee")
	resolver := &fakeResolver{records: []*vault.Record{unlockableRecord(addr)}}
	exec := &fakeExecutor{err: errors.New("execution reverted")}
	m, hub := newTestMonitor(resolver, exec, throttle.New(2, time.Hour))

	m.evaluate(addr, nil)
	m.evaluate(addr, nil)
	m.evaluate(addr, nil)
	m.evaluate(addr, nil)

	assert.Equal(t, 2, exec.callCount(), "Gate should stop submissions at the attempt budget")
	assert.Equal(t, StateCooling, m.States()[addr])
	assert.Len(t, notificationsOfType(hub, notify.TypeCooling), 1,
		"Cooling should be announced once, not on every denied tick")
	assert.Len(t, notificationsOfType(hub, notify.TypeFailed), 2)
}

func TestFailedAttemptStaysTracked(t *testing.T) {
	addr := common.HexToAddress("0xe1")
	resolver := &fakeResolver{records: []*vault.Record{unlockableRecord(addr)}}
	exec := &fakeExecutor{err: &executor.StillLockedError{Reason: "Locked until 2026-09-01"}}
	m, hub := newTestMonitor(resolver, exec, nil)

	m.evaluate(addr, nil)

	assert.Equal(t, StateIdle, m.States()[addr])
	assert.Len(t, m.Vaults(), 1)
	failed := notificationsOfType(hub, notify.TypeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, notify.SeverityInfo, failed[0].Severity,
		"A still-locked race is informational, not an operator error")
	assert.Contains(t, failed[0].Message, "Locked until 2026-09-01")
}

func TestPartialWithdrawalStaysTracked(t *testing.T) {
	addr := common.HexToAddress("0xf0")
	resolver := &fakeResolver{records: []*vault.Record{unlockableRecord(addr)}}
	exec := &fakeExecutor{result: &executor.Result{
		TxHash:    common.HexToHash("0x04"),
		Method:    "withdraw",
		Remaining: big.NewInt(250),
	}}
	m, hub := newTestMonitor(resolver, exec, nil)

	m.evaluate(addr, nil)

	assert.Zero(t, m.CompletedCount(), "Vault with remaining balance is not complete")
	assert.Len(t, m.Vaults(), 1)
	succeeded := notificationsOfType(hub, notify.TypeSucceeded)
	require.Len(t, succeeded, 1)
	assert.Equal(t, notify.SeverityWarning, succeeded[0].Severity)
}

func TestUnverifiedRemainderStaysTracked(t *testing.T) {
	addr := common.HexToAddress("0xf3")
	resolver := &fakeResolver{records: []*vault.Record{unlockableRecord(addr)}}
	exec := &fakeExecutor{result: &executor.Result{
		TxHash: common.HexToHash("0x06"),
		Method: "triggerAutoWithdraw",
		// Remaining nil: the post-confirmation balance read failed
	}}
	m, hub := newTestMonitor(resolver, exec, nil)

	m.evaluate(addr, nil)

	assert.Zero(t, m.CompletedCount(), "Completion requires a verified zero balance")
	assert.Len(t, m.Vaults(), 1, "Unverified vault stays tracked for the next resolve")
	assert.Equal(t, StateIdle, m.States()[addr])
	succeeded := notificationsOfType(hub, notify.TypeSucceeded)
	require.Len(t, succeeded, 1)
	assert.Equal(t, notify.SeverityWarning, succeeded[0].Severity)
	assert.Contains(t, succeeded[0].Message, "could not be verified")
}

func TestIncompatibleAddressExcluded(t *testing.T) {
	addr := common.HexToAddress("0xf1")
	resolver := &fakeResolver{errs: map[common.Address]error{addr: vault.ErrNotAVault}}
	exec := &fakeExecutor{}
	m, hub := newTestMonitor(resolver, exec, nil)
	m.track(unlockableRecord(addr))

	m.evaluate(addr, nil)

	assert.Empty(t, m.Vaults(), "Incompatible contract should be dropped")
	assert.Zero(t, exec.callCount())
	assert.Len(t, notificationsOfType(hub, notify.TypeExcluded), 1)
}

func TestTransientResolveErrorRetains(t *testing.T) {
	addr := common.HexToAddress("0xf2")
	resolver := &fakeResolver{errs: map[common.Address]error{addr: errors.New("connection refused")}}
	exec := &fakeExecutor{}
	m, hub := newTestMonitor(resolver, exec, nil)
	m.track(unlockableRecord(addr))

	m.evaluate(addr, nil)

	assert.Len(t, m.Vaults(), 1, "Transient failures keep the vault for the next tick")
	assert.Zero(t, exec.callCount())
	assert.Empty(t, notificationsOfType(hub, notify.TypeExcluded))
	assert.Equal(t, StateIdle, m.States()[addr])
}

func TestSweepDiscoversAndEvaluates(t *testing.T) {
	open := common.HexToAddress("0x10")
	closed := common.HexToAddress("0x11")
	resolver := &fakeResolver{records: []*vault.Record{
		unlockableRecord(open),
		lockedRecord(closed),
	}}
	exec := &fakeExecutor{result: &executor.Result{
		TxHash:    common.HexToHash("0x05"),
		Method:    "triggerAutoWithdraw",
		Remaining: big.NewInt(0),
	}}
	m, hub := newTestMonitor(resolver, exec, nil)

	m.sweep(context.Background())

	assert.Equal(t, 1, exec.callCount(), "Only the unlockable vault should be submitted")
	assert.Len(t, notificationsOfType(hub, notify.TypeCreated), 2, "Both vaults announced on discovery")
	assert.Equal(t, 1, m.CompletedCount())
	require.Len(t, m.Vaults(), 1)
	assert.Equal(t, closed, m.Vaults()[0].Address)

	// A second sweep must not re-announce or resubmit
	m.sweep(context.Background())
	assert.Equal(t, 1, exec.callCount())
	assert.Len(t, notificationsOfType(hub, notify.TypeCreated), 2)
}

func TestStartStop(t *testing.T) {
	addr := common.HexToAddress("0x12")
	resolver := &fakeResolver{records: []*vault.Record{lockedRecord(addr)}}
	exec := &fakeExecutor{}
	m, _ := newTestMonitor(resolver, exec, nil)
	m.opts.PollInterval = 10 * time.Millisecond

	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	assert.Len(t, m.Vaults(), 1, "Poll loop should have discovered the vault")
	assert.Zero(t, exec.callCount())
}

type fakeSubscription struct {
	errs chan error
}

func (s *fakeSubscription) Unsubscribe() {}

func (s *fakeSubscription) Err() <-chan error { return s.errs }

type fakeSubscriber struct {
	mu    sync.Mutex
	calls int
	err   error
	sink  chan<- ethtypes.Log
	sub   *fakeSubscription
}

func (f *fakeSubscriber) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.sink = ch
	f.sub = &fakeSubscription{errs: make(chan error, 1)}
	return f.sub, nil
}

func (f *fakeSubscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSubscriber) current() (chan<- ethtypes.Log, *fakeSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink, f.sub
}

func TestBrokenSubscribeFallsBackToPolling(t *testing.T) {
	resolver := &fakeResolver{}
	exec := &fakeExecutor{}
	m, _ := newTestMonitor(resolver, exec, nil)
	events := &fakeSubscriber{err: errors.New("notifications not supported")}
	m.opts.Events = events
	m.opts.PollInterval = time.Hour
	m.resubDelay = time.Millisecond

	m.Start()
	require.Eventually(t, func() bool {
		return events.callCount() == maxSubscribeAttempts
	}, time.Second, 2*time.Millisecond, "Subscribe should be retried until the budget is spent")
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	assert.Equal(t, maxSubscribeAttempts, events.callCount(), "Retry budget is bounded")
}

func TestDroppedSubscriptionResubscribes(t *testing.T) {
	resolver := &fakeResolver{}
	exec := &fakeExecutor{}
	m, _ := newTestMonitor(resolver, exec, nil)
	events := &fakeSubscriber{}
	m.opts.Events = events
	m.opts.PollInterval = time.Hour
	m.resubDelay = time.Millisecond

	m.Start()
	require.Eventually(t, func() bool {
		return events.callCount() >= 1
	}, time.Second, 2*time.Millisecond, "First subscription should come up")

	_, sub := events.current()
	sub.errs <- errors.New("websocket: close 1006 (abnormal closure)")

	require.Eventually(t, func() bool {
		return events.callCount() >= 2
	}, time.Second, 2*time.Millisecond, "Dropped subscription should be replaced")
	m.Stop()
}

func TestUnlockEventTriggersWithdrawal(t *testing.T) {
	addr := common.HexToAddress("0xee")
	resolver := &fakeResolver{records: []*vault.Record{lockedRecord(addr)}}
	exec := &fakeExecutor{result: &executor.Result{
		TxHash:    common.HexToHash("0x07"),
		Method:    "triggerAutoWithdraw",
		Remaining: big.NewInt(0),
	}}
	m, _ := newTestMonitor(resolver, exec, nil)
	events := &fakeSubscriber{}
	m.opts.Events = events
	m.opts.PollInterval = time.Hour

	m.Start()
	require.Eventually(t, func() bool {
		sink, _ := events.current()
		return sink != nil && len(m.Vaults()) == 1
	}, time.Second, 2*time.Millisecond, "Subscription and discovery should come up")
	require.Zero(t, exec.callCount(), "Locked vault must not execute before the unlock event")

	resolver.mu.Lock()
	resolver.records[0] = unlockableRecord(addr)
	resolver.mu.Unlock()

	sink, _ := events.current()
	sink <- ethtypes.Log{
		Address: addr,
		Topics:  []common.Hash{vault.VaultABI.Events["Unlocked"].ID},
	}

	require.Eventually(t, func() bool {
		return m.CompletedCount() == 1
	}, time.Second, 2*time.Millisecond, "Unlock event should drive the vault to completion")
	m.Stop()

	assert.Equal(t, 1, exec.callCount(), "Event-triggered evaluation should reach the executor once")
}
