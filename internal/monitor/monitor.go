// Package monitor orchestrates vault tracking and automatic withdrawal. A
// timer-driven sweep and on-chain event callbacks funnel into one
// single-flight evaluation path per vault, so simultaneous triggers for the
// same address produce at most one submission.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/vault-sentinel/internal/executor"
	"github.com/yourorg/vault-sentinel/internal/notify"
	"github.com/yourorg/vault-sentinel/internal/throttle"
	"github.com/yourorg/vault-sentinel/internal/types"
	"github.com/yourorg/vault-sentinel/internal/vault"
)

// State is a vault's position in the scheduling lifecycle
type State string

// Per-vault scheduling states
const (
	StateIdle       State = "idle"
	StateEvaluating State = "evaluating"
	StateTriggering State = "triggering"
	StateCooling    State = "cooling"
	StateCompleted  State = "completed" // terminal for the session
)

// Event subscription retry budget. Each lost subscription doubles the delay
// before the next attempt; exhaustion leaves the poll sweep as the only
// trigger source.
const (
	maxSubscribeAttempts = 5
	subscribeRetryDelay  = 10 * time.Second
)

// Resolver is the vault-status surface the monitor schedules over.
type Resolver interface {
	Discover(ctx context.Context, owner common.Address) ([]*vault.Record, error)
	Resolve(ctx context.Context, addr common.Address) (*vault.Record, error)
}

// Executor submits withdrawals for unlockable vaults.
type Executor interface {
	Execute(ctx context.Context, rec *vault.Record) (*executor.Result, error)
}

// LogSubscriber provides on-chain event subscriptions where the transport
// supports them. failover.Client satisfies it.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
}

// Metrics holds the prometheus instruments the monitor reports into. All
// fields are optional.
type Metrics struct {
	Evaluations *prometheus.CounterVec // labels: network, outcome
	Withdrawals *prometheus.CounterVec // labels: network, status
	Tracked     prometheus.Gauge
	Completed   prometheus.Gauge
}

// Options configures a Monitor.
type Options struct {
	Profile      types.NetworkProfile
	Owner        common.Address
	Resolver     Resolver
	Executor     Executor
	Events       LogSubscriber // nil disables the event trigger path
	Gate         *throttle.Gate
	Hub          *notify.Hub
	PollInterval time.Duration
	EvalTimeout  time.Duration // budget for one resolve+execute pass
	Metrics      Metrics
}

// Monitor owns all mutable monitoring state for one network. Construct one
// per process per network; independent instances make tests self-contained.
type Monitor struct {
	opts Options

	// resubDelay is the initial resubscribe backoff, shortened by tests
	resubDelay time.Duration

	mu        sync.RWMutex
	records   map[common.Address]*vault.Record
	states    map[common.Address]State
	completed map[common.Address]struct{}
	locks     map[common.Address]*sync.Mutex
	announced map[common.Address]struct{} // vaults whose cooling was already reported

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. Start must be called to begin scheduling.
func New(opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 120 * time.Second
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 2 * time.Minute
	}
	return &Monitor{
		opts:       opts,
		resubDelay: subscribeRetryDelay,
		records:    make(map[common.Address]*vault.Record),
		states:     make(map[common.Address]State),
		completed:  make(map[common.Address]struct{}),
		locks:      make(map[common.Address]*sync.Mutex),
		announced:  make(map[common.Address]struct{}),
	}
}

// Start launches the poll sweep and, when available, the event listener.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.pollLoop(ctx)

	if m.opts.Events != nil {
		m.wg.Add(1)
		go m.eventLoop(ctx)
	}

	logrus.WithFields(logrus.Fields{
		"network":       m.opts.Profile.Name,
		"owner":         m.opts.Owner.Hex(),
		"poll_interval": m.opts.PollInterval,
	}).Info("Vault monitor started")
}

// Stop cancels the timers and tears down subscriptions. In-flight network
// calls are not force-cancelled; they finish or fail naturally and their
// results are simply no longer acted on.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	logrus.WithField("network", m.opts.Profile.Name).Info("Vault monitor stopped")
}

// Vaults returns a snapshot of the live vault records.
func (m *Monitor) Vaults() []*vault.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*vault.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

// States returns a snapshot of per-vault scheduling states.
func (m *Monitor) States() map[common.Address]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[common.Address]State, len(m.states))
	for addr, st := range m.states {
		out[addr] = st
	}
	return out
}

// CompletedCount returns how many vaults were drained this session.
func (m *Monitor) CompletedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.completed)
}

// pollLoop runs the fixed-interval sweep, starting with an immediate one.
func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	m.sweep(ctx)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep re-discovers the owner's vaults and evaluates every tracked vault.
func (m *Monitor) sweep(ctx context.Context) {
	discoverCtx, cancel := context.WithTimeout(context.Background(), m.opts.EvalTimeout)
	defer cancel()

	records, err := m.opts.Resolver.Discover(discoverCtx, m.opts.Owner)
	if err != nil {
		logrus.WithField("network", m.opts.Profile.Name).Warnf("Vault discovery failed, keeping previous set: %v", err)
		m.mu.RLock()
		records = make([]*vault.Record, 0, len(m.records))
		for _, rec := range m.records {
			records = append(records, rec)
		}
		m.mu.RUnlock()
	}

	var wg sync.WaitGroup
	for _, rec := range records {
		if m.isCompleted(rec.Address) {
			continue
		}
		m.track(rec)

		wg.Add(1)
		go func(rec *vault.Record) {
			defer wg.Done()
			m.evaluate(rec.Address, rec)
		}(rec)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}
	m.updateGauges()
}

// eventLoop keeps an event subscription alive, resubscribing with backoff
// when the transport drops it. The retry budget is bounded; endpoints that
// cannot subscribe at all exhaust it quickly and polling carries the load
// alone for the rest of the session.
func (m *Monitor) eventLoop(ctx context.Context) {
	defer m.wg.Done()

	delay := m.resubDelay
	for attempt := 1; attempt <= maxSubscribeAttempts; attempt++ {
		err := m.consumeEvents(ctx)
		if err == nil {
			// Shutdown, not a transport failure
			return
		}
		logrus.WithFields(logrus.Fields{
			"network": m.opts.Profile.Name,
			"attempt": attempt,
		}).Warnf("Event subscription lost: %v", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
	}
	logrus.WithField("network", m.opts.Profile.Name).Info("Event subscriptions unavailable, relying on polling")
}

// consumeEvents runs one subscription until it drops or the monitor stops.
// A nil return means clean shutdown; an error asks the caller to resubscribe.
func (m *Monitor) consumeEvents(ctx context.Context) error {
	query := ethereum.FilterQuery{
		Topics: [][]common.Hash{{
			vault.VaultABI.Events["Unlocked"].ID,
			vault.VaultABI.Events["AutoWithdrawn"].ID,
		}},
	}

	logs := make(chan ethtypes.Log, 16)
	sub, err := m.opts.Events.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case lg := <-logs:
			if !m.isTracked(lg.Address) || m.isCompleted(lg.Address) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"vault": lg.Address.Hex(),
				"topic": lg.Topics[0].Hex(),
			}).Debug("Unlock event received")
			go m.evaluate(lg.Address, nil)
		case err := <-sub.Err():
			if err != nil {
				return err
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// evaluate is the single entrypoint both trigger paths converge on. The
// per-vault lock makes the throttle admission and completed-set check atomic
// with the submit decision; a concurrent trigger for the same address is
// dropped rather than queued.
func (m *Monitor) evaluate(addr common.Address, rec *vault.Record) {
	lock := m.vaultLock(addr)
	if !lock.TryLock() {
		// An evaluation for this vault is already in flight
		return
	}
	defer lock.Unlock()

	if m.isCompleted(addr) {
		return
	}
	m.setState(addr, StateEvaluating)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.EvalTimeout)
	defer cancel()

	if rec == nil {
		fresh, err := m.opts.Resolver.Resolve(ctx, addr)
		if err != nil {
			if errors.Is(err, vault.ErrNotAVault) {
				m.exclude(addr)
				return
			}
			// Transient; silent retry on the next tick
			m.setState(addr, StateIdle)
			m.countEvaluation("error")
			return
		}
		rec = fresh
		m.track(rec)
	}

	if !rec.Unlockable() {
		m.setState(addr, StateIdle)
		m.countEvaluation("locked")
		return
	}

	if !m.opts.Gate.Admit(m.opts.Profile.ChainID, addr) {
		m.enterCooling(addr, rec)
		m.countEvaluation("cooling")
		return
	}

	m.trigger(ctx, addr, rec)
}

// trigger runs the executor for an admitted vault and applies the outcome.
func (m *Monitor) trigger(ctx context.Context, addr common.Address, rec *vault.Record) {
	m.mu.Lock()
	delete(m.announced, addr) // a fresh admission re-arms the cooling report
	m.states[addr] = StateTriggering
	m.mu.Unlock()
	m.countEvaluation("triggering")
	m.publish(notify.Notification{
		Vault:    addr,
		Type:     notify.TypeTriggering,
		Severity: notify.SeverityInfo,
		Message: fmt.Sprintf("Submitting withdrawal of %s %s (attempt %d)",
			vault.FormatUnits(rec.Balance, vault.AmountDecimals), m.opts.Profile.Currency,
			m.opts.Gate.Attempts(m.opts.Profile.ChainID, addr)),
	})

	res, err := m.opts.Executor.Execute(ctx, rec)
	if err != nil {
		m.setState(addr, StateIdle)
		m.countWithdrawal("failed")
		m.publish(notify.Notification{
			Vault:    addr,
			Type:     notify.TypeFailed,
			Severity: failureSeverity(err),
			Message:  fmt.Sprintf("Withdrawal attempt failed: %v", err),
		})
		return
	}

	if res.Remaining == nil {
		// Confirmed, but the post-check never ran; completion requires a
		// verified zero balance, so stay tracked and let the next resolve decide
		m.setState(addr, StateIdle)
		m.countWithdrawal("unverified")
		m.publish(notify.Notification{
			Vault:    addr,
			Type:     notify.TypeSucceeded,
			Severity: notify.SeverityWarning,
			TxHash:   res.TxHash.Hex(),
			Message: fmt.Sprintf("Withdrawal confirmed (%s) but the remaining balance could not be verified",
				m.opts.Profile.TxURL(res.TxHash.Hex())),
		})
		return
	}

	if res.Remaining.Sign() > 0 {
		// Transaction confirmed but the vault is not drained; stay tracked
		// and let the next tick decide
		m.setState(addr, StateIdle)
		m.countWithdrawal("partial")
		m.publish(notify.Notification{
			Vault:    addr,
			Type:     notify.TypeSucceeded,
			Severity: notify.SeverityWarning,
			TxHash:   res.TxHash.Hex(),
			Message: fmt.Sprintf("Withdrawal confirmed (%s) but %s %s remains",
				m.opts.Profile.TxURL(res.TxHash.Hex()), vault.FormatUnits(res.Remaining, vault.AmountDecimals), m.opts.Profile.Currency),
		})
		return
	}

	m.complete(addr)
	m.countWithdrawal("succeeded")
	m.publish(notify.Notification{
		Vault:    addr,
		Type:     notify.TypeSucceeded,
		Severity: notify.SeveritySuccess,
		TxHash:   res.TxHash.Hex(),
		Message: fmt.Sprintf("Vault drained via %s: %s",
			res.Method, m.opts.Profile.TxURL(res.TxHash.Hex())),
	})
}

// failureSeverity maps executor errors to notification levels: precondition
// failures are transient and re-evaluated next tick, everything else is an
// operator-visible error.
func failureSeverity(err error) notify.Severity {
	var stillLocked *executor.StillLockedError
	if errors.Is(err, executor.ErrNoBalance) || errors.As(err, &stillLocked) {
		return notify.SeverityInfo
	}
	if errors.Is(err, executor.ErrSignerUnavailable) || errors.Is(err, executor.ErrProviderUnavailable) {
		return notify.SeverityWarning
	}
	return notify.SeverityError
}

// track stores a record, announcing first-time discoveries.
func (m *Monitor) track(rec *vault.Record) {
	m.mu.Lock()
	_, known := m.records[rec.Address]
	m.records[rec.Address] = rec
	if _, ok := m.states[rec.Address]; !ok {
		m.states[rec.Address] = StateIdle
	}
	m.mu.Unlock()

	if !known {
		m.publish(notify.Notification{
			Vault:    rec.Address,
			Type:     notify.TypeCreated,
			Severity: notify.SeverityInfo,
			Message: fmt.Sprintf("Tracking %s vault holding %s %s",
				rec.Kind, vault.FormatUnits(rec.Balance, vault.AmountDecimals), m.opts.Profile.Currency),
		})
	}
}

// complete marks a vault drained: terminal for the session, pruned from the
// active list, never resubmitted.
func (m *Monitor) complete(addr common.Address) {
	m.mu.Lock()
	m.completed[addr] = struct{}{}
	m.states[addr] = StateCompleted
	delete(m.records, addr)
	m.mu.Unlock()
	m.updateGauges()
}

// exclude drops an incompatible vault from the active set.
func (m *Monitor) exclude(addr common.Address) {
	m.mu.Lock()
	delete(m.records, addr)
	delete(m.states, addr)
	m.mu.Unlock()
	m.updateGauges()

	m.publish(notify.Notification{
		Vault:    addr,
		Type:     notify.TypeExcluded,
		Severity: notify.SeverityWarning,
		Message:  "Address excluded: not a compatible vault contract",
	})
}

// enterCooling transitions to Cooling, announcing it only on the way in.
func (m *Monitor) enterCooling(addr common.Address, rec *vault.Record) {
	m.mu.Lock()
	_, already := m.announced[addr]
	m.announced[addr] = struct{}{}
	m.states[addr] = StateCooling
	m.mu.Unlock()

	if already {
		return
	}
	m.publish(notify.Notification{
		Vault:    addr,
		Type:     notify.TypeCooling,
		Severity: notify.SeverityWarning,
		Message: fmt.Sprintf("Attempt budget exhausted after %d tries; retries suppressed for now (%s)",
			m.opts.Gate.Attempts(m.opts.Profile.ChainID, addr), rec.UnlockReason),
	})
}

func (m *Monitor) vaultLock(addr common.Address) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[addr]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[addr] = lock
	}
	return lock
}

func (m *Monitor) setState(addr common.Address, st State) {
	m.mu.Lock()
	m.states[addr] = st
	m.mu.Unlock()
}

func (m *Monitor) isCompleted(addr common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.completed[addr]
	return ok
}

func (m *Monitor) isTracked(addr common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[addr]
	return ok
}

func (m *Monitor) publish(n notify.Notification) {
	if m.opts.Hub == nil {
		return
	}
	n.ChainID = m.opts.Profile.ChainID
	m.opts.Hub.Publish(n)
}

func (m *Monitor) countEvaluation(outcome string) {
	if m.opts.Metrics.Evaluations != nil {
		m.opts.Metrics.Evaluations.WithLabelValues(string(m.opts.Profile.Name), outcome).Inc()
	}
}

func (m *Monitor) countWithdrawal(status string) {
	if m.opts.Metrics.Withdrawals != nil {
		m.opts.Metrics.Withdrawals.WithLabelValues(string(m.opts.Profile.Name), status).Inc()
	}
}

func (m *Monitor) updateGauges() {
	m.mu.RLock()
	tracked, completed := len(m.records), len(m.completed)
	m.mu.RUnlock()

	if m.opts.Metrics.Tracked != nil {
		m.opts.Metrics.Tracked.Set(float64(tracked))
	}
	if m.opts.Metrics.Completed != nil {
		m.opts.Metrics.Completed.Set(float64(completed))
	}
}
