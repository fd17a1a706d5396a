package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/vault-sentinel/internal/otel"
	"github.com/yourorg/vault-sentinel/internal/types"
)

// ErrNotAVault marks a definitive exclusion: the address has no code, or a
// baseline call every valid vault must support reverted. All other failures
// degrade rather than exclude.
var ErrNotAVault = errors.New("address is not a recognizable vault")

// Resolver turns raw vault addresses into normalized Records, tolerating
// missing or incompatible contract methods via tiered fallback.
type Resolver struct {
	reader  ContractReader
	profile types.NetworkProfile
	now     func() time.Time
}

// NewResolver creates a Resolver for one network.
func NewResolver(reader ContractReader, profile types.NetworkProfile) *Resolver {
	return &Resolver{
		reader:  reader,
		profile: profile,
		now:     time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Discover enumerates the factory's vaults for an owner and resolves each.
func (r *Resolver) Discover(ctx context.Context, owner common.Address) ([]*Record, error) {
	out, err := callContract(ctx, r.reader, r.profile.FactoryAddress, FactoryABI, "getUserVaults", owner)
	if err != nil {
		return nil, fmt.Errorf("enumerating vaults for %s: %w", owner.Hex(), err)
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected getUserVaults result type %T", out[0])
	}
	return r.ResolveAll(ctx, addrs), nil
}

// ResolveAll resolves a batch of addresses concurrently. One vault's failure
// never aborts its siblings; failed and excluded addresses are logged and
// dropped from the result.
func (r *Resolver) ResolveAll(ctx context.Context, addrs []common.Address) []*Record {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		records []*Record
	)

	for _, addr := range addrs {
		wg.Add(1)
		go func(addr common.Address) {
			defer wg.Done()

			rec, err := r.Resolve(ctx, addr)
			if err != nil {
				if errors.Is(err, ErrNotAVault) {
					logrus.WithField("vault", addr.Hex()).Info("Excluding address: not a compatible vault")
				} else {
					logrus.WithField("vault", addr.Hex()).Warnf("Resolution failed: %v", err)
				}
				return
			}

			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
		}(addr)
	}

	wg.Wait()
	return records
}

// Resolve builds a normalized Record for one vault address.
//
// Exclusion is definitive only for code-less addresses and baseline-call
// reverts; transient failures propagate as errors so the caller retries later.
func (r *Resolver) Resolve(ctx context.Context, addr common.Address) (*Record, error) {
	ctx, span := otel.Tracer().Start(ctx, "vault.resolve",
		trace.WithAttributes(attribute.String("vault.address", addr.Hex())))
	defer span.End()

	code, err := r.reader.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("reading code at %s: %w", addr.Hex(), err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: no contract code at %s", ErrNotAVault, addr.Hex())
	}

	rec := &Record{
		Address:    addr,
		ChainID:    r.profile.ChainID,
		TokenVault: r.classifyShape(ctx, addr),
		Balance:    new(big.Int),
		ResolvedAt: r.now(),
	}

	// unlockTime is the baseline call every vault revision supports; a revert
	// here means the contract is not one of ours.
	unlockTime, err := r.readUint(ctx, addr, "unlockTime")
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: baseline unlockTime call reverted at %s", ErrNotAVault, addr.Hex())
		}
		otel.RecordError(ctx, err)
		return nil, err
	}
	if unlockTime.Sign() > 0 {
		rec.UnlockTime = time.Unix(unlockTime.Int64(), 0)
	}

	// Tiered status determination, first success wins
	if err := r.statusFromRichCall(ctx, rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"vault":   addr.Hex(),
			"network": r.profile.Name,
		}).Debugf("Rich status call unavailable, using legacy fallback: %v", err)
		r.statusFromUnlockTime(rec)
	}

	r.readBalance(ctx, rec)
	r.readParameters(ctx, rec)

	if rec.Kind == KindPrice && (rec.CurrentPrice == nil || rec.CurrentPrice.Sign() == 0) {
		rec.CurrentPrice = r.readFeedPrice(ctx)
	}

	return rec, nil
}

// classifyShape asks the factory whether the vault is token-denominated. A
// failed classifier call defaults to the native-asset shape.
func (r *Resolver) classifyShape(ctx context.Context, addr common.Address) bool {
	out, err := callContract(ctx, r.reader, r.profile.FactoryAddress, FactoryABI, "isTokenVault", addr)
	if err != nil {
		logrus.WithField("vault", addr.Hex()).Debugf("Shape classifier failed, assuming native vault: %v", err)
		return false
	}
	isToken, ok := out[0].(bool)
	return ok && isToken
}

// statusFromRichCall populates the record from getVaultStatus and is trusted
// fully when it succeeds.
func (r *Resolver) statusFromRichCall(ctx context.Context, rec *Record) error {
	out, err := callContract(ctx, r.reader, rec.Address, VaultABI, "getVaultStatus")
	if err != nil {
		return err
	}
	if len(out) != 9 {
		return fmt.Errorf("getVaultStatus returned %d values, want 9", len(out))
	}

	locked, _ := out[0].(bool)
	currentPrice, _ := out[1].(*big.Int)
	timeRemaining, _ := out[2].(*big.Int)
	priceBased, _ := out[3].(bool)
	goalBased, _ := out[4].(bool)
	currentAmount, _ := out[5].(*big.Int)
	goalAmount, _ := out[6].(*big.Int)
	progress, _ := out[7].(*big.Int)
	reason, _ := out[8].(string)

	rec.Locked = locked
	rec.CurrentPrice = currentPrice
	rec.CurrentAmount = currentAmount
	rec.TargetAmount = goalAmount
	rec.UnlockReason = reason
	if progress != nil {
		// Already scaled by the contract, never rescale
		rec.ProgressPercent = progress.Uint64()
	}

	// Contract-reported flags take precedence; time lock is the residual kind
	switch {
	case priceBased:
		rec.Kind = KindPrice
	case goalBased:
		rec.Kind = KindGoal
	default:
		rec.Kind = KindTime
	}

	if rec.Kind == KindTime && timeRemaining != nil && timeRemaining.Sign() > 0 && rec.UnlockTime.IsZero() {
		rec.UnlockTime = r.now().Add(time.Duration(timeRemaining.Int64()) * time.Second)
	}
	return nil
}

// statusFromUnlockTime is the legacy tier for older contract revisions that
// predate getVaultStatus: time-based classification derived from the baseline
// unlockTime read, with a synthesized reason.
func (r *Resolver) statusFromUnlockTime(rec *Record) {
	rec.Degraded = true
	rec.Kind = KindTime
	rec.Locked = !rec.UnlockTime.IsZero() && rec.UnlockTime.After(r.now())
	if rec.Locked {
		rec.UnlockReason = fmt.Sprintf("Locked until %s", rec.UnlockTime.UTC().Format(time.RFC3339))
	} else {
		rec.UnlockReason = "Time lock expired"
	}
}

// readBalance fills in the vault balance, degrading to the account balance
// for native vaults whose getBalance is unavailable.
func (r *Resolver) readBalance(ctx context.Context, rec *Record) {
	if bal, err := r.readUint(ctx, rec.Address, "getBalance"); err == nil {
		rec.Balance = bal
		return
	} else if !rec.TokenVault {
		if bal, err := r.reader.BalanceAt(ctx, rec.Address, nil); err == nil {
			rec.Balance = bal
			return
		}
	}
	logrus.WithField("vault", rec.Address.Hex()).Warn("Balance read failed, reporting zero until next resolve")
	rec.Balance = new(big.Int)
}

// readParameters fills in best-effort fields; their absence degrades fidelity
// but never excludes the vault.
func (r *Resolver) readParameters(ctx context.Context, rec *Record) {
	if out, err := callContract(ctx, r.reader, rec.Address, VaultABI, "creator"); err == nil {
		if creator, ok := out[0].(common.Address); ok {
			rec.Creator = creator
		}
	}
	if rec.Kind == KindPrice && rec.TargetPrice == nil {
		if v, err := r.readUint(ctx, rec.Address, "targetPrice"); err == nil {
			rec.TargetPrice = v
		}
	}
	if rec.Kind == KindGoal && rec.TargetAmount == nil {
		if v, err := r.readUint(ctx, rec.Address, "targetAmount"); err == nil {
			rec.TargetAmount = v
		}
	}
}

// readFeedPrice reads the Chainlink-style feed, substituting a zero sentinel
// on failure so resolution continues.
func (r *Resolver) readFeedPrice(ctx context.Context) *big.Int {
	if r.profile.PriceFeedAddress == (common.Address{}) {
		return new(big.Int)
	}
	out, err := callContract(ctx, r.reader, r.profile.PriceFeedAddress, FeedABI, "latestRoundData")
	if err != nil {
		logrus.WithField("network", r.profile.Name).Warnf("Price feed read failed, using zero sentinel: %v", err)
		return new(big.Int)
	}
	answer, ok := out[1].(*big.Int)
	if !ok || answer == nil {
		return new(big.Int)
	}
	return answer
}

func (r *Resolver) readUint(ctx context.Context, addr common.Address, method string) (*big.Int, error) {
	out, err := callContract(ctx, r.reader, addr, VaultABI, method)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return v, nil
}
