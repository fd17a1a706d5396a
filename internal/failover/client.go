// Package failover provides a resilient Ethereum RPC client that executes
// each logical call against an ordered list of endpoints, advancing to the
// next endpoint on failure. Public endpoints fail in time-varying,
// load-dependent ways, so health is re-probed on every call rather than
// memoized across calls.
package failover

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/vault-sentinel/internal/ratelimit"
	"github.com/yourorg/vault-sentinel/internal/types"
)

// Backend is the narrow chain interface the rest of the monitor depends on.
// *ethclient.Client satisfies it; tests substitute fakes.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
}

// Metrics holds the prometheus instruments the client reports into. All
// fields are optional.
type Metrics struct {
	Failovers *prometheus.CounterVec // labels: network, class
	Exhausted *prometheus.CounterVec // labels: network
}

// Client executes logical calls against an ordered endpoint list. It
// implements Backend so callers are unaware of the fallback machinery.
type Client struct {
	profile types.NetworkProfile
	limiter *ratelimit.Limiter
	metrics Metrics

	// dial is swappable for tests
	dial func(ctx context.Context, rawurl string) (Backend, error)

	mu    sync.Mutex
	conns map[string]Backend
}

// New creates a Client for one network profile. limiter may be nil to disable
// local admission control.
func New(profile types.NetworkProfile, limiter *ratelimit.Limiter) *Client {
	return &Client{
		profile: profile,
		limiter: limiter,
		dial: func(ctx context.Context, rawurl string) (Backend, error) {
			return ethclient.DialContext(ctx, rawurl)
		},
		conns: make(map[string]Backend),
	}
}

// WithMetrics attaches prometheus instruments and returns the client.
func (c *Client) WithMetrics(m Metrics) *Client {
	c.metrics = m
	return c
}

// WithDialer overrides endpoint dialing, used by tests.
func (c *Client) WithDialer(dial func(ctx context.Context, rawurl string) (Backend, error)) *Client {
	c.dial = dial
	return c
}

// Profile returns the network profile this client serves.
func (c *Client) Profile() types.NetworkProfile {
	return c.profile
}

// backend returns a connection for the given endpoint, dialing on first use.
// Connections are cached; endpoint health is not.
func (c *Client) backend(ctx context.Context, url string) (Backend, error) {
	c.mu.Lock()
	if b, ok := c.conns[url]; ok {
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	b, err := c.dial(ctx, url)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.conns[url]; ok {
		return cached, nil
	}
	c.conns[url] = b
	return b, nil
}

// do runs one logical call, restarting the probe at endpoint 0. Every failure
// class advances to the next endpoint; only exhausting the list is fatal.
func (c *Client) do(ctx context.Context, op string, fn func(Backend) error) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return ErrRateLimited
	}

	endpoints := c.profile.RPCEndpoints

	// Single-endpoint lists skip the fallback loop. Behavior is identical,
	// this just avoids the bookkeeping on the common self-hosted setup.
	if len(endpoints) == 1 {
		b, err := c.backend(ctx, endpoints[0])
		if err == nil {
			err = fn(b)
		}
		if err != nil {
			c.recordFailover(op, endpoints[0], err)
			c.recordExhausted()
			return &AllEndpointsFailedError{Op: op, Endpoints: 1, Err: err}
		}
		return nil
	}

	var lastErr error
	for _, url := range endpoints {
		b, err := c.backend(ctx, url)
		if err == nil {
			err = fn(b)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		c.recordFailover(op, url, err)

		if ctx.Err() != nil {
			// The caller is gone; probing further endpoints would just fail
			// with the same context error.
			break
		}
	}

	c.recordExhausted()
	return &AllEndpointsFailedError{Op: op, Endpoints: len(endpoints), Err: lastErr}
}

func (c *Client) recordFailover(op, url string, err error) {
	class := Classify(err)
	logrus.WithFields(logrus.Fields{
		"network":  c.profile.Name,
		"op":       op,
		"endpoint": url,
		"class":    class,
	}).Debugf("Endpoint failed, advancing: %v", err)

	if c.metrics.Failovers != nil {
		c.metrics.Failovers.WithLabelValues(string(c.profile.Name), string(class)).Inc()
	}
}

func (c *Client) recordExhausted() {
	if c.metrics.Exhausted != nil {
		c.metrics.Exhausted.WithLabelValues(string(c.profile.Name)).Inc()
	}
}

// ChainID reports the chain id of the first responsive endpoint.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := c.do(ctx, "ChainID", func(b Backend) error {
		var err error
		out, err = b.ChainID(ctx)
		return err
	})
	return out, err
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "CodeAt", func(b Backend) error {
		var err error
		out, err = b.CodeAt(ctx, account, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "CallContract", func(b Backend) error {
		var err error
		out, err = b.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var out *big.Int
	err := c.do(ctx, "BalanceAt", func(b Backend) error {
		var err error
		out, err = b.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	var out *ethtypes.Header
	err := c.do(ctx, "HeaderByNumber", func(b Backend) error {
		var err error
		out, err = b.HeaderByNumber(ctx, number)
		return err
	})
	return out, err
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := c.do(ctx, "SuggestGasTipCap", func(b Backend) error {
		var err error
		out, err = b.SuggestGasTipCap(ctx)
		return err
	})
	return out, err
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := c.do(ctx, "SuggestGasPrice", func(b Backend) error {
		var err error
		out, err = b.SuggestGasPrice(ctx)
		return err
	})
	return out, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out uint64
	err := c.do(ctx, "PendingNonceAt", func(b Backend) error {
		var err error
		out, err = b.PendingNonceAt(ctx, account)
		return err
	})
	return out, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := c.do(ctx, "EstimateGas", func(b Backend) error {
		var err error
		out, err = b.EstimateGas(ctx, msg)
		return err
	})
	return out, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return c.do(ctx, "SendTransaction", func(b Backend) error {
		return b.SendTransaction(ctx, tx)
	})
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	var out *ethtypes.Receipt
	err := c.do(ctx, "TransactionReceipt", func(b Backend) error {
		var err error
		out, err = b.TransactionReceipt(ctx, txHash)
		return err
	})
	return out, err
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	var out []ethtypes.Log
	err := c.do(ctx, "FilterLogs", func(b Backend) error {
		var err error
		out, err = b.FilterLogs(ctx, q)
		return err
	})
	return out, err
}

// SubscribeFilterLogs probes endpoints like any other call. HTTP-only nodes
// reject it with an unsupported-method error, which advances the probe; an
// endpoint list without any websocket entry exhausts normally and the caller
// falls back to polling.
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	var out ethereum.Subscription
	err := c.do(ctx, "SubscribeFilterLogs", func(b Backend) error {
		var err error
		out, err = b.SubscribeFilterLogs(ctx, q, ch)
		return err
	})
	return out, err
}
