package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"

	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

const (
	// Default retry configuration for calls on a single endpoint
	RPCDefaultRetryAttempts = 1
	RPCDefaultRetryDelay    = 1000 * time.Millisecond
	RPCDefaultRetryTimeout  = 10 * time.Second

	// Default retry configuration for dialing endpoints
	RPCDefaultDialRetryAttempts = 1
	RPCDefaultDialRetryDelay    = 1000 * time.Millisecond
	RPCDefaultDialTimeout       = 10 * time.Second

	// Default timeout for health checks
	RPCDefaultHealthCheckTimeout = 2 * time.Second
)

// RetryConfig bounds how long one endpoint is tried before the next one is used.
type RetryConfig struct {
	Attempts     uint
	Delay        time.Duration
	Timeout      time.Duration
	DialAttempts uint
	DialDelay    time.Duration
	DialTimeout  time.Duration
}

// DefaultRetryConfig tries every endpoint once.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     RPCDefaultRetryAttempts,
		Delay:        RPCDefaultRetryDelay,
		Timeout:      RPCDefaultRetryTimeout,
		DialAttempts: RPCDefaultDialRetryAttempts,
		DialDelay:    RPCDefaultDialRetryDelay,
		DialTimeout:  RPCDefaultDialTimeout,
	}
}

// MultiClient is a Client over several endpoints of the same chain. A call that fails at the
// transport level moves on to the next endpoint, and the endpoint that answered becomes the
// primary. Errors returned by a node, such as a revert or nonce too low, are returned as is.
type MultiClient struct {
	lggr  logger.Logger
	retry RetryConfig

	mu      sync.RWMutex
	clients []Client // clients[0] is the primary
}

var _ Client = (*MultiClient)(nil)

// NewMultiClient returns a MultiClient with clients in order of preference.
func NewMultiClient(lggr logger.Logger, cfg RetryConfig, clients ...Client) (*MultiClient, error) {
	if len(clients) == 0 {
		return nil, errors.New("no RPC clients provided, need at least one")
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}

	return &MultiClient{
		lggr:    lggr.Named("multiclient"),
		retry:   cfg,
		clients: clients,
	}, nil
}

// DialMulti dials every endpoint and returns a gateway over those that pass a health check.
// Endpoints that cannot be reached are skipped with a warning.
func DialMulti(
	ctx context.Context, lggr logger.Logger, urls []string, cfg RetryConfig, opts ...GatewayOption,
) (*Gateway, func(), error) {
	if len(urls) == 0 {
		return nil, nil, errors.New("no RPC endpoints provided, need at least one")
	}

	var (
		clients []Client
		closers []func()
	)
	for i, url := range urls {
		client, err := dialWithRetry(ctx, lggr, url, cfg)
		if err != nil {
			lggr.Warnw("Failed to dial RPC endpoint, trying the next one", "index", i, "error", err)
			continue
		}
		if err := healthCheck(ctx, client); err != nil {
			lggr.Warnw("RPC endpoint failed its health check, trying the next one", "index", i, "error", err)
			client.Close()

			continue
		}
		clients = append(clients, client)
		closers = append(closers, client.Close)
	}
	if len(clients) == 0 {
		return nil, nil, errors.New("no RPC endpoint could be reached")
	}

	mc, err := NewMultiClient(lggr, cfg, clients...)
	if err != nil {
		return nil, nil, err
	}

	return NewGateway(lggr, mc, opts...), func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func (mc *MultiClient) ChainID(ctx context.Context) (*big.Int, error) {
	return withBackups(ctx, mc, "ChainID", func(ctx context.Context, c Client) (*big.Int, error) {
		return c.ChainID(ctx)
	})
}

func (mc *MultiClient) BlockNumber(ctx context.Context) (uint64, error) {
	return withBackups(ctx, mc, "BlockNumber", func(ctx context.Context, c Client) (uint64, error) {
		return c.BlockNumber(ctx)
	})
}

func (mc *MultiClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return withBackups(ctx, mc, "SuggestGasPrice", func(ctx context.Context, c Client) (*big.Int, error) {
		return c.SuggestGasPrice(ctx)
	})
}

func (mc *MultiClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return withBackups(ctx, mc, "EstimateGas", func(ctx context.Context, c Client) (uint64, error) {
		return c.EstimateGas(ctx, msg)
	})
}

func (mc *MultiClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return withBackups(ctx, mc, "PendingNonceAt", func(ctx context.Context, c Client) (uint64, error) {
		return c.PendingNonceAt(ctx, account)
	})
}

func (mc *MultiClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := withBackups(ctx, mc, "SendTransaction", func(ctx context.Context, c Client) (struct{}, error) {
		return struct{}{}, c.SendTransaction(ctx, tx)
	})

	return err
}

func (mc *MultiClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return withBackups(ctx, mc, "TransactionReceipt", func(ctx context.Context, c Client) (*types.Receipt, error) {
		return c.TransactionReceipt(ctx, hash)
	})
}

func (mc *MultiClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return withBackups(ctx, mc, "CallContract", func(ctx context.Context, c Client) ([]byte, error) {
		return c.CallContract(ctx, msg, block)
	})
}

// TransactionByHash is used to replay reverted transactions. Endpoints that do not serve it are
// skipped.
func (mc *MultiClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	type txResult struct {
		tx      *types.Transaction
		pending bool
	}
	res, err := withBackups(ctx, mc, "TransactionByHash", func(ctx context.Context, c Client) (txResult, error) {
		byHash, ok := c.(interface {
			TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
		})
		if !ok {
			return txResult{}, fmt.Errorf("%w: endpoint does not serve transactions by hash", ledger.ErrConnection)
		}
		tx, pending, err := byHash.TransactionByHash(ctx, hash)

		return txResult{tx: tx, pending: pending}, err
	})

	return res.tx, res.pending, err
}

// withBackups runs op on each endpoint in turn until one answers or fails with an error that is
// not a transport failure.
func withBackups[T any](ctx context.Context, mc *MultiClient, opName string, op func(context.Context, Client) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	traceID := uuid.New().String()

	for i, client := range mc.snapshot() {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var res T
		retries := 0
		err := retry.Do(func() error {
			callCtx, cancel := ensureTimeout(ctx, mc.retry.Timeout)
			defer cancel()

			var err error
			res, err = op(callCtx, client)
			if err != nil && !isTransport(err) {
				return retry.Unrecoverable(err)
			}

			return err
		},
			retry.Context(ctx),
			retry.Attempts(mc.retry.Attempts),
			retry.Delay(mc.retry.Delay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(uint, error) { retries++ }),
		)
		if err == nil {
			if retries > 0 {
				mc.lggr.Infow("RPC call succeeded after retries",
					"traceID", traceID, "op", opName, "index", i, "retries", retries)
			}
			mc.promote(client)

			return res, nil
		}
		if !isTransport(err) {
			return zero, err
		}
		lastErr = err
		mc.lggr.Warnw("RPC call failed, trying the next endpoint",
			"traceID", traceID, "op", opName, "index", i, "error", maybeDataErr(err))
	}

	return zero, errors.Join(lastErr, fmt.Errorf("%w: all RPC endpoints failed %s", ledger.ErrConnection, opName))
}

// promote makes client the primary, moving the endpoints ahead of it to the end of the list.
func (mc *MultiClient) promote(client Client) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	idx := -1
	for i, c := range mc.clients {
		if c == client {
			idx = i
			break
		}
	}
	if idx < 1 {
		return
	}

	reordered := make([]Client, 0, len(mc.clients))
	reordered = append(reordered, mc.clients[idx:]...)
	reordered = append(reordered, mc.clients[:idx]...)
	mc.clients = reordered
}

func (mc *MultiClient) snapshot() []Client {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return append([]Client(nil), mc.clients...)
}

func dialWithRetry(ctx context.Context, lggr logger.Logger, url string, cfg RetryConfig) (*ethclient.Client, error) {
	var client *ethclient.Client
	err := retry.Do(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()

		var err error
		client, err = ethclient.DialContext(dialCtx, url)

		return err
	},
		retry.Context(ctx),
		retry.Attempts(max(cfg.DialAttempts, 1)),
		retry.Delay(cfg.DialDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			lggr.Debugw("Retrying dial", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial RPC endpoint: %w", err)
	}

	return client, nil
}

// healthCheck performs a basic health check by asking for the latest block number.
func healthCheck(ctx context.Context, client Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, RPCDefaultHealthCheckTimeout)
	defer cancel()

	if _, err := client.BlockNumber(checkCtx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

// ensureTimeout keeps the parent's deadline when it has one and otherwise applies timeout.
func ensureTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := parent.Deadline(); hasDeadline || timeout <= 0 {
		return context.WithCancel(parent)
	}

	return context.WithTimeout(parent, timeout)
}

func maybeDataErr(err error) error {
	var d rpc.DataError
	if errors.As(err, &d) {
		return fmt.Errorf("%s: %v", d.Error(), d.ErrorData())
	}

	return err
}

// isTransport reports whether err says the endpoint could not be reached rather than that the
// node rejected the call.
func isTransport(err error) bool {
	return errors.Is(connErr(err), ledger.ErrConnection) || errors.Is(err, context.DeadlineExceeded)
}
