package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/multierr"

	"github.com/smartcontractkit/deployment-orchestrator/config"
	"github.com/smartcontractkit/deployment-orchestrator/datastore"
	"github.com/smartcontractkit/deployment-orchestrator/deployment"
	"github.com/smartcontractkit/deployment-orchestrator/engine"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/ledger/evm"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// ConfigLoaderFunc loads the orchestrator configuration from path.
type ConfigLoaderFunc func(path string) (*config.Config, error)

// EngineLoaderFunc builds an engine from the configuration. The returned function releases
// the engine's connections and must be called once the command is done.
type EngineLoaderFunc func(ctx context.Context, cfg *config.Config, lggr logger.Logger) (*engine.Engine, func(), error)

// BytecodeReaderFunc reads the hex encoded creation bytecode stored at path.
type BytecodeReaderFunc func(path string) ([]byte, error)

// Deps holds the injectable dependencies of the commands.
// All fields are optional; nil values will use production defaults.
type Deps struct {
	// ConfigLoader loads the configuration.
	// Default: config.Load
	ConfigLoader ConfigLoaderFunc

	// EngineLoader builds the engine.
	// Default: an engine on a JSON-RPC gateway with the configured signer and store
	EngineLoader EngineLoaderFunc

	// BytecodeReader reads resource type bytecode files.
	// Default: readBytecodeFile
	BytecodeReader BytecodeReaderFunc
}

func (d *Deps) applyDefaults() {
	if d.ConfigLoader == nil {
		d.ConfigLoader = config.Load
	}
	if d.EngineLoader == nil {
		d.EngineLoader = defaultEngineLoader
	}
	if d.BytecodeReader == nil {
		d.BytecodeReader = readBytecodeFile
	}
}

// defaultEngineLoader is the production implementation that dials the configured ledger.
func defaultEngineLoader(ctx context.Context, cfg *config.Config, lggr logger.Logger) (*engine.Engine, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Ledger.RPCURL == "" {
		return nil, nil, errors.New("ledger: rpc_url is required")
	}

	signer, err := loadSigner(cfg.Signer)
	if err != nil {
		return nil, nil, err
	}

	gw, closeGateway, err := dialLedger(ctx, lggr, cfg.Ledger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Ledger.ChainSelector != 0 {
		info, err := evm.CheckChain(ctx, gw, cfg.Ledger.ChainSelector)
		if err != nil {
			closeGateway()
			return nil, nil, err
		}
		lggr.Infow("Connected to chain", "chain", info.Name, "chainID", info.ChainID)
	}

	store, closeStore, err := loadStore(ctx, cfg.Store, lggr)
	if err != nil {
		closeGateway()
		return nil, nil, err
	}

	e := engine.New(lggr, engine.Deps{
		Gateway: gw,
		Keyring: ledger.NewKeyring(signer),
		Store:   store,
	}, cfg.EngineConfig())

	return e, func() {
		e.Close()
		if err := closeStore(); err != nil {
			lggr.Warnw("Failed to close store", "error", err)
		}
		closeGateway()
	}, nil
}

// dialLedger connects to the primary endpoint, failing over to the backups when any are
// configured.
func dialLedger(ctx context.Context, lggr logger.Logger, cfg config.LedgerConfig) (*evm.Gateway, func(), error) {
	tick := evm.WithTickInterval(cfg.PollInterval)
	if len(cfg.BackupRPCURLs) == 0 {
		return evm.Dial(ctx, lggr, cfg.RPCURL, tick)
	}
	urls := append([]string{cfg.RPCURL}, cfg.BackupRPCURLs...)

	return evm.DialMulti(ctx, lggr, urls, evm.DefaultRetryConfig(), tick)
}

func loadSigner(cfg config.SignerConfig) (ledger.Signer, error) {
	switch {
	case cfg.UsesKMS():
		s, err := evm.NewKMSSigner(evm.KMSConfig{
			KeyID:      cfg.KMS.KeyID,
			KeyRegion:  cfg.KMS.KeyRegion,
			AWSProfile: cfg.KMS.AWSProfile,
		})
		if err != nil {
			return nil, err
		}

		return s, nil
	case cfg.PrivateKey != "":
		s, err := evm.NewKeySigner(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}

		return s, nil
	default:
		return nil, errors.New("signer: set private_key or kms key_id")
	}
}

func loadStore(ctx context.Context, cfg config.StoreConfig, lggr logger.Logger) (datastore.Datastore, func() error, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := datastore.OpenSQL(ctx, lggr, "postgres", cfg.DSN)
		if err != nil {
			return nil, nil, err
		}

		return s, s.Close, nil
	default:
		lggr.Warnw("Using the in-memory store; plans and operations are lost when the command exits")
		return datastore.NewMemoryStore(), func() error { return nil }, nil
	}
}

// readBytecodeFile reads a hex file, with or without the 0x prefix.
func readBytecodeFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}

	return hexutil.Decode(s)
}

// attachBytecode registers the creation bytecode named by --bytecode flags.
func attachBytecode(types *deployment.TypeRegistry, read BytecodeReaderFunc, files map[string]string) error {
	var errs error
	for name, path := range files {
		code, err := read(path)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bytecode of %s: %w", name, err))
			continue
		}
		if err := types.SetBytecode(name, code); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
