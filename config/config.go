// Package config loads the orchestrator configuration from a file, the environment or both.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/smartcontractkit/deployment-orchestrator/atomicop"
	"github.com/smartcontractkit/deployment-orchestrator/engine"
)

// LedgerConfig is the configuration of the ledger gateway.
type LedgerConfig struct {
	RPCURL string `mapstructure:"rpc_url" yaml:"rpc_url"` // The JSON-RPC endpoint of the chain
	// BackupRPCURLs are tried in order when the primary endpoint cannot be reached.
	BackupRPCURLs []string `mapstructure:"backup_rpc_urls" yaml:"backup_rpc_urls"`
	// ChainSelector, when set, is checked against the chain the RPC endpoint serves.
	ChainSelector  uint64        `mapstructure:"chain_selector" yaml:"chain_selector"`
	Confirmations  uint64        `mapstructure:"confirmations" yaml:"confirmations"`
	ReceiptTimeout time.Duration `mapstructure:"receipt_timeout" yaml:"receipt_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"` // How often receipts are polled
}

// KMSConfig is the configuration of an AWS KMS deployer key.
//
// WARNING: This data type contains sensitive fields and should not be logged or set in file
// configuration.
type KMSConfig struct {
	KeyID      string `mapstructure:"key_id" yaml:"key_id"`           // Secret: AWS KMS Key ID
	KeyRegion  string `mapstructure:"key_region" yaml:"key_region"`   // Secret: AWS KMS Key Region (e.g. us-west-1)
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"` // The AWS shared config profile
}

// SignerConfig selects the deployer key. Exactly one of PrivateKey and KMS is used.
//
// WARNING: This data type contains sensitive fields and should not be logged or set in file
// configuration.
type SignerConfig struct {
	PrivateKey string    `mapstructure:"private_key" yaml:"private_key"` // Secret: Prefer to use KMS keys instead.
	KMS        KMSConfig `mapstructure:"kms" yaml:"kms"`
}

// UsesKMS reports whether the deployer key lives in KMS.
func (c SignerConfig) UsesKMS() bool {
	return c.KMS.KeyID != ""
}

// ExecutorConfig bounds plan execution and the retry of transient failures.
type ExecutorConfig struct {
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency"`
	MaxAttempts      uint          `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxJitter        time.Duration `mapstructure:"max_jitter" yaml:"max_jitter"`
	GasBufferPercent uint64        `mapstructure:"gas_buffer_percent" yaml:"gas_buffer_percent"`
	GasBumpPercent   uint64        `mapstructure:"gas_bump_percent" yaml:"gas_bump_percent"`
}

// AtomicConfig is the configuration of atomic operations.
type AtomicConfig struct {
	BatchExecutor           string        `mapstructure:"batch_executor" yaml:"batch_executor"` // Multicall3-compatible contract address
	FulfillmentPollInterval time.Duration `mapstructure:"fulfillment_poll_interval" yaml:"fulfillment_poll_interval"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// StoreConfig selects the status store.
//
// WARNING: the DSN may carry credentials.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"` // Secret: connection string of the postgres store
}

// Config wraps the entire configuration of the orchestrator.
type Config struct {
	Ledger   LedgerConfig   `mapstructure:"ledger" yaml:"ledger"`
	Signer   SignerConfig   `mapstructure:"signer" yaml:"signer"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Atomic   AtomicConfig   `mapstructure:"atomic" yaml:"atomic"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Signer.PrivateKey != "" && c.Signer.UsesKMS() {
		return errors.New("signer: set either private_key or kms, not both")
	}
	if c.Signer.UsesKMS() && c.Signer.KMS.KeyRegion == "" {
		return errors.New("signer: kms key_region is required")
	}
	if c.Executor.Concurrency <= 0 {
		return fmt.Errorf("executor: concurrency must be positive, got %d", c.Executor.Concurrency)
	}
	if c.Executor.MaxAttempts == 0 {
		return errors.New("executor: max_attempts must be positive")
	}
	if c.Atomic.BatchExecutor != "" && !common.IsHexAddress(c.Atomic.BatchExecutor) {
		return fmt.Errorf("atomic: batch_executor %q is not an address", c.Atomic.BatchExecutor)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store: dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}

	return nil
}

// EngineConfig converts the settings into the configuration of the engine components.
func (c *Config) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.GasBufferPercent = c.Executor.GasBufferPercent

	cfg.Deployment.Concurrency = c.Executor.Concurrency
	cfg.Deployment.Retry.MaxAttempts = c.Executor.MaxAttempts
	cfg.Deployment.Retry.BaseDelay = c.Executor.BaseDelay
	cfg.Deployment.Retry.MaxDelay = c.Executor.MaxDelay
	cfg.Deployment.Retry.MaxJitter = c.Executor.MaxJitter
	cfg.Deployment.Broadcast.Confirmations = c.Ledger.Confirmations
	cfg.Deployment.Broadcast.ReceiptTimeout = c.Ledger.ReceiptTimeout
	cfg.Deployment.Broadcast.GasBumpPercent = c.Executor.GasBumpPercent

	cfg.Atomic.Retry = cfg.Deployment.Retry
	cfg.Atomic.Broadcast = cfg.Deployment.Broadcast
	cfg.Atomic.PollInterval = c.Atomic.FulfillmentPollInterval
	if c.Atomic.BatchExecutor != "" {
		cfg.Atomic.BatchExecutor = common.HexToAddress(c.Atomic.BatchExecutor)
	}

	return cfg
}

// Load loads the config from the file path, falling back to env vars if the file does not exist.
// If the file exists, any env vars that are set will override the values loaded from the file.
func Load(filePath string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(filePath)

	if _, err := os.Stat(filePath); !errors.Is(err, fs.ErrNotExist) {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return unmarshal(v)
}

// LoadEnv loads the config from the environment variables.
func LoadEnv() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	return unmarshal(v)
}

// LoadFile loads the config from a file. Environment variables are ignored.
func LoadFile(filePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(filePath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	return v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

var (
	defaults = map[string]any{
		"ledger.confirmations":             1,
		"ledger.receipt_timeout":           5 * time.Minute,
		"ledger.poll_interval":             time.Second,
		"executor.concurrency":             4,
		"executor.max_attempts":            4,
		"executor.base_delay":              time.Second,
		"executor.max_delay":               30 * time.Second,
		"executor.max_jitter":              time.Duration(0),
		"executor.gas_buffer_percent":      20,
		"executor.gas_bump_percent":        13,
		"atomic.fulfillment_poll_interval": atomicop.DefaultPollInterval,
		"store.driver":                     DriverMemory,
	}

	// envBindings maps a config key to the environment variables that can provide its value.
	// The first name is preferred; later names are accepted for compatibility with existing
	// deployment scripts.
	envBindings = map[string][]string{
		"ledger.rpc_url":                   {"ORCHESTRATOR_LEDGER_RPC_URL", "ETH_RPC_URL"},
		"ledger.backup_rpc_urls":           {"ORCHESTRATOR_LEDGER_BACKUP_RPC_URLS"},
		"ledger.chain_selector":            {"ORCHESTRATOR_LEDGER_CHAIN_SELECTOR"},
		"ledger.confirmations":             {"ORCHESTRATOR_LEDGER_CONFIRMATIONS"},
		"ledger.receipt_timeout":           {"ORCHESTRATOR_LEDGER_RECEIPT_TIMEOUT"},
		"ledger.poll_interval":             {"ORCHESTRATOR_LEDGER_POLL_INTERVAL"},
		"signer.private_key":               {"ORCHESTRATOR_SIGNER_PRIVATE_KEY", "TEST_WALLET_KEY"},
		"signer.kms.key_id":                {"ORCHESTRATOR_SIGNER_KMS_KEY_ID", "KMS_DEPLOYER_KEY_ID"},
		"signer.kms.key_region":            {"ORCHESTRATOR_SIGNER_KMS_KEY_REGION", "KMS_DEPLOYER_KEY_REGION"},
		"signer.kms.aws_profile":           {"ORCHESTRATOR_SIGNER_KMS_AWS_PROFILE", "AWS_PROFILE"},
		"executor.concurrency":             {"ORCHESTRATOR_EXECUTOR_CONCURRENCY"},
		"executor.max_attempts":            {"ORCHESTRATOR_EXECUTOR_MAX_ATTEMPTS"},
		"executor.base_delay":              {"ORCHESTRATOR_EXECUTOR_BASE_DELAY"},
		"executor.max_delay":               {"ORCHESTRATOR_EXECUTOR_MAX_DELAY"},
		"executor.max_jitter":              {"ORCHESTRATOR_EXECUTOR_MAX_JITTER"},
		"executor.gas_buffer_percent":      {"ORCHESTRATOR_EXECUTOR_GAS_BUFFER_PERCENT"},
		"executor.gas_bump_percent":        {"ORCHESTRATOR_EXECUTOR_GAS_BUMP_PERCENT"},
		"atomic.batch_executor":            {"ORCHESTRATOR_ATOMIC_BATCH_EXECUTOR"},
		"atomic.fulfillment_poll_interval": {"ORCHESTRATOR_ATOMIC_FULFILLMENT_POLL_INTERVAL"},
		"store.driver":                     {"ORCHESTRATOR_STORE_DRIVER"},
		"store.dsn":                        {"ORCHESTRATOR_STORE_DSN", "DATABASE_URL"},
	}
)

func setDefaults(v *viper.Viper) {
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

// bindEnvs binds the environment variables to the viper instance.
func bindEnvs(v *viper.Viper) error {
	for key, envs := range envBindings {
		inputs := slices.Insert(slices.Clone(envs), 0, key)

		if err := v.BindEnv(inputs...); err != nil {
			return err
		}
	}

	return nil
}
