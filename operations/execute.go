package operations

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
)

var ErrNotSerializable = errors.New("data cannot be safely persisted in a report, " +
	"avoid types that can't be serialized")

// ExecuteConfig is the configuration for ExecuteOperation.
type ExecuteConfig[IN, DEP any] struct {
	retryConfig RetryConfig[IN, DEP]
	timer       retry.Timer
	force       bool
}

type ExecuteOption[IN, DEP any] func(*ExecuteConfig[IN, DEP])

type RetryConfig[IN, DEP any] struct {
	// Enabled determines if the retry is enabled for the operation.
	Enabled bool

	// Policy controls attempts and backoff.
	Policy RetryPolicy

	// InputHook returns the input for the next attempt, e.g. with a raised gas limit.
	InputHook func(attempt uint, err error, input IN, deps DEP) IN

	// OnRetry is notified of every retryable failure with the 1-based number of the attempt.
	OnRetry func(attempt uint, err error)
}

// RetryPolicy controls how failing operations are retried. The wait after the n-th failed
// attempt is BaseDelay * 2^(n-1), capped at MaxDelay, plus up to MaxJitter of random delay.
type RetryPolicy struct {
	MaxAttempts uint          `json:"maxAttempts" mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"baseDelay" mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"maxDelay" mapstructure:"max_delay" yaml:"max_delay"`
	MaxJitter   time.Duration `json:"maxJitter" mapstructure:"max_jitter" yaml:"max_jitter"`

	// Retryable decides whether a failure is attempted again. Nil means faults.Retryable.
	Retryable func(error) bool `json:"-" mapstructure:"-" yaml:"-"`
}

// DefaultRetryPolicy returns four attempts backing off 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the wait after failed attempt n, without jitter.
func (p RetryPolicy) Backoff(n uint) time.Duration {
	d := p.BaseDelay
	for i := uint(1); i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}

	return d
}

func (p RetryPolicy) retryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}

	return faults.Retryable(err)
}

// options returns the 'avast/retry' functional options for the policy.
func (p RetryPolicy) options() []retry.Option {
	backoff := func(n uint, _ error, _ *retry.Config) time.Duration {
		return p.Backoff(n)
	}
	delayType := retry.DelayTypeFunc(backoff)
	opts := []retry.Option{
		retry.Attempts(max(p.MaxAttempts, 1)),
		retry.RetryIf(p.retryable),
		retry.LastErrorOnly(true),
	}
	if p.MaxJitter > 0 {
		opts = append(opts, retry.MaxJitter(p.MaxJitter))
		delayType = retry.CombineDelay(backoff, retry.RandomDelay)
	}
	if p.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(p.MaxDelay+p.MaxJitter))
	}

	return append(opts, retry.DelayType(delayType))
}

func newDisabledRetryConfig[IN, DEP any]() RetryConfig[IN, DEP] {
	return RetryConfig[IN, DEP]{
		Enabled: false,
		Policy:  DefaultRetryPolicy(),
	}
}

// WithRetry enables retries with the default policy.
func WithRetry[IN, DEP any]() ExecuteOption[IN, DEP] {
	return func(c *ExecuteConfig[IN, DEP]) {
		c.retryConfig.Enabled = true
	}
}

// WithRetryPolicy enables retries with the given policy.
func WithRetryPolicy[IN, DEP any](policy RetryPolicy) ExecuteOption[IN, DEP] {
	return func(c *ExecuteConfig[IN, DEP]) {
		c.retryConfig.Enabled = true
		c.retryConfig.Policy = policy
	}
}

// WithRetryInput enables retries and transforms the input before every retry.
func WithRetryInput[IN, DEP any](inputHookFunc func(uint, error, IN, DEP) IN) ExecuteOption[IN, DEP] {
	return func(c *ExecuteConfig[IN, DEP]) {
		c.retryConfig.Enabled = true
		c.retryConfig.InputHook = inputHookFunc
	}
}

// WithRetryConfig replaces the whole retry configuration.
func WithRetryConfig[IN, DEP any](config RetryConfig[IN, DEP]) ExecuteOption[IN, DEP] {
	return func(c *ExecuteConfig[IN, DEP]) {
		c.retryConfig = config
	}
}

// WithTimer replaces the clock the backoff waits on. Tests use it to observe delays.
func WithTimer[IN, DEP any](timer retry.Timer) ExecuteOption[IN, DEP] {
	return func(c *ExecuteConfig[IN, DEP]) {
		c.timer = timer
	}
}

// WithForceExecute runs the handler even if an earlier successful report exists.
func WithForceExecute[IN, DEP any]() ExecuteOption[IN, DEP] {
	return func(c *ExecuteConfig[IN, DEP]) {
		c.force = true
	}
}

// ExecuteOperation executes an operation with the given input and dependencies.
//
// If the bundle's reporter holds a successful report for the same definition and input, that
// report is returned without running the handler, unless WithForceExecute is given. Failed
// earlier executions never short-circuit.
//
// Retries are disabled by default. With retries enabled, only failures accepted by the policy
// are retried; a handler can stop retrying early by returning NewUnrecoverableError. The
// returned error is the one of the last attempt.
//
// The input and output must be JSON serializable.
func ExecuteOperation[IN, OUT, DEP any](
	b Bundle,
	operation *Operation[IN, OUT, DEP],
	deps DEP,
	input IN,
	opts ...ExecuteOption[IN, DEP],
) (Report[IN, OUT], error) {
	if !IsSerializable(b.Logger, input) {
		return Report[IN, OUT]{}, fmt.Errorf("operation %s input: %w", operation.def.ID, ErrNotSerializable)
	}

	executeConfig := &ExecuteConfig[IN, DEP]{
		retryConfig: newDisabledRetryConfig[IN, DEP](),
	}
	for _, opt := range opts {
		opt(executeConfig)
	}

	if !executeConfig.force {
		if previousReport, found := loadPreviousSuccessfulReport[IN, OUT](b, operation.def, input); found {
			b.Logger.Infow("Operation already executed. Returning previous result",
				"id", operation.def.ID, "version", operation.def.Version, "report_id", previousReport.ID)

			return previousReport, nil
		}
	}

	var (
		output   OUT
		err      error
		attempts uint
	)
	ctx := contextOf(b)

	if executeConfig.retryConfig.Enabled {
		inputTemp := input

		retryOpts := executeConfig.retryConfig.Policy.options()
		retryOpts = append(retryOpts, retry.Context(ctx))
		if executeConfig.timer != nil {
			retryOpts = append(retryOpts, retry.WithTimer(executeConfig.timer))
		}
		retryOpts = append(retryOpts, retry.OnRetry(func(n uint, err error) {
			b.Logger.Warnw("Operation failed. Retrying...",
				"operation", operation.def.ID, "attempt", n+1, "error", err)

			if executeConfig.retryConfig.OnRetry != nil {
				executeConfig.retryConfig.OnRetry(n+1, err)
			}
			if executeConfig.retryConfig.InputHook != nil {
				inputTemp = executeConfig.retryConfig.InputHook(n+1, err, inputTemp, deps)
			}
		}))

		output, err = retry.DoWithData(
			func() (OUT, error) {
				attempts++
				return operation.execute(b, deps, inputTemp)
			},
			retryOpts...,
		)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = faults.Wrap(faults.Cancelled, err)
		}
	} else {
		attempts = 1
		output, err = operation.execute(b, deps, input)
	}

	if err == nil && !IsSerializable(b.Logger, output) {
		return Report[IN, OUT]{}, fmt.Errorf("operation %s output: %w", operation.def.ID, ErrNotSerializable)
	}

	report := NewReport(operation.def, input, output, err)
	report.Attempts = attempts
	report.Forced = executeConfig.force
	if rerr := b.reporter.AddReport(genericReport(report)); rerr != nil {
		return Report[IN, OUT]{}, rerr
	}

	if err != nil {
		return report, err
	}

	return report, nil
}

// NewUnrecoverableError marks err so that the operation is not retried.
func NewUnrecoverableError(err error) error {
	return retry.Unrecoverable(err)
}

func contextOf(b Bundle) context.Context {
	if b.GetContext == nil {
		return context.Background()
	}

	return b.GetContext()
}

func loadPreviousSuccessfulReport[IN, OUT any](
	b Bundle, def Definition, input IN,
) (Report[IN, OUT], bool) {
	prevReports, err := b.reporter.GetReports()
	if err != nil {
		b.Logger.Errorw("Failed to get reports", "error", err)
		return Report[IN, OUT]{}, false
	}
	currentHash, err := constructUniqueHashFrom(def, input)
	if err != nil {
		b.Logger.Errorw("Failed to construct unique hash", "error", err)
		return Report[IN, OUT]{}, false
	}

	for _, report := range prevReports {
		if report.Err != nil {
			continue
		}
		reportHash, err := b.reportHash(report)
		if err != nil {
			b.Logger.Errorw("Failed to construct unique hash for previous report", "error", err)
			continue
		}
		if reportHash != currentHash {
			continue
		}
		typedReport, ok := typeReport[IN, OUT](report)
		if !ok {
			b.Logger.Debugw("Previous execution found but its report does not match the operation types",
				"id", def.ID, "report_id", report.ID)
			continue
		}

		return typedReport, true
	}

	return Report[IN, OUT]{}, false
}
