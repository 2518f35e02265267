/*
Package operations runs the side-effecting steps of plans and atomic operations.

An [Operation] wraps a handler that performs at most one side effect, typically a single
transaction. [ExecuteOperation] adds the runtime around it:

  - Retry with exponential backoff. Only failures the policy deems retryable are attempted
    again; see [RetryPolicy].
  - Reporting. Every execution produces a [Report] that records the input, the output or
    error and the number of attempts. Reports are kept by a [Reporter].
  - Idempotency. If the reporter already holds a successful report for the same definition
    and input, the handler is not invoked again and the earlier report is returned.

# Basic Usage

	op := operations.NewOperation(
		"deploy-contract", semver.MustParse("1.0.0"), "Deploys one plan node",
		func(b operations.Bundle, deps Deps, in DeployInput) (DeployOutput, error) { ... },
	)

	b := operations.NewBundle(ctx.Context, lggr, operations.NewMemoryReporter())
	report, err := operations.ExecuteOperation(b, op, deps, input,
		operations.WithRetryPolicy[DeployInput, Deps](policy))
*/
package operations
