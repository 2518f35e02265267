// Package atomicop composes multi-step calls into all-or-nothing atomic operations.
//
// The chain only guarantees atomicity inside one transaction. Steps sent by the same sender are
// therefore compiled into a single transaction: a lone step is sent directly, several steps go
// through a Multicall3-compatible batch executor that reverts the whole batch if any call
// fails. A swap between two independent holders cannot be made atomic from the client side;
// it is delegated to an escrow contract whose own state machine (createOrder, fulfill,
// settle) is the atomicity boundary.
//
// Every operation is simulated in aggregate before anything is sent. A failing step, an unmet
// requirement or a violated safeguard aborts the operation with no transaction submitted.
// Deadline and slippage safeguards are checked again immediately before submission.
package atomicop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	chainsel "github.com/smartcontractkit/chain-selectors"

	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

// Kind is the flavor of an atomic operation.
type Kind string

const (
	// KindSwap exchanges assets, through an escrow contract when Escrow is set.
	KindSwap Kind = "swap"
	// KindBatch sends its steps as one transaction.
	KindBatch Kind = "batch"
	// KindConditional includes steps only when their condition holds.
	KindConditional Kind = "conditional"
	// KindTimelocked does not execute before NotBefore.
	KindTimelocked Kind = "timelocked"
)

// Status is the lifecycle state of an Operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSimulating Status = "simulating"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusSimulating, StatusFailed, StatusCancelled},
	StatusSimulating: {StatusPending, StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting:  {StatusCompleted, StatusFailed},
}

// CanTransition reports whether an operation may move from s to next.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether the operation is finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Cancellable reports whether no transaction can have been submitted yet.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusSimulating
}

// Step is one call of an operation, sent by the operation's sender.
type Step struct {
	Name      string         `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Target    common.Address `json:"target" yaml:"target" toml:"target"`
	Signature string         `json:"signature" yaml:"signature" toml:"signature"`
	Args      []any          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	// Value is the wei sent with the call, decimal or 0x-prefixed.
	Value string `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`
	// GasCeiling fails the simulation when the buffered estimate exceeds it.
	GasCeiling uint64               `json:"gasCeiling,omitempty" yaml:"gasCeiling,omitempty" toml:"gasCeiling,omitempty"`
	Condition  *simulator.Condition `json:"condition,omitempty" yaml:"-" toml:"-"`
}

// Label returns the step name or its signature.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}

	return s.Signature
}

// ValueWei parses Value. Empty is zero.
func (s Step) ValueWei() (*big.Int, error) {
	if s.Value == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s.Value, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("step %s: invalid value %q", s.Label(), s.Value)
	}

	return v, nil
}

// Call encodes the step as a call from sender.
func (s Step) Call(sender common.Address) (ledger.Call, error) {
	data, err := calldata.EncodeCall(s.Signature, s.Args...)
	if err != nil {
		return ledger.Call{}, err
	}
	value, err := s.ValueWei()
	if err != nil {
		return ledger.Call{}, err
	}
	to := s.Target

	return ledger.Call{From: sender, To: &to, Data: data, Value: value}, nil
}

// SlippageGuard bounds how far a quoted amount may move from the expected one. The quote is a
// view call returning a uint256; it must stay at or above Expected less ToleranceBps.
type SlippageGuard struct {
	Target       common.Address `json:"target"`
	Signature    string         `json:"signature"`
	Args         []any          `json:"args,omitempty"`
	Expected     *big.Int       `json:"expected"`
	ToleranceBps uint64         `json:"toleranceBps"`
}

// Floor returns the lowest acceptable quote.
func (g SlippageGuard) Floor() *big.Int {
	floor := new(big.Int).Mul(g.Expected, new(big.Int).SetUint64(10_000-min(g.ToleranceBps, 10_000)))

	return floor.Div(floor, big.NewInt(10_000))
}

// Condition expresses the guard as a simulator condition.
func (g SlippageGuard) Condition() simulator.Condition {
	return simulator.Condition{
		Target:     g.Target,
		Signature:  g.Signature,
		Args:       g.Args,
		Comparator: simulator.GreaterOrEqual,
		Value:      g.Floor(),
	}
}

// Safeguards are checked during simulation and again right before submission.
type Safeguards struct {
	// Deadline is the latest time the operation may be submitted. Zero means none.
	Deadline time.Time `json:"deadline,omitempty"`
	// MaxRetries bounds the retries of each transaction; zero uses the executor's policy.
	MaxRetries uint           `json:"maxRetries,omitempty"`
	Slippage   *SlippageGuard `json:"slippage,omitempty"`
}

// EscrowTerms describe a swap delegated to an escrow contract: Sender gives GiveAmount of
// GiveToken and receives WantAmount of WantToken from Counterparty.
type EscrowTerms struct {
	Contract     common.Address `json:"contract"`
	Counterparty common.Address `json:"counterparty"`
	GiveToken    common.Address `json:"giveToken"`
	GiveAmount   *big.Int       `json:"giveAmount"`
	WantToken    common.Address `json:"wantToken"`
	WantAmount   *big.Int       `json:"wantAmount"`
}

// Operation is a sequence of calls meant to succeed or fail as a unit.
type Operation struct {
	ID            string                  `json:"id"`
	Kind          Kind                    `json:"kind"`
	ChainSelector uint64                  `json:"chainSelector,omitempty"`
	Sender        common.Address          `json:"sender"`
	Steps         []Step                  `json:"steps,omitempty"`
	Requirements  []simulator.Requirement `json:"requirements,omitempty"`
	Safeguards    Safeguards              `json:"safeguards"`
	// NotBefore is the earliest execution time of a timelocked operation.
	NotBefore time.Time    `json:"notBefore,omitempty"`
	Escrow    *EscrowTerms `json:"escrow,omitempty"`

	Status     Status            `json:"status"`
	Simulation *SimulationResult `json:"simulation,omitempty"`
	Result     *ExecutionResult  `json:"result,omitempty"`
	Error      *faults.Error     `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// UsesEscrow reports whether the operation is driven through an escrow contract.
func (op *Operation) UsesEscrow() bool {
	return op.Kind == KindSwap && op.Escrow != nil
}

// OrderID is the escrow order ID of the operation, derived from its ID.
func (op *Operation) OrderID() common.Hash {
	return crypto.Keccak256Hash([]byte(op.ID))
}

// SetStatus moves the operation to next.
func (op *Operation) SetStatus(next Status) error {
	if !op.Status.CanTransition(next) {
		return faults.New(faults.InvalidState, "operation %s cannot move from %s to %s", op.ID, op.Status, next)
	}
	op.Status = next
	op.UpdatedAt = time.Now().UTC()

	return nil
}

// Clone returns a deep copy of op.
func (op *Operation) Clone() *Operation {
	b, err := json.Marshal(op)
	if err != nil {
		panic(fmt.Sprintf("operation %s is not serializable: %v", op.ID, err))
	}
	cp, err := DecodeOperation(b)
	if err != nil {
		panic(fmt.Sprintf("operation %s does not round trip: %v", op.ID, err))
	}

	return cp
}

// DecodeOperation reads an operation written with encoding/json, keeping numeric step
// arguments as json.Number.
func DecodeOperation(data []byte) (*Operation, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var op Operation
	if err := dec.Decode(&op); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}

	return &op, nil
}

// Validate returns every structural problem of op.
func Validate(op *Operation) []*faults.Error {
	var errs []*faults.Error
	fail := func(step string, kind faults.Kind, format string, args ...any) {
		errs = append(errs, faults.New(kind, format, args...).WithNode(op.ID, step))
	}

	if op.Sender == (common.Address{}) {
		fail("", faults.MissingArgument, "operation sender is required")
	}
	switch op.Kind {
	case KindSwap, KindBatch, KindConditional, KindTimelocked:
	default:
		fail("", faults.InvalidArgument, "unknown operation kind %q", op.Kind)
	}
	if op.ChainSelector != 0 {
		if family, err := chainsel.GetSelectorFamily(op.ChainSelector); err != nil || family != chainsel.FamilyEVM {
			fail("", faults.InvalidArgument, "chain selector %d is not a known evm chain", op.ChainSelector)
		}
	}

	if op.UsesEscrow() {
		errs = append(errs, validateEscrow(op)...)
	} else {
		if op.Escrow != nil {
			fail("", faults.InvalidArgument, "escrow terms are only valid for swaps")
		}
		if len(op.Steps) == 0 {
			fail("", faults.MissingArgument, "operation has no steps")
		}
	}

	conditional := false
	for i, st := range op.Steps {
		idx := stepScope(i)
		if _, err := st.Call(op.Sender); err != nil {
			fail(idx, faults.InvalidArgument, "step %d (%s): %v", i, st.Label(), err)
		}
		if st.Condition != nil {
			conditional = true
			if _, err := st.Condition.Comparator.Compare(big.NewInt(0), big.NewInt(0)); err != nil {
				fail(idx, faults.InvalidArgument, "step %d condition: %v", i, err)
			}
			if st.Condition.Value == nil {
				fail(idx, faults.MissingArgument, "step %d condition has no value", i)
			}
		}
	}
	if op.Kind == KindConditional && !conditional {
		fail("", faults.MissingArgument, "conditional operation has no step condition")
	}
	if op.Kind == KindTimelocked && op.NotBefore.IsZero() {
		fail("", faults.MissingArgument, "timelocked operation needs notBefore")
	}

	for i, req := range op.Requirements {
		if err := req.Validate(); err != nil {
			fail("", faults.InvalidArgument, "requirement %d: %v", i, err)
		}
	}
	if g := op.Safeguards.Slippage; g != nil {
		if g.Expected == nil || g.Expected.Sign() <= 0 {
			fail("", faults.MissingArgument, "slippage guard needs a positive expected amount")
		}
		if g.ToleranceBps > 10_000 {
			fail("", faults.InvalidArgument, "slippage tolerance %d bps exceeds 100%%", g.ToleranceBps)
		}
		if _, err := calldata.EncodeCall(g.Signature, g.Args...); err != nil {
			fail("", faults.InvalidArgument, "slippage quote: %v", err)
		}
	}

	return errs
}

func validateEscrow(op *Operation) []*faults.Error {
	var errs []*faults.Error
	fail := func(kind faults.Kind, format string, args ...any) {
		errs = append(errs, faults.New(kind, format, args...).WithNode(op.ID, ""))
	}

	e := op.Escrow
	if len(op.Steps) > 0 {
		fail(faults.InvalidArgument, "escrow swaps take no steps, the escrow calls are generated")
	}
	if e.Contract == (common.Address{}) {
		fail(faults.MissingArgument, "escrow contract is required")
	}
	if e.Counterparty == (common.Address{}) {
		fail(faults.MissingArgument, "escrow counterparty is required")
	}
	if e.Counterparty == op.Sender {
		fail(faults.InvalidArgument, "escrow counterparty must differ from the sender")
	}
	if e.GiveAmount == nil || e.GiveAmount.Sign() <= 0 || e.WantAmount == nil || e.WantAmount.Sign() <= 0 {
		fail(faults.InvalidArgument, "escrow amounts must be positive")
	}
	if op.Safeguards.Deadline.IsZero() {
		fail(faults.MissingArgument, "escrow swaps need a deadline")
	}

	return errs
}

func stepScope(i int) string {
	return fmt.Sprintf("step-%d", i)
}
