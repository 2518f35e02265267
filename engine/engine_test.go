package engine

import (
	"bytes"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-orchestrator/atomicop"
	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/datastore"
	"github.com/smartcontractkit/deployment-orchestrator/deployment"
	"github.com/smartcontractkit/deployment-orchestrator/events"
	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/ledger/ledgertest"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
	"github.com/smartcontractkit/deployment-orchestrator/resolver"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

var (
	deployer = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	token    = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	escrow   = common.HexToAddress("0x00000000000000000000000000000000000000e5")
)

var bytecodes = map[string][]byte{
	deployment.TypeNameERC20:    {0xc0, 0xde, 0x20},
	deployment.TypeNameRegistry: {0xc0, 0xde, 0x4e},
}

type instantTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *instantTimer) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()

	return ch
}

type harness struct {
	gw     *ledgertest.Gateway
	store  *datastore.MemoryStore
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	types := deployment.NewBuiltinRegistry()
	for name, code := range bytecodes {
		require.NoError(t, types.SetBytecode(name, code))
	}

	h := &harness{
		gw:    ledgertest.NewGateway(),
		store: datastore.NewMemoryStore(),
	}
	keys := ledger.NewKeyring(ledgertest.NewSigner(deployer), ledgertest.NewSigner(alice))
	h.engine = New(logger.Test(t), Deps{
		Gateway: h.gw,
		Keyring: keys,
		Store:   h.store,
		Types:   types,
	}, DefaultConfig(), WithRetryTimer(&instantTimer{}))
	t.Cleanup(h.engine.Close)

	return h
}

func tokenPlan() *deployment.Plan {
	return &deployment.Plan{
		Name:     "tokens",
		Deployer: deployer,
		Nodes: []*deployment.ContractNode{
			{
				ID:   "TokenA",
				Type: deployment.TypeNameERC20,
				Args: []deployment.Argument{deployment.Literal("name", "Token A"), deployment.Literal("symbol", "TKA")},
			},
			{
				ID:   "Registry",
				Type: deployment.TypeNameRegistry,
				Args: []deployment.Argument{deployment.AddressOf("token", "TokenA")},
			},
		},
	}
}

func isCreationOf(tx ledger.SignedTx, typ string) bool {
	return tx.Request.IsCreate() && bytes.HasPrefix(tx.Request.Data, bytecodes[typ])
}

func Test_Engine_PlanLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sub, unsubscribe := h.engine.Subscribe(64)
	defer unsubscribe()

	p, err := h.engine.CreatePlan(t.Context(), tokenPlan())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.ID, "plan_"))
	assert.Equal(t, deployment.PlanDraft, p.Status)

	first := <-sub
	assert.Equal(t, events.EntityPlan, first.Kind)
	assert.Equal(t, p.ID, first.EntityID)
	assert.Empty(t, first.From)
	assert.Equal(t, "draft", first.To)

	v, err := h.engine.ValidatePlan(t.Context(), p.ID)
	require.NoError(t, err)
	require.True(t, v.Valid, "errors: %v", v.Errors)

	res, err := h.engine.ExecutePlan(t.Context(), p.ID)
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, deployment.PlanCompleted, res.Status)

	subs := h.gw.Submissions()
	require.Len(t, subs, 2)
	assert.True(t, isCreationOf(subs[0], deployment.TypeNameERC20))
	assert.True(t, isCreationOf(subs[1], deployment.TypeNameRegistry))

	stored, err := h.engine.GetPlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, deployment.PlanCompleted, stored.Status)

	refs, err := h.engine.Contracts().Filter(t.Context(), datastore.FilterByPlan(p.ID), datastore.FilterActive())
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	history, err := h.engine.History(t.Context(), p.ID)
	require.NoError(t, err)
	var planLevel []string
	for _, tr := range history {
		if tr.Scope == "" {
			planLevel = append(planLevel, tr.To)
		}
	}
	assert.Equal(t, []string{"draft", "validating", "deploying", "completed"}, planLevel)

	_, err = h.engine.RollbackPlan(t.Context(), p.ID)
	require.ErrorIs(t, err, faults.InvalidState)
}

func Test_Engine_CreatePlanResetsExecutionState(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	spec := tokenPlan()
	spec.ID = "plan-fixed"
	spec.Status = deployment.PlanCompleted
	spec.Nodes[0].Address = token
	spec.Nodes[0].Status = deployment.NodeCompleted

	p, err := h.engine.CreatePlan(t.Context(), spec)
	require.NoError(t, err)
	assert.Equal(t, "plan-fixed", p.ID)
	assert.Equal(t, deployment.PlanDraft, p.Status)
	assert.Equal(t, common.Address{}, p.Nodes[0].Address)
	assert.Empty(t, p.Nodes[0].Status)
	// the caller's plan is left alone
	assert.Equal(t, token, spec.Nodes[0].Address)

	_, err = h.engine.CreatePlan(t.Context(), spec)
	require.ErrorIs(t, err, faults.InvalidArgument)
}

func Test_Engine_CyclicPlanNeverDeploys(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	spec := tokenPlan()
	spec.Edges = []resolver.Edge{{From: "Registry", To: "TokenA"}}

	p, err := h.engine.CreatePlan(t.Context(), spec)
	require.NoError(t, err)

	v, err := h.engine.ValidatePlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.True(t, v.HasKind(faults.CyclicDependency))

	res, err := h.engine.ExecutePlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Validation)
	assert.True(t, res.Validation.HasKind(faults.CyclicDependency))
	assert.Empty(t, h.gw.Submissions())

	stored, err := h.engine.GetPlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, deployment.PlanDraft, stored.Status)
}

func Test_Engine_RevertThenRollback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gw.ReceiptHook = func(tx ledger.SignedTx, r *ledger.Receipt) error {
		if isCreationOf(tx, deployment.TypeNameRegistry) {
			r.Status = 0
			r.RevertReason = "token not initialized"
		}
		return nil
	}

	p, err := h.engine.CreatePlan(t.Context(), tokenPlan())
	require.NoError(t, err)

	res, err := h.engine.ExecutePlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, deployment.PlanFailed, res.Status)
	registry, ok := res.Node("Registry")
	require.True(t, ok)
	require.NotNil(t, registry.Error)
	assert.Equal(t, faults.Revert, registry.Error.Kind)

	rb, err := h.engine.RollbackPlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.True(t, rb.Success)
	assert.Equal(t, deployment.PlanRolledBack, rb.Status)
	require.Len(t, rb.Nodes, 1)
	assert.Equal(t, "TokenA", rb.Nodes[0].NodeID)

	active, err := h.engine.Contracts().Filter(t.Context(), datastore.FilterByPlan(p.ID), datastore.FilterActive())
	require.NoError(t, err)
	assert.Empty(t, active)

	stored, err := h.engine.GetPlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, deployment.PlanRolledBack, stored.Status)
}

func Test_Engine_StartPlan(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p, err := h.engine.CreatePlan(t.Context(), tokenPlan())
	require.NoError(t, err)

	done, err := h.engine.StartPlan(t.Context(), p.ID)
	require.NoError(t, err)

	select {
	case out := <-done:
		require.NoError(t, out.Err)
		assert.True(t, out.Result.Success)
	case <-time.After(10 * time.Second):
		t.Fatal("plan did not finish")
	}
}

func Test_Engine_CancelJustStartedPlan(t *testing.T) {
	t.Parallel()

	for range 10 {
		h := newHarness(t)
		gate := make(chan struct{})
		h.gw.SubmitHook = func(ledger.SignedTx) error {
			<-gate
			return nil
		}
		p, err := h.engine.CreatePlan(t.Context(), tokenPlan())
		require.NoError(t, err)

		done, err := h.engine.StartPlan(t.Context(), p.ID)
		require.NoError(t, err)
		require.NoError(t, h.engine.CancelPlan(t.Context(), p.ID))
		close(gate)

		select {
		case out := <-done:
			require.NoError(t, out.Err)
			assert.Equal(t, deployment.PlanCancelled, out.Result.Status)
		case <-time.After(10 * time.Second):
			t.Fatal("plan did not finish")
		}

		stored, err := h.engine.GetPlan(t.Context(), p.ID)
		require.NoError(t, err)
		assert.Equal(t, deployment.PlanCancelled, stored.Status)
		for _, tx := range h.gw.Submissions() {
			assert.False(t, isCreationOf(tx, deployment.TypeNameRegistry), "no node is started after cancellation")
		}
	}
}

func Test_Engine_CancelAndDeletePlan(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p, err := h.engine.CreatePlan(t.Context(), tokenPlan())
	require.NoError(t, err)

	_, err = h.engine.UpdatePlanParams(t.Context(), p.ID, deployment.Params{Confirmations: 3})
	require.NoError(t, err)

	require.NoError(t, h.engine.CancelPlan(t.Context(), p.ID))
	stored, err := h.engine.GetPlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, deployment.PlanCancelled, stored.Status)
	assert.Equal(t, uint64(3), stored.Params.Confirmations)

	_, err = h.engine.UpdatePlanParams(t.Context(), p.ID, deployment.Params{})
	require.ErrorIs(t, err, faults.InvalidState)
	require.ErrorIs(t, h.engine.CancelPlan(t.Context(), p.ID), faults.InvalidState)

	_, err = h.engine.ExecutePlan(t.Context(), p.ID)
	require.ErrorIs(t, err, faults.InvalidState)
	assert.Empty(t, h.gw.Submissions())

	require.NoError(t, h.engine.DeletePlan(t.Context(), p.ID))
	_, err = h.engine.GetPlan(t.Context(), p.ID)
	require.ErrorIs(t, err, datastore.ErrNotFound)

	history, err := h.engine.History(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	plans, err := h.engine.ListPlans(t.Context())
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func transferFrom(from common.Address, amount int64) atomicop.Step {
	return atomicop.Step{
		Name:      "transferFrom",
		Target:    token,
		Signature: "transferFrom(address,address,uint256)",
		Args:      []any{from, escrow, big.NewInt(amount)},
	}
}

// balances answers balanceOf on the token contract.
func balances(t *testing.T, held map[common.Address]int64) func(ledger.Call) ([]byte, error) {
	t.Helper()

	m, err := calldata.ParseSignature("balanceOf(address)")
	require.NoError(t, err)

	return func(call ledger.Call) ([]byte, error) {
		if !m.Matches(call.Data) {
			return nil, ledger.NewRevertError("unknown selector")
		}
		n := held[common.BytesToAddress(call.Data[4:36])]

		return common.LeftPadBytes(big.NewInt(n).Bytes(), 32), nil
	}
}

func Test_Engine_SwapWithInsufficientBalanceSubmitsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gw.ReadHook = balances(t, map[common.Address]int64{alice: 1000, bob: 10})

	op, err := h.engine.CreateAtomicOperation(t.Context(), &atomicop.Operation{
		Kind:   atomicop.KindSwap,
		Sender: alice,
		Steps:  []atomicop.Step{transferFrom(alice, 100), transferFrom(bob, 100)},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(op.ID, "op_"))
	assert.Equal(t, atomicop.StatusPending, op.Status)

	res, err := h.engine.ExecuteOperation(t.Context(), op.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, atomicop.StatusFailed, res.Status)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, faults.SimulationFailure, res.Errors[0].Kind)
	assert.Empty(t, h.gw.Submissions())

	stored, err := h.engine.GetOperation(t.Context(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, atomicop.StatusFailed, stored.Status)
	require.ErrorIs(t, h.engine.CancelOperation(t.Context(), op.ID), faults.InvalidState)
}

func Test_Engine_SimulateThenExecuteBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gw.ReadHook = balances(t, map[common.Address]int64{alice: 1000, bob: 1000})

	op, err := h.engine.CreateAtomicOperation(t.Context(), &atomicop.Operation{
		Kind:   atomicop.KindBatch,
		Sender: alice,
		Steps:  []atomicop.Step{transferFrom(alice, 100), transferFrom(bob, 100)},
	})
	require.NoError(t, err)

	sim, err := h.engine.SimulateOperation(t.Context(), op.ID)
	require.NoError(t, err)
	require.True(t, sim.Success, "error: %v", sim.Error)
	assert.Equal(t, atomicop.ModeBatch, sim.Mode)
	assert.Empty(t, h.gw.Submissions())

	stored, err := h.engine.GetOperation(t.Context(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, atomicop.StatusPending, stored.Status)

	res, err := h.engine.ExecuteOperation(t.Context(), op.ID)
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, atomicop.StatusCompleted, res.Status)
	subs := h.gw.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, calldata.Multicall3Address, *subs[0].Request.To)
}

func Test_Engine_CancelPendingOperation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	op, err := h.engine.CreateAtomicOperation(t.Context(), &atomicop.Operation{
		ID:     "op-cancel",
		Kind:   atomicop.KindBatch,
		Sender: alice,
		Steps:  []atomicop.Step{transferFrom(alice, 1)},
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.CancelOperation(t.Context(), op.ID))

	stored, err := h.engine.GetOperation(t.Context(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, atomicop.StatusCancelled, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, faults.Cancelled, stored.Error.Kind)

	_, err = h.engine.ExecuteOperation(t.Context(), op.ID)
	require.ErrorIs(t, err, faults.InvalidState)

	_, err = h.engine.CreateAtomicOperation(t.Context(), &atomicop.Operation{ID: "op-cancel"})
	require.ErrorIs(t, err, faults.InvalidArgument)
}

type opOutcome struct {
	res atomicop.ExecutionResult
	err error
}

func Test_Engine_CancelDuringSimulation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gw.ReadHook = balances(t, map[common.Address]int64{alice: 1000})
	reached, gate := make(chan struct{}), make(chan struct{})
	var once sync.Once
	h.gw.EstimateHook = func(ledger.Call) (uint64, error) {
		once.Do(func() { close(reached) })
		<-gate
		return ledgertest.DefaultGas, nil
	}
	op, err := h.engine.CreateAtomicOperation(t.Context(), &atomicop.Operation{
		Kind:   atomicop.KindBatch,
		Sender: alice,
		Steps:  []atomicop.Step{transferFrom(alice, 100)},
	})
	require.NoError(t, err)

	done := make(chan opOutcome, 1)
	go func() {
		res, err := h.engine.ExecuteOperation(t.Context(), op.ID)
		done <- opOutcome{res, err}
	}()

	<-reached
	require.NoError(t, h.engine.CancelOperation(t.Context(), op.ID))
	close(gate)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, atomicop.StatusCancelled, out.res.Status)
	assert.Empty(t, h.gw.Submissions())

	stored, err := h.engine.GetOperation(t.Context(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, atomicop.StatusCancelled, stored.Status)
}

func Test_Engine_CancelExecutingOperationIsRefused(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gw.ReadHook = balances(t, map[common.Address]int64{alice: 1000})
	reached, gate := make(chan struct{}), make(chan struct{})
	var once sync.Once
	h.gw.SubmitHook = func(ledger.SignedTx) error {
		once.Do(func() { close(reached) })
		<-gate
		return nil
	}
	op, err := h.engine.CreateAtomicOperation(t.Context(), &atomicop.Operation{
		Kind:   atomicop.KindBatch,
		Sender: alice,
		Steps:  []atomicop.Step{transferFrom(alice, 100)},
	})
	require.NoError(t, err)

	done := make(chan opOutcome, 1)
	go func() {
		res, err := h.engine.ExecuteOperation(t.Context(), op.ID)
		done <- opOutcome{res, err}
	}()

	<-reached
	require.ErrorIs(t, h.engine.CancelOperation(t.Context(), op.ID), faults.InvalidState)
	close(gate)

	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.res.Success, "errors: %v", out.res.Errors)
	assert.Len(t, h.gw.Submissions(), 1)
}

func Test_Engine_CreateAtomicOperationCopiesSpec(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	spec := &atomicop.Operation{
		ID:     "op-copy",
		Kind:   atomicop.KindBatch,
		Sender: alice,
		Steps:  []atomicop.Step{transferFrom(alice, 100)},
		Requirements: []simulator.Requirement{
			{Kind: simulator.RequireBalance, Token: token, Account: alice, Min: big.NewInt(5)},
		},
	}
	op, err := h.engine.CreateAtomicOperation(t.Context(), spec)
	require.NoError(t, err)

	spec.Steps[0].Name = "changed"
	spec.Requirements[0].Min.SetInt64(99)
	spec.Steps = append(spec.Steps, transferFrom(bob, 1))

	for _, got := range []*atomicop.Operation{op, mustGetOperation(t, h, op.ID)} {
		require.Len(t, got.Steps, 1)
		assert.Equal(t, "transferFrom", got.Steps[0].Name)
		require.Len(t, got.Requirements, 1)
		assert.Equal(t, int64(5), got.Requirements[0].Min.Int64())
	}
}

func mustGetOperation(t *testing.T, h *harness, id string) *atomicop.Operation {
	t.Helper()

	op, err := h.engine.GetOperation(t.Context(), id)
	require.NoError(t, err)

	return op
}

func Test_Engine_BurnNonce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	hash, err := h.engine.BurnNonce(t.Context(), deployer, 0, nil)
	require.NoError(t, err)

	subs := h.gw.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, hash, subs[0].Hash)
	assert.Equal(t, deployer, *subs[0].Request.To)
	assert.Equal(t, uint64(0), subs[0].Request.Nonce)
	assert.Equal(t, big.NewInt(1_000_000_000), subs[0].Request.GasPrice)
	assert.Empty(t, h.engine.UnresolvedNonces())

	_, err = h.engine.BurnNonce(t.Context(), bob, 0, big.NewInt(1))
	require.Error(t, err)
}
