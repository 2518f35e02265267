package broadcast

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/ledger/ledgertest"
	"github.com/smartcontractkit/deployment-orchestrator/nonce"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

var sender = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func setup(t *testing.T) (*Broadcaster, *ledgertest.Gateway, *nonce.Manager) {
	t.Helper()

	lggr := logger.Test(t)
	gw := ledgertest.NewGateway()
	nonces := nonce.NewManager(lggr, gw)
	keyring := ledger.NewKeyring(ledgertest.NewSigner(sender))

	return New(lggr, gw, keyring, nonces, Config{}), gw, nonces
}

func newTx() *Tx {
	to := common.HexToAddress("0x0b")

	return &Tx{From: sender, To: &to, GasLimit: 50_000, GasPrice: big.NewInt(1000)}
}

func Test_Send_Success(t *testing.T) {
	t.Parallel()

	b, gw, _ := setup(t)
	tx := newTx()

	receipt, err := b.Send(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, uint64(1), receipt.Confirmations)

	n, ok := tx.Nonce()
	assert.True(t, ok)
	assert.Equal(t, uint64(0), n)
	assert.Equal(t, 1, tx.Attempts())
	assert.Len(t, gw.Submissions(), 1)
}

func Test_Send_TransientSubmitReusesNonce(t *testing.T) {
	t.Parallel()

	b, gw, _ := setup(t)
	var calls atomic.Int32
	gw.SubmitHook = func(ledger.SignedTx) error {
		if calls.Add(1) == 1 {
			return ledger.ErrConnection
		}
		return nil
	}
	tx := newTx()

	_, err := b.Send(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, faults.Retryable(err))

	_, err = b.Send(context.Background(), tx)
	require.NoError(t, err)

	subs := gw.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, uint64(0), subs[0].Request.Nonce)
	assert.Equal(t, big.NewInt(1000), subs[0].Request.GasPrice)
}

func Test_Send_TimeoutThenReplacementFindsEarlierReceipt(t *testing.T) {
	t.Parallel()

	b, gw, _ := setup(t)
	var waits atomic.Int32
	gw.ReceiptHook = func(_ ledger.SignedTx, _ *ledger.Receipt) error {
		if waits.Add(1) == 1 {
			return ledger.ErrReceiptTimeout
		}
		return nil
	}
	tx := newTx()

	_, err := b.Send(context.Background(), tx)
	require.ErrorIs(t, err, faults.Timeout)

	receipt, err := b.Send(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, tx.Hashes(), 1)
	assert.Equal(t, tx.Hashes()[0], receipt.TxHash)
	// the replacement carried a 13% bump but the original was mined first
	assert.Equal(t, big.NewInt(1130), tx.GasPrice)
	assert.Len(t, gw.Submissions(), 1)
}

func Test_Send_NonceConsumedElsewhere(t *testing.T) {
	t.Parallel()

	b, gw, nonces := setup(t)
	require.NoError(t, nonces.For(sender).Seed(context.Background()))
	gw.SetNonce(sender, 5)
	tx := newTx()

	_, err := b.Send(context.Background(), tx)
	require.NoError(t, err)

	n, _ := tx.Nonce()
	assert.Equal(t, uint64(5), n)
	assert.Equal(t, []uint64{5}, gw.UsedNonces(sender))
}

func Test_Send_Revert(t *testing.T) {
	t.Parallel()

	b, gw, _ := setup(t)
	gw.ReceiptHook = func(_ ledger.SignedTx, r *ledger.Receipt) error {
		r.Status = 0
		r.RevertReason = "boom"
		return nil
	}

	_, err := b.Send(context.Background(), newTx())
	require.ErrorIs(t, err, faults.Revert)
	require.ErrorContains(t, err, "boom")
	assert.False(t, faults.Retryable(err))
}

func Test_Send_Validation(t *testing.T) {
	t.Parallel()

	b, _, _ := setup(t)

	tx := newTx()
	tx.GasPrice = nil
	_, err := b.Send(context.Background(), tx)
	require.ErrorIs(t, err, faults.InvalidArgument)

	tx = newTx()
	tx.From = common.HexToAddress("0xdead")
	_, err = b.Send(context.Background(), tx)
	require.ErrorContains(t, err, "no signer")
}

func Test_Abandon_MarksUnsubmittedNonce(t *testing.T) {
	t.Parallel()

	b, gw, nonces := setup(t)
	gw.SubmitHook = func(ledger.SignedTx) error { return ledger.ErrConnection }
	tx := newTx()

	_, err := b.Send(context.Background(), tx)
	require.Error(t, err)

	b.Abandon(tx)
	assert.Equal(t, []uint64{0}, nonces.For(sender).Unresolved())
}
