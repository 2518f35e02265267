package nonce

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-orchestrator/ledger/ledgertest"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

var deployer = common.HexToAddress("0x00000000000000000000000000000000000000d1")

func Test_Sequencer_ConcurrentReservationsAreContiguous(t *testing.T) {
	t.Parallel()

	gw := ledgertest.NewGateway()
	gw.SetNonce(deployer, 7)
	seq := NewSequencer(logger.Test(t), gw, deployer)

	const n = 50
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = make(map[uint64]int)
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := seq.Reserve(context.Background())
			assert.NoError(t, err)

			mu.Lock()
			got[v]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, got, n)
	for i := uint64(7); i < 7+n; i++ {
		assert.Equal(t, 1, got[i], "nonce %d", i)
	}
	next, seeded := seq.Peek()
	assert.True(t, seeded)
	assert.Equal(t, uint64(7+n), next)
}

func Test_Sequencer_Sync(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reserve   int
		chainNext uint64
		want      uint64
	}{
		{name: "chain ahead moves counter forward", reserve: 2, chainNext: 10, want: 10},
		{name: "chain behind keeps counter", reserve: 5, chainNext: 3, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gw := ledgertest.NewGateway()
			seq := NewSequencer(logger.Test(t), gw, deployer)
			for range tt.reserve {
				_, err := seq.Reserve(context.Background())
				require.NoError(t, err)
			}

			gw.SetNonce(deployer, tt.chainNext)
			require.NoError(t, seq.Sync(context.Background()))

			next, _ := seq.Peek()
			assert.Equal(t, tt.want, next)
		})
	}
}

func Test_Sequencer_UnresolvedAndBurn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := ledgertest.NewGateway()
	seq := NewSequencer(logger.Test(t), gw, deployer)

	for range 3 {
		_, err := seq.Reserve(ctx)
		require.NoError(t, err)
	}
	seq.MarkUnresolved(2)
	seq.MarkUnresolved(0)
	assert.Equal(t, []uint64{0, 2}, seq.Unresolved())

	hash, err := seq.Burn(ctx, ledgertest.NewSigner(deployer), 0, big.NewInt(2_000_000_000))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	assert.Equal(t, []uint64{2}, seq.Unresolved())

	subs := gw.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, deployer, *subs[0].Request.To)
	assert.Equal(t, uint64(21_000), subs[0].Request.GasLimit)
	assert.Equal(t, 0, subs[0].Request.Value.Sign())

	_, err = seq.Burn(ctx, ledgertest.NewSigner(common.HexToAddress("0x01")), 2, big.NewInt(1))
	require.ErrorContains(t, err, "does not match sender")
}

func Test_Manager_For(t *testing.T) {
	t.Parallel()

	m := NewManager(logger.Test(t), ledgertest.NewGateway())
	a := m.For(deployer)
	assert.Same(t, a, m.For(deployer))
	assert.NotSame(t, a, m.For(common.HexToAddress("0x02")))

	a.MarkUnresolved(4)
	assert.Equal(t, map[common.Address][]uint64{deployer: {4}}, m.Unresolved())
}
