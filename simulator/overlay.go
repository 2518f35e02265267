package simulator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
)

var (
	transferMethod     = mustMethod("transfer(address,uint256)")
	transferFromMethod = mustMethod("transferFrom(address,address,uint256)")
)

func mustMethod(sig string) calldata.Method {
	m, err := calldata.ParseSignature(sig)
	if err != nil {
		panic(err)
	}

	return m
}

type holding struct {
	token   common.Address
	account common.Address
}

// overlay tracks token balances across a simulated sequence of steps. Chain balances are
// read lazily; adjustments made by earlier steps are layered on top.
type overlay struct {
	gateway ledger.Gateway
	chain   map[holding]*big.Int
	// unknown marks balances that could not be read, e.g. the target is not a token
	unknown map[holding]bool
	adjust  map[holding]*big.Int
}

func newOverlay(gateway ledger.Gateway) *overlay {
	return &overlay{
		gateway: gateway,
		chain:   make(map[holding]*big.Int),
		unknown: make(map[holding]bool),
		adjust:  make(map[holding]*big.Int),
	}
}

// apply records the balance changes of a token transfer. Calls that are not transfers are
// ignored. A non-empty reason means the transfer cannot succeed.
func (o *overlay) apply(ctx context.Context, call ledger.Call) ([]Delta, string, error) {
	if call.To == nil {
		return nil, "", nil
	}
	token := *call.To

	var (
		from, to common.Address
		amount   *big.Int
	)
	switch {
	case transferMethod.Matches(call.Data):
		args, err := transferMethod.Unpack(call.Data)
		if err != nil {
			return nil, "", nil //nolint:nilerr // undecodable call data is simulated by the gateway alone
		}
		from, to, amount = call.From, args[0].(common.Address), args[1].(*big.Int)
	case transferFromMethod.Matches(call.Data):
		args, err := transferFromMethod.Unpack(call.Data)
		if err != nil {
			return nil, "", nil //nolint:nilerr // undecodable call data is simulated by the gateway alone
		}
		from, to, amount = args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
	default:
		return nil, "", nil
	}

	src := holding{token: token, account: from}
	bal, known, err := o.balance(ctx, src)
	if err != nil {
		return nil, "", err
	}
	if known && bal.Cmp(amount) < 0 {
		return nil, fmt.Sprintf("insufficient balance: %s holds %s of %s, transfer needs %s",
			from.Hex(), bal, token.Hex(), amount), nil
	}

	o.add(src, new(big.Int).Neg(amount))
	o.add(holding{token: token, account: to}, amount)

	return []Delta{
		{Token: token, Account: from, Amount: new(big.Int).Neg(amount)},
		{Token: token, Account: to, Amount: new(big.Int).Set(amount)},
	}, "", nil
}

func (o *overlay) balance(ctx context.Context, h holding) (*big.Int, bool, error) {
	if o.unknown[h] {
		return nil, false, nil
	}
	base, ok := o.chain[h]
	if !ok {
		data, err := calldata.EncodeCall("balanceOf(address)", h.account)
		if err != nil {
			return nil, false, err
		}
		token := h.token
		ret, err := o.gateway.ReadState(ctx, ledger.Call{To: &token, Data: data})
		if err != nil {
			if _, reverted := revertReason(err); reverted {
				o.unknown[h] = true
				return nil, false, nil
			}

			return nil, false, ledger.Classify(err)
		}
		if base, err = calldata.DecodeUint256(ret); err != nil {
			o.unknown[h] = true
			return nil, false, nil //nolint:nilerr // not a token balance, leave the check to the gateway
		}
		o.chain[h] = base
	}

	bal := new(big.Int).Set(base)
	if adj, ok := o.adjust[h]; ok {
		bal.Add(bal, adj)
	}

	return bal, true, nil
}

func (o *overlay) add(h holding, amount *big.Int) {
	cur, ok := o.adjust[h]
	if !ok {
		cur = new(big.Int)
		o.adjust[h] = cur
	}
	cur.Add(cur, amount)
}
