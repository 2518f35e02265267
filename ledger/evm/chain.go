package evm

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/ethclient"
	chainsel "github.com/smartcontractkit/chain-selectors"

	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// ChainInfo names the chain a gateway is connected to.
type ChainInfo struct {
	ChainID  uint64 `json:"chainId"`
	Selector uint64 `json:"selector"`
	Name     string `json:"name"`
}

// Dial connects to rpcURL.
func Dial(ctx context.Context, lggr logger.Logger, rpcURL string, opts ...GatewayOption) (*Gateway, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}

	return NewGateway(lggr, client, opts...), client.Close, nil
}

// LookupChain resolves the selector of the chain gw is connected to. Chains unknown to the
// selector registry get a zero selector and an empty name.
func LookupChain(ctx context.Context, gw ledger.Gateway) (ChainInfo, error) {
	id, err := gw.ChainID(ctx)
	if err != nil {
		return ChainInfo{}, err
	}
	info := ChainInfo{ChainID: id.Uint64()}

	details, err := chainsel.GetChainDetailsByChainIDAndFamily(id.String(), chainsel.FamilyEVM)
	if err != nil {
		return info, nil
	}
	info.Selector = details.ChainSelector
	info.Name = details.ChainName

	return info, nil
}

// CheckChain fails unless gw is connected to the chain selector names. A zero selector
// matches any chain.
func CheckChain(ctx context.Context, gw ledger.Gateway, selector uint64) (ChainInfo, error) {
	info, err := LookupChain(ctx, gw)
	if err != nil || selector == 0 {
		return info, err
	}

	want, err := chainsel.GetChainIDFromSelector(selector)
	if err != nil {
		return info, fmt.Errorf("unknown chain selector %d: %w", selector, err)
	}
	if want != strconv.FormatUint(info.ChainID, 10) {
		return info, fmt.Errorf("gateway is on chain %d, selector %d is chain %s", info.ChainID, selector, want)
	}

	return info, nil
}
