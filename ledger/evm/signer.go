package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/smartcontractkit/deployment-orchestrator/ledger"
)

// KeySigner signs with a private key held in memory.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

var _ ledger.Signer = (*KeySigner)(nil)

// NewKeySigner parses a hex encoded private key, with or without the 0x prefix.
func NewKeySigner(privKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key to ECDSA: %w", err)
	}

	return NewKeySignerFromKey(key), nil
}

// NewKeySignerFromKey wraps an existing key.
func NewKeySignerFromKey(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *KeySigner) Address() common.Address {
	return s.addr
}

func (s *KeySigner) Sign(_ context.Context, req ledger.TxRequest) (ledger.SignedTx, error) {
	if err := checkRequest(req, s.addr); err != nil {
		return ledger.SignedTx{}, err
	}
	tx, err := types.SignTx(unsignedTx(req), types.LatestSignerForChainID(req.ChainID), s.key)
	if err != nil {
		return ledger.SignedTx{}, fmt.Errorf("sign transaction: %w", err)
	}

	return encodeSigned(req, tx)
}

func checkRequest(req ledger.TxRequest, addr common.Address) error {
	if req.ChainID == nil {
		return errors.New("chainID is required")
	}
	if req.From != addr {
		return fmt.Errorf("signer %s cannot sign for %s", addr.Hex(), req.From.Hex())
	}

	return nil
}

// unsignedTx builds a legacy transaction; the request carries a single gas price.
func unsignedTx(req ledger.TxRequest) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		GasPrice: req.GasPrice,
		Gas:      req.GasLimit,
		To:       req.To,
		Value:    req.Value,
		Data:     req.Data,
	})
}

func encodeSigned(req ledger.TxRequest, tx *types.Transaction) (ledger.SignedTx, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return ledger.SignedTx{}, fmt.Errorf("encode transaction: %w", err)
	}

	return ledger.SignedTx{Request: req, Hash: tx.Hash(), Raw: raw}, nil
}
