package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	kmslib "github.com/aws/aws-sdk-go/service/kms"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/smartcontractkit/deployment-orchestrator/ledger"
)

// KMSClient is the part of the AWS KMS API the signer calls.
type KMSClient interface {
	GetPublicKey(input *kmslib.GetPublicKeyInput) (*kmslib.GetPublicKeyOutput, error)
	Sign(input *kmslib.SignInput) (*kmslib.SignOutput, error)
}

// KMSConfig locates the deployer key in AWS KMS. An empty AWSProfile uses the environment.
type KMSConfig struct {
	KeyID      string
	KeyRegion  string
	AWSProfile string
}

func (c KMSConfig) validate() error {
	if c.KeyID == "" {
		return errors.New("KMS key ID is required")
	}
	if c.KeyRegion == "" {
		return errors.New("KMS key region is required")
	}

	return nil
}

// NewKMSClient opens an AWS session for cfg.
func NewKMSClient(cfg KMSConfig) (KMSClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid KMS config: %w", err)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            aws.Config{Region: aws.String(cfg.KeyRegion)},
		Profile:           cfg.AWSProfile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}

	return kmslib.New(sess), nil
}

// spki is the ASN.1 SubjectPublicKeyInfo KMS returns public keys in.
type spki struct {
	AlgorithmIdentifier pkix.AlgorithmIdentifier
	SubjectPublicKey    asn1.BitString
}

// ecdsaSig is the ASN.1 DER signature KMS returns.
type ecdsaSig struct {
	R asn1.RawValue
	S asn1.RawValue
}

// KMSSigner signs transactions with a secp256k1 key that never leaves AWS KMS.
type KMSSigner struct {
	client KMSClient
	keyID  string

	once   sync.Once
	pubKey *ecdsa.PublicKey
	addr   common.Address
	err    error
}

var _ ledger.Signer = (*KMSSigner)(nil)

// NewKMSSigner connects to KMS and loads the key's public half.
func NewKMSSigner(cfg KMSConfig) (*KMSSigner, error) {
	client, err := NewKMSClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KMS Client: %w", err)
	}
	s := NewKMSSignerWithClient(client, cfg.KeyID)
	if _, err := s.publicKey(); err != nil {
		return nil, err
	}

	return s, nil
}

// NewKMSSignerWithClient returns a signer using client. The public key is fetched on first use.
func NewKMSSignerWithClient(client KMSClient, keyID string) *KMSSigner {
	return &KMSSigner{client: client, keyID: keyID}
}

func (s *KMSSigner) publicKey() (*ecdsa.PublicKey, error) {
	s.once.Do(func() {
		out, err := s.client.GetPublicKey(&kmslib.GetPublicKeyInput{KeyId: aws.String(s.keyID)})
		if err != nil {
			s.err = fmt.Errorf("cannot get public key from KMS for KeyId=%s: %w", s.keyID, err)
			return
		}
		var info spki
		if _, err = asn1.Unmarshal(out.PublicKey, &info); err != nil {
			s.err = fmt.Errorf("cannot parse asn1 public key for KeyId=%s: %w", s.keyID, err)
			return
		}
		pub, err := crypto.UnmarshalPubkey(info.SubjectPublicKey.Bytes)
		if err != nil {
			s.err = fmt.Errorf("cannot unmarshal public key bytes: %w", err)
			return
		}
		s.pubKey = pub
		s.addr = crypto.PubkeyToAddress(*pub)
	})

	return s.pubKey, s.err
}

// Address returns the key's address, or the zero address if the public key cannot be loaded.
func (s *KMSSigner) Address() common.Address {
	if _, err := s.publicKey(); err != nil {
		return common.Address{}
	}

	return s.addr
}

func (s *KMSSigner) Sign(_ context.Context, req ledger.TxRequest) (ledger.SignedTx, error) {
	pub, err := s.publicKey()
	if err != nil {
		return ledger.SignedTx{}, err
	}
	if err = checkRequest(req, s.addr); err != nil {
		return ledger.SignedTx{}, err
	}

	signer := types.LatestSignerForChainID(req.ChainID)
	tx := unsignedTx(req)
	hash := signer.Hash(tx).Bytes()

	out, err := s.client.Sign(&kmslib.SignInput{
		KeyId:            aws.String(s.keyID),
		SigningAlgorithm: aws.String(kmslib.SigningAlgorithmSpecEcdsaSha256),
		MessageType:      aws.String(kmslib.MessageTypeDigest),
		Message:          hash,
	})
	if err != nil {
		return ledger.SignedTx{}, fmt.Errorf("call to kms.Sign() failed on transaction: %w", err)
	}
	sig, err := kmsToEVMSig(out.Signature, crypto.FromECDSAPub(pub), hash)
	if err != nil {
		return ledger.SignedTx{}, fmt.Errorf("failed to convert KMS signature to Ethereum signature: %w", err)
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return ledger.SignedTx{}, err
	}

	return encodeSigned(req, signed)
}

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Div(secp256k1N, big.NewInt(2))
)

// kmsToEVMSig converts a DER signature to the 65 byte [R || S || V] form, normalizing S to the
// lower half of the curve order (EIP-2).
func kmsToEVMSig(kmsSig, pubKeyBytes, hash []byte) ([]byte, error) {
	var sig ecdsaSig
	if _, err := asn1.Unmarshal(kmsSig, &sig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal KMS signature: %w", err)
	}

	sBytes := sig.S.Bytes
	if s := new(big.Int).SetBytes(sBytes); s.Cmp(secp256k1HalfN) > 0 {
		sBytes = new(big.Int).Sub(secp256k1N, s).Bytes()
	}

	return recoverEVMSignature(pubKeyBytes, hash, sig.R.Bytes, sBytes)
}

// recoverEVMSignature finds the recovery ID that yields the expected public key.
func recoverEVMSignature(expected, hash, r, s []byte) ([]byte, error) {
	rs := append(padTo32Bytes(r), padTo32Bytes(s)...)
	for _, v := range []byte{0, 1} {
		sig := append(bytes.Clone(rs), v)
		recovered, err := crypto.Ecrecover(hash, sig)
		if err != nil {
			return nil, fmt.Errorf("failed to recover signature with v=%d: %w", v, err)
		}
		if bytes.Equal(recovered, expected) {
			return sig, nil
		}
	}

	return nil, errors.New("cannot reconstruct public key from sig")
}

func padTo32Bytes(buf []byte) []byte {
	buf = bytes.TrimLeft(buf, "\x00")
	if len(buf) >= 32 {
		return buf
	}

	return append(make([]byte, 32-len(buf)), buf...)
}
