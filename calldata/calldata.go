// Package calldata builds EVM call data from loosely typed arguments.
//
// Plans and operations arrive from YAML/TOML files and JSON APIs, so argument values are
// strings, numbers and booleans. This package converts them into the Go types expected by
// go-ethereum's ABI packer for the supported elementary types.
package calldata

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrUnsupportedType is returned for ABI types outside the supported elementary set.
var ErrUnsupportedType = errors.New("unsupported abi type")

// Method is a parsed function signature such as "transfer(address,uint256)".
type Method struct {
	Name  string
	Types []string
}

// ParseSignature parses a canonical function signature. Tuples are not supported.
func ParseSignature(sig string) (Method, error) {
	sig = strings.ReplaceAll(strings.TrimSpace(sig), " ", "")
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return Method{}, fmt.Errorf("malformed signature %q", sig)
	}

	m := Method{Name: sig[:open]}
	inner := sig[open+1 : len(sig)-1]
	if inner == "" {
		return m, nil
	}
	if strings.ContainsAny(inner, "()") {
		return Method{}, fmt.Errorf("signature %q: tuples: %w", sig, ErrUnsupportedType)
	}
	m.Types = strings.Split(inner, ",")

	return m, nil
}

// Signature returns the canonical signature.
func (m Method) Signature() string {
	return m.Name + "(" + strings.Join(m.Types, ",") + ")"
}

// Selector returns the 4 byte function selector.
func (m Method) Selector() []byte {
	return crypto.Keccak256([]byte(m.Signature()))[:4]
}

// Pack returns selector || abi.encode(args).
func (m Method) Pack(args ...any) ([]byte, error) {
	encoded, err := PackArgs(m.Types, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Signature(), err)
	}

	return append(m.Selector(), encoded...), nil
}

// EncodeCall parses sig and packs args into call data.
func EncodeCall(sig string, args ...any) ([]byte, error) {
	m, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}

	return m.Pack(args...)
}

// PackArgs ABI encodes args against types without a selector. Used for constructor
// arguments appended to creation bytecode.
func PackArgs(types []string, args ...any) ([]byte, error) {
	if len(types) != len(args) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(types), len(args))
	}

	arguments := make(abi.Arguments, 0, len(types))
	values := make([]any, 0, len(args))
	for i, typ := range types {
		t, err := abi.NewType(typ, "", nil)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		v, err := Coerce(typ, args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		arguments = append(arguments, abi.Argument{Type: t})
		values = append(values, v)
	}

	return arguments.Pack(values...)
}

// Unpack decodes call data produced by m.Pack. The selector must match.
func (m Method) Unpack(data []byte) ([]any, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], m.Selector()) {
		return nil, fmt.Errorf("call data does not start with the %s selector", m.Signature())
	}

	arguments := make(abi.Arguments, 0, len(m.Types))
	for i, typ := range m.Types {
		t, err := abi.NewType(typ, "", nil)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		arguments = append(arguments, abi.Argument{Type: t})
	}

	return arguments.Unpack(data[4:])
}

// Matches reports whether data calls m.
func (m Method) Matches(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], m.Selector())
}

// Coerce converts a loosely typed value into the Go type go-ethereum packs for typ.
func Coerce(typ string, v any) (any, error) {
	switch {
	case typ == "address":
		return toAddress(v)
	case typ == "bool":
		return toBool(v)
	case typ == "string":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}

		return s, nil
	case typ == "bytes":
		return toBytes(v)
	case typ == "bytes32":
		b, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if len(b) > 32 {
			return nil, fmt.Errorf("bytes32 value is %d bytes", len(b))
		}
		var out [32]byte
		copy(out[32-len(b):], b)

		return out, nil
	case strings.HasPrefix(typ, "uint"), strings.HasPrefix(typ, "int"):
		return toInteger(typ, v)
	default:
		return nil, fmt.Errorf("%q: %w", typ, ErrUnsupportedType)
	}
}

// SupportedType reports whether Coerce accepts typ.
func SupportedType(typ string) bool {
	switch typ {
	case "address", "bool", "string", "bytes", "bytes32":
		return true
	}
	if bits, _, ok := integerBits(typ); ok {
		return bits > 0 && bits <= 256 && bits%8 == 0
	}

	return false
}

func toAddress(v any) (common.Address, error) {
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case *common.Address:
		if a == nil {
			return common.Address{}, errors.New("nil address")
		}

		return *a, nil
	case string:
		if !common.IsHexAddress(a) {
			return common.Address{}, fmt.Errorf("invalid address %q", a)
		}

		return common.HexToAddress(a), nil
	default:
		return common.Address{}, fmt.Errorf("expected address, got %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return hex.DecodeString(strings.TrimPrefix(b, "0x"))
	case common.Hash:
		return b.Bytes(), nil
	default:
		return nil, fmt.Errorf("expected bytes, got %T", v)
	}
}

func integerBits(typ string) (bits int, signed bool, ok bool) {
	rest, signed := strings.CutPrefix(typ, "int")
	if !signed {
		var unsigned bool
		if rest, unsigned = strings.CutPrefix(typ, "uint"); !unsigned {
			return 0, false, false
		}
	}
	if rest == "" {
		return 256, signed, true
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false, false
	}

	return n, signed, true
}

// toInteger returns the exact Go type go-ethereum expects: native ints for sizes up to 64
// bits and *big.Int beyond.
func toInteger(typ string, v any) (any, error) {
	bits, signed, ok := integerBits(typ)
	if !ok || bits == 0 || bits > 256 || bits%8 != 0 {
		return nil, fmt.Errorf("%q: %w", typ, ErrUnsupportedType)
	}

	n, err := ToBig(v)
	if err != nil {
		return nil, err
	}
	if !signed && n.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s for %s", n, typ)
	}
	limit := bits
	if signed {
		limit--
	}
	if n.BitLen() > limit {
		return nil, fmt.Errorf("value %s overflows %s", n, typ)
	}

	switch {
	case bits > 64:
		return n, nil
	case signed:
		i := n.Int64()
		switch bits {
		case 8:
			return int8(i), nil
		case 16:
			return int16(i), nil
		case 32:
			return int32(i), nil
		case 64:
			return i, nil
		}
	default:
		u := n.Uint64()
		switch bits {
		case 8:
			return uint8(u), nil
		case 16:
			return uint16(u), nil
		case 32:
			return uint32(u), nil
		case 64:
			return u, nil
		}
	}

	// sizes between the native widths (e.g. uint24) are packed from *big.Int
	return n, nil
}

// ToBig converts numbers and decimal or 0x-prefixed strings into a *big.Int.
func ToBig(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, errors.New("nil integer")
		}

		return new(big.Int).Set(n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case json.Number:
		out, ok := new(big.Int).SetString(n.String(), 10)
		if !ok {
			return nil, fmt.Errorf("non-integer value %s", n)
		}

		return out, nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("non-integer value %v", n)
		}

		return big.NewInt(int64(n)), nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), "_", "")
		out, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", n)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", v)
	}
}

// DecodeUint256 decodes a single 32 byte word returned by a view function.
func DecodeUint256(ret []byte) (*big.Int, error) {
	if len(ret) < 32 {
		return nil, fmt.Errorf("return data is %d bytes, expected 32", len(ret))
	}

	return new(big.Int).SetBytes(ret[:32]), nil
}

// DecodeAddress decodes an address returned by a view function.
func DecodeAddress(ret []byte) (common.Address, error) {
	if len(ret) < 32 {
		return common.Address{}, fmt.Errorf("return data is %d bytes, expected 32", len(ret))
	}

	return common.BytesToAddress(ret[12:32]), nil
}
