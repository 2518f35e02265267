package calldata

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseSignature(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		give    string
		want    Method
		wantErr string
	}{
		{
			name: "two arguments",
			give: "transfer(address, uint256)",
			want: Method{Name: "transfer", Types: []string{"address", "uint256"}},
		},
		{
			name: "no arguments",
			give: "pause()",
			want: Method{Name: "pause"},
		},
		{
			name:    "missing parens",
			give:    "pause",
			wantErr: "malformed signature",
		},
		{
			name:    "tuple",
			give:    "f((address,uint256))",
			wantErr: "unsupported abi type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseSignature(tt.give)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_EncodeCall_Transfer(t *testing.T) {
	t.Parallel()

	data, err := EncodeCall("transfer(address,uint256)", "0x00000000000000000000000000000000000000aa", "1000")
	require.NoError(t, err)

	// a9059cbb is the well known ERC20 transfer selector
	assert.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))
	require.Len(t, data, 4+64)
	assert.Equal(t, common.HexToAddress("0xaa"), common.BytesToAddress(data[4+12:4+32]))
	assert.Equal(t, big.NewInt(1000), new(big.Int).SetBytes(data[4+32:]))
}

func Test_Coerce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		giveType string
		give     any
		want     any
		wantErr  string
	}{
		{name: "uint8 from int", giveType: "uint8", give: 7, want: uint8(7)},
		{name: "uint64 from toml int64", giveType: "uint64", give: int64(9), want: uint64(9)},
		{name: "uint256 from hex", giveType: "uint256", give: "0x10", want: big.NewInt(16)},
		{name: "int32 negative", giveType: "int32", give: -5, want: int32(-5)},
		{name: "uint negative", giveType: "uint256", give: -1, wantErr: "negative value"},
		{name: "uint8 overflow", giveType: "uint8", give: 256, wantErr: "overflows"},
		{name: "bool from string", giveType: "bool", give: "true", want: true},
		{name: "bad address", giveType: "address", give: "0x12", wantErr: "invalid address"},
		{name: "tuple unsupported", giveType: "tuple", give: 1, wantErr: "unsupported abi type"},
		{name: "float fraction", giveType: "uint256", give: 1.5, wantErr: "non-integer"},
		{name: "json number beyond float precision", giveType: "uint256", give: json.Number("1000000000000000000000001"),
			want: new(big.Int).Add(new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil), big.NewInt(1))},
		{name: "json number exponent", giveType: "uint256", give: json.Number("1e18"), wantErr: "non-integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Coerce(tt.giveType, tt.give)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_SupportedType(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{"address", "uint256", "uint", "int8", "bytes32", "string", "bool", "bytes"} {
		assert.True(t, SupportedType(typ), typ)
	}
	for _, typ := range []string{"uint7", "uint264", "address[]", "tuple", "fixed"} {
		assert.False(t, SupportedType(typ), typ)
	}
}

func Test_PackArgs_CountMismatch(t *testing.T) {
	t.Parallel()

	_, err := PackArgs([]string{"address"})
	require.ErrorContains(t, err, "expected 1 arguments, got 0")
}

func Test_DecodeWords(t *testing.T) {
	t.Parallel()

	word := common.LeftPadBytes(big.NewInt(42).Bytes(), 32)
	n, err := DecodeUint256(word)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), n)

	addr := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	got, err := DecodeAddress(common.LeftPadBytes(addr.Bytes(), 32))
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	_, err = DecodeUint256([]byte{1})
	require.Error(t, err)
}

func Test_PackBatch(t *testing.T) {
	t.Parallel()

	calls := []BatchCall{
		{Target: common.HexToAddress("0x01"), CallData: []byte{0x01, 0x02}},
		{Target: common.HexToAddress("0x02"), Value: big.NewInt(5), CallData: []byte{0x03}},
	}

	data, err := PackBatch(calls)
	require.NoError(t, err)
	assert.Equal(t, batchExecutor.Methods["aggregate3Value"].ID, data[:4])
	assert.Equal(t, big.NewInt(5), BatchValue(calls))

	args, err := batchExecutor.Methods["aggregate3Value"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 1)
}

func Test_EscrowEncoding(t *testing.T) {
	t.Parallel()

	id := common.HexToHash("0xabc")
	data, err := PackCreateOrder(EscrowOrder{
		ID:           id,
		Counterparty: common.HexToAddress("0xb"),
		GiveToken:    common.HexToAddress("0x1"),
		GiveAmount:   big.NewInt(10),
		WantToken:    common.HexToAddress("0x2"),
		WantAmount:   big.NewInt(20),
		Deadline:     big.NewInt(1700000000),
	})
	require.NoError(t, err)
	assert.Len(t, data, 4+7*32)

	for _, pack := range []func(common.Hash) ([]byte, error){PackFulfill, PackSettle, PackCancel, PackOrderState} {
		out, err := pack(id)
		require.NoError(t, err)
		assert.Len(t, out, 4+32)
	}

	state, err := UnpackOrderState(common.LeftPadBytes([]byte{2}, 32))
	require.NoError(t, err)
	assert.Equal(t, EscrowOrderFulfilled, state)
	assert.Equal(t, "fulfilled", state.String())
}

func Test_Method_Unpack(t *testing.T) {
	t.Parallel()

	m, err := ParseSignature("transferFrom(address,address,uint256)")
	require.NoError(t, err)

	data, err := m.Pack("0x00000000000000000000000000000000000000a1", "0x00000000000000000000000000000000000000b2", 7)
	require.NoError(t, err)
	require.True(t, m.Matches(data))

	args, err := m.Unpack(data)
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, common.HexToAddress("0xa1"), args[0])
	assert.Equal(t, common.HexToAddress("0xb2"), args[1])
	assert.Equal(t, big.NewInt(7), args[2])

	other, err := ParseSignature("transfer(address,uint256)")
	require.NoError(t, err)
	assert.False(t, other.Matches(data))
	_, err = other.Unpack(data)
	require.ErrorContains(t, err, "selector")
}
