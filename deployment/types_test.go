package deployment

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_TypeRegistry_Lookup(t *testing.T) {
	t.Parallel()

	r, err := NewTypeRegistry(
		ResourceType{Name: "Vault", Version: semver.MustParse("1.0.0")},
		ResourceType{Name: "Vault", Version: semver.MustParse("1.2.0")},
		ResourceType{Name: "Vault", Version: semver.MustParse("2.0.0")},
	)
	require.NoError(t, err)

	tests := []struct {
		constraint string
		want       string
		wantErr    string
	}{
		{constraint: "", want: "2.0.0"},
		{constraint: "^1", want: "1.2.0"},
		{constraint: "1.0.0", want: "1.0.0"},
		{constraint: ">3", wantErr: "unknown resource type"},
		{constraint: "not-a-version", wantErr: "invalid version constraint"},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			t.Parallel()

			got, err := r.Lookup("Vault", tt.constraint)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Version.String())
		})
	}

	_, err = r.Lookup("Bridge", "")
	require.ErrorIs(t, err, ErrUnknownType)
}

func Test_TypeRegistry_Register(t *testing.T) {
	t.Parallel()

	r, err := NewTypeRegistry()
	require.NoError(t, err)
	v1 := semver.MustParse("1.0.0")

	require.NoError(t, r.Register(ResourceType{Name: "Vault", Version: v1}))
	require.ErrorContains(t, r.Register(ResourceType{Name: "Vault", Version: v1}), "already registered")
	require.ErrorContains(t, r.Register(ResourceType{Name: "", Version: v1}), "invalid resource type name")
	require.ErrorContains(t, r.Register(ResourceType{Name: "NoVersion"}), "no version")
	require.ErrorContains(t, r.Register(ResourceType{
		Name:        "Tuple",
		Version:     v1,
		Constructor: []Param{{Name: "x", Type: "tuple"}},
	}), "x")
	require.ErrorContains(t, r.Register(ResourceType{
		Name:        "Dup",
		Version:     v1,
		Constructor: []Param{{Name: "a", Type: "uint256"}, {Name: "a", Type: "address"}},
	}), "duplicate constructor parameter")

	assert.Equal(t, []string{"Vault"}, r.Names())
}

func Test_ResourceType_CreationCode(t *testing.T) {
	t.Parallel()

	types := testTypes(t)
	typ, err := types.Lookup(TypeNameERC20, "")
	require.NoError(t, err)

	code, err := typ.CreationCode(map[string]any{"name": "Token", "symbol": "TKN"})
	require.NoError(t, err)
	assert.Equal(t, bytecodes[TypeNameERC20], code[:len(bytecodes[TypeNameERC20])])
	// four head words plus two string tails of two words each
	assert.Len(t, code, len(bytecodes[TypeNameERC20])+8*32)

	_, err = typ.CreationCode(map[string]any{"name": "Token"})
	require.ErrorContains(t, err, "required")

	bare, err := NewBuiltinRegistry().Lookup(TypeNameERC20, "")
	require.NoError(t, err)
	_, err = bare.CreationCode(map[string]any{"name": "Token", "symbol": "TKN"})
	require.ErrorContains(t, err, "no bytecode")
}

func Test_TypeRegistry_SetBytecode(t *testing.T) {
	t.Parallel()

	r := NewBuiltinRegistry()
	require.NoError(t, r.SetBytecode(TypeNameEscrow, []byte{0x01}))
	require.ErrorIs(t, r.SetBytecode("Vault", []byte{0x01}), ErrUnknownType)

	typ, err := r.Lookup(TypeNameEscrow, "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, typ.Bytecode)
	assert.Equal(t, "Escrow 1.0.0", typ.TypeAndVersion())
	require.Len(t, typ.Compensations, 1)
}
