package deployment

import (
	"github.com/Masterminds/semver/v3"
)

// DeployerRef may be used as Reference.DependsOn to refer to the plan's deployer account.
const DeployerRef = "$deployer"

// Deployer returns an argument resolved to the plan's deployer address.
func Deployer(name string) Argument {
	return Argument{Name: name, Ref: &Reference{DependsOn: DeployerRef, Field: FieldAddress}}
}

// Built-in resource type names.
const (
	TypeNameERC20      = "ERC20"
	TypeNameERC1155    = "ERC1155"
	TypeNameRegistry   = "Registry"
	TypeNameSettlement = "Settlement"
	TypeNameEscrow     = "Escrow"
)

// BuiltinTypes returns the resource types every orchestrator knows. Bytecode is not bundled;
// attach it with TypeRegistry.SetBytecode.
func BuiltinTypes() []ResourceType {
	v1 := semver.MustParse("1.0.0")

	return []ResourceType{
		{
			Name:    TypeNameERC20,
			Version: v1,
			Constructor: []Param{
				{Name: "name", Type: "string", Required: true},
				{Name: "symbol", Type: "string", Required: true},
				{Name: "decimals", Type: "uint8"},
				{Name: "initialSupply", Type: "uint256"},
			},
		},
		{
			Name:        TypeNameERC1155,
			Version:     v1,
			Constructor: []Param{{Name: "uri", Type: "string", Required: true}},
		},
		{
			Name:    TypeNameRegistry,
			Version: v1,
			Constructor: []Param{
				{Name: "token", Type: "address", Required: true},
				{Name: "admin", Type: "address"},
			},
		},
		{
			Name:    TypeNameSettlement,
			Version: v1,
			Constructor: []Param{
				{Name: "registry", Type: "address", Required: true},
				{Name: "feeBps", Type: "uint16"},
			},
		},
		{
			Name:    TypeNameEscrow,
			Version: v1,
			Constructor: []Param{
				{Name: "settlement", Type: "address"},
			},
			// Funds still held when a plan is rolled back go back to the deployer.
			Compensations: []Action{{
				Name:      "reclaim",
				Signature: "withdrawAll(address)",
				Args:      []Argument{Deployer("to")},
			}},
		},
	}
}

// NewBuiltinRegistry returns a TypeRegistry holding BuiltinTypes.
func NewBuiltinRegistry() *TypeRegistry {
	r, err := NewTypeRegistry(BuiltinTypes()...)
	if err != nil {
		panic(err)
	}

	return r
}
