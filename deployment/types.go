package deployment

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/smartcontractkit/deployment-orchestrator/calldata"
)

// Param is one constructor parameter of a resource type.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// ResourceType is the capability set of a deployable contract kind: its constructor schema,
// creation bytecode, the post-deploy actions it runs for every node, and the compensations
// rollback should attempt.
type ResourceType struct {
	Name        string
	Version     *semver.Version
	Constructor []Param
	Bytecode    []byte
	// PostDeploy runs before the node's own post-deploy actions.
	PostDeploy []Action
	// Compensations run before the node's own compensations.
	Compensations []Action
}

// TypeAndVersion renders as "ERC20 1.0.0".
func (t ResourceType) TypeAndVersion() string {
	return fmt.Sprintf("%s %s", t.Name, t.Version)
}

func (t ResourceType) param(name string) (Param, bool) {
	for _, p := range t.Constructor {
		if p.Name == name {
			return p, true
		}
	}

	return Param{}, false
}

// ConstructorArgs orders resolved argument values by the constructor schema. Optional
// parameters without a value are passed as their zero value.
func (t ResourceType) ConstructorArgs(values map[string]any) ([]string, []any, error) {
	types := make([]string, 0, len(t.Constructor))
	args := make([]any, 0, len(t.Constructor))
	for _, p := range t.Constructor {
		v, ok := values[p.Name]
		if !ok {
			if p.Required {
				return nil, nil, fmt.Errorf("%s: constructor argument %q is required", t.Name, p.Name)
			}
			v = zeroValue(p.Type)
		}
		types = append(types, p.Type)
		args = append(args, v)
	}

	return types, args, nil
}

// CreationCode returns the bytecode with the ABI encoded constructor arguments appended.
func (t ResourceType) CreationCode(values map[string]any) ([]byte, error) {
	if len(t.Bytecode) == 0 {
		return nil, fmt.Errorf("%s has no bytecode", t.TypeAndVersion())
	}
	types, args, err := t.ConstructorArgs(values)
	if err != nil {
		return nil, err
	}
	encoded, err := calldata.PackArgs(types, args...)
	if err != nil {
		return nil, fmt.Errorf("%s constructor: %w", t.Name, err)
	}

	return append(slices.Clone(t.Bytecode), encoded...), nil
}

func zeroValue(typ string) any {
	switch {
	case typ == "address":
		return "0x0000000000000000000000000000000000000000"
	case typ == "bool":
		return false
	case typ == "string":
		return ""
	case typ == "bytes", typ == "bytes32":
		return []byte{}
	default:
		return 0
	}
}

// ErrUnknownType is returned by TypeRegistry.Lookup.
var ErrUnknownType = errors.New("unknown resource type")

// TypeRegistry holds the resource types a plan may deploy, keyed by name and version.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string][]ResourceType
}

// NewTypeRegistry returns a registry holding types.
func NewTypeRegistry(types ...ResourceType) (*TypeRegistry, error) {
	r := &TypeRegistry{types: make(map[string][]ResourceType)}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds a resource type. Registering the same name and version twice fails.
func (r *TypeRegistry) Register(t ResourceType) error {
	if t.Name == "" || strings.ContainsAny(t.Name, " \t") {
		return fmt.Errorf("invalid resource type name %q", t.Name)
	}
	if t.Version == nil {
		return fmt.Errorf("resource type %s has no version", t.Name)
	}
	seen := make(map[string]bool, len(t.Constructor))
	for _, p := range t.Constructor {
		if seen[p.Name] {
			return fmt.Errorf("%s: duplicate constructor parameter %q", t.TypeAndVersion(), p.Name)
		}
		seen[p.Name] = true
		if !calldata.SupportedType(p.Type) {
			return fmt.Errorf("%s: parameter %q: %q: %w", t.TypeAndVersion(), p.Name, p.Type, calldata.ErrUnsupportedType)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.types[t.Name] {
		if existing.Version.Equal(t.Version) {
			return fmt.Errorf("resource type %s already registered", t.TypeAndVersion())
		}
	}
	versions := append(r.types[t.Name], t)
	slices.SortFunc(versions, func(a, b ResourceType) int { return a.Version.Compare(b.Version) })
	r.types[t.Name] = versions

	return nil
}

// SetBytecode attaches creation bytecode to every registered version of name that has none.
func (r *TypeRegistry) SetBytecode(name string, code []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.types[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownType)
	}
	for i := range versions {
		if len(versions[i].Bytecode) == 0 {
			versions[i].Bytecode = slices.Clone(code)
		}
	}

	return nil
}

// Lookup returns the type called name. An empty constraint selects the latest version,
// otherwise the latest version satisfying the semver constraint (e.g. "1.2.0" or "^1").
func (r *TypeRegistry) Lookup(name, constraint string) (ResourceType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.types[name]
	if !ok || len(versions) == 0 {
		return ResourceType{}, fmt.Errorf("%s: %w", name, ErrUnknownType)
	}
	if constraint == "" {
		return versions[len(versions)-1], nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return ResourceType{}, fmt.Errorf("%s: invalid version constraint %q: %w", name, constraint, err)
	}
	for _, t := range slices.Backward(versions) {
		if c.Check(t.Version) {
			return t, nil
		}
	}

	return ResourceType{}, fmt.Errorf("%s %s: %w", name, constraint, ErrUnknownType)
}

// Names returns the registered type names, sorted.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	slices.Sort(names)

	return names
}
