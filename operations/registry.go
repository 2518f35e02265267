package operations

import (
	"fmt"
	"sync"
)

// OperationRegistry holds untyped operations looked up by definition.
type OperationRegistry struct {
	mu  sync.RWMutex
	ops []*Operation[any, any, any]
}

// NewOperationRegistry returns a registry holding ops.
func NewOperationRegistry(ops ...*Operation[any, any, any]) *OperationRegistry {
	return &OperationRegistry{ops: ops}
}

// Retrieve returns the operation matching def's ID and version.
func (s *OperationRegistry) Retrieve(def Definition) (*Operation[any, any, any], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, op := range s.ops {
		if op.ID() == def.ID && def.Version != nil && op.Version() == def.Version.String() {
			return op, nil
		}
	}

	return nil, fmt.Errorf("operation %s not found in registry", def.ID)
}

// RegisterOperation adds operations to r.
func RegisterOperation[IN, OUT, DEP any](r *OperationRegistry, op ...*Operation[IN, OUT, DEP]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range op {
		r.ops = append(r.ops, o.AsUntyped())
	}
}
