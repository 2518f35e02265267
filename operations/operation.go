package operations

import (
	"context"
	"errors"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// Bundle carries what every handler needs: a logger, the context of the run and the
// reporter collecting execution reports. Use NewBundle to create one.
type Bundle struct {
	Logger     logger.Logger
	GetContext func() context.Context
	reporter   Reporter
	// hashes of already seen definition/input pairs, keyed by report ID
	reportHashCache   *sync.Map
	OperationRegistry *OperationRegistry
}

// BundleOption configures a Bundle.
type BundleOption func(*Bundle)

// WithOperationRegistry sets the registry operations are looked up in.
func WithOperationRegistry(registry *OperationRegistry) BundleOption {
	return func(b *Bundle) {
		b.OperationRegistry = registry
	}
}

// NewBundle returns a Bundle.
func NewBundle(getContext func() context.Context, lggr logger.Logger, reporter Reporter, opts ...BundleOption) Bundle {
	b := Bundle{
		Logger:            lggr,
		GetContext:        getContext,
		reporter:          reporter,
		reportHashCache:   &sync.Map{},
		OperationRegistry: NewOperationRegistry(),
	}
	for _, opt := range opts {
		opt(&b)
	}

	return b
}

// Reporter returns the reporter of the bundle.
func (b Bundle) Reporter() Reporter {
	return b.reporter
}

// WithReporter returns a copy of the bundle writing to reporter. The hash cache is shared.
func (b Bundle) WithReporter(reporter Reporter) Bundle {
	b.reporter = reporter

	return b
}

// OperationHandler performs the work of an operation.
type OperationHandler[IN, OUT, DEP any] func(b Bundle, deps DEP, input IN) (output OUT, err error)

// Definition identifies an operation. Two executions with equal definitions and equal inputs
// are considered the same execution.
type Definition struct {
	ID          string          `json:"id"`
	Version     *semver.Version `json:"version"`
	Description string          `json:"description"`
}

// Operation is a versioned, typed unit of work. Create one with NewOperation.
type Operation[IN, OUT, DEP any] struct {
	def     Definition
	handler OperationHandler[IN, OUT, DEP]
}

// NewOperation returns an operation. The handler should perform at most one side effect.
func NewOperation[IN, OUT, DEP any](
	id string, version *semver.Version, description string, handler OperationHandler[IN, OUT, DEP],
) *Operation[IN, OUT, DEP] {
	return &Operation[IN, OUT, DEP]{
		def: Definition{
			ID:          id,
			Version:     version,
			Description: description,
		},
		handler: handler,
	}
}

func (o *Operation[IN, OUT, DEP]) ID() string {
	return o.def.ID
}

func (o *Operation[IN, OUT, DEP]) Version() string {
	return o.def.Version.String()
}

func (o *Operation[IN, OUT, DEP]) Description() string {
	return o.def.Description
}

func (o *Operation[IN, OUT, DEP]) Def() Definition {
	return o.def
}

func (o *Operation[IN, OUT, DEP]) execute(b Bundle, deps DEP, input IN) (OUT, error) {
	b.Logger.Debugw("Executing operation", "id", o.def.ID, "version", o.def.Version)

	return o.handler(b, deps, input)
}

// AsUntyped erases the type parameters so operations of different types can share a registry.
func (o *Operation[IN, OUT, DEP]) AsUntyped() *Operation[any, any, any] {
	return &Operation[any, any, any]{
		def: o.def,
		handler: func(b Bundle, deps any, input any) (any, error) {
			var typedInput IN
			if input != nil {
				var ok bool
				if typedInput, ok = input.(IN); !ok {
					return nil, errors.New("input type mismatch")
				}
			}

			var typedDeps DEP
			if deps != nil {
				var ok bool
				if typedDeps, ok = deps.(DEP); !ok {
					return nil, errors.New("dependencies type mismatch")
				}
			}

			return o.handler(b, typedDeps, typedInput)
		},
	}
}

// EmptyInput is the input of operations that take none.
type EmptyInput struct{}
