// Package datastore persists plans, atomic operations, their status history and the registry
// of deployed contracts.
//
// Plans and operations are stored as opaque JSON documents keyed by kind and ID; the store
// does not interpret them beyond their status. Status history is an append-only log of
// transitions per entity. Contract references record every address a plan deployed, labelled
// so that rollback can mark them inactive without deleting them.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document or contract reference does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by Add when a record with the same key exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// Kind is the type of a stored document.
type Kind string

const (
	KindPlan      Kind = "plan"
	KindOperation Kind = "operation"
)

// Document is a stored plan or operation.
type Document struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Body      json.RawMessage `json:"body"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transition is one status change of an entity or of a node/step inside it.
type Transition struct {
	EntityID string `json:"entityId"`
	// Scope is the node ID or step index the transition applies to, empty for the entity.
	Scope     string            `json:"scope,omitempty"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Store persists documents and their status history.
type Store interface {
	// Put inserts or replaces a document.
	Put(ctx context.Context, doc Document) error
	// Get returns a document or ErrNotFound.
	Get(ctx context.Context, kind Kind, id string) (Document, error)
	// List returns all documents of a kind ordered by ID.
	List(ctx context.Context, kind Kind) ([]Document, error)
	// Delete removes a document; its history is kept.
	Delete(ctx context.Context, kind Kind, id string) error
	// AppendTransition adds to the history of t.EntityID. A zero timestamp is set to now.
	AppendTransition(ctx context.Context, t Transition) error
	// ListHistory returns the transitions of an entity in the order they were appended.
	ListHistory(ctx context.Context, entityID string) ([]Transition, error)
}

// Datastore bundles the document store with the contract registry.
type Datastore interface {
	Store
	Contracts() ContractRefStore
}
