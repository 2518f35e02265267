package datastore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

type docKey struct {
	kind Kind
	id   string
}

// MemoryStore is an in-memory Datastore. It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[docKey]Document
	history   map[string][]Transition
	contracts *MemoryContractRefStore
}

var _ Datastore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[docKey]Document),
		history:   make(map[string][]Transition),
		contracts: NewMemoryContractRefStore(),
	}
}

func (s *MemoryStore) Contracts() ContractRefStore {
	return s.contracts
}

func (s *MemoryStore) Put(_ context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%s document without id", doc.Kind)
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	doc.Body = slices.Clone(doc.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[docKey{doc.Kind, doc.ID}] = doc

	return nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[docKey{kind, id}]
	if !ok {
		return Document{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	doc.Body = slices.Clone(doc.Body)

	return doc, nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Document, 0)
	for k, doc := range s.docs {
		if k.kind == kind {
			doc.Body = slices.Clone(doc.Body)
			out = append(out, doc)
		}
	}
	slices.SortFunc(out, func(a, b Document) int { return strings.Compare(a.ID, b.ID) })

	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, kind Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := docKey{kind, id}
	if _, ok := s.docs[k]; !ok {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	delete(s.docs, k)

	return nil
}

func (s *MemoryStore) AppendTransition(_ context.Context, t Transition) error {
	if t.EntityID == "" {
		return fmt.Errorf("transition without entity id")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	t.Metadata = maps.Clone(t.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[t.EntityID] = append(s.history[t.EntityID], t)

	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, entityID string) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.history[entityID]), nil
}

// MemoryContractRefStore is an in-memory ContractRefStore. Fetch returns references in the
// order they were first added.
type MemoryContractRefStore struct {
	mu      sync.RWMutex
	records map[ContractRefKey]ContractRef
	order   []ContractRefKey
}

var _ ContractRefStore = (*MemoryContractRefStore)(nil)

// NewMemoryContractRefStore returns an empty registry.
func NewMemoryContractRefStore() *MemoryContractRefStore {
	return &MemoryContractRefStore{records: make(map[ContractRefKey]ContractRef)}
}

func (s *MemoryContractRefStore) Add(_ context.Context, ref ContractRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ref.Key()
	if _, ok := s.records[key]; ok {
		return fmt.Errorf("contract %s: %w", key, ErrAlreadyExists)
	}
	s.records[key] = ref.Clone()
	s.order = append(s.order, key)

	return nil
}

func (s *MemoryContractRefStore) Upsert(_ context.Context, ref ContractRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ref.Key()
	if _, ok := s.records[key]; !ok {
		s.order = append(s.order, key)
	}
	s.records[key] = ref.Clone()

	return nil
}

func (s *MemoryContractRefStore) Get(_ context.Context, key ContractRefKey) (ContractRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.records[NewContractRefKey(key.ChainSelector, key.Address)]
	if !ok {
		return ContractRef{}, fmt.Errorf("contract %s: %w", key, ErrNotFound)
	}

	return ref.Clone(), nil
}

func (s *MemoryContractRefStore) Fetch(_ context.Context) ([]ContractRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ContractRef, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.records[key].Clone())
	}

	return out, nil
}

func (s *MemoryContractRefStore) Filter(ctx context.Context, filters ...FilterFunc) ([]ContractRef, error) {
	refs, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	return applyFilters(refs, filters), nil
}
