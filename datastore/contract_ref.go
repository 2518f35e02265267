package datastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ContractRef records a contract deployed by a plan node.
type ContractRef struct {
	ChainSelector uint64          `json:"chainSelector"`
	Address       string          `json:"address"`
	Type          string          `json:"type"`
	Version       *semver.Version `json:"version"`
	PlanID        string          `json:"planId"`
	NodeID        string          `json:"nodeId"`
	TxHash        string          `json:"txHash"`
	Labels        LabelSet        `json:"labels"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ContractRefKey identifies a contract by chain and address.
type ContractRefKey struct {
	ChainSelector uint64
	Address       string
}

func (k ContractRefKey) String() string {
	return fmt.Sprintf("%d/%s", k.ChainSelector, k.Address)
}

// NewContractRefKey normalizes the address so that checksummed and lower case forms match.
func NewContractRefKey(chainSelector uint64, address string) ContractRefKey {
	return ContractRefKey{ChainSelector: chainSelector, Address: strings.ToLower(address)}
}

// Key returns the primary key of the reference.
func (r ContractRef) Key() ContractRefKey {
	return NewContractRefKey(r.ChainSelector, r.Address)
}

// Active reports whether the contract is canonical, i.e. not retired by a rollback.
func (r ContractRef) Active() bool {
	return !r.Labels.Contains(LabelInactive)
}

// Clone returns a copy that shares no mutable state with r.
func (r ContractRef) Clone() ContractRef {
	cp := r
	cp.Labels = r.Labels.Clone()
	if r.Version != nil {
		v := *r.Version
		cp.Version = &v
	}

	return cp
}

// FilterFunc narrows a list of references.
type FilterFunc func([]ContractRef) []ContractRef

// FilterByPlan keeps references deployed by planID.
func FilterByPlan(planID string) FilterFunc {
	return filterBy(func(r ContractRef) bool { return r.PlanID == planID })
}

// FilterByType keeps references of a resource type.
func FilterByType(typ string) FilterFunc {
	return filterBy(func(r ContractRef) bool { return r.Type == typ })
}

// FilterActive keeps references not labelled inactive.
func FilterActive() FilterFunc {
	return filterBy(ContractRef.Active)
}

func filterBy(keep func(ContractRef) bool) FilterFunc {
	return func(refs []ContractRef) []ContractRef {
		out := make([]ContractRef, 0, len(refs))
		for _, r := range refs {
			if keep(r) {
				out = append(out, r)
			}
		}

		return out
	}
}

// ContractRefStore is the registry of deployed contracts.
type ContractRefStore interface {
	// Add inserts a reference, failing with ErrAlreadyExists on a duplicate key.
	Add(ctx context.Context, ref ContractRef) error
	// Upsert inserts or replaces a reference.
	Upsert(ctx context.Context, ref ContractRef) error
	// Get returns the reference for key or ErrNotFound.
	Get(ctx context.Context, key ContractRefKey) (ContractRef, error)
	// Fetch returns every reference.
	Fetch(ctx context.Context) ([]ContractRef, error)
	// Filter returns the references passing all filters, applied in order.
	Filter(ctx context.Context, filters ...FilterFunc) ([]ContractRef, error)
}

// AddLabels adds labels to the reference stored under key.
func AddLabels(ctx context.Context, s ContractRefStore, key ContractRefKey, labels ...string) error {
	ref, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	ref.Labels.Add(labels...)

	return s.Upsert(ctx, ref)
}

func applyFilters(refs []ContractRef, filters []FilterFunc) []ContractRef {
	for _, f := range filters {
		refs = f(refs)
	}

	return refs
}
