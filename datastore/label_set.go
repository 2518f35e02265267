package datastore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// LabelInactive marks a contract that rollback retired. Inactive contracts stay in the
// registry but are no longer canonical.
const LabelInactive = "inactive"

// LabelSet is a set of labels kept sorted.
type LabelSet struct {
	labels []string
}

// NewLabelSet returns a set holding labels. Empty labels are dropped.
func NewLabelSet(labels ...string) LabelSet {
	var s LabelSet
	s.Add(labels...)

	return s
}

// Add inserts labels into the set.
func (s *LabelSet) Add(labels ...string) {
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if i, found := slices.BinarySearch(s.labels, l); !found {
			s.labels = slices.Insert(s.labels, i, l)
		}
	}
}

// Remove deletes a label if present.
func (s *LabelSet) Remove(label string) {
	if i, found := slices.BinarySearch(s.labels, label); found {
		s.labels = slices.Delete(s.labels, i, i+1)
	}
}

// Contains reports whether label is in the set.
func (s LabelSet) Contains(label string) bool {
	_, found := slices.BinarySearch(s.labels, label)

	return found
}

// List returns the labels in sorted order.
func (s LabelSet) List() []string {
	return slices.Clone(s.labels)
}

// Len returns the number of labels.
func (s LabelSet) Len() int {
	return len(s.labels)
}

// Equal reports whether both sets hold the same labels.
func (s LabelSet) Equal(other LabelSet) bool {
	return slices.Equal(s.labels, other.labels)
}

// Clone returns an independent copy.
func (s LabelSet) Clone() LabelSet {
	return LabelSet{labels: slices.Clone(s.labels)}
}

// String returns the labels space separated.
func (s LabelSet) String() string {
	return strings.Join(s.labels, " ")
}

func (s LabelSet) MarshalJSON() ([]byte, error) {
	if s.labels == nil {
		return []byte("[]"), nil
	}

	return json.Marshal(s.labels)
}

func (s *LabelSet) UnmarshalJSON(data []byte) error {
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return err
	}
	*s = NewLabelSet(labels...)

	return nil
}

// Value stores the set as a space separated string.
func (s LabelSet) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan reads a set written by Value.
func (s *LabelSet) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = LabelSet{}
	case string:
		*s = NewLabelSet(strings.Fields(v)...)
	case []byte:
		*s = NewLabelSet(strings.Fields(string(v))...)
	default:
		return fmt.Errorf("cannot scan %T into LabelSet", src)
	}

	return nil
}
