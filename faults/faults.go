// Package faults defines the error taxonomy shared by the resolver, executors and the
// compensation coordinator.
//
// Every failure that reaches a plan or operation result carries a [Kind]. The kind decides
// whether the failure is retried (only [TransientNetwork] and [Timeout] are) and how it is
// surfaced to callers.
package faults

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	Unknown             Kind = "Unknown"
	CyclicDependency    Kind = "CyclicDependency"
	UnknownDependency   Kind = "UnknownDependency"
	MissingArgument     Kind = "MissingArgument"
	UnknownResourceType Kind = "UnknownResourceType"
	InvalidArgument     Kind = "InvalidArgument"
	InvalidState        Kind = "InvalidState"
	SimulationFailure   Kind = "SimulationFailure"
	RequirementUnmet    Kind = "RequirementUnmet"
	SafeguardViolation  Kind = "SafeguardViolation"
	TransientNetwork    Kind = "TransientNetworkError"
	Revert              Kind = "RevertError"
	Timeout             Kind = "TimeoutError"
	CompensationFailed  Kind = "CompensationFailed"
	Cancelled           Kind = "Cancelled"
	NotFound            Kind = "NotFound"
)

// IsValidation reports whether the kind is raised by static plan validation.
func (k Kind) IsValidation() bool {
	switch k {
	case CyclicDependency, UnknownDependency, MissingArgument, UnknownResourceType, InvalidArgument:
		return true
	default:
		return false
	}
}

// Error implements the error interface so a Kind can be used as a sentinel with errors.Is.
func (k Kind) Error() string {
	return string(k)
}

// Error is a classified failure. Entity is the plan or operation ID, Node the node ID or the
// step index of the failing unit, when known.
type Error struct {
	Kind   Kind   `json:"kind"`
	Entity string `json:"entity,omitempty"`
	Node   string `json:"node,omitempty"`
	Err    error  `json:"-"`
}

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil. If err is already classified its kind is kept
// unless it is Unknown.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Unknown {
		return &Error{Kind: fe.Kind, Entity: fe.Entity, Node: fe.Node, Err: fe.Err}
	}

	return &Error{Kind: kind, Err: err}
}

// WithNode returns a copy of the error scoped to an entity and node.
func (e *Error) WithNode(entity, node string) *Error {
	cp := *e
	cp.Entity = entity
	cp.Node = node

	return &cp
}

func (e *Error) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Node != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Node, msg)
	}

	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a Kind sentinel: errors.Is(err, faults.Revert).
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)

	return ok && k == e.Kind
}

// MarshalText renders the error for log fields.
func (e *Error) MarshalText() ([]byte, error) {
	return []byte(e.Error()), nil
}

type errorJSON struct {
	Kind    Kind   `json:"kind"`
	Entity  string `json:"entity,omitempty"`
	Node    string `json:"node,omitempty"`
	Message string `json:"message"`
}

// MarshalJSON keeps kind and scope apart so that persisted errors can be read back.
func (e *Error) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}

	return json.Marshal(errorJSON{Kind: e.Kind, Entity: e.Entity, Node: e.Node, Message: msg})
}

// UnmarshalJSON restores an error written by MarshalJSON. The cause chain is reduced to its
// message.
func (e *Error) UnmarshalJSON(data []byte) error {
	var v errorJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = Error{Kind: v.Kind, Entity: v.Entity, Node: v.Node, Err: errors.New(v.Message)}

	return nil
}

// KindOf returns the kind of the first classified error in the chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return Unknown
}

// Retryable reports whether a failure may succeed if attempted again unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case TransientNetwork, Timeout:
		return true
	default:
		return false
	}
}
