package engine

import "github.com/segmentio/ksuid"

// newPlanID generates a new plan ID.
func newPlanID() string {
	return newID("plan")
}

// newOperationID generates a new atomic operation ID.
func newOperationID() string {
	return newID("op")
}

// newID generates a ksuid prefixed with the kind of entity it names. ksuids sort by creation
// time, so stored documents list oldest first.
func newID(prefix string) string {
	return prefix + "_" + ksuid.New().String()
}
