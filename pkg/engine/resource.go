package engine

import (
	"context"
	"fmt"
	"reflect"
)

// Resource is a single managed target with a declared desired state.
//
// Probe is read-only. Diff is pure given the probe result and the declaration.
// Apply performs exactly the mutation described by a non-nil Change, and must leave
// the target in a state where a fresh Probe followed by Diff returns nil.
type Resource interface {
	// Identity names the target this resource manages.
	Identity() Identity

	// Desired returns the declared desired state as plain data.
	// Two declarations of the same identity are equivalent when their
	// desired states are deeply equal.
	Desired() any

	// Probe observes the current state of the target.
	Probe(ctx context.Context) (ProbeResult, error)

	// Diff compares the observation with the declaration.
	// A nil Change means the target is already satisfied.
	Diff(observed ProbeResult) *Change

	// Apply performs the change.
	Apply(ctx context.Context, change *Change) error
}

// Implier is implemented by resources that require other resources to exist,
// such as a file requiring its parent directory. Implied resources are ensured
// alongside the declaring resource.
type Implier interface {
	Implied() []Resource
}

// Subsumer is implemented by resources that can stand in for an implied
// declaration of the same identity with a different desired state. An explicit
// directory with a mode subsumes the implied bare directory, for example.
type Subsumer interface {
	Subsumes(implied Resource) bool
}

// Remover is implemented by resources that can declare their own absence.
// A removal nested under another removal is ordered before it, so children
// are gone by the time their parent is removed.
type Remover interface {
	Removes() bool
}

func removes(res Resource) bool {
	r, ok := res.(Remover)
	return ok && r.Removes()
}

// Describe returns a human description of a resource.
func Describe(res Resource) string {
	if s, ok := res.(fmt.Stringer); ok {
		return s.String()
	}
	return res.Identity().String()
}

// sameDeclaration reports whether two resources declare the same desired state.
func sameDeclaration(a, b Resource) bool {
	da, db := a.Desired(), b.Desired()
	if reflect.TypeOf(da) != reflect.TypeOf(db) {
		return false
	}
	return reflect.DeepEqual(da, db)
}
