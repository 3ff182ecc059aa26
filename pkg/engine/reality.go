package engine

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Assertion is one registered declaration.
type Assertion struct {
	// Resource is the declaration.
	Resource Resource

	// Seq is the registration sequence number. It is recorded for
	// diagnostics and does not imply execution order.
	Seq int

	// After lists identities that must finalize before this one.
	After []Identity

	// Implicit is true when the resource was implied by another declaration.
	Implicit bool
}

// ConfigureFunc is the caller's configuration routine. It is invoked exactly
// once per run with a fresh registry.
type ConfigureFunc func(r *Reality) error

// EnsureOption customises a single Ensure call.
type EnsureOption func(*ensureOptions)

type ensureOptions struct {
	after []Identity
}

// After declares that the resource must not be probed until the given
// identities have finalized.
func After(ids ...Identity) EnsureOption {
	return func(o *ensureOptions) {
		o.after = append(o.after, ids...)
	}
}

// Reality is the assertion registry for one run. It accepts declarations
// during the configuration phase and is sealed before the graph is built.
type Reality struct {
	mu         sync.Mutex
	assertions []Assertion
	sealed     bool
	logger     zerolog.Logger
}

// NewReality creates an empty, open registry.
func NewReality(logger zerolog.Logger) *Reality {
	return &Reality{
		assertions: make([]Assertion, 0),
		logger:     logger.With().Str("component", "reality").Logger(),
	}
}

// Ensure registers a desired-state assertion. Resources implied by res are
// registered first. Ensure fails once the registry is sealed.
func (r *Reality) Ensure(res Resource, opts ...EnsureOption) error {
	if res == nil {
		return NewValidationError("cannot ensure a nil resource", nil)
	}

	var o ensureOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("ensure %s: %w", res.Identity(), ErrRegistrySealed)
	}
	return r.ensureLocked(res, o.after, false, 0)
}

// maxImplyDepth bounds implied-resource recursion.
const maxImplyDepth = 256

func (r *Reality) ensureLocked(res Resource, after []Identity, implicit bool, depth int) error {
	id := res.Identity()
	if id.IsZero() {
		return NewValidationError("resource has an empty identity", nil).
			WithDetail("resource", Describe(res))
	}
	for _, dep := range after {
		if dep.IsZero() {
			return NewValidationError("empty identity in ordering hint", nil).
				WithResource(id.String())
		}
	}
	if depth > maxImplyDepth {
		return NewValidationError("implied resources nest too deeply", nil).
			WithResource(id.String())
	}

	if implier, ok := res.(Implier); ok {
		for _, implied := range implier.Implied() {
			if implied == nil {
				continue
			}
			if err := r.ensureLocked(implied, nil, true, depth+1); err != nil {
				return err
			}
		}
	}

	r.assertions = append(r.assertions, Assertion{
		Resource: res,
		Seq:      len(r.assertions),
		After:    append([]Identity(nil), after...),
		Implicit: implicit,
	})

	r.logger.Debug().
		Str("resource", id.String()).
		Bool("implicit", implicit).
		Msg("Registered assertion")

	return nil
}

// Seal ends the registration phase and returns the assertions in
// registration order. Subsequent calls return the same assertions.
func (r *Reality) Seal() []Assertion {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sealed = true
	out := make([]Assertion, len(r.assertions))
	copy(out, r.assertions)
	return out
}

// Sealed reports whether the registry has been sealed.
func (r *Reality) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Len returns the number of registered assertions, implied ones included.
func (r *Reality) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assertions)
}
