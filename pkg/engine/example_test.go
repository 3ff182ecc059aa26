package engine_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/realize/pkg/engine"
)

// setting is a key/value pair in an in-memory store.
type setting struct {
	store map[string]string
	key   string
	value string
}

func (s setting) Identity() engine.Identity { return engine.NameIdentity("setting", s.key) }
func (s setting) Desired() any              { return s.value }

func (s setting) Probe(ctx context.Context) (engine.ProbeResult, error) {
	v, ok := s.store[s.key]
	if !ok {
		return engine.ProbeResult{Identity: s.Identity()}, nil
	}
	return engine.ProbeResult{Identity: s.Identity(), State: v}, nil
}

func (s setting) Diff(observed engine.ProbeResult) *engine.Change {
	if observed.State == s.value {
		return nil
	}
	return &engine.Change{Operation: engine.OperationCreate, Summary: "set " + s.key}
}

func (s setting) Apply(ctx context.Context, change *engine.Change) error {
	s.store[s.key] = s.value
	return nil
}

// Example_run demonstrates a declaration converging and then staying converged.
func Example_run() {
	store := map[string]string{"color": "blue"}
	configure := func(r *engine.Reality) error {
		if err := r.Ensure(setting{store, "color", "blue"}); err != nil {
			return err
		}
		return r.Ensure(setting{store, "size", "large"})
	}

	eng := engine.New(engine.Options{Parallelism: 1})

	for i := 1; i <= 2; i++ {
		result, err := eng.Run(context.Background(), configure)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Printf("run %d: %s\n", i, result.Status)
		for _, o := range result.Outcomes {
			fmt.Printf("  %s %s\n", o.Identity, o.Kind)
		}
	}

	// Output:
	// run 1: succeeded
	//   setting:color unchanged
	//   setting:size changed
	// run 2: succeeded
	//   setting:color unchanged
	//   setting:size unchanged
}

// Example_conflict shows that contradictory declarations abort the run.
func Example_conflict() {
	store := map[string]string{}

	_, err := engine.New(engine.Options{}).Run(context.Background(), func(r *engine.Reality) error {
		_ = r.Ensure(setting{store, "color", "blue"})
		return r.Ensure(setting{store, "color", "red"})
	})

	fmt.Println(engine.IsConflict(err))
	for _, c := range engine.ConflictsOf(err) {
		fmt.Println(c.Identity)
	}

	// Output:
	// true
	// setting:color
}
