package engine

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestReality_Ensure_RecordsSequence(t *testing.T) {
	w := newMockWorld()
	reality := NewReality(zerolog.Nop())

	for _, key := range []string{"c", "a", "b"} {
		if err := reality.Ensure(newMockResource(w, key, "v")); err != nil {
			t.Fatalf("Ensure failed: %v", err)
		}
	}

	assertions := reality.Seal()
	if len(assertions) != 3 {
		t.Fatalf("Expected 3 assertions, got %d", len(assertions))
	}
	for i, a := range assertions {
		if a.Seq != i {
			t.Errorf("Expected seq %d, got %d", i, a.Seq)
		}
	}
	if assertions[0].Resource.Identity().Key != "c" {
		t.Errorf("Expected registration order to be kept, got %s", assertions[0].Resource.Identity())
	}
}

func TestReality_Ensure_AfterSealFails(t *testing.T) {
	w := newMockWorld()
	reality := NewReality(zerolog.Nop())
	reality.Seal()

	err := reality.Ensure(newMockResource(w, "a", "v"))
	if !errors.Is(err, ErrRegistrySealed) {
		t.Errorf("Expected ErrRegistrySealed, got %v", err)
	}
	if !reality.Sealed() {
		t.Error("Expected registry to report sealed")
	}
	if reality.Len() != 0 {
		t.Errorf("Expected no assertions, got %d", reality.Len())
	}
}

func TestReality_Ensure_Rejects(t *testing.T) {
	reality := NewReality(zerolog.Nop())

	if err := reality.Ensure(nil); !IsValidation(err) {
		t.Errorf("Expected validation error for nil resource, got %v", err)
	}

	empty := &mockResource{world: newMockWorld()}
	if err := reality.Ensure(empty); !IsValidation(err) {
		t.Errorf("Expected validation error for empty identity, got %v", err)
	}

	w := newMockWorld()
	if err := reality.Ensure(newMockResource(w, "a", "v"), After(Identity{})); !IsValidation(err) {
		t.Errorf("Expected validation error for empty hint, got %v", err)
	}
}

func TestReality_Ensure_ImpliedFirst(t *testing.T) {
	w := newMockWorld()
	parent := newMockResource(w, "/srv", "dir")
	child := newMockResource(w, "/srv/app", "file")
	child.implied = []Resource{parent}

	reality := NewReality(zerolog.Nop())
	if err := reality.Ensure(child, After(NameIdentity("mock", "x"))); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	assertions := reality.Seal()
	if len(assertions) != 2 {
		t.Fatalf("Expected 2 assertions, got %d", len(assertions))
	}
	if !assertions[0].Implicit || assertions[0].Resource != Resource(parent) {
		t.Errorf("Expected implied parent first, got %+v", assertions[0])
	}
	if assertions[1].Implicit {
		t.Error("Declared resource must not be implicit")
	}
	if len(assertions[0].After) != 0 || len(assertions[1].After) != 1 {
		t.Error("Ordering hints belong only to the declared resource")
	}
}
