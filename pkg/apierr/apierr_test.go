package apierr

import (
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", Validation("bad field %s", "name"), "validation"},
		{"not_found", NotFound("node", "n-1"), "not_found"},
		{"conflict", Conflict("name %s taken", "web"), "conflict"},
		{"sandbox", Sandbox(true, errors.New("boom")), "sandbox"},
		{"store", Store(errors.New("tx failed")), "store"},
		{"no_fit", NoFit("pod-1"), "no_fit"},
		{"unknown", errors.New("plain error"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStoreNilPassthrough(t *testing.T) {
	if err := Store(nil); err != nil {
		t.Errorf("Store(nil) = %v, want nil", err)
	}
}

func TestSandboxErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := Sandbox(false, inner)

	if !errors.Is(err, inner) {
		t.Error("Sandbox error should unwrap to the inner error")
	}

	var se *SandboxError
	if !errors.As(err, &se) {
		t.Fatal("expected errors.As to match *SandboxError")
	}
	if se.Transient {
		t.Error("expected non-transient sandbox error")
	}
}

func TestStoreErrorUnwrap(t *testing.T) {
	inner := errors.New("tx aborted")
	err := Store(inner)

	if !errors.Is(err, inner) {
		t.Error("Store error should unwrap to the inner error")
	}
}

func TestNotFoundMessage(t *testing.T) {
	err := NotFound("pod", "p-42")
	want := "pod not found: p-42"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNoFitMessage(t *testing.T) {
	err := NoFit("p-7")
	want := "no eligible node for pod p-7"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
