package cowframe

import "testing"

func TestGetUndefinedByDefault(t *testing.T) {
	f := New()
	if got := f.Get(5); got != Undefined {
		t.Errorf("Get(unset) = %v, want Undefined", got)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	f := New()
	f.Set(42, "hello")
	if got := f.Get(42); got != "hello" {
		t.Errorf("Get(42) = %v, want %q", got, "hello")
	}
	if got := f.Get(43); got != Undefined {
		t.Errorf("Get(43) = %v, want Undefined", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	f := New()
	f.Set(1, "original")

	clone := f.Clone()
	clone.Set(1, "mutated")

	if got := f.Get(1); got != "original" {
		t.Errorf("clone's write leaked into original: Get(1) = %v, want %q", got, "original")
	}
	if got := clone.Get(1); got != "mutated" {
		t.Errorf("Get(1) on clone = %v, want %q", got, "mutated")
	}
}

func TestCloneSeesPriorWrites(t *testing.T) {
	f := New()
	f.Set(7, "shared")
	clone := f.Clone()

	if got := clone.Get(7); got != "shared" {
		t.Errorf("clone should see writes made before Clone, got %v", got)
	}
}

func TestIndependentRegistersDoNotInterfere(t *testing.T) {
	f := New()
	f.Set(0, "zero")
	f.Set(65535, "max")

	if got := f.Get(0); got != "zero" {
		t.Errorf("Get(0) = %v, want %q", got, "zero")
	}
	if got := f.Get(65535); got != "max" {
		t.Errorf("Get(65535) = %v, want %q", got, "max")
	}
}

func TestMultipleClonesAllIndependent(t *testing.T) {
	f := New()
	f.Set(10, "base")

	a := f.Clone()
	b := f.Clone()
	a.Set(10, "a")
	b.Set(10, "b")

	if got := f.Get(10); got != "base" {
		t.Errorf("original mutated: Get(10) = %v, want %q", got, "base")
	}
	if got := a.Get(10); got != "a" {
		t.Errorf("a.Get(10) = %v, want %q", got, "a")
	}
	if got := b.Get(10); got != "b" {
		t.Errorf("b.Get(10) = %v, want %q", got, "b")
	}
}
