package types

import "testing"

func TestRequestIDString(t *testing.T) {
	if got := RequestID(42).String(); got != "req-42" {
		t.Errorf("RequestID.String() = %q, want %q", got, "req-42")
	}
}

func TestPDFlags(t *testing.T) {
	f := PDFlagInput | PDFlagAsync
	if !f.IsInput() {
		t.Error("expected IsInput() true")
	}
	if f.IsOutput() {
		t.Error("expected IsOutput() false")
	}
	if !f.IsAsync() {
		t.Error("expected IsAsync() true")
	}
	if f.IsShadow() || f.IsPersist() || f.IsDisabled() {
		t.Error("expected remaining flag bits unset")
	}
}

func TestActionKindString(t *testing.T) {
	cases := map[ActionKind]string{
		ActionInit:   "init",
		ActionExec:   "exec",
		ActionUnload: "unload",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ActionKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
