package permission

import "testing"

func TestDescriptorHasGrantedOnly(t *testing.T) {
	d := NewDescriptor([]Capability{CapMouseMove, CapKeyboard})
	if !d.Has(CapMouseMove) {
		t.Fatal("expected CapMouseMove to be granted")
	}
	if d.Has(CapClipboardWrite) {
		t.Fatal("expected CapClipboardWrite to be ungranted")
	}
}

func TestDescriptorIgnoresUnknownCapability(t *testing.T) {
	d := NewDescriptor([]Capability{"accept-nonsense"})
	if d.Has("accept-nonsense") {
		t.Fatal("unknown capability should not be granted")
	}
}

func TestGateEvaluateAllowsGranted(t *testing.T) {
	g := NewGate(NewDescriptor([]Capability{CapMouseMove}))
	if got := g.Evaluate(CapMouseMove); got != DecisionAllow {
		t.Fatalf("expected DecisionAllow, got %v", got)
	}
}

func TestGateEvaluateNotifiesOnceThenDeniesSilently(t *testing.T) {
	g := NewGate(NewDescriptor(nil))

	if got := g.Evaluate(CapKeyboard); got != DecisionDenyAndNotify {
		t.Fatalf("first denial: expected DenyAndNotify, got %v", got)
	}
	if got := g.Evaluate(CapKeyboard); got != DecisionDeny {
		t.Fatalf("second denial: expected plain Deny, got %v", got)
	}
	if got := g.Evaluate(CapKeyboard); got != DecisionDeny {
		t.Fatalf("third denial: expected plain Deny, got %v", got)
	}
}

func TestGateEvaluateTracksCapabilitiesIndependently(t *testing.T) {
	g := NewGate(NewDescriptor(nil))

	if got := g.Evaluate(CapKeyboard); got != DecisionDenyAndNotify {
		t.Fatalf("expected DenyAndNotify for keyboard, got %v", got)
	}
	if got := g.Evaluate(CapClipboardWrite); got != DecisionDenyAndNotify {
		t.Fatalf("expected DenyAndNotify for clipboard on first denial, got %v", got)
	}
}

func TestGateDescriptorReturnsFixedSet(t *testing.T) {
	d := NewDescriptor([]Capability{CapTextInput})
	g := NewGate(d)
	if !g.Descriptor().Has(CapTextInput) {
		t.Fatal("expected gate's descriptor to retain granted capability")
	}
}
