package corekind

import (
	"errors"
	"testing"
)

func TestWrapUnwrapsUnderlyingError(t *testing.T) {
	base := errors.New("socket closed")
	err := Wrap(SignalingUnreachable, "signaling", "connect failed", base)

	if !errors.Is(err, base) {
		t.Fatal("expected Unwrap to expose the underlying error")
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := New(CaptureLost, "capture", "monitor disconnected")
	if !Is(err, CaptureLost) {
		t.Fatal("expected Is to match CaptureLost")
	}
	if Is(err, EncoderUnavailable) {
		t.Fatal("expected Is to not match a different kind")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), CaptureLost) {
		t.Fatal("expected Is to return false for a non-taxonomy error")
	}
}

func TestPolicyForKnownAndUnknownKinds(t *testing.T) {
	if got := PolicyFor(CaptureTransient); got != PolicyRecoverLocal {
		t.Fatalf("expected PolicyRecoverLocal for CaptureTransient, got %v", got)
	}
	if got := PolicyFor(HandshakeFailed); got != PolicyNoRetry {
		t.Fatalf("expected PolicyNoRetry for HandshakeFailed, got %v", got)
	}
	if got := PolicyFor(Kind("unknown_kind")); got != PolicySessionFatal {
		t.Fatalf("expected PolicySessionFatal default for unknown kind, got %v", got)
	}
}
