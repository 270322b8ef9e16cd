//go:build !linux

package inputsink

import "fmt"

// genericBackend is the stub used on platforms without a dedicated
// input backend wired yet (mirrors the teacher's *_other.go fallback
// convention).
type genericBackend struct{}

// NewPlatformBackend returns the fallback Backend for unsupported
// platforms.
func NewPlatformBackend() Backend {
	return &genericBackend{}
}

func (g *genericBackend) MouseMove(x, y int) error { return errUnsupported("MouseMove") }
func (g *genericBackend) MouseButton(x, y int, button string, down bool) error {
	return errUnsupported("MouseButton")
}
func (g *genericBackend) MouseScroll(x, y int, delta int) error { return errUnsupported("MouseScroll") }
func (g *genericBackend) KeyEvent(key string, modifiers []string, down bool) error {
	return errUnsupported("KeyEvent")
}
func (g *genericBackend) TypeText(text string) error { return errUnsupported("TypeText") }

func errUnsupported(op string) error {
	return fmt.Errorf("inputsink: %s not implemented on this platform", op)
}
