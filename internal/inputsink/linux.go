//go:build linux

package inputsink

import (
	"os/exec"
	"strconv"
	"strings"
)

// LinuxBackend dispatches input via xdotool, matching the teacher's
// LinuxInputHandler exactly in mechanism.
type LinuxBackend struct{}

// NewPlatformBackend returns the Linux xdotool-backed Backend.
func NewPlatformBackend() Backend {
	return &LinuxBackend{}
}

func (b *LinuxBackend) MouseMove(x, y int) error {
	return exec.Command("xdotool", "mousemove", strconv.Itoa(x), strconv.Itoa(y)).Run()
}

func (b *LinuxBackend) MouseButton(x, y int, button string, down bool) error {
	if err := b.MouseMove(x, y); err != nil {
		return err
	}
	btn := xdotoolButton(button)
	action := "mousedown"
	if !down {
		action = "mouseup"
	}
	return exec.Command("xdotool", action, btn).Run()
}

func (b *LinuxBackend) MouseScroll(x, y int, delta int) error {
	if err := b.MouseMove(x, y); err != nil {
		return err
	}
	direction := "4"
	if delta < 0 {
		direction = "5"
		delta = -delta
	}
	for i := 0; i < delta; i++ {
		if err := exec.Command("xdotool", "click", direction).Run(); err != nil {
			return err
		}
	}
	return nil
}

func (b *LinuxBackend) KeyEvent(key string, modifiers []string, down bool) error {
	keyStr := translateKey(key)
	if len(modifiers) > 0 {
		mods := make([]string, 0, len(modifiers))
		for _, m := range modifiers {
			switch strings.ToLower(m) {
			case "ctrl", "control":
				mods = append(mods, "ctrl")
			case "alt":
				mods = append(mods, "alt")
			case "shift":
				mods = append(mods, "shift")
			case "meta", "super", "win", "cmd":
				mods = append(mods, "super")
			}
		}
		keyStr = strings.Join(append(mods, keyStr), "+")
	}
	action := "keydown"
	if !down {
		action = "keyup"
	}
	return exec.Command("xdotool", action, keyStr).Run()
}

func (b *LinuxBackend) TypeText(text string) error {
	return exec.Command("xdotool", "type", "--", text).Run()
}

func xdotoolButton(button string) string {
	switch button {
	case "right":
		return "3"
	case "middle":
		return "2"
	default:
		return "1"
	}
}

func translateKey(key string) string {
	switch strings.ToLower(key) {
	case "enter", "return":
		return "Return"
	case "tab":
		return "Tab"
	case "space":
		return "space"
	case "backspace":
		return "BackSpace"
	case "escape", "esc":
		return "Escape"
	case "delete", "del":
		return "Delete"
	case "home":
		return "Home"
	case "end":
		return "End"
	case "pageup":
		return "Page_Up"
	case "pagedown":
		return "Page_Down"
	case "up":
		return "Up"
	case "down":
		return "Down"
	case "left":
		return "Left"
	case "right":
		return "Right"
	default:
		return key
	}
}
