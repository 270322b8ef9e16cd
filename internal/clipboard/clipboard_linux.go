//go:build linux

package clipboard

import (
	"bytes"
	"os/exec"
)

// X11Clipboard reads and writes the X11 selection via xclip, matching
// the inputsink Linux backend's os/exec dispatch mechanism. Only text
// content is supported: xclip has no generic rich-content API, and
// spec.md's clipboard-fragment envelope is not specified beyond
// "clipboard fragment" framing.
type X11Clipboard struct{}

// NewSystemClipboard constructs the Linux Provider.
func NewSystemClipboard() *X11Clipboard {
	return &X11Clipboard{}
}

func (c *X11Clipboard) GetContent() (Content, error) {
	out, err := exec.Command("xclip", "-selection", "clipboard", "-o").Output()
	if err != nil {
		return Content{}, err
	}
	return Content{Type: ContentTypeText, Text: string(out)}, nil
}

func (c *X11Clipboard) SetContent(content Content) error {
	if content.Type != ContentTypeText {
		return errUnsupportedContent
	}
	cmd := exec.Command("xclip", "-selection", "clipboard", "-i")
	cmd.Stdin = bytes.NewReader([]byte(content.Text))
	return cmd.Run()
}
