//go:build !darwin && !windows && !linux

package clipboard

import "errors"

var errUnsupportedPlatform = errors.New("clipboard: unsupported platform")

// genericClipboard is the fallback Provider for unsupported platforms.
type genericClipboard struct{}

// NewSystemClipboard constructs the fallback Provider.
func NewSystemClipboard() *genericClipboard {
	return &genericClipboard{}
}

func (g *genericClipboard) GetContent() (Content, error) {
	return Content{}, errUnsupportedPlatform
}

func (g *genericClipboard) SetContent(content Content) error {
	return errUnsupportedPlatform
}
