//go:build darwin && !cgo

package clipboard

import "errors"

// SystemClipboard is the no-CGO stub used when the darwin build has
// cgo disabled.
type SystemClipboard struct{}

// NewSystemClipboard constructs the CGO-less stub Provider.
func NewSystemClipboard() *SystemClipboard {
	return &SystemClipboard{}
}

func (s *SystemClipboard) GetContent() (Content, error) {
	return Content{}, errors.New("clipboard: unavailable (built without cgo)")
}

func (s *SystemClipboard) SetContent(content Content) error {
	return errors.New("clipboard: unavailable (built without cgo)")
}
