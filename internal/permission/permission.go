// Package permission implements the permission gate (SPEC_FULL.md
// §4.9): a closed capability set checked before any remote input event
// reaches the input sink. Grounded on the teacher's closed-enum +
// lookup-table idiom (internal/config.ValidateTiered,
// internal/corekind.policyTable) applied here to capability bits
// instead of config fields.
package permission

import (
	"sync"

	"github.com/driftpeer/core/internal/logging"
)

var log = logging.L("permission")

// Capability is one bit in the closed permission set spec.md §4.9
// requires.
type Capability string

const (
	CapMouseMove      Capability = "accept-mouse-move"
	CapMouseButtons   Capability = "accept-mouse-buttons"
	CapKeyboard       Capability = "accept-keyboard"
	CapClipboardWrite Capability = "accept-clipboard-write"
	CapClipboardRead  Capability = "accept-clipboard-read"
	CapFileTransfer   Capability = "accept-file-transfer"
	CapTextInput      Capability = "accept-text-input"
)

// AllCapabilities lists every capability in the closed set, in a
// stable order, for UI/config enumeration.
var AllCapabilities = []Capability{
	CapMouseMove,
	CapMouseButtons,
	CapKeyboard,
	CapClipboardWrite,
	CapClipboardRead,
	CapFileTransfer,
	CapTextInput,
}

func validCapability(c Capability) bool {
	for _, k := range AllCapabilities {
		if k == c {
			return true
		}
	}
	return false
}

// Decision is the gate's verdict for one incoming event.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDeny
	DecisionDenyAndNotify
)

// Descriptor is the immutable per-session capability grant, fixed at
// session start per spec.md §4.9 ("immutable per-session descriptor").
type Descriptor struct {
	granted map[Capability]bool
}

// NewDescriptor builds an immutable Descriptor from the capabilities
// granted for one session. Unknown capability strings are ignored —
// the set is closed, so unrecognized entries are a caller bug, not a
// new capability.
func NewDescriptor(granted []Capability) Descriptor {
	m := make(map[Capability]bool, len(granted))
	for _, c := range granted {
		if !validCapability(c) {
			log.Warn("ignoring unknown capability", "capability", string(c))
			continue
		}
		m[c] = true
	}
	return Descriptor{granted: m}
}

// Has reports whether the descriptor grants c.
func (d Descriptor) Has(c Capability) bool {
	return d.granted[c]
}

// Gate evaluates incoming events against a session's Descriptor and
// tracks which capability kinds have already triggered a deny
// notification, so a denied sender is told only once per kind per
// session (spec.md §7 PermissionDenied policy).
type Gate struct {
	mu         sync.Mutex
	descriptor Descriptor
	notified   map[Capability]bool
}

// NewGate constructs a Gate for one session's fixed Descriptor.
func NewGate(d Descriptor) *Gate {
	return &Gate{descriptor: d, notified: make(map[Capability]bool)}
}

// Evaluate returns the gate's decision for an event requiring
// capability c. The first denial of a given capability within this
// gate's lifetime returns DenyAndNotify; subsequent denials of the
// same capability return plain Deny.
func (g *Gate) Evaluate(c Capability) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.descriptor.Has(c) {
		return DecisionAllow
	}
	if g.notified[c] {
		return DecisionDeny
	}
	g.notified[c] = true
	return DecisionDenyAndNotify
}

// Descriptor returns the gate's fixed capability set.
func (g *Gate) Descriptor() Descriptor {
	return g.descriptor
}
