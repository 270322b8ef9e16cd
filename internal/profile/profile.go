// Package profile implements the persisted peer-profile document
// (SPEC_FULL.md §6): a single JSON file per user holding the device's
// own identity, its default signaling server, and the list of
// previously paired peers with their last-seen capability descriptors.
//
// Grounded on the teacher's internal/config.SaveTo (config directory
// resolution, 0600 permissions since the file holds identifying
// material) but writing via a temp-file-then-rename sequence instead
// of viper.WriteConfigAs, since spec.md §6 requires atomic writes and
// viper's writer does not guarantee that — os.Rename on the same
// filesystem is POSIX's atomic-replace primitive and the only
// available one in the standard library; no pack dependency offers an
// atomic-config-write helper, so this one component is stdlib-only by
// necessity (see DESIGN.md).
package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftpeer/core/internal/logging"
	"github.com/driftpeer/core/internal/permission"
)

var log = logging.L("profile")

// PeerRecord is one previously-paired peer and its last-seen
// capability descriptor.
type PeerRecord struct {
	DeviceID     string                  `json:"device_id"`
	DeviceName   string                  `json:"device_name"`
	Capabilities []permission.Capability `json:"capabilities"`
	LastSeen     time.Time               `json:"last_seen"`
}

// Document is the on-disk JSON shape.
type Document struct {
	DeviceID            string       `json:"device_id"`
	DefaultSignalingURL string       `json:"default_signaling_url"`
	Peers               []PeerRecord `json:"peers"`
}

// Store manages the on-disk profile document with atomic writes.
type Store struct {
	mu   sync.Mutex
	path string
	doc  Document
}

// DefaultPath returns the platform-specific profile file location,
// mirroring the teacher's config-directory convention.
func DefaultPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "DriftPeer", "profile.json")
	case "darwin":
		return "/Library/Application Support/DriftPeer/profile.json"
	default:
		return filepath.Join("/etc", "driftpeer", "profile.json")
	}
}

// Load reads the profile document at path, creating a fresh one with a
// newly generated device id if the file does not exist.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.doc = Document{DeviceID: uuid.NewString()}
		if saveErr := s.save(); saveErr != nil {
			return nil, saveErr
		}
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, err
	}
	if s.doc.DeviceID == "" {
		s.doc.DeviceID = uuid.NewString()
	}
	return s, nil
}

// DeviceID returns this device's stable UUID.
func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.DeviceID
}

// SetDefaultSignalingURL updates and persists the default signaling
// server address.
func (s *Store) SetDefaultSignalingURL(url string) error {
	s.mu.Lock()
	s.doc.DefaultSignalingURL = url
	s.mu.Unlock()
	return s.Save()
}

// DefaultSignalingURL returns the persisted default signaling server.
func (s *Store) DefaultSignalingURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.DefaultSignalingURL
}

// UpsertPeer records or updates a paired peer's last-seen capability
// descriptor and persists the document.
func (s *Store) UpsertPeer(rec PeerRecord) error {
	s.mu.Lock()
	found := false
	for i, p := range s.doc.Peers {
		if p.DeviceID == rec.DeviceID {
			s.doc.Peers[i] = rec
			found = true
			break
		}
	}
	if !found {
		s.doc.Peers = append(s.doc.Peers, rec)
	}
	s.mu.Unlock()
	return s.Save()
}

// Peers returns a copy of the paired-peers list.
func (s *Store) Peers() []PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerRecord, len(s.doc.Peers))
	copy(out, s.doc.Peers)
	return out
}

// Save persists the current document atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// save performs the write-temp-then-rename sequence; callers must hold
// s.mu.
func (s *Store) save() error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".profile-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		log.Warn("failed to set profile file permissions", "error", err)
	}
	return os.Rename(tmpPath, s.path)
}
