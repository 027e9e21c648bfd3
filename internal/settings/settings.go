// Package settings resolves per-conversation settings overlays.
//
// Each conversation directory may hold a settings.json with flat key/value
// overrides (thinking budget, temperature, tool toggles). At read time the
// overrides are merged over process-wide defaults; null-valued overrides are
// ignored so a client can send partial documents without clearing defaults.
package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const settingsFile = "settings.json"

// Service reads and writes per-conversation settings overlays under the
// conversations root directory.
type Service struct {
	root     string
	defaults map[string]any

	mu sync.Mutex
}

// New builds a settings service over the conversations root. defaults is the
// process-wide base layer; it is copied, not retained.
func New(root string, defaults map[string]any) *Service {
	base := make(map[string]any, len(defaults))
	for k, v := range defaults {
		base[k] = v
	}
	return &Service{
		root:     filepath.Clean(strings.TrimSpace(root)),
		defaults: base,
	}
}

// Defaults returns a copy of the process-wide base settings.
func (s *Service) Defaults() map[string]any {
	if s == nil {
		return nil
	}
	out := make(map[string]any, len(s.defaults))
	for k, v := range s.defaults {
		out[k] = v
	}
	return out
}

func (s *Service) path(conversationID string) string {
	return filepath.Join(s.root, conversationID, settingsFile)
}

// Overrides returns the raw overlay for one conversation. A missing or
// unreadable overlay is an empty map, never an error: the overlay is an
// optional read.
func (s *Service) Overrides(conversationID string) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(conversationID)
}

func (s *Service) loadLocked(conversationID string) map[string]any {
	data, err := os.ReadFile(s.path(conversationID))
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// Resolve merges the conversation overlay over the defaults. Keys with null
// values in the overlay do not shadow defaults.
func (s *Service) Resolve(conversationID string) map[string]any {
	if s == nil {
		return nil
	}
	resolved := s.Defaults()
	for k, v := range s.Overrides(conversationID) {
		if v == nil {
			continue
		}
		resolved[k] = v
	}
	return resolved
}

// Set writes one override key. A nil value removes the key from the overlay.
func (s *Service) Set(conversationID string, key string, value any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing settings key")
	}
	return s.Update(conversationID, map[string]any{key: value})
}

// Update applies several override keys in one write. Nil values delete keys.
func (s *Service) Update(conversationID string, changes map[string]any) error {
	if s == nil {
		return errors.New("nil settings service")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("missing conversation id")
	}
	if len(changes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	overlay := s.loadLocked(conversationID)
	for k, v := range changes {
		if v == nil {
			delete(overlay, k)
			continue
		}
		overlay[k] = v
	}
	return s.saveLocked(conversationID, overlay)
}

func (s *Service) saveLocked(conversationID string, overlay map[string]any) error {
	data, err := json.MarshalIndent(overlay, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(conversationID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
