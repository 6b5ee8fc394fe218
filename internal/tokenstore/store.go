// Package tokenstore persists per-platform OAuth credentials as a single
// JSON document. Writes go through a temp file + rename so readers never
// observe a partial document, and sections for platforms this process does
// not manage round-trip verbatim.
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Token is one platform's credential set. APIKey mirrors AccessToken after
// every mutation; Mirror enforces the invariant.
type Token struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    *int64 `json:"expiresAt,omitempty"` // epoch milliseconds
	APIKey       string `json:"apiKey,omitempty"`
}

// Mirror returns a copy with APIKey set to AccessToken.
func (t Token) Mirror() Token {
	t.APIKey = t.AccessToken
	return t
}

// Store holds the decoded document. Known platforms decode into Token;
// everything else stays as raw JSON and is written back untouched.
type Store struct {
	mu  sync.Mutex
	raw map[string]json.RawMessage
}

// Load reads the store at path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("tokenstore: path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{raw: make(map[string]json.RawMessage)}, nil
		}
		return nil, fmt.Errorf("tokenstore: read %s: %w", path, err)
	}

	raw := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("tokenstore: decode %s: %w", path, err)
		}
	}
	return &Store{raw: raw}, nil
}

// Get returns the token recorded for platform, if any.
func (s *Store) Get(platform string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.raw[platform]
	if !ok {
		return Token{}, false
	}
	var tok Token
	if err := json.Unmarshal(entry, &tok); err != nil {
		return Token{}, false
	}
	return tok.Mirror(), true
}

// Set records the token for platform. Other sections are untouched.
func (s *Store) Set(platform string, tok Token) error {
	data, err := json.Marshal(tok.Mirror())
	if err != nil {
		return fmt.Errorf("tokenstore: encode %s: %w", platform, err)
	}
	s.mu.Lock()
	s.raw[platform] = data
	s.mu.Unlock()
	return nil
}

// Delete removes the platform's section.
func (s *Store) Delete(platform string) {
	s.mu.Lock()
	delete(s.raw, platform)
	s.mu.Unlock()
}

// Platforms lists the keys present in the document.
func (s *Store) Platforms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.raw))
	for k := range s.raw {
		out = append(out, k)
	}
	return out
}

// Save writes the document to path via <path>.tmp + rename.
func (s *Store) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("tokenstore: path is empty")
	}

	s.mu.Lock()
	data, err := json.MarshalIndent(s.raw, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("tokenstore: encode: %w", err)
	}

	return atomicWrite(path, append(data, '\n'), 0o600)
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Chmod(path, mode)
}
