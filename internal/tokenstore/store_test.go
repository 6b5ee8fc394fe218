package tokenstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsEmptyStore(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if _, ok := s.Get("twitch"); ok {
		t.Fatalf("empty store should have no twitch entry")
	}
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	exp := int64(1700000000000)
	if err := s.Set("twitch", Token{AccessToken: "acc", RefreshToken: "ref", ExpiresAt: &exp}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	tok, ok := reloaded.Get("twitch")
	if !ok {
		t.Fatalf("twitch entry missing after reload")
	}
	if tok.AccessToken != "acc" || tok.RefreshToken != "ref" {
		t.Fatalf("tokens = %+v", tok)
	}
	if tok.ExpiresAt == nil || *tok.ExpiresAt != exp {
		t.Fatalf("expiresAt = %v", tok.ExpiresAt)
	}
	if tok.APIKey != tok.AccessToken {
		t.Fatalf("apiKey %q must mirror accessToken %q", tok.APIKey, tok.AccessToken)
	}
}

func TestStore_PreservesUnknownSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	seed := `{
  "twitch": {"accessToken": "old", "refreshToken": "oldref"},
  "youtube": {"accessToken": "yt", "custom": {"nested": [1, 2, 3]}},
  "extra": "opaque-value"
}`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.Set("twitch", Token{AccessToken: "new", RefreshToken: "newref"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}

	var extra string
	if err := json.Unmarshal(doc["extra"], &extra); err != nil || extra != "opaque-value" {
		t.Fatalf("extra section mutated: %s (%v)", doc["extra"], err)
	}
	var yt map[string]json.RawMessage
	if err := json.Unmarshal(doc["youtube"], &yt); err != nil {
		t.Fatalf("youtube section: %v", err)
	}
	if string(yt["custom"]) != `{"nested": [1, 2, 3]}` && string(yt["custom"]) != `{"nested":[1,2,3]}` {
		t.Fatalf("youtube custom data mutated: %s", yt["custom"])
	}
	tok, _ := s.Get("twitch")
	if tok.AccessToken != "new" {
		t.Fatalf("twitch update lost: %+v", tok)
	}
}

func TestStore_AtomicReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, _ := Load(path)
	_ = s.Set("tiktok", Token{AccessToken: "a"})
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	// Every read must observe the last complete write.
	for i := 0; i < 5; i++ {
		_ = s.Set("tiktok", Token{AccessToken: "a", RefreshToken: "r"})
		if err := s.Save(path); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		if tok, ok := got.Get("tiktok"); !ok || tok.RefreshToken != "r" {
			t.Fatalf("partial write observed at %d: %+v", i, tok)
		}
	}
}

func TestWatch_ReloadOnRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fired := make(chan struct{}, 4)
	stop := make(chan struct{})
	defer close(stop)

	if err := Watch(stop, func() { fired <- struct{}{} }, path); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// Atomic rotation: write temp then rename over the watched path.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(`{"twitch":{"accessToken":"x"}}`), 0o600); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("reload callback never fired")
	}
}
