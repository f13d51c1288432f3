package siteconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "sites.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSubstringDomainMatch(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"sites": {
			"x.test": {"highActivity": true, "postLoadWait": 1500},
			"chat.x.test": {"navigationTimeout": 60000}
		},
		"defaults": {"navigationTimeout": 30000, "waitUntil": "networkidle"}
	}`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}

	// Longest matching key wins.
	cfg := m.For("https://chat.x.test/rooms")
	if cfg.NavigationTimeout != 60000 {
		t.Errorf("timeout = %d, want chat.x.test entry", cfg.NavigationTimeout)
	}

	cfg = m.For("https://www.x.test/login")
	if !cfg.HighActivity || cfg.PostLoadWait != 1500 {
		t.Errorf("cfg = %+v, want x.test entry", cfg)
	}
	// High-activity sites default to the load path.
	if cfg.WaitUntil != "load" {
		t.Errorf("waitUntil = %s, want load for high-activity", cfg.WaitUntil)
	}

	cfg = m.For("https://other.test/")
	if cfg.NavigationTimeout != 30000 || cfg.WaitUntil != "networkidle" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestMissingFileUsesBuiltins(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.For("https://x.test/")
	if cfg.NavigationTimeout != 30000 || cfg.WaitUntil != "networkidle" {
		t.Errorf("builtin defaults = %+v", cfg)
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"sites": {"x.test": {"postLoadWait": 100}}}`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.For("https://x.test/").PostLoadWait; got != 100 {
		t.Fatalf("initial postLoadWait = %d", got)
	}

	writeConfig(t, dir, `{"sites": {"x.test": {"postLoadWait": 900}}}`)
	if err := m.reload(); err != nil {
		t.Fatal(err)
	}
	if got := m.For("https://x.test/").PostLoadWait; got != 900 {
		t.Errorf("reloaded postLoadWait = %d, want 900", got)
	}
}
