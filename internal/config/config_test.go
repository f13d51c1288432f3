package config

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.BrowserName != "chromium" {
		t.Errorf("browser = %s", cfg.BrowserName)
	}
	if !cfg.Headless {
		t.Error("headless should default to true")
	}
	if cfg.UseRelationalStorage() {
		t.Error("relational storage selected without DATABASE_URL")
	}
}

func TestRelationalSelection(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:knowledge.db")
	if !FromEnv().UseRelationalStorage() {
		t.Error("DATABASE_URL should select relational storage")
	}
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KNOWLEDGE_STORAGE", "PostgreSQL")
	if !FromEnv().UseRelationalStorage() {
		t.Error("KNOWLEDGE_STORAGE=postgresql should select relational storage")
	}
}

func TestProxyPoolParsing(t *testing.T) {
	t.Setenv("PROXY_POOL", "http://p1:8080, http://p2:8080 ,")
	cfg := FromEnv()
	if len(cfg.ProxyPool) != 2 {
		t.Fatalf("pool = %v", cfg.ProxyPool)
	}
	if cfg.ProxyPool[1] != "http://p2:8080" {
		t.Errorf("pool[1] = %q", cfg.ProxyPool[1])
	}
}

func TestProxyServer(t *testing.T) {
	t.Setenv("PROXY_SERVER", "http://proxy:3128")
	t.Setenv("PROXY_USERNAME", "u")
	t.Setenv("PROXY_PASSWORD", "p")
	cfg := FromEnv()
	if cfg.Proxy == nil || cfg.Proxy.Server != "http://proxy:3128" || cfg.Proxy.Username != "u" {
		t.Errorf("proxy = %+v", cfg.Proxy)
	}
	opts := cfg.LaunchOptions()
	if opts.Proxy != cfg.Proxy {
		t.Error("launch options did not carry the proxy")
	}
}
