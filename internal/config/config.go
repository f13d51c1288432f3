// Package config assembles process configuration from environment variables
// and defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"webpilot/internal/browser"
)

// Config is the resolved process configuration.
type Config struct {
	DataDir       string
	ListenAddr    string
	ScreenshotDir string

	// Knowledge storage. DATABASE_URL or KNOWLEDGE_STORAGE=postgresql select
	// the relational adapter; otherwise the file adapter is used.
	DatabaseURL      string
	KnowledgeStorage string

	// Browser.
	Headless    bool
	BrowserName string
	UserDataDir string
	Proxy       *browser.ProxyConfig
	ProxyPool   []string

	// LLM refinement.
	LLMProvider string
	LLMAPIKey   string

	SiteConfigPath string
}

// FromEnv reads configuration from the environment.
func FromEnv() Config {
	dataDir := envOr("WEBPILOT_DATA_DIR", "data")
	cfg := Config{
		DataDir:          dataDir,
		ListenAddr:       envOr("WEBPILOT_LISTEN_ADDR", ":8080"),
		ScreenshotDir:    filepath.Join(dataDir, "screenshots"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		KnowledgeStorage: os.Getenv("KNOWLEDGE_STORAGE"),
		Headless:         envBool("PLAYWRIGHT_HEADLESS", true),
		BrowserName:      envOr("PLAYWRIGHT_BROWSER", "chromium"),
		UserDataDir:      os.Getenv("PLAYWRIGHT_USER_DATA_DIR"),
		LLMProvider:      os.Getenv("LLM_PROVIDER"),
		SiteConfigPath:   envOr("WEBPILOT_SITE_CONFIG", filepath.Join(dataDir, "site-config.json")),
	}

	if server := os.Getenv("PROXY_SERVER"); server != "" {
		cfg.Proxy = &browser.ProxyConfig{
			Server:   server,
			Username: os.Getenv("PROXY_USERNAME"),
			Password: os.Getenv("PROXY_PASSWORD"),
		}
	}
	if pool := os.Getenv("PROXY_POOL"); pool != "" {
		for _, entry := range strings.Split(pool, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.ProxyPool = append(cfg.ProxyPool, entry)
			}
		}
	}

	cfg.LLMAPIKey = os.Getenv("GEMINI_API_KEY")
	if cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg
}

// UseRelationalStorage reports whether the relational knowledge adapter
// should be used.
func (c Config) UseRelationalStorage() bool {
	return c.DatabaseURL != "" || strings.EqualFold(c.KnowledgeStorage, "postgresql")
}

// LaunchOptions maps the config onto browser launch options.
func (c Config) LaunchOptions() browser.LaunchOptions {
	return browser.LaunchOptions{
		Headless:    c.Headless,
		Browser:     c.BrowserName,
		UserDataDir: c.UserDataDir,
		Proxy:       c.Proxy,
		ProxyPool:   c.ProxyPool,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
